package domain

import (
	"time"

	"github.com/google/uuid"
)

type PermissionMethod string

const (
	MethodGet    PermissionMethod = "GET"
	MethodPost   PermissionMethod = "POST"
	MethodPut    PermissionMethod = "PUT"
	MethodPatch  PermissionMethod = "PATCH"
	MethodDelete PermissionMethod = "DELETE"
	MethodAll    PermissionMethod = "ALL"
)

// Permission is keyed by (codename, method) uniquely.
type Permission struct {
	ID          uuid.UUID
	Name        string
	Codename    string
	Method      PermissionMethod
	Category    string
	IsSensitive bool
	CreatedAt   time.Time
}

// Role levels order assignment strength: a principal may only grant
// roles at or below their own maximum level.
type RoleLevel int

const (
	RoleLevelBasic         RoleLevel = 1
	RoleLevelIntermediate  RoleLevel = 2
	RoleLevelSenior        RoleLevel = 3
	RoleLevelAdministrator RoleLevel = 4
	RoleLevelSystem        RoleLevel = 5
)

type Role struct {
	ID          uuid.UUID
	Name        string
	Description string
	Level       RoleLevel
	IsDefault   bool
	CreatedAt   time.Time
}

type RolePermission struct {
	ID           uuid.UUID
	RoleID       uuid.UUID
	PermissionID uuid.UUID
	GrantedBy    *uuid.UUID
	CreatedAt    time.Time
}

type UserRole struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	RoleID     uuid.UUID
	Role       *Role
	AssignedBy *uuid.UUID
	AssignedAt time.Time
	ExpiresAt  *time.Time
	IsActive   bool
}

// Effective reports whether the grant currently contributes to the
// user's permission set.
func (ur UserRole) Effective(now time.Time) bool {
	if !ur.IsActive {
		return false
	}
	if ur.ExpiresAt != nil && !ur.ExpiresAt.After(now) {
		return false
	}
	return true
}
