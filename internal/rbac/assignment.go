package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pesaloop/pesaloop-backend/internal/domain"
	"github.com/pesaloop/pesaloop-backend/internal/logging"
)

// RoleStore persists roles and role grants.
type RoleStore interface {
	RoleByID(ctx context.Context, roleID uuid.UUID) (*domain.Role, error)
	RoleByName(ctx context.Context, name string) (*domain.Role, error)
	UserRoles(ctx context.Context, userID uuid.UUID) ([]domain.UserRole, error)
	InsertUserRole(ctx context.Context, grant *domain.UserRole) error
	DeactivateUserRole(ctx context.Context, userID, roleID uuid.UUID) error
}

// RoleService manages role grants. Every successful change invalidates
// the target user's cached permission set.
type RoleService struct {
	store    RoleStore
	resolver *Resolver
	now      func() time.Time
}

func NewRoleService(store RoleStore, resolver *Resolver) *RoleService {
	return &RoleService{
		store:    store,
		resolver: resolver,
		now:      time.Now,
	}
}

// CanAssignRole reports whether the assigner may grant the role: the
// highest level among the assigner's effective roles must be at least
// the role's level. Superusers may assign anything.
func (s *RoleService) CanAssignRole(ctx context.Context, assigner *domain.User, role *domain.Role) (bool, error) {
	if assigner.IsSuperuser {
		return true, nil
	}

	grants, err := s.store.UserRoles(ctx, assigner.ID)
	if err != nil {
		return false, fmt.Errorf("CanAssignRole: %w", err)
	}

	now := s.now()
	var maxLevel domain.RoleLevel
	for _, grant := range grants {
		if !grant.Effective(now) || grant.Role == nil {
			continue
		}
		if grant.Role.Level > maxLevel {
			maxLevel = grant.Role.Level
		}
	}
	return maxLevel >= role.Level, nil
}

// AssignRole grants a role to a user. It is idempotent: if the user
// already holds the role effectively, it returns false with no error
// and no side effects.
func (s *RoleService) AssignRole(ctx context.Context, assigner *domain.User, userID, roleID uuid.UUID, expiresAt *time.Time) (bool, error) {
	role, err := s.store.RoleByID(ctx, roleID)
	if err != nil {
		return false, fmt.Errorf("AssignRole: %w", err)
	}

	allowed, err := s.CanAssignRole(ctx, assigner, role)
	if err != nil {
		return false, fmt.Errorf("AssignRole: %w", err)
	}
	if !allowed {
		return false, fmt.Errorf("AssignRole: level %d exceeds assigner authority: %w", role.Level, domain.ErrPermissionDenied)
	}

	existing, err := s.store.UserRoles(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("AssignRole: %w", err)
	}
	now := s.now()
	for _, grant := range existing {
		if grant.RoleID == roleID && grant.Effective(now) {
			return false, nil
		}
	}

	grant := &domain.UserRole{
		ID:         uuid.New(),
		UserID:     userID,
		RoleID:     roleID,
		AssignedBy: &assigner.ID,
		AssignedAt: now,
		ExpiresAt:  expiresAt,
		IsActive:   true,
	}
	if err := s.store.InsertUserRole(ctx, grant); err != nil {
		return false, fmt.Errorf("AssignRole: %w", err)
	}

	s.resolver.Invalidate(ctx, userID)
	logging.FromContext(ctx).Info("role assigned",
		"user_id", userID, "role", role.Name, "assigned_by", assigner.ID)
	return true, nil
}

// RevokeRole deactivates a user's role grant. Revoking a role the user
// does not hold is not an error.
func (s *RoleService) RevokeRole(ctx context.Context, assigner *domain.User, userID, roleID uuid.UUID) error {
	role, err := s.store.RoleByID(ctx, roleID)
	if err != nil {
		return fmt.Errorf("RevokeRole: %w", err)
	}

	allowed, err := s.CanAssignRole(ctx, assigner, role)
	if err != nil {
		return fmt.Errorf("RevokeRole: %w", err)
	}
	if !allowed {
		return fmt.Errorf("RevokeRole: level %d exceeds assigner authority: %w", role.Level, domain.ErrPermissionDenied)
	}

	if err := s.store.DeactivateUserRole(ctx, userID, roleID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("RevokeRole: %w", err)
	}

	s.resolver.Invalidate(ctx, userID)
	logging.FromContext(ctx).Info("role revoked",
		"user_id", userID, "role", role.Name, "revoked_by", assigner.ID)
	return nil
}

// AssignDefaultRole grants the registry's default role to a new user,
// bypassing the level check. Used at signup.
func (s *RoleService) AssignDefaultRole(ctx context.Context, userID uuid.UUID, roleName string) error {
	role, err := s.store.RoleByName(ctx, roleName)
	if err != nil {
		return fmt.Errorf("AssignDefaultRole: %w", err)
	}

	existing, err := s.store.UserRoles(ctx, userID)
	if err != nil {
		return fmt.Errorf("AssignDefaultRole: %w", err)
	}
	now := s.now()
	for _, grant := range existing {
		if grant.RoleID == role.ID && grant.Effective(now) {
			return nil
		}
	}

	grant := &domain.UserRole{
		ID:         uuid.New(),
		UserID:     userID,
		RoleID:     role.ID,
		AssignedAt: now,
		IsActive:   true,
	}
	if err := s.store.InsertUserRole(ctx, grant); err != nil {
		return fmt.Errorf("AssignDefaultRole: %w", err)
	}

	s.resolver.Invalidate(ctx, userID)
	return nil
}
