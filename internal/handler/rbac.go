package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pesaloop/pesaloop-backend/internal/auth"
	"github.com/pesaloop/pesaloop-backend/internal/domain"
	"github.com/pesaloop/pesaloop-backend/internal/logging"
)

type permissionResolver interface {
	EffectivePermissions(ctx context.Context, userID uuid.UUID) ([]string, error)
}

type roleService interface {
	AssignRole(ctx context.Context, assigner *domain.User, userID, roleID uuid.UUID, expiresAt *time.Time) (bool, error)
	RevokeRole(ctx context.Context, assigner *domain.User, userID, roleID uuid.UUID) error
}

type RBACHandler struct {
	resolver permissionResolver
	roles    roleService
}

func NewRBACHandler(resolver permissionResolver, roles roleService) *RBACHandler {
	return &RBACHandler{resolver: resolver, roles: roles}
}

// MyPermissions lists the caller's effective permission keys.
func (h *RBACHandler) MyPermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	permissions, err := h.resolver.EffectivePermissions(r.Context(), userID)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, map[string]any{"permissions": permissions})
}

type assignRoleRequest struct {
	UserID    string     `json:"user_id"`
	RoleID    string     `json:"role_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (r assignRoleRequest) Validate() []FieldError {
	var errs []FieldError

	if _, err := uuid.Parse(r.UserID); err != nil {
		errs = append(errs, FieldError{Field: "user_id", Message: "must be a valid UUID"})
	}
	if _, err := uuid.Parse(r.RoleID); err != nil {
		errs = append(errs, FieldError{Field: "role_id", Message: "must be a valid UUID"})
	}

	return errs
}

func (h *RBACHandler) AssignRole(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	assigner, ok := auth.UserFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	var req assignRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	userID, _ := uuid.Parse(req.UserID)
	roleID, _ := uuid.Parse(req.RoleID)

	assigned, err := h.roles.AssignRole(r.Context(), assigner, userID, roleID, req.ExpiresAt)
	if err != nil {
		log.Warn("role assignment failed", "user_id", userID, "role_id", roleID, "error", err)
		RespondDomainError(w, err)
		return
	}

	status := http.StatusCreated
	if !assigned {
		status = http.StatusOK
	}
	RespondSuccess(w, status, map[string]any{
		"user_id":  userID,
		"role_id":  roleID,
		"assigned": assigned,
	})
}

type revokeRoleRequest struct {
	UserID string `json:"user_id"`
	RoleID string `json:"role_id"`
}

func (h *RBACHandler) RevokeRole(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	assigner, ok := auth.UserFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	var req revokeRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		RespondValidationError(w, []FieldError{{Field: "user_id", Message: "must be a valid UUID"}})
		return
	}
	roleID, err := uuid.Parse(req.RoleID)
	if err != nil {
		RespondValidationError(w, []FieldError{{Field: "role_id", Message: "must be a valid UUID"}})
		return
	}

	if err := h.roles.RevokeRole(r.Context(), assigner, userID, roleID); err != nil {
		log.Warn("role revocation failed", "user_id", userID, "role_id", roleID, "error", err)
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"role_id": roleID,
		"revoked": true,
	})
}
