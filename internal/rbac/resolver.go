// Package rbac resolves role-based permissions. A user's effective
// permission set is the union of the permissions attached to their
// active, unexpired roles; resolved sets are cached with a short TTL
// and invalidated on every role change.
package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pesaloop/pesaloop-backend/internal/domain"
	"github.com/pesaloop/pesaloop-backend/internal/logging"
)

// Store loads role grants and role permissions.
type Store interface {
	UserRoles(ctx context.Context, userID uuid.UUID) ([]domain.UserRole, error)
	RolePermissions(ctx context.Context, roleID uuid.UUID) ([]domain.Permission, error)
}

// Cache holds resolved permission sets keyed by user. Get returns
// domain.ErrNotFound on a miss.
type Cache interface {
	Get(ctx context.Context, userID uuid.UUID) ([]string, error)
	Set(ctx context.Context, userID uuid.UUID, permissions []string, ttl time.Duration) error
	Invalidate(ctx context.Context, userID uuid.UUID) error
}

// Requirement is what an endpoint demands of the caller.
type Requirement struct {
	Codename          string
	Method            domain.PermissionMethod
	Sensitive         bool
	BusinessHoursOnly bool
}

type Resolver struct {
	store    Store
	cache    Cache
	cacheTTL time.Duration

	businessHoursStart int
	businessHoursEnd   int
	now                func() time.Time
}

func NewResolver(store Store, cache Cache, cacheTTL time.Duration, hoursStart, hoursEnd int) *Resolver {
	return &Resolver{
		store:              store,
		cache:              cache,
		cacheTTL:           cacheTTL,
		businessHoursStart: hoursStart,
		businessHoursEnd:   hoursEnd,
		now:                time.Now,
	}
}

// PermissionKey is the canonical "CODENAME.METHOD" form entries take in
// a resolved set.
func PermissionKey(codename string, method domain.PermissionMethod) string {
	return codename + "." + string(method)
}

// EffectivePermissions returns the user's resolved permission set,
// sorted. The cache is consulted first; a cache failure falls through
// to the store rather than denying.
func (r *Resolver) EffectivePermissions(ctx context.Context, userID uuid.UUID) ([]string, error) {
	cached, err := r.cache.Get(ctx, userID)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		logging.FromContext(ctx).Warn("permission cache read failed", "user_id", userID, "error", err)
	}

	permissions, err := r.resolve(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("EffectivePermissions: %w", err)
	}

	if err := r.cache.Set(ctx, userID, permissions, r.cacheTTL); err != nil {
		logging.FromContext(ctx).Warn("permission cache write failed", "user_id", userID, "error", err)
	}
	return permissions, nil
}

func (r *Resolver) resolve(ctx context.Context, userID uuid.UUID) ([]string, error) {
	grants, err := r.store.UserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := r.now()
	set := make(map[string]struct{})
	for _, grant := range grants {
		if !grant.Effective(now) {
			continue
		}
		permissions, err := r.store.RolePermissions(ctx, grant.RoleID)
		if err != nil {
			return nil, err
		}
		for _, p := range permissions {
			set[PermissionKey(p.Codename, p.Method)] = struct{}{}
		}
	}

	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// HasPermission reports whether the user holds (codename, method),
// either directly or through a codename.ALL grant. Superusers hold
// everything.
func (r *Resolver) HasPermission(ctx context.Context, user *domain.User, codename string, method domain.PermissionMethod) (bool, error) {
	if user.IsSuperuser {
		return true, nil
	}

	permissions, err := r.EffectivePermissions(ctx, user.ID)
	if err != nil {
		return false, fmt.Errorf("HasPermission: %w", err)
	}

	direct := PermissionKey(codename, method)
	wildcard := PermissionKey(codename, domain.MethodAll)
	for _, key := range permissions {
		if key == direct || key == wildcard {
			return true, nil
		}
	}
	return false, nil
}

// Authorize enforces a full requirement. The sensitivity gate demands
// strong authentication from everyone, superusers included; the
// business-hours gate exempts superusers; the permission check
// short-circuits for superusers.
func (r *Resolver) Authorize(ctx context.Context, user *domain.User, req Requirement) error {
	if req.Sensitive && !user.StrongAuthActive {
		return fmt.Errorf("Authorize: strong authentication required: %w", domain.ErrPermissionDenied)
	}

	if req.BusinessHoursOnly && !user.IsSuperuser && !r.withinBusinessHours() {
		return fmt.Errorf("Authorize: outside business hours: %w", domain.ErrPermissionDenied)
	}

	ok, err := r.HasPermission(ctx, user, req.Codename, req.Method)
	if err != nil {
		return fmt.Errorf("Authorize: %w", err)
	}
	if !ok {
		return fmt.Errorf("Authorize: missing %s: %w", PermissionKey(req.Codename, req.Method), domain.ErrPermissionDenied)
	}
	return nil
}

// Invalidate drops the user's cached set. Called after any role change.
func (r *Resolver) Invalidate(ctx context.Context, userID uuid.UUID) {
	if err := r.cache.Invalidate(ctx, userID); err != nil {
		logging.FromContext(ctx).Warn("permission cache invalidation failed", "user_id", userID, "error", err)
	}
}

func (r *Resolver) withinBusinessHours() bool {
	now := r.now()
	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return now.Hour() >= r.businessHoursStart && now.Hour() < r.businessHoursEnd
}
