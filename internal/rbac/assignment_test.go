package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesaloop/pesaloop-backend/internal/domain"
)

func testRoleService(store *memStore, cache *memCache, at time.Time) *RoleService {
	svc := NewRoleService(store, testResolver(store, cache, at))
	svc.now = func() time.Time { return at }
	return svc
}

func TestCanAssignRoleLevelOrdering(t *testing.T) {
	store := newMemStore()
	senior := store.addRole("senior", domain.RoleLevelSenior)
	admin := store.addRole("admin", domain.RoleLevelAdministrator)

	assigner := &domain.User{ID: uuid.New()}
	store.grant(assigner.ID, senior, nil, true)

	svc := testRoleService(store, newMemCache(), businessHours)
	ctx := context.Background()

	ok, err := svc.CanAssignRole(ctx, assigner, senior)
	require.NoError(t, err)
	assert.True(t, ok, "same level should be assignable")

	ok, err = svc.CanAssignRole(ctx, assigner, admin)
	require.NoError(t, err)
	assert.False(t, ok, "higher level should not be assignable")
}

func TestCanAssignRoleSuperuser(t *testing.T) {
	store := newMemStore()
	system := store.addRole("system", domain.RoleLevelSystem)

	svc := testRoleService(store, newMemCache(), businessHours)

	ok, err := svc.CanAssignRole(context.Background(), &domain.User{ID: uuid.New(), IsSuperuser: true}, system)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCanAssignRoleIgnoresExpiredGrants(t *testing.T) {
	store := newMemStore()
	admin := store.addRole("admin", domain.RoleLevelAdministrator)
	basic := store.addRole("basic", domain.RoleLevelBasic)

	assigner := &domain.User{ID: uuid.New()}
	past := businessHours.Add(-time.Hour)
	store.grant(assigner.ID, admin, &past, true)
	store.grant(assigner.ID, basic, nil, true)

	svc := testRoleService(store, newMemCache(), businessHours)

	ok, err := svc.CanAssignRole(context.Background(), assigner, admin)
	require.NoError(t, err)
	assert.False(t, ok, "expired admin grant should not count")
}

func TestAssignRole(t *testing.T) {
	store := newMemStore()
	cache := newMemCache()
	role := store.addRole("support", domain.RoleLevelIntermediate, perm("user", domain.MethodGet))

	assigner := &domain.User{ID: uuid.New(), IsSuperuser: true}
	userID := uuid.New()
	cache.entries[userID] = []string{"stale.GET"}

	svc := testRoleService(store, cache, businessHours)

	created, err := svc.AssignRole(context.Background(), assigner, userID, role.ID, nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotContains(t, cache.entries, userID, "assignment should invalidate the cached set")

	grants := store.userRoles[userID]
	require.Len(t, grants, 1)
	assert.Equal(t, role.ID, grants[0].RoleID)
	assert.Equal(t, &assigner.ID, grants[0].AssignedBy)
}

func TestAssignRoleIdempotent(t *testing.T) {
	store := newMemStore()
	role := store.addRole("support", domain.RoleLevelIntermediate)
	assigner := &domain.User{ID: uuid.New(), IsSuperuser: true}
	userID := uuid.New()

	svc := testRoleService(store, newMemCache(), businessHours)
	ctx := context.Background()

	created, err := svc.AssignRole(ctx, assigner, userID, role.ID, nil)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = svc.AssignRole(ctx, assigner, userID, role.ID, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, store.userRoles[userID], 1)
}

func TestAssignRoleDeniedAboveAssignerLevel(t *testing.T) {
	store := newMemStore()
	basic := store.addRole("basic", domain.RoleLevelBasic)
	admin := store.addRole("admin", domain.RoleLevelAdministrator)

	assigner := &domain.User{ID: uuid.New()}
	store.grant(assigner.ID, basic, nil, true)

	svc := testRoleService(store, newMemCache(), businessHours)

	_, err := svc.AssignRole(context.Background(), assigner, uuid.New(), admin.ID, nil)
	require.ErrorIs(t, err, domain.ErrPermissionDenied)
}

func TestAssignRoleUnknownRole(t *testing.T) {
	svc := testRoleService(newMemStore(), newMemCache(), businessHours)

	_, err := svc.AssignRole(context.Background(), &domain.User{ID: uuid.New(), IsSuperuser: true}, uuid.New(), uuid.New(), nil)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRevokeRole(t *testing.T) {
	store := newMemStore()
	cache := newMemCache()
	role := store.addRole("support", domain.RoleLevelIntermediate)

	assigner := &domain.User{ID: uuid.New(), IsSuperuser: true}
	userID := uuid.New()
	store.grant(userID, role, nil, true)
	cache.entries[userID] = []string{"user.GET"}

	svc := testRoleService(store, cache, businessHours)

	require.NoError(t, svc.RevokeRole(context.Background(), assigner, userID, role.ID))
	assert.False(t, store.userRoles[userID][0].IsActive)
	assert.NotContains(t, cache.entries, userID)
}

func TestRevokeRoleNotHeldIsNoop(t *testing.T) {
	store := newMemStore()
	role := store.addRole("support", domain.RoleLevelIntermediate)

	svc := testRoleService(store, newMemCache(), businessHours)

	err := svc.RevokeRole(context.Background(), &domain.User{ID: uuid.New(), IsSuperuser: true}, uuid.New(), role.ID)
	require.NoError(t, err)
}

func TestAssignDefaultRole(t *testing.T) {
	store := newMemStore()
	role := store.addRole(DefaultRoleName, domain.RoleLevelBasic)
	role.IsDefault = true
	userID := uuid.New()

	svc := testRoleService(store, newMemCache(), businessHours)
	ctx := context.Background()

	require.NoError(t, svc.AssignDefaultRole(ctx, userID, DefaultRoleName))
	require.NoError(t, svc.AssignDefaultRole(ctx, userID, DefaultRoleName))
	assert.Len(t, store.userRoles[userID], 1)
}
