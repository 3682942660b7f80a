package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pesaloop/pesaloop-backend/internal/domain"
)

type RBACRepository struct {
	db *sql.DB
}

func NewRBACRepository(db *sql.DB) *RBACRepository {
	return &RBACRepository{db: db}
}

func (r *RBACRepository) RoleByID(ctx context.Context, roleID uuid.UUID) (*domain.Role, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, name, description, level, is_default, created_at
		FROM roles WHERE id = $1`, roleID,
	)
	role, err := scanRole(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("RoleByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("RoleByID: %w", err)
	}
	return role, nil
}

func (r *RBACRepository) RoleByName(ctx context.Context, name string) (*domain.Role, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, name, description, level, is_default, created_at
		FROM roles WHERE name = $1`, name,
	)
	role, err := scanRole(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("RoleByName: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("RoleByName: %w", err)
	}
	return role, nil
}

// UserRoles returns the user's grants with the role embedded, active or
// not; callers filter with UserRole.Effective.
func (r *RBACRepository) UserRoles(ctx context.Context, userID uuid.UUID) ([]domain.UserRole, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT ur.id, ur.user_id, ur.role_id, ur.assigned_by, ur.assigned_at,
			ur.expires_at, ur.is_active,
			r.id, r.name, r.description, r.level, r.is_default, r.created_at
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("UserRoles: %w", err)
	}
	defer rows.Close()

	var grants []domain.UserRole
	for rows.Next() {
		var (
			grant domain.UserRole
			role  domain.Role
		)
		err := rows.Scan(
			&grant.ID, &grant.UserID, &grant.RoleID, &grant.AssignedBy,
			&grant.AssignedAt, &grant.ExpiresAt, &grant.IsActive,
			&role.ID, &role.Name, &role.Description, &role.Level,
			&role.IsDefault, &role.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("UserRoles: scan: %w", err)
		}
		grant.Role = &role
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("UserRoles: rows: %w", err)
	}
	return grants, nil
}

func (r *RBACRepository) RolePermissions(ctx context.Context, roleID uuid.UUID) ([]domain.Permission, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT p.id, p.name, p.codename, p.method, p.category, p.is_sensitive, p.created_at
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1`,
		roleID,
	)
	if err != nil {
		return nil, fmt.Errorf("RolePermissions: %w", err)
	}
	defer rows.Close()

	var permissions []domain.Permission
	for rows.Next() {
		var p domain.Permission
		err := rows.Scan(&p.ID, &p.Name, &p.Codename, &p.Method, &p.Category, &p.IsSensitive, &p.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("RolePermissions: scan: %w", err)
		}
		permissions = append(permissions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("RolePermissions: rows: %w", err)
	}
	return permissions, nil
}

func (r *RBACRepository) InsertUserRole(ctx context.Context, grant *domain.UserRole) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO user_roles (id, user_id, role_id, assigned_by, assigned_at, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		grant.ID, grant.UserID, grant.RoleID, grant.AssignedBy,
		grant.AssignedAt, grant.ExpiresAt, grant.IsActive,
	)
	if err != nil {
		return fmt.Errorf("InsertUserRole: %w", err)
	}
	return nil
}

func (r *RBACRepository) DeactivateUserRole(ctx context.Context, userID, roleID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE user_roles SET is_active = FALSE
		WHERE user_id = $1 AND role_id = $2 AND is_active = TRUE`,
		userID, roleID,
	)
	if err != nil {
		return fmt.Errorf("DeactivateUserRole: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("DeactivateUserRole: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("DeactivateUserRole: %w", domain.ErrNotFound)
	}
	return nil
}

// Seed applies the static role and permission catalog idempotently.
func (r *RBACRepository) Seed(ctx context.Context, permissions []domain.Permission, roles []domain.Role, rolePermissions map[string][]string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Seed: %w", err)
	}
	defer tx.Rollback()

	for _, p := range permissions {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO permissions (id, name, codename, method, category, is_sensitive, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (codename, method) DO UPDATE
			SET name = EXCLUDED.name, category = EXCLUDED.category, is_sensitive = EXCLUDED.is_sensitive`,
			p.ID, p.Name, p.Codename, p.Method, p.Category, p.IsSensitive, p.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("Seed: permission %s.%s: %w", p.Codename, p.Method, err)
		}
	}

	for _, role := range roles {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO roles (id, name, description, level, is_default, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (name) DO UPDATE
			SET description = EXCLUDED.description, level = EXCLUDED.level, is_default = EXCLUDED.is_default`,
			role.ID, role.Name, role.Description, role.Level, role.IsDefault, role.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("Seed: role %s: %w", role.Name, err)
		}

		for _, key := range rolePermissions[role.Name] {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO role_permissions (id, role_id, permission_id, created_at)
				SELECT gen_random_uuid(), r.id, p.id, NOW()
				FROM roles r, permissions p
				WHERE r.name = $1 AND p.codename || '.' || p.method = $2
				ON CONFLICT (role_id, permission_id) DO NOTHING`,
				role.Name, key,
			)
			if err != nil {
				return fmt.Errorf("Seed: grant %s -> %s: %w", role.Name, key, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Seed: %w", err)
	}
	return nil
}

func scanRole(s scanner) (*domain.Role, error) {
	var role domain.Role
	err := s.Scan(&role.ID, &role.Name, &role.Description, &role.Level, &role.IsDefault, &role.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &role, nil
}
