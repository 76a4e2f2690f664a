// internal/repository/postgres/tenant_repo.go
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"billing-service/internal/domain/tenant"
	xerrors "billing-service/internal/pkg/errors"
)

type TenantRepository struct {
	db DBTX
}

func NewTenantRepository(db DBTX) *TenantRepository {
	return &TenantRepository{db: db}
}

// Create inserts a tenant
func (r *TenantRepository) Create(ctx context.Context, t *tenant.Tenant) error {
	query := `
		INSERT INTO tenants (id, name, status)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`

	if t.Status == "" {
		t.Status = tenant.StatusActive
	}

	err := r.db.QueryRow(ctx, query, t.ID, t.Name, t.Status).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return xerrors.ErrDuplicateEntry
		}
		return fmt.Errorf("failed to create tenant: %w", err)
	}

	return nil
}

// FindByID retrieves a tenant by ID
func (r *TenantRepository) FindByID(ctx context.Context, id string) (*tenant.Tenant, error) {
	query := `SELECT id, name, status, created_at, updated_at FROM tenants WHERE id = $1`

	var t tenant.Tenant
	err := r.db.QueryRow(ctx, query, id).Scan(&t.ID, &t.Name, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if isNoRows(err) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find tenant: %w", err)
	}

	return &t, nil
}

// UpdateStatus sets the tenant status
func (r *TenantRepository) UpdateStatus(ctx context.Context, id string, status tenant.Status) error {
	result, err := r.db.Exec(ctx, `UPDATE tenants SET status = $1, updated_at = $2 WHERE id = $3`, status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update tenant status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}

// ListOrphans finds tenants without a subscription or without a completed registration
func (r *TenantRepository) ListOrphans(ctx context.Context, olderThan time.Time, limit int) ([]tenant.Tenant, error) {
	query := `
		SELECT t.id, t.name, t.status, t.created_at, t.updated_at
		FROM tenants t
		WHERE t.created_at < $1
		  AND t.status <> 'ORPHANED'
		  AND (
		      NOT EXISTS (SELECT 1 FROM subscriptions s WHERE s.tenant_id = t.id)
		      OR NOT EXISTS (
		          SELECT 1 FROM pending_registrations p
		          WHERE p.tenant_id = t.id AND p.status = 'COMPLETED'
		      )
		  )
		ORDER BY t.created_at
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphan tenants: %w", err)
	}
	defer rows.Close()

	var tenants []tenant.Tenant
	for rows.Next() {
		var t tenant.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}

	return tenants, rows.Err()
}

// ========== Users ==========

type UserRepository struct {
	db DBTX
}

func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts a user. The password hash is stored as given.
func (r *UserRepository) Create(ctx context.Context, u *tenant.User) error {
	query := `
		INSERT INTO users (id, tenant_id, email, password_hash, role)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`

	err := r.db.QueryRow(ctx, query, u.ID, u.TenantID, strings.ToLower(u.Email), u.PasswordHash, u.Role).Scan(&u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return xerrors.ErrDuplicateEntry
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// ExistsByEmail checks whether a user already owns the email
func (r *UserRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE lower(email) = lower($1))`, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check email: %w", err)
	}
	return exists, nil
}

// FindAdminByTenant returns the first admin of a tenant
func (r *UserRepository) FindAdminByTenant(ctx context.Context, tenantID string) (*tenant.User, error) {
	query := `
		SELECT id, tenant_id, email, password_hash, role, created_at
		FROM users
		WHERE tenant_id = $1 AND role = $2
		ORDER BY created_at
		LIMIT 1
	`

	var u tenant.User
	err := r.db.QueryRow(ctx, query, tenantID, tenant.RoleAdmin).Scan(
		&u.ID, &u.TenantID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt,
	)
	if isNoRows(err) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find tenant admin: %w", err)
	}

	return &u, nil
}
