// internal/repository/postgres/pending_registration_repo.go
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"billing-service/internal/domain/registration"
	xerrors "billing-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"
)

type PendingRegistrationRepository struct {
	db DBTX
}

func NewPendingRegistrationRepository(db DBTX) *PendingRegistrationRepository {
	return &PendingRegistrationRepository{db: db}
}

const pendingRegistrationColumns = `
	id, email, password_hash, company_name, plan_id, custom_module_keys,
	billing_cycle, provider, amount, currency, status, expires_at,
	tenant_id, completed_at, created_at, updated_at
`

// Create inserts a PENDING registration
func (r *PendingRegistrationRepository) Create(ctx context.Context, p *registration.PendingRegistration) error {
	query := `
		INSERT INTO pending_registrations (
			id, email, password_hash, company_name, plan_id, custom_module_keys,
			billing_cycle, provider, amount, currency, status, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`

	if p.Status == "" {
		p.Status = registration.StatusPending
	}

	err := r.db.QueryRow(
		ctx, query,
		p.ID, strings.ToLower(p.Email), p.PasswordHash, p.CompanyName, p.PlanID, pq.Array(p.CustomModuleKeys),
		p.BillingCycle, p.Provider, p.Amount, p.Currency, p.Status, p.ExpiresAt,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return xerrors.ErrDuplicateEntry
		}
		return fmt.Errorf("failed to create pending registration: %w", err)
	}

	return nil
}

// FindByID retrieves a pending registration by ID
func (r *PendingRegistrationRepository) FindByID(ctx context.Context, id string) (*registration.PendingRegistration, error) {
	query := `SELECT ` + pendingRegistrationColumns + ` FROM pending_registrations WHERE id = $1`
	return r.findOne(ctx, query, id)
}

// FindByIDForUpdate retrieves and row-locks a pending registration
func (r *PendingRegistrationRepository) FindByIDForUpdate(ctx context.Context, id string) (*registration.PendingRegistration, error) {
	query := `SELECT ` + pendingRegistrationColumns + ` FROM pending_registrations WHERE id = $1 FOR UPDATE`
	return r.findOne(ctx, query, id)
}

// FindLatestByEmail returns the newest registration for an email
func (r *PendingRegistrationRepository) FindLatestByEmail(ctx context.Context, email string) (*registration.PendingRegistration, error) {
	query := `
		SELECT ` + pendingRegistrationColumns + `
		FROM pending_registrations
		WHERE lower(email) = lower($1)
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.findOne(ctx, query, email)
}

// MarkCompleted links the tenant and completes a PENDING registration
func (r *PendingRegistrationRepository) MarkCompleted(ctx context.Context, id, tenantID string, at time.Time) error {
	query := `
		UPDATE pending_registrations
		SET status = $1, tenant_id = $2, completed_at = $3, updated_at = $3
		WHERE id = $4 AND status <> $1
	`

	result, err := r.db.Exec(ctx, query, registration.StatusCompleted, tenantID, at, id)
	if err != nil {
		if isUniqueViolation(err) {
			return xerrors.ErrDuplicateEntry
		}
		return fmt.Errorf("failed to complete pending registration: %w", err)
	}

	if result.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}

	return nil
}

// MarkExpired expires a PENDING registration
func (r *PendingRegistrationRepository) MarkExpired(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE pending_registrations
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`

	result, err := r.db.Exec(ctx, query, registration.StatusExpired, at, id, registration.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to expire pending registration: %w", err)
	}

	if result.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}

	return nil
}

// ExpirePendingByEmail expires every open registration for an email
func (r *PendingRegistrationRepository) ExpirePendingByEmail(ctx context.Context, email string, at time.Time) (int64, error) {
	query := `
		UPDATE pending_registrations
		SET status = $1, updated_at = $2
		WHERE lower(email) = lower($3) AND status = $4
	`

	result, err := r.db.Exec(ctx, query, registration.StatusExpired, at, email, registration.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to supersede pending registrations: %w", err)
	}

	return result.RowsAffected(), nil
}

// ExpireStale expires PENDING registrations whose TTL has passed
func (r *PendingRegistrationRepository) ExpireStale(ctx context.Context, now time.Time, limit int) (int64, error) {
	query := `
		UPDATE pending_registrations
		SET status = $1, updated_at = $2
		WHERE id IN (
			SELECT id FROM pending_registrations
			WHERE status = $3 AND expires_at < $2
			ORDER BY expires_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
	`

	result, err := r.db.Exec(ctx, query, registration.StatusExpired, now, registration.StatusPending, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale registrations: %w", err)
	}

	return result.RowsAffected(), nil
}

func (r *PendingRegistrationRepository) findOne(ctx context.Context, query string, args ...any) (*registration.PendingRegistration, error) {
	p, err := scanPendingRegistration(r.db.QueryRow(ctx, query, args...))
	if isNoRows(err) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending registration: %w", err)
	}
	return p, nil
}

func scanPendingRegistration(row pgx.Row) (*registration.PendingRegistration, error) {
	var p registration.PendingRegistration
	var modules []string

	err := row.Scan(
		&p.ID, &p.Email, &p.PasswordHash, &p.CompanyName, &p.PlanID, &modules,
		&p.BillingCycle, &p.Provider, &p.Amount, &p.Currency, &p.Status, &p.ExpiresAt,
		&p.TenantID, &p.CompletedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.CustomModuleKeys = pq.StringArray(modules)
	return &p, nil
}
