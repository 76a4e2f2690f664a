// internal/repository/postgres/plan_repo.go
package postgres

import (
	"context"
	"fmt"

	"billing-service/internal/domain/plan"
	xerrors "billing-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"
)

type PlanRepository struct {
	db DBTX
}

func NewPlanRepository(db DBTX) *PlanRepository {
	return &PlanRepository{db: db}
}

const planColumns = `id, name, billing_cycle, base_price, currency, modules, is_custom, is_public, created_at, updated_at`

// Create inserts a plan; a taken name yields ErrDuplicateEntry
func (r *PlanRepository) Create(ctx context.Context, p *plan.Plan) error {
	query := `
		INSERT INTO plans (id, name, billing_cycle, base_price, currency, modules, is_custom, is_public)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(
		ctx, query,
		p.ID, p.Name, p.BillingCycle, p.BasePrice, p.Currency, pq.Array(p.Modules), p.IsCustom, p.IsPublic,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return xerrors.ErrDuplicateEntry
		}
		return fmt.Errorf("failed to create plan: %w", err)
	}

	return nil
}

// FindByID retrieves a plan by ID
func (r *PlanRepository) FindByID(ctx context.Context, id string) (*plan.Plan, error) {
	return r.findOne(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id)
}

// FindByName retrieves a plan by its unique name
func (r *PlanRepository) FindByName(ctx context.Context, name string) (*plan.Plan, error) {
	return r.findOne(ctx, `SELECT `+planColumns+` FROM plans WHERE name = $1`, name)
}

// ListPublic lists catalog plans offered at signup
func (r *PlanRepository) ListPublic(ctx context.Context) ([]plan.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE is_public = true ORDER BY base_price, name`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []plan.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, *p)
	}

	return plans, rows.Err()
}

func (r *PlanRepository) findOne(ctx context.Context, query string, args ...any) (*plan.Plan, error) {
	p, err := scanPlan(r.db.QueryRow(ctx, query, args...))
	if isNoRows(err) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find plan: %w", err)
	}
	return p, nil
}

func scanPlan(row pgx.Row) (*plan.Plan, error) {
	var p plan.Plan
	var modules []string

	err := row.Scan(
		&p.ID, &p.Name, &p.BillingCycle, &p.BasePrice, &p.Currency, &modules,
		&p.IsCustom, &p.IsPublic, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Modules = pq.StringArray(modules)
	return &p, nil
}

// ========== Modules ==========

type ModuleRepository struct {
	db DBTX
}

func NewModuleRepository(db DBTX) *ModuleRepository {
	return &ModuleRepository{db: db}
}

// FindByKeys returns the catalog modules among keys; unknown keys are simply absent
func (r *ModuleRepository) FindByKeys(ctx context.Context, keys []string) ([]plan.Module, error) {
	query := `
		SELECT key, name, monthly_price, yearly_price, currency, created_at
		FROM modules
		WHERE key = ANY($1)
		ORDER BY key
	`

	rows, err := r.db.Query(ctx, query, pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("failed to find modules: %w", err)
	}
	defer rows.Close()

	return scanModules(rows)
}

// List returns the whole module catalog
func (r *ModuleRepository) List(ctx context.Context) ([]plan.Module, error) {
	rows, err := r.db.Query(ctx, `SELECT key, name, monthly_price, yearly_price, currency, created_at FROM modules ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}
	defer rows.Close()

	return scanModules(rows)
}

func scanModules(rows pgx.Rows) ([]plan.Module, error) {
	var modules []plan.Module
	for rows.Next() {
		var m plan.Module
		if err := rows.Scan(&m.Key, &m.Name, &m.MonthlyPrice, &m.YearlyPrice, &m.Currency, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan module: %w", err)
		}
		modules = append(modules, m)
	}
	return modules, rows.Err()
}
