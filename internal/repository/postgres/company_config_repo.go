// internal/repository/postgres/company_config_repo.go
package postgres

import (
	"context"
	"fmt"

	"billing-service/internal/domain/entitlement"
	xerrors "billing-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"
)

type CompanyConfigRepository struct {
	db DBTX
}

func NewCompanyConfigRepository(db DBTX) *CompanyConfigRepository {
	return &CompanyConfigRepository{db: db}
}

const companyConfigColumns = `tenant_id, enabled_modules, timezone, currency, invoice_prefix, created_at, updated_at`

// Upsert writes enabled_modules; the other columns keep their values after the first insert
func (r *CompanyConfigRepository) Upsert(ctx context.Context, tenantID string, modules []string, currency string) (*entitlement.CompanyConfig, error) {
	query := `
		INSERT INTO company_configs (tenant_id, enabled_modules, timezone, currency, invoice_prefix)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id) DO UPDATE
		SET enabled_modules = EXCLUDED.enabled_modules, updated_at = NOW()
		RETURNING ` + companyConfigColumns

	if modules == nil {
		modules = []string{}
	}

	cfg, err := scanCompanyConfig(r.db.QueryRow(
		ctx, query,
		tenantID, pq.Array(modules), entitlement.DefaultTimezone, currency, entitlement.DefaultInvoicePrefix,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert company config: %w", err)
	}

	return cfg, nil
}

// FindByTenant retrieves the config of a tenant
func (r *CompanyConfigRepository) FindByTenant(ctx context.Context, tenantID string) (*entitlement.CompanyConfig, error) {
	cfg, err := scanCompanyConfig(r.db.QueryRow(ctx, `SELECT `+companyConfigColumns+` FROM company_configs WHERE tenant_id = $1`, tenantID))
	if isNoRows(err) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find company config: %w", err)
	}
	return cfg, nil
}

func scanCompanyConfig(row pgx.Row) (*entitlement.CompanyConfig, error) {
	var c entitlement.CompanyConfig
	var modules []string

	err := row.Scan(&c.TenantID, &modules, &c.Timezone, &c.Currency, &c.InvoicePrefix, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	c.EnabledModules = pq.StringArray(modules)
	return &c, nil
}
