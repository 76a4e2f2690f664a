// internal/domain/entitlement/repository.go
package entitlement

import "context"

type Repository interface {
	// Upsert writes enabled modules. Other columns take defaults on insert
	// and are left untouched on conflict.
	Upsert(ctx context.Context, tenantID string, modules []string, currency string) (*CompanyConfig, error)
	FindByTenant(ctx context.Context, tenantID string) (*CompanyConfig, error)
}
