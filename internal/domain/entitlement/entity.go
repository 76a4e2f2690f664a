// internal/domain/entitlement/entity.go
package entitlement

import (
	"time"

	"github.com/lib/pq"
)

// Defaults applied only when a CompanyConfig row is first created.
const (
	DefaultTimezone      = "UTC"
	DefaultInvoicePrefix = "INV"
)

// CompanyConfig is the per-tenant runtime entitlement snapshot.
// EnabledModules is derived from the subscription and never hand-edited.
type CompanyConfig struct {
	TenantID       string         `json:"tenant_id" db:"tenant_id"`
	EnabledModules pq.StringArray `json:"enabled_modules" db:"enabled_modules"`
	Timezone       string         `json:"timezone" db:"timezone"`
	Currency       string         `json:"currency" db:"currency"`
	InvoicePrefix  string         `json:"invoice_prefix" db:"invoice_prefix"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// HasModule reports whether key is enabled.
func (c *CompanyConfig) HasModule(key string) bool {
	for _, m := range c.EnabledModules {
		if m == key {
			return true
		}
	}
	return false
}
