// internal/domain/registration/entity.go
package registration

import (
	"time"

	"billing-service/internal/domain/billing"
	"billing-service/internal/domain/plan"

	"github.com/lib/pq"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusExpired   Status = "EXPIRED"
)

// DefaultTTL is how long a pending registration waits for payment.
const DefaultTTL = 24 * time.Hour

// PendingRegistration is a signup intent awaiting payment confirmation.
// PENDING moves to COMPLETED or EXPIRED and never comes back.
type PendingRegistration struct {
	ID               string            `json:"id" db:"id"`
	Email            string            `json:"email" db:"email"`
	PasswordHash     string            `json:"-" db:"password_hash"`
	CompanyName      string            `json:"company_name" db:"company_name"`
	PlanID           string            `json:"plan_id" db:"plan_id"`
	CustomModuleKeys pq.StringArray    `json:"custom_module_keys" db:"custom_module_keys"`
	BillingCycle     plan.BillingCycle `json:"billing_cycle" db:"billing_cycle"`
	Provider         billing.Provider  `json:"provider" db:"provider"`
	Amount           int64             `json:"amount" db:"amount"`
	Currency         string            `json:"currency" db:"currency"`
	Status           Status            `json:"status" db:"status"`
	ExpiresAt        time.Time         `json:"expires_at" db:"expires_at"`
	TenantID         *string           `json:"tenant_id,omitempty" db:"tenant_id"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" db:"updated_at"`
}

// IsExpiredAt reports whether the TTL has passed at now.
func (p *PendingRegistration) IsExpiredAt(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// IsCustom reports whether the registration selected an à la carte bundle.
func (p *PendingRegistration) IsCustom() bool {
	return len(p.CustomModuleKeys) > 0
}
