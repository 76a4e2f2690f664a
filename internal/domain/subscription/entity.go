// internal/domain/subscription/entity.go
package subscription

import (
	"time"

	"billing-service/internal/domain/billing"
)

type Status string

const (
	StatusTrialing Status = "TRIALING"
	StatusActive   Status = "ACTIVE"
	StatusPastDue  Status = "PAST_DUE"
	StatusCanceled Status = "CANCELED"
)

// Valid reports whether s is one of the canonical states.
func (s Status) Valid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCanceled:
		return true
	}
	return false
}

// Subscription is the single logical subscription of a tenant.
// Plan changes mutate PlanID in place.
type Subscription struct {
	ID                     string           `json:"id" db:"id"`
	TenantID               string           `json:"tenant_id" db:"tenant_id"`
	PlanID                 string           `json:"plan_id" db:"plan_id"`
	Status                 Status           `json:"status" db:"status"`
	CurrentPeriodStart     time.Time        `json:"current_period_start" db:"current_period_start"`
	CurrentPeriodEnd       time.Time        `json:"current_period_end" db:"current_period_end"`
	Provider               billing.Provider `json:"provider" db:"provider"`
	ProviderCustomerID     *string          `json:"provider_customer_id,omitempty" db:"provider_customer_id"`
	ProviderSubscriptionID *string          `json:"provider_subscription_id,omitempty" db:"provider_subscription_id"`
	CancelAt               *time.Time       `json:"cancel_at,omitempty" db:"cancel_at"`
	CanceledAt             *time.Time       `json:"canceled_at,omitempty" db:"canceled_at"`
	CreatedAt              time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time        `json:"updated_at" db:"updated_at"`
}

// Item is a subscription line item. ModuleKey is unique per subscription.
type Item struct {
	ID             string    `json:"id" db:"id"`
	SubscriptionID string    `json:"subscription_id" db:"subscription_id"`
	ModuleKey      string    `json:"module_key" db:"module_key"`
	Quantity       int       `json:"quantity" db:"quantity"`
	UnitPrice      int64     `json:"unit_price" db:"unit_price"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// ModuleKeys returns the item module keys in item order.
func ModuleKeys(items []Item) []string {
	keys := make([]string, 0, len(items))
	for _, it := range items {
		keys = append(keys, it.ModuleKey)
	}
	return keys
}
