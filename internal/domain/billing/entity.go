// internal/domain/billing/entity.go
package billing

import (
	"encoding/json"
	"strings"
	"time"
)

type Provider string

const (
	ProviderStripe   Provider = "stripe"
	ProviderRazorpay Provider = "razorpay"
)

// ParseProvider accepts the provider name in any case.
func ParseProvider(s string) (Provider, bool) {
	switch Provider(strings.ToLower(strings.TrimSpace(s))) {
	case ProviderStripe:
		return ProviderStripe, true
	case ProviderRazorpay:
		return ProviderRazorpay, true
	}
	return "", false
}

type EventStatus string

const (
	EventStatusReceived  EventStatus = "RECEIVED"
	EventStatusProcessed EventStatus = "PROCESSED"
	EventStatusFailed    EventStatus = "FAILED"
)

// BillingEvent is the dedup ledger row for one provider delivery.
// Its existence means side effects for ProviderEventID have been attempted.
type BillingEvent struct {
	ID              string          `json:"id" db:"id"`
	ProviderEventID string          `json:"provider_event_id" db:"provider_event_id"`
	Provider        Provider        `json:"provider" db:"provider"`
	EventType       string          `json:"event_type" db:"event_type"`
	Payload         json.RawMessage `json:"payload" db:"payload"`
	TenantID        *string         `json:"tenant_id,omitempty" db:"tenant_id"`
	Status          EventStatus     `json:"status" db:"status"`
	Attempts        int             `json:"attempts" db:"attempts"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
	ErrorMessage    *string         `json:"error_message,omitempty" db:"error_message"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// IsTerminal reports whether the event needs no further processing.
func (e *BillingEvent) IsTerminal() bool {
	return e.Status == EventStatusProcessed || e.Status == EventStatusFailed
}
