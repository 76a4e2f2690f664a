// internal/domain/payment/entity.go
package payment

import (
	"strings"
	"time"

	"billing-service/internal/domain/billing"
)

type Outcome string

const (
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"
)

// SubscriptionPayment is an immutable ledger row. There is no update path.
type SubscriptionPayment struct {
	ID                string           `json:"id" db:"id"`
	SubscriptionID    string           `json:"subscription_id" db:"subscription_id"`
	TenantID          string           `json:"tenant_id" db:"tenant_id"`
	Amount            int64            `json:"amount" db:"amount"`
	Currency          string           `json:"currency" db:"currency"`
	Status            Outcome          `json:"status" db:"status"`
	Provider          billing.Provider `json:"provider" db:"provider"`
	ProviderPaymentID string           `json:"provider_payment_id" db:"provider_payment_id"`
	InvoiceNumber     *string          `json:"invoice_number,omitempty" db:"invoice_number"`
	SucceededAt       *time.Time       `json:"succeeded_at,omitempty" db:"succeeded_at"`
	FailedAt          *time.Time       `json:"failed_at,omitempty" db:"failed_at"`
	CreatedAt         time.Time        `json:"created_at" db:"created_at"`
}

// RecordRequest carries the inputs of a ledger write.
type RecordRequest struct {
	SubscriptionID    string
	TenantID          string
	Amount            int64
	Currency          string
	Outcome           Outcome
	Provider          billing.Provider
	ProviderPaymentID string
	InvoiceNumber     string
	// AttemptID tells failed attempts on one invoice or intent apart. Set
	// for failures only; successes share ProviderPaymentID so a charge and
	// its invoice ledger once.
	AttemptID         string
}

// LedgerKey is the provider payment id the row is deduplicated on.
func (r RecordRequest) LedgerKey() string {
	attempt := strings.TrimSpace(r.AttemptID)
	if r.Outcome != OutcomeFailed || attempt == "" || attempt == r.ProviderPaymentID {
		return r.ProviderPaymentID
	}
	return r.ProviderPaymentID + ":" + attempt
}
