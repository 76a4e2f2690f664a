// internal/domain/webhook/event.go
package webhook

import (
	"encoding/json"
	"net/http"
	"time"

	"billing-service/internal/domain/billing"
	"billing-service/internal/domain/subscription"
)

// Kind tags a NormalizedEvent so handlers switch on it instead of sniffing raw JSON.
type Kind string

const (
	KindPaymentSucceeded      Kind = "PAYMENT_SUCCEEDED"
	KindPaymentFailed         Kind = "PAYMENT_FAILED"
	KindInvoicePaid           Kind = "INVOICE_PAID"
	KindInvoicePaymentFailed  Kind = "INVOICE_PAYMENT_FAILED"
	KindCheckoutCompleted     Kind = "CHECKOUT_COMPLETED"
	KindSubscriptionActivated Kind = "SUBSCRIPTION_ACTIVATED"
	KindSubscriptionUpdated   Kind = "SUBSCRIPTION_UPDATED"
	KindSubscriptionPastDue   Kind = "SUBSCRIPTION_PAST_DUE"
	KindSubscriptionCanceled  Kind = "SUBSCRIPTION_CANCELED"
	KindUnknown               Kind = "UNKNOWN"
)

// IsPayment reports whether the kind carries money movement for the ledger.
func (k Kind) IsPayment() bool {
	switch k {
	case KindPaymentSucceeded, KindPaymentFailed, KindInvoicePaid, KindInvoicePaymentFailed, KindCheckoutCompleted:
		return true
	}
	return false
}

// IsFailure reports whether the kind is a failed payment.
func (k Kind) IsFailure() bool {
	return k == KindPaymentFailed || k == KindInvoicePaymentFailed
}

// Metadata keys carried on provider objects (Stripe metadata, Razorpay notes).
const (
	MetaPendingRegistrationID = "pendingRegistrationId"
	MetaTenantID              = "tenantId"
	MetaPlanChangePlanID      = "planChangePlanId"
)

// NormalizedEvent is the provider-independent form of a webhook delivery.
// Amount is always in minor units.
type NormalizedEvent struct {
	Kind                   Kind
	Provider               billing.Provider
	ProviderEventID        string
	EventType              string
	TenantID               string
	PendingRegistrationID  string
	PlanChangePlanID       string
	ProviderCustomerID     string
	ProviderSubscriptionID string
	ProviderStatus         string
	Status                 subscription.Status
	Amount                 int64
	Currency               string
	ProviderPaymentID      string
	InvoiceNumber          string
	PeriodStart            *time.Time
	PeriodEnd              *time.Time
	OccurredAt             time.Time
	Raw                    json.RawMessage
}

// Inbound is one raw delivery as received over HTTP.
type Inbound struct {
	Provider   billing.Provider
	Body       []byte
	Signature  string
	Header     http.Header
	ReceivedAt time.Time
}

// Outcome is what the ingestion service tells the provider.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// Ack is the result of ingesting one delivery.
type Ack struct {
	Outcome         Outcome `json:"status"`
	ProviderEventID string  `json:"event_id,omitempty"`
	EventType       string  `json:"event_type,omitempty"`
	Reason          string  `json:"reason,omitempty"`
}
