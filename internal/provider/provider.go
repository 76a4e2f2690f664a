// internal/provider/provider.go
package provider

import (
	"context"

	"billing-service/internal/domain/billing"
	"billing-service/internal/domain/webhook"
)

// Adapter is the boundary to one payment provider. Implementations translate
// provider payloads into webhook.NormalizedEvent and own every provider API call.
type Adapter interface {
	Name() billing.Provider

	// VerifySignature returns xerrors.ErrUnauthorized for a bad signature and
	// xerrors.ErrNotConfigured when no webhook secret is set.
	VerifySignature(body []byte, signature string) error
	// Normalize is pure. It returns xerrors.ErrMalformedEvent for payloads it cannot read.
	Normalize(in webhook.Inbound) (*webhook.NormalizedEvent, error)

	CreateCustomer(ctx context.Context, req CustomerRequest) (string, error)
	CreateSubscription(ctx context.Context, req SubscriptionRequest) (*Subscription, error)
	CancelSubscription(ctx context.Context, providerSubscriptionID string, atPeriodEnd bool) error
	FetchPayment(ctx context.Context, providerPaymentID string) (*Payment, error)
	CreatePaymentSession(ctx context.Context, req SessionRequest) (*Session, error)
}

type CustomerRequest struct {
	Email    string
	Name     string
	Metadata map[string]string
}

type SubscriptionRequest struct {
	CustomerID string
	// PlanRef is the provider-side price (Stripe) or plan (Razorpay) id.
	PlanRef        string
	Quantity       int64
	IdempotencyKey string
	Metadata       map[string]string
}

type Subscription struct {
	ID     string
	Status string
}

type Payment struct {
	ID       string
	Amount   int64
	Currency string
	Status   string
	// Metadata is what the session request attached, e.g. the pending registration id.
	Metadata map[string]string
}

// Paid reports whether the provider considers the payment collected.
func (p *Payment) Paid() bool {
	switch p.Status {
	case "succeeded", "captured", "paid":
		return true
	}
	return false
}

// SessionRequest describes a one-off payment for an amount in minor units.
type SessionRequest struct {
	Amount         int64
	Currency       string
	Description    string
	CustomerID     string
	CustomerEmail  string
	IdempotencyKey string
	Metadata       map[string]string
}

// Session is what the client needs to complete payment: a hosted checkout URL
// or a gateway order id.
type Session struct {
	ID      string
	URL     string
	OrderID string
}
