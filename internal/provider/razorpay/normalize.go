// internal/provider/razorpay/normalize.go
package razorpay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"billing-service/internal/domain/billing"
	"billing-service/internal/domain/subscription"
	"billing-service/internal/domain/webhook"
	"billing-service/internal/provider"
	xerrors "billing-service/internal/pkg/errors"
)

// Statuses maps Razorpay subscription statuses onto the canonical states.
var Statuses = provider.StatusTable{
	"created":       subscription.StatusTrialing,
	"authenticated": subscription.StatusTrialing,
	"active":        subscription.StatusActive,
	"resumed":       subscription.StatusActive,
	"pending":       subscription.StatusPastDue,
	"halted":        subscription.StatusPastDue,
	"paused":        subscription.StatusPastDue,
	"cancelled":     subscription.StatusCanceled,
	"completed":     subscription.StatusCanceled,
	"expired":       subscription.StatusCanceled,
}

type envelope struct {
	Entity    string   `json:"entity"`
	AccountID string   `json:"account_id"`
	Event     string   `json:"event"`
	Contains  []string `json:"contains"`
	CreatedAt int64    `json:"created_at"`
	Payload   struct {
		Payment *struct {
			Entity paymentEntity `json:"entity"`
		} `json:"payment"`
		Order *struct {
			Entity orderEntity `json:"entity"`
		} `json:"order"`
		Subscription *struct {
			Entity subscriptionEntity `json:"entity"`
		} `json:"subscription"`
		Invoice *struct {
			Entity invoiceEntity `json:"entity"`
		} `json:"invoice"`
	} `json:"payload"`
}

type paymentEntity struct {
	ID         string `json:"id"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	Status     string `json:"status"`
	OrderID    string `json:"order_id"`
	InvoiceID  string `json:"invoice_id"`
	CustomerID string `json:"customer_id"`
	Notes      notes  `json:"notes"`
}

type orderEntity struct {
	ID         string `json:"id"`
	Amount     int64  `json:"amount"`
	AmountPaid int64  `json:"amount_paid"`
	Currency   string `json:"currency"`
	Receipt    string `json:"receipt"`
	Notes      notes  `json:"notes"`
}

type subscriptionEntity struct {
	ID           string `json:"id"`
	PlanID       string `json:"plan_id"`
	CustomerID   string `json:"customer_id"`
	Status       string `json:"status"`
	CurrentStart int64  `json:"current_start"`
	CurrentEnd   int64  `json:"current_end"`
	Notes        notes  `json:"notes"`
}

type invoiceEntity struct {
	ID             string `json:"id"`
	SubscriptionID string `json:"subscription_id"`
	PaymentID      string `json:"payment_id"`
	CustomerID     string `json:"customer_id"`
	AmountPaid     int64  `json:"amount_paid"`
	Currency       string `json:"currency"`
	BillingStart   int64  `json:"billing_start"`
	BillingEnd     int64  `json:"billing_end"`
	Notes          notes  `json:"notes"`
}

// notes accepts Razorpay's key/value notes, which arrive as [] when empty.
type notes map[string]string

func (n *notes) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		*n = notes{}
		return nil
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(notes, len(raw))
	for k, v := range raw {
		out[k] = str(v)
	}
	*n = out
	return nil
}

// Normalize decodes a Razorpay webhook. The event id comes from the
// X-Razorpay-Event-Id header; deliveries without it fall back to a key built
// from the event name, entity id and creation time.
func (a *Adapter) Normalize(in webhook.Inbound) (*webhook.NormalizedEvent, error) {
	var env envelope
	if err := json.Unmarshal(in.Body, &env); err != nil {
		return nil, fmt.Errorf("decode razorpay event: %w", xerrors.ErrMalformedEvent)
	}
	if strings.TrimSpace(env.Event) == "" {
		return nil, fmt.Errorf("razorpay event without name: %w", xerrors.ErrMalformedEvent)
	}

	out := &webhook.NormalizedEvent{
		Kind:       webhook.KindUnknown,
		Provider:   billing.ProviderRazorpay,
		EventType:  env.Event,
		OccurredAt: time.Unix(env.CreatedAt, 0).UTC(),
		Raw:        json.RawMessage(in.Body),
	}

	switch {
	case env.Event == "payment.captured" || env.Event == "order.paid":
		if env.Payload.Payment == nil {
			return nil, fmt.Errorf("razorpay %s without payment: %w", env.Event, xerrors.ErrMalformedEvent)
		}
		out.Kind = webhook.KindPaymentSucceeded
		applyPayment(out, env.Payload.Payment.Entity)
		if env.Payload.Order != nil {
			applyNotes(out, env.Payload.Order.Entity.Notes)
		}
	case env.Event == "payment.failed":
		if env.Payload.Payment == nil {
			return nil, fmt.Errorf("razorpay %s without payment: %w", env.Event, xerrors.ErrMalformedEvent)
		}
		out.Kind = webhook.KindPaymentFailed
		applyPayment(out, env.Payload.Payment.Entity)
	case env.Event == "invoice.paid":
		if env.Payload.Invoice == nil {
			return nil, fmt.Errorf("razorpay %s without invoice: %w", env.Event, xerrors.ErrMalformedEvent)
		}
		out.Kind = webhook.KindInvoicePaid
		out.Status = subscription.StatusActive
		inv := env.Payload.Invoice.Entity
		out.Amount = inv.AmountPaid
		out.Currency = strings.ToUpper(inv.Currency)
		out.ProviderSubscriptionID = inv.SubscriptionID
		out.ProviderCustomerID = inv.CustomerID
		out.ProviderPaymentID = firstNonEmpty(inv.PaymentID, inv.ID)
		out.InvoiceNumber = inv.ID
		out.PeriodStart, out.PeriodEnd = unixPtr(inv.BillingStart), unixPtr(inv.BillingEnd)
		applyNotes(out, inv.Notes)
		if env.Payload.Payment != nil {
			applyPayment(out, env.Payload.Payment.Entity)
		}
	case env.Event == "subscription.charged":
		if env.Payload.Subscription == nil || env.Payload.Payment == nil {
			return nil, fmt.Errorf("razorpay %s without subscription or payment: %w", env.Event, xerrors.ErrMalformedEvent)
		}
		out.Kind = webhook.KindInvoicePaid
		out.Status = subscription.StatusActive
		applyPayment(out, env.Payload.Payment.Entity)
		applySubscription(out, env.Payload.Subscription.Entity)
	case strings.HasPrefix(env.Event, "subscription."):
		if env.Payload.Subscription == nil {
			return nil, fmt.Errorf("razorpay %s without subscription: %w", env.Event, xerrors.ErrMalformedEvent)
		}
		sub := env.Payload.Subscription.Entity
		applySubscription(out, sub)
		raw := sub.Status
		if raw == "" {
			raw = strings.TrimPrefix(env.Event, "subscription.")
		}
		out.ProviderStatus = raw
		out.Status = Statuses.Resolve(billing.ProviderRazorpay, raw, a.logger)
		out.Kind = kindForStatus(env.Event, out.Status)
		if env.Payload.Payment != nil {
			applyPayment(out, env.Payload.Payment.Entity)
		}
	}

	out.ProviderEventID = eventID(in, env)
	if out.ProviderEventID == "" {
		return nil, fmt.Errorf("razorpay event without id: %w", xerrors.ErrMalformedEvent)
	}
	return out, nil
}

func kindForStatus(event string, s subscription.Status) webhook.Kind {
	switch {
	case event == "subscription.activated":
		return webhook.KindSubscriptionActivated
	case s == subscription.StatusPastDue:
		return webhook.KindSubscriptionPastDue
	case s == subscription.StatusCanceled:
		return webhook.KindSubscriptionCanceled
	}
	return webhook.KindSubscriptionUpdated
}

func eventID(in webhook.Inbound, env envelope) string {
	if in.Header != nil {
		if id := strings.TrimSpace(in.Header.Get(EventIDHeader)); id != "" {
			return id
		}
	}
	var entityID string
	switch {
	case env.Payload.Payment != nil:
		entityID = env.Payload.Payment.Entity.ID
	case env.Payload.Subscription != nil:
		entityID = env.Payload.Subscription.Entity.ID
	case env.Payload.Invoice != nil:
		entityID = env.Payload.Invoice.Entity.ID
	case env.Payload.Order != nil:
		entityID = env.Payload.Order.Entity.ID
	}
	if entityID == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s:%d", env.Event, entityID, env.CreatedAt)
}

func applyPayment(out *webhook.NormalizedEvent, p paymentEntity) {
	out.ProviderPaymentID = p.ID
	if p.Amount > 0 {
		out.Amount = p.Amount
	}
	if p.Currency != "" {
		out.Currency = strings.ToUpper(p.Currency)
	}
	if out.ProviderCustomerID == "" {
		out.ProviderCustomerID = p.CustomerID
	}
	applyNotes(out, p.Notes)
}

func applySubscription(out *webhook.NormalizedEvent, s subscriptionEntity) {
	out.ProviderSubscriptionID = s.ID
	if s.CustomerID != "" {
		out.ProviderCustomerID = s.CustomerID
	}
	out.PeriodStart, out.PeriodEnd = unixPtr(s.CurrentStart), unixPtr(s.CurrentEnd)
	applyNotes(out, s.Notes)
}

func applyNotes(out *webhook.NormalizedEvent, n notes) {
	if v := strings.TrimSpace(n[webhook.MetaTenantID]); v != "" && out.TenantID == "" {
		out.TenantID = v
	}
	if v := strings.TrimSpace(n[webhook.MetaPendingRegistrationID]); v != "" && out.PendingRegistrationID == "" {
		out.PendingRegistrationID = v
	}
	if v := strings.TrimSpace(n[webhook.MetaPlanChangePlanID]); v != "" && out.PlanChangePlanID == "" {
		out.PlanChangePlanID = v
	}
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
