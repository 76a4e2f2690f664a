// internal/provider/stripe/normalize.go
package stripe

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

	stripelib "github.com/stripe/stripe-go/v82"
)

// Statuses maps Stripe subscription statuses onto the canonical states.
var Statuses = provider.StatusTable{
	"trialing":           subscription.StatusTrialing,
	"active":             subscription.StatusActive,
	"past_due":           subscription.StatusPastDue,
	"unpaid":             subscription.StatusPastDue,
	"incomplete":         subscription.StatusPastDue,
	"paused":             subscription.StatusPastDue,
	"canceled":           subscription.StatusCanceled,
	"incomplete_expired": subscription.StatusCanceled,
}

// Normalize decodes a Stripe event envelope into a NormalizedEvent.
func (a *Adapter) Normalize(in webhook.Inbound) (*webhook.NormalizedEvent, error) {
	var ev stripelib.Event
	if err := json.Unmarshal(in.Body, &ev); err != nil {
		return nil, fmt.Errorf("decode stripe event: %w", xerrors.ErrMalformedEvent)
	}
	if strings.TrimSpace(ev.ID) == "" || ev.Type == "" || ev.Data == nil {
		return nil, fmt.Errorf("stripe event without id, type or data: %w", xerrors.ErrMalformedEvent)
	}

	out := &webhook.NormalizedEvent{
		Kind:            webhook.KindUnknown,
		Provider:        billing.ProviderStripe,
		ProviderEventID: ev.ID,
		EventType:       string(ev.Type),
		OccurredAt:      time.Unix(ev.Created, 0).UTC(),
		Raw:             json.RawMessage(in.Body),
	}

	var err error
	switch string(ev.Type) {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		err = a.fromCheckoutSession(ev.Data.Raw, out)
	case "payment_intent.succeeded":
		out.Kind = webhook.KindPaymentSucceeded
		err = fromPaymentIntent(ev.Data.Raw, out)
	case "payment_intent.payment_failed":
		out.Kind = webhook.KindPaymentFailed
		err = fromPaymentIntent(ev.Data.Raw, out)
	case "invoice.paid", "invoice.payment_succeeded":
		out.Kind = webhook.KindInvoicePaid
		out.Status = subscription.StatusActive
		err = fromInvoice(ev.Data.Raw, out)
	case "invoice.payment_failed":
		out.Kind = webhook.KindInvoicePaymentFailed
		out.Status = subscription.StatusPastDue
		err = fromInvoice(ev.Data.Raw, out)
	case "customer.subscription.created", "customer.subscription.updated",
		"customer.subscription.paused", "customer.subscription.resumed":
		err = a.fromSubscription(ev.Data.Raw, out)
	case "customer.subscription.deleted":
		err = a.fromSubscription(ev.Data.Raw, out)
		out.Kind = webhook.KindSubscriptionCanceled
		out.Status = subscription.StatusCanceled
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ref decodes a field Stripe sends either as an id string or as an expanded object.
type ref string

func (r *ref) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*r = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = ref(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*r = ref(obj.ID)
	return nil
}

type checkoutSession struct {
	ID            string            `json:"id"`
	Mode          string            `json:"mode"`
	Customer      ref               `json:"customer"`
	Subscription  ref               `json:"subscription"`
	PaymentIntent ref               `json:"payment_intent"`
	Invoice       ref               `json:"invoice"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	PaymentStatus string            `json:"payment_status"`
	Metadata      map[string]string `json:"metadata"`
}

type paymentIntent struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	AmountReceived int64             `json:"amount_received"`
	Currency       string            `json:"currency"`
	Customer       ref               `json:"customer"`
	Invoice        ref               `json:"invoice"`
	Metadata       map[string]string `json:"metadata"`
}

type period struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type invoice struct {
	ID            string            `json:"id"`
	Number        string            `json:"number"`
	AmountPaid    int64             `json:"amount_paid"`
	AmountDue     int64             `json:"amount_due"`
	Currency      string            `json:"currency"`
	Customer      ref               `json:"customer"`
	Subscription  ref               `json:"subscription"`
	PaymentIntent ref               `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`

	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Parent *struct {
		SubscriptionDetails *struct {
			Subscription ref               `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period period `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

type stripeSubscription struct {
	ID                 string            `json:"id"`
	Customer           ref               `json:"customer"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func (a *Adapter) fromCheckoutSession(raw json.RawMessage, out *webhook.NormalizedEvent) error {
	var s checkoutSession
	if err := decode(raw, &s, "checkout session"); err != nil {
		return err
	}
	// Async payment methods complete the session before money moves.
	if s.PaymentStatus == "unpaid" {
		return nil
	}
	out.Kind = webhook.KindCheckoutCompleted
	out.Status = subscription.StatusActive
	out.Amount = s.AmountTotal
	out.Currency = strings.ToUpper(s.Currency)
	out.ProviderCustomerID = string(s.Customer)
	out.ProviderSubscriptionID = string(s.Subscription)
	// Same charge, same ledger key as the invoice or payment intent events.
	out.ProviderPaymentID = firstNonEmpty(string(s.Invoice), string(s.PaymentIntent), s.ID)
	applyMetadata(out, s.Metadata)
	return nil
}

func fromPaymentIntent(raw json.RawMessage, out *webhook.NormalizedEvent) error {
	var pi paymentIntent
	if err := decode(raw, &pi, "payment intent"); err != nil {
		return err
	}
	out.Amount = pi.AmountReceived
	if out.Amount == 0 || out.Kind == webhook.KindPaymentFailed {
		out.Amount = pi.Amount
	}
	out.Currency = strings.ToUpper(pi.Currency)
	out.ProviderCustomerID = string(pi.Customer)
	out.ProviderPaymentID = firstNonEmpty(string(pi.Invoice), pi.ID)
	applyMetadata(out, pi.Metadata)
	return nil
}

func fromInvoice(raw json.RawMessage, out *webhook.NormalizedEvent) error {
	var inv invoice
	if err := decode(raw, &inv, "invoice"); err != nil {
		return err
	}
	out.Amount = inv.AmountPaid
	if out.Kind == webhook.KindInvoicePaymentFailed {
		out.Amount = inv.AmountDue
	}
	out.Currency = strings.ToUpper(inv.Currency)
	out.ProviderCustomerID = string(inv.Customer)
	out.ProviderSubscriptionID = string(inv.Subscription)
	out.ProviderPaymentID = inv.ID
	out.InvoiceNumber = inv.Number

	applyMetadata(out, inv.Metadata)
	if inv.SubscriptionDetails != nil {
		applyMetadata(out, inv.SubscriptionDetails.Metadata)
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		if out.ProviderSubscriptionID == "" {
			out.ProviderSubscriptionID = string(inv.Parent.SubscriptionDetails.Subscription)
		}
		applyMetadata(out, inv.Parent.SubscriptionDetails.Metadata)
	}
	if len(inv.Lines.Data) > 0 {
		p := inv.Lines.Data[0].Period
		out.PeriodStart, out.PeriodEnd = unixPtr(p.Start), unixPtr(p.End)
	}
	return nil
}

func (a *Adapter) fromSubscription(raw json.RawMessage, out *webhook.NormalizedEvent) error {
	var s stripeSubscription
	if err := decode(raw, &s, "subscription"); err != nil {
		return err
	}
	if s.ID == "" {
		return fmt.Errorf("stripe subscription without id: %w", xerrors.ErrMalformedEvent)
	}
	out.ProviderSubscriptionID = s.ID
	out.ProviderCustomerID = string(s.Customer)
	out.ProviderStatus = s.Status
	out.Status = Statuses.Resolve(billing.ProviderStripe, s.Status, a.logger)
	out.Kind = kindForStatus(out.Status)

	start, end := s.CurrentPeriodStart, s.CurrentPeriodEnd
	if start == 0 && len(s.Items.Data) > 0 {
		start, end = s.Items.Data[0].CurrentPeriodStart, s.Items.Data[0].CurrentPeriodEnd
	}
	out.PeriodStart, out.PeriodEnd = unixPtr(start), unixPtr(end)
	applyMetadata(out, s.Metadata)
	return nil
}

func kindForStatus(s subscription.Status) webhook.Kind {
	switch s {
	case subscription.StatusPastDue:
		return webhook.KindSubscriptionPastDue
	case subscription.StatusCanceled:
		return webhook.KindSubscriptionCanceled
	}
	return webhook.KindSubscriptionUpdated
}

func applyMetadata(out *webhook.NormalizedEvent, md map[string]string) {
	if v := strings.TrimSpace(md[webhook.MetaTenantID]); v != "" && out.TenantID == "" {
		out.TenantID = v
	}
	if v := strings.TrimSpace(md[webhook.MetaPendingRegistrationID]); v != "" && out.PendingRegistrationID == "" {
		out.PendingRegistrationID = v
	}
	if v := strings.TrimSpace(md[webhook.MetaPlanChangePlanID]); v != "" && out.PlanChangePlanID == "" {
		out.PlanChangePlanID = v
	}
}

func decode(raw json.RawMessage, v any, what string) error {
	if len(raw) == 0 {
		return fmt.Errorf("stripe %s missing: %w", what, xerrors.ErrMalformedEvent)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode stripe %s: %w", what, xerrors.ErrMalformedEvent)
	}
	return nil
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
