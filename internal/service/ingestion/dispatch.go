// internal/service/ingestion/dispatch.go
package ingestion

import (
	"context"
	"fmt"
	"strings"

	"billing-service/internal/domain/payment"
	"billing-service/internal/domain/registration"
	"billing-service/internal/domain/webhook"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/repository"
	ledgersvc "billing-service/internal/service/ledger"
	lifecyclesvc "billing-service/internal/service/lifecycle"
	registrationsvc "billing-service/internal/service/registration"

	"go.uber.org/zap"
)

// Dispatcher routes a normalized event to the services it affects. Every step
// is idempotent, so a redelivered event converges on the same rows.
type Dispatcher struct {
	store         repository.Store
	registrations *registrationsvc.RegistrationService
	lifecycle     *lifecyclesvc.LifecycleService
	ledger        *ledgersvc.LedgerService
	logger        *zap.Logger
}

func NewDispatcher(
	store repository.Store,
	registrations *registrationsvc.RegistrationService,
	lifecycle *lifecyclesvc.LifecycleService,
	ledger *ledgersvc.LedgerService,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		store:         store,
		registrations: registrations,
		lifecycle:     lifecycle,
		ledger:        ledger,
		logger:        logger,
	}
}

// Dispatch applies ev: registration finalize, plan change, subscription
// transition and ledger entry, in that order.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *webhook.NormalizedEvent) error {
	if ev.Kind == webhook.KindUnknown {
		return fmt.Errorf("%s %s: %w", ev.Provider, ev.EventType, xerrors.ErrUnhandledEvent)
	}

	collected := collects(ev.Kind)

	// Finalize a paid registration
	if ev.PendingRegistrationID != "" && collected {
		if err := d.finalize(ctx, ev); err != nil {
			return err
		}
	}

	// Apply a paid plan change
	if ev.PlanChangePlanID != "" && collected {
		if _, err := d.lifecycle.ApplyPlanChange(ctx, ev); err != nil {
			return err
		}
	}

	// Move the subscription through the state machine
	if _, err := d.lifecycle.Apply(ctx, ev); err != nil {
		return err
	}

	// Ledger the money movement
	if ev.Kind.IsPayment() {
		return d.record(ctx, ev)
	}
	return nil
}

func (d *Dispatcher) finalize(ctx context.Context, ev *webhook.NormalizedEvent) error {
	sub, err := d.registrations.Finalize(ctx, ev.PendingRegistrationID, registrationsvc.FinalizeOptions{
		ProviderOverride:       ev.Provider,
		ProviderCustomerID:     ev.ProviderCustomerID,
		ProviderSubscriptionID: ev.ProviderSubscriptionID,
		Verify: func(pending *registration.PendingRegistration) error {
			return checkCollected(ev, pending.Amount, pending.Currency)
		},
	})
	if err != nil {
		return err
	}
	if ev.TenantID == "" {
		ev.TenantID = sub.TenantID
	}
	return nil
}

func (d *Dispatcher) record(ctx context.Context, ev *webhook.NormalizedEvent) error {
	if ev.ProviderPaymentID == "" {
		d.logger.Debug("payment event without payment id, not ledgered", zap.String("provider_event_id", ev.ProviderEventID))
		return nil
	}

	sub, err := lifecyclesvc.FindForEvent(ctx, d.store.Repos(), ev)
	if err != nil {
		return err
	}
	if sub == nil {
		d.logger.Info("payment for unknown subscription, not ledgered",
			zap.String("provider_event_id", ev.ProviderEventID),
			zap.String("provider_payment_id", ev.ProviderPaymentID),
		)
		return nil
	}

	outcome := payment.OutcomeSucceeded
	if ev.Kind.IsFailure() {
		outcome = payment.OutcomeFailed
	}
	_, _, err = d.ledger.RecordPayment(ctx, payment.RecordRequest{
		SubscriptionID:    sub.ID,
		TenantID:          sub.TenantID,
		Amount:            ev.Amount,
		Currency:          ev.Currency,
		Outcome:           outcome,
		Provider:          ev.Provider,
		ProviderPaymentID: ev.ProviderPaymentID,
		InvoiceNumber:     ev.InvoiceNumber,
		AttemptID:         attemptID(ev),
	})
	return err
}

// --- Helper functions ---

// attemptID identifies one failed attempt. Retries on a Stripe invoice or
// payment intent reuse its id, so failures key on the event instead.
func attemptID(ev *webhook.NormalizedEvent) string {
	if !ev.Kind.IsFailure() {
		return ""
	}
	return ev.ProviderEventID
}

// collects reports whether the kind means money was taken.
func collects(k webhook.Kind) bool {
	switch k {
	case webhook.KindPaymentSucceeded, webhook.KindInvoicePaid, webhook.KindCheckoutCompleted, webhook.KindSubscriptionActivated:
		return true
	}
	return false
}

// checkCollected rejects events that report less than was quoted. Events
// without an amount (subscription activation) pass.
func checkCollected(ev *webhook.NormalizedEvent, amount int64, currency string) error {
	if ev.Amount == 0 && ev.Currency == "" {
		return nil
	}
	if ev.Amount < amount || (ev.Currency != "" && !strings.EqualFold(ev.Currency, currency)) {
		return fmt.Errorf("collected %d %s, expected %d %s: %w", ev.Amount, ev.Currency, amount, currency, xerrors.ErrAmountMismatch)
	}
	return nil
}
