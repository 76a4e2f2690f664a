package ingestion

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"billing-service/internal/config"
	"billing-service/internal/domain/billing"
	"billing-service/internal/domain/payment"
	"billing-service/internal/domain/plan"
	"billing-service/internal/domain/registration"
	"billing-service/internal/domain/subscription"
	"billing-service/internal/domain/webhook"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/provider"
	"billing-service/internal/provider/razorpay"
	"billing-service/internal/repository"
	"billing-service/internal/repository/memory"
	entitlementsvc "billing-service/internal/service/entitlement"
	ledgersvc "billing-service/internal/service/ledger"
	lifecyclesvc "billing-service/internal/service/lifecycle"
	registrationsvc "billing-service/internal/service/registration"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const webhookSecret = "rzp_whsec"

// flakyStore fails the first n transactions with a transient error.
type flakyStore struct {
	*memory.Store
	failures atomic.Int32
}

func (f *flakyStore) Run(ctx context.Context, fn func(repos repository.Repositories) error) error {
	if f.failures.Add(-1) >= 0 {
		return fmt.Errorf("connection reset: %w", xerrors.ErrTransientStorage)
	}
	return f.Store.Run(ctx, fn)
}

type fixture struct {
	store  *memory.Store
	flaky  *flakyStore
	svc    *IngestionService
	ledger *ledgersvc.LedgerService
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	logger := zap.NewNop()

	store := memory.New().WithClock(clock)
	store.SeedModules(memory.DefaultModules()...)
	store.SeedPlans(plan.Plan{ID: "plan_a", Name: "Starter", BillingCycle: plan.CycleMonthly, BasePrice: 1000, Currency: "USD", Modules: pq.StringArray{"INV"}, IsPublic: true})
	flaky := &flakyStore{Store: store}

	registry := provider.NewRegistry()
	registry.Register(billing.ProviderRazorpay, func() (provider.Adapter, error) {
		return razorpay.New(config.RazorpayConfig{WebhookSecret: webhookSecret}, provider.CallPolicy{Timeout: time.Second, Attempts: 1}, logger)
	})

	ents := entitlementsvc.NewEntitlementService(store, nil, false, "USD", logger)
	lifecycle := lifecyclesvc.NewLifecycleService(store, ents, registry, nil, logger).WithClock(clock)
	ledger := ledgersvc.NewLedgerService(store, nil, ledgersvc.Options{}, logger).WithClock(clock)
	registrations := registrationsvc.NewRegistrationService(flaky, lifecycle, ents, ledger, registry, nil,
		registrationsvc.Options{TTL: 24 * time.Hour}, logger).WithClock(clock)

	dispatcher := NewDispatcher(store, registrations, lifecycle, ledger, logger)
	svc := NewIngestionService(store, registry, dispatcher, 5*time.Second, logger).WithClock(clock)

	return &fixture{store: store, flaky: flaky, svc: svc, ledger: ledger, now: now}
}

func (f *fixture) pending(t *testing.T, id string, expiresIn time.Duration) {
	t.Helper()
	require.NoError(t, f.store.Repos().Registrations.Create(context.Background(), &registration.PendingRegistration{
		ID:           id,
		Email:        id + "@acme.io",
		PasswordHash: "$2a$04$hash",
		CompanyName:  "Acme " + id,
		PlanID:       "plan_a",
		BillingCycle: plan.CycleMonthly,
		Provider:     billing.ProviderRazorpay,
		Amount:       1000,
		Currency:     "USD",
		ExpiresAt:    f.now.Add(expiresIn),
	}))
}

func captured(eventID, paymentID, pendingID string, amount int64) webhook.Inbound {
	body := fmt.Sprintf(`{"entity":"event","event":"payment.captured","created_at":1772366400,"payload":{"payment":{"entity":{"id":%q,"amount":%d,"currency":"USD","status":"captured","notes":{"pendingRegistrationId":%q}}}}}`,
		paymentID, amount, pendingID)
	return signed(body, eventID)
}

func signed(body, eventID string) webhook.Inbound {
	h := http.Header{}
	if eventID != "" {
		h.Set(razorpay.EventIDHeader, eventID)
	}
	return webhook.Inbound{
		Provider:  billing.ProviderRazorpay,
		Body:      []byte(body),
		Signature: hex.EncodeToString(razorpay.Sign([]byte(webhookSecret), []byte(body))),
		Header:    h,
	}
}

func (f *fixture) event(t *testing.T, providerEventID string) *billing.BillingEvent {
	t.Helper()
	ev := &billing.BillingEvent{ID: "probe", ProviderEventID: providerEventID, Provider: billing.ProviderRazorpay}
	isNew, err := f.store.Repos().Events.RecordIfNew(context.Background(), ev)
	require.NoError(t, err)
	require.False(t, isNew, "event %s was never recorded", providerEventID)
	return ev
}

func TestDuplicateDeliveryFinalizesOnce(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "reg_1", 24*time.Hour)
	ctx := context.Background()

	ack, err := f.svc.Ingest(ctx, captured("evt_1", "pay_1", "reg_1", 1000))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeProcessed, ack.Outcome)

	ack, err = f.svc.Ingest(ctx, captured("evt_1", "pay_1", "reg_1", 1000))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeDuplicate, ack.Outcome)

	counts := f.store.Counts()
	assert.Equal(t, 1, counts.Tenants)
	assert.Equal(t, 1, counts.Users)
	assert.Equal(t, 1, counts.Subscriptions)
	assert.Equal(t, 1, counts.Payments)
	assert.Equal(t, 1, counts.Events)

	reg, err := f.store.Repos().Registrations.FindByID(ctx, "reg_1")
	require.NoError(t, err)
	assert.Equal(t, registration.StatusCompleted, reg.Status)

	sub, err := f.store.Repos().Subscriptions.FindByTenant(ctx, *reg.TenantID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, sub.Status)
	assert.Equal(t, billing.ProviderRazorpay, sub.Provider)

	payments, err := f.ledger.ListPayments(ctx, sub.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, "pay_1", payments[0].ProviderPaymentID)
	assert.Equal(t, int64(1000), payments[0].Amount)
}

func TestSamePaymentUnderNewEventIDConverges(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "reg_1", 24*time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ack, err := f.svc.Ingest(ctx, captured(fmt.Sprintf("evt_%d", i), "pay_1", "reg_1", 1000))
		require.NoError(t, err)
		assert.Equal(t, webhook.OutcomeProcessed, ack.Outcome)
	}

	counts := f.store.Counts()
	assert.Equal(t, 1, counts.Tenants)
	assert.Equal(t, 1, counts.Payments)
	assert.Equal(t, 3, counts.Events)
}

func TestConcurrentDeliveriesFinalizeOnce(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "reg_1", 24*time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ack, err := f.svc.Ingest(context.Background(), captured("evt_1", "pay_1", "reg_1", 1000))
			assert.NoError(t, err)
			if ack != nil {
				assert.Contains(t, []webhook.Outcome{webhook.OutcomeProcessed, webhook.OutcomeDuplicate}, ack.Outcome)
			}
		}()
	}
	wg.Wait()

	counts := f.store.Counts()
	assert.Equal(t, 1, counts.Tenants)
	assert.Equal(t, 1, counts.Payments)
	assert.Equal(t, 1, counts.Events)
}

func TestRejectedDeliveries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := captured("evt_1", "pay_1", "reg_1", 1000)
	bad.Signature = hex.EncodeToString([]byte("forged"))
	_, err := f.svc.Ingest(ctx, bad)
	assert.ErrorIs(t, err, xerrors.ErrUnauthorized)

	_, err = f.svc.Ingest(ctx, signed(`{"event":`, "evt_2"))
	assert.ErrorIs(t, err, xerrors.ErrMalformedEvent)

	_, err = f.svc.Ingest(ctx, webhook.Inbound{Provider: billing.ProviderStripe, Body: []byte(`{}`)})
	assert.ErrorIs(t, err, xerrors.ErrNotConfigured)

	assert.Equal(t, 0, f.store.Counts().Events)
}

func TestUnknownEventIsIgnoredOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := `{"entity":"event","event":"refund.created","created_at":1772366400,"payload":{"payment":{"entity":{"id":"pay_9","amount":500,"currency":"USD"}}}}`

	ack, err := f.svc.Ingest(ctx, signed(body, "evt_refund"))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeIgnored, ack.Outcome)
	assert.Contains(t, ack.Reason, "unhandled")
	assert.Equal(t, billing.EventStatusFailed, f.event(t, "evt_refund").Status)

	ack, err = f.svc.Ingest(ctx, signed(body, "evt_refund"))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeDuplicate, ack.Outcome)
}

func TestBusinessErrorsAreAcknowledged(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, f *fixture)
		inbound webhook.Inbound
		reason  string
	}{
		{
			name:    "expired registration",
			setup:   func(t *testing.T, f *fixture) { f.pending(t, "reg_old", -time.Hour) },
			inbound: captured("evt_1", "pay_1", "reg_old", 1000),
			reason:  "expired",
		},
		{
			name:    "unknown registration",
			setup:   func(*testing.T, *fixture) {},
			inbound: captured("evt_1", "pay_1", "reg_missing", 1000),
			reason:  "pending registration not found",
		},
		{
			name:    "short payment",
			setup:   func(t *testing.T, f *fixture) { f.pending(t, "reg_1", time.Hour) },
			inbound: captured("evt_1", "pay_1", "reg_1", 999),
			reason:  "does not match",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(t, f)

			ack, err := f.svc.Ingest(context.Background(), tt.inbound)
			require.NoError(t, err)
			assert.Equal(t, webhook.OutcomeIgnored, ack.Outcome)
			assert.Contains(t, ack.Reason, tt.reason)
			assert.Equal(t, 0, f.store.Counts().Tenants)
			assert.Equal(t, billing.EventStatusFailed, f.event(t, "evt_1").Status)
		})
	}
}

func TestExpiryWinsOverShortPayment(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "reg_old", -time.Hour)
	ctx := context.Background()

	ack, err := f.svc.Ingest(ctx, captured("evt_1", "pay_1", "reg_old", 500))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeIgnored, ack.Outcome)
	assert.Contains(t, ack.Reason, "expired")

	reg, err := f.store.Repos().Registrations.FindByID(ctx, "reg_old")
	require.NoError(t, err)
	assert.Equal(t, registration.StatusExpired, reg.Status)
	assert.Equal(t, 0, f.store.Counts().Tenants)
}

func TestTransientFailureLeavesEventReceived(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "reg_1", 24*time.Hour)
	f.flaky.failures.Store(1)
	ctx := context.Background()

	ack, err := f.svc.Ingest(ctx, captured("evt_1", "pay_1", "reg_1", 1000))
	require.Error(t, err)
	assert.Nil(t, ack)
	assert.ErrorIs(t, err, xerrors.ErrTransientStorage)

	stored := f.event(t, "evt_1")
	assert.Equal(t, billing.EventStatusReceived, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "connection reset")
	assert.Equal(t, 0, f.store.Counts().Tenants)

	// The provider's retry goes through.
	ack, err = f.svc.Ingest(ctx, captured("evt_1", "pay_1", "reg_1", 1000))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeProcessed, ack.Outcome)
	assert.Equal(t, 1, f.store.Counts().Tenants)
}

func TestProcessingSurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "reg_1", 24*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	in := captured("evt_1", "pay_1", "reg_1", 1000)
	adapter, err := razorpay.New(config.RazorpayConfig{WebhookSecret: webhookSecret}, provider.DefaultCallPolicy(), zap.NewNop())
	require.NoError(t, err)
	ev, err := adapter.Normalize(in)
	require.NoError(t, err)

	record := &billing.BillingEvent{ID: "ev_1", ProviderEventID: ev.ProviderEventID, Provider: ev.Provider, EventType: ev.EventType, Payload: ev.Raw}
	_, err = f.store.Repos().Events.RecordIfNew(context.Background(), record)
	require.NoError(t, err)

	cancel()
	ack, err := f.svc.process(ctx, record.ID, ev)
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeProcessed, ack.Outcome)
	assert.Equal(t, 1, f.store.Counts().Tenants)
}

func TestReplayRedispatchesReceivedEvent(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "reg_1", 24*time.Hour)
	f.flaky.failures.Store(1)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, captured("evt_1", "pay_1", "reg_1", 1000))
	require.Error(t, err)
	stored := f.event(t, "evt_1")

	ack, err := f.svc.Replay(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeProcessed, ack.Outcome)
	assert.Equal(t, "evt_1", ack.ProviderEventID)
	assert.Equal(t, billing.EventStatusProcessed, f.event(t, "evt_1").Status)

	ack, err = f.svc.Replay(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeDuplicate, ack.Outcome)
}

func TestInvoiceRetryAfterFailureIsLedgered(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "reg_1", 24*time.Hour)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, captured("evt_1", "pay_1", "reg_1", 1000))
	require.NoError(t, err)
	reg, err := f.store.Repos().Registrations.FindByID(ctx, "reg_1")
	require.NoError(t, err)
	tenantID := *reg.TenantID

	invoiceEvent := func(kind webhook.Kind, eventID string) *webhook.NormalizedEvent {
		return &webhook.NormalizedEvent{
			Kind:              kind,
			Provider:          billing.ProviderStripe,
			ProviderEventID:   eventID,
			EventType:         string(kind),
			TenantID:          tenantID,
			ProviderPaymentID: "in_1",
			Amount:            1000,
			Currency:          "USD",
		}
	}

	require.NoError(t, f.svc.dispatcher.Dispatch(ctx, invoiceEvent(webhook.KindInvoicePaymentFailed, "evt_fail")))
	require.NoError(t, f.svc.dispatcher.Dispatch(ctx, invoiceEvent(webhook.KindInvoicePaid, "evt_paid")))
	require.NoError(t, f.svc.dispatcher.Dispatch(ctx, invoiceEvent(webhook.KindInvoicePaid, "evt_paid_again")))

	sub, err := f.store.Repos().Subscriptions.FindByTenant(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, sub.Status)

	payments, err := f.ledger.ListPayments(ctx, sub.ID, 10, 0)
	require.NoError(t, err)
	byStatus := map[payment.Outcome][]string{}
	for _, p := range payments {
		byStatus[p.Status] = append(byStatus[p.Status], p.ProviderPaymentID)
	}
	assert.ElementsMatch(t, []string{"pay_1", "in_1"}, byStatus[payment.OutcomeSucceeded])
	assert.Equal(t, []string{"in_1:evt_fail"}, byStatus[payment.OutcomeFailed])
}
