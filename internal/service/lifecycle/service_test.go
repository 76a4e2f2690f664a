package lifecycle

import (
	"context"
	"testing"
	"time"

	"billing-service/internal/domain/billing"
	"billing-service/internal/domain/plan"
	"billing-service/internal/domain/subscription"
	"billing-service/internal/domain/tenant"
	"billing-service/internal/domain/webhook"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/provider"
	"billing-service/internal/repository"
	"billing-service/internal/repository/memory"
	entitlementsvc "billing-service/internal/service/entitlement"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAdapter struct {
	sessions []provider.SessionRequest
	subs     []provider.SubscriptionRequest
	cancels  []bool
}

func (f *fakeAdapter) Name() billing.Provider { return billing.ProviderStripe }
func (f *fakeAdapter) VerifySignature(_ []byte, _ string) error { return nil }
func (f *fakeAdapter) Normalize(webhook.Inbound) (*webhook.NormalizedEvent, error) {
	return nil, xerrors.ErrMalformedEvent
}
func (f *fakeAdapter) CreateCustomer(context.Context, provider.CustomerRequest) (string, error) {
	return "cus_1", nil
}
func (f *fakeAdapter) CreateSubscription(_ context.Context, req provider.SubscriptionRequest) (*provider.Subscription, error) {
	f.subs = append(f.subs, req)
	return &provider.Subscription{ID: "sub_remote", Status: "active"}, nil
}
func (f *fakeAdapter) CancelSubscription(_ context.Context, _ string, atPeriodEnd bool) error {
	f.cancels = append(f.cancels, atPeriodEnd)
	return nil
}
func (f *fakeAdapter) FetchPayment(_ context.Context, id string) (*provider.Payment, error) {
	return &provider.Payment{ID: id}, nil
}
func (f *fakeAdapter) CreatePaymentSession(_ context.Context, req provider.SessionRequest) (*provider.Session, error) {
	f.sessions = append(f.sessions, req)
	return &provider.Session{ID: "cs_1", URL: "https://checkout.test/cs_1"}, nil
}

type fixture struct {
	store   *memory.Store
	svc     *LifecycleService
	adapter *fakeAdapter
	now     time.Time
}

func newFixture(t *testing.T, status subscription.Status) *fixture {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	store := memory.New().WithClock(func() time.Time { return now })
	store.SeedModules(memory.DefaultModules()...)
	store.SeedPlans(
		plan.Plan{ID: "plan_a", Name: "Plan A", BillingCycle: plan.CycleMonthly, BasePrice: 1000, Currency: "USD", Modules: pq.StringArray{"INV"}, IsPublic: true},
		plan.Plan{ID: "plan_b", Name: "Plan B", BillingCycle: plan.CycleMonthly, BasePrice: 2000, Currency: "USD", Modules: pq.StringArray{"INV", "HR"}, IsPublic: true},
		plan.Plan{ID: "plan_gone", Name: "Legacy", BillingCycle: plan.CycleMonthly, BasePrice: 500, Currency: "USD", Modules: pq.StringArray{"RETIRED"}},
	)

	adapter := &fakeAdapter{}
	registry := provider.NewRegistry()
	registry.Register(billing.ProviderStripe, func() (provider.Adapter, error) { return adapter, nil })

	ents := entitlementsvc.NewEntitlementService(store, nil, false, "USD", zap.NewNop())
	svc := NewLifecycleService(store, ents, registry, PlanRefs{
		billing.ProviderStripe: {"plan_a": "price_a"},
	}, zap.NewNop()).WithClock(func() time.Time { return now })

	require.NoError(t, store.Repos().Tenants.Create(ctx, &tenant.Tenant{ID: "t1", Name: "Acme", Status: tenant.StatusActive}))
	err := store.Run(ctx, func(repos repository.Repositories) error {
		sub, err := svc.CreateWith(ctx, repos, CreateParams{
			TenantID:           "t1",
			PlanID:             "plan_a",
			Provider:           billing.ProviderStripe,
			ProviderCustomerID: "cus_1",
			Status:             status,
		})
		if err != nil {
			return err
		}
		require.NotEmpty(t, sub.ID)
		_, err = ents.SyncWith(ctx, repos, "t1")
		return err
	})
	require.NoError(t, err)

	return &fixture{store: store, svc: svc, adapter: adapter, now: now}
}

func (f *fixture) sub(t *testing.T) *subscription.Subscription {
	t.Helper()
	sub, err := f.store.Repos().Subscriptions.FindByTenant(context.Background(), "t1")
	require.NoError(t, err)
	return sub
}

func (f *fixture) modules(t *testing.T) []string {
	t.Helper()
	cfg, err := f.store.Repos().Entitlements.FindByTenant(context.Background(), "t1")
	require.NoError(t, err)
	return []string(cfg.EnabledModules)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to subscription.Status
		want     bool
	}{
		{subscription.StatusTrialing, subscription.StatusActive, true},
		{subscription.StatusTrialing, subscription.StatusPastDue, true},
		{subscription.StatusActive, subscription.StatusPastDue, true},
		{subscription.StatusPastDue, subscription.StatusActive, true},
		{subscription.StatusActive, subscription.StatusCanceled, true},
		{subscription.StatusActive, subscription.StatusActive, true},
		{subscription.StatusActive, subscription.StatusTrialing, false},
		{subscription.StatusCanceled, subscription.StatusActive, false},
		{subscription.StatusCanceled, subscription.StatusCanceled, true},
		{"BOGUS", subscription.StatusActive, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}

	_, _, err := Next(subscription.StatusCanceled, subscription.StatusActive)
	assert.ErrorIs(t, err, xerrors.ErrIllegalTransition)
}

func TestApplyInvoicePaidActivatesAndRefreshesPeriod(t *testing.T) {
	f := newFixture(t, subscription.StatusTrialing)
	assert.Empty(t, f.modules(t))

	start := f.now.AddDate(0, 1, 0)
	end := start.AddDate(0, 1, 0)
	sub, err := f.svc.Apply(context.Background(), &webhook.NormalizedEvent{
		Kind:                   webhook.KindInvoicePaid,
		Provider:               billing.ProviderStripe,
		TenantID:               "t1",
		ProviderSubscriptionID: "sub_remote",
		PeriodStart:            &start,
		PeriodEnd:              &end,
	})
	require.NoError(t, err)
	require.NotNil(t, sub)

	stored := f.sub(t)
	assert.Equal(t, subscription.StatusActive, stored.Status)
	assert.True(t, stored.CurrentPeriodEnd.Equal(end))
	require.NotNil(t, stored.ProviderSubscriptionID)
	assert.Equal(t, "sub_remote", *stored.ProviderSubscriptionID)
	assert.Equal(t, []string{"INV"}, f.modules(t))
}

func TestApplyDunningRevokesAndRecoveryRestores(t *testing.T) {
	f := newFixture(t, subscription.StatusActive)
	ctx := context.Background()
	assert.Equal(t, []string{"INV"}, f.modules(t))

	_, err := f.svc.Apply(ctx, &webhook.NormalizedEvent{Kind: webhook.KindInvoicePaymentFailed, Provider: billing.ProviderStripe, TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPastDue, f.sub(t).Status)
	assert.Empty(t, f.modules(t))

	_, err = f.svc.Apply(ctx, &webhook.NormalizedEvent{Kind: webhook.KindPaymentSucceeded, Provider: billing.ProviderStripe, TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, f.sub(t).Status)
	assert.Equal(t, []string{"INV"}, f.modules(t))
}

func TestApplyCanceledIsTerminal(t *testing.T) {
	f := newFixture(t, subscription.StatusActive)
	ctx := context.Background()

	_, err := f.svc.Apply(ctx, &webhook.NormalizedEvent{Kind: webhook.KindSubscriptionCanceled, Provider: billing.ProviderStripe, TenantID: "t1"})
	require.NoError(t, err)
	sub := f.sub(t)
	assert.Equal(t, subscription.StatusCanceled, sub.Status)
	require.NotNil(t, sub.CanceledAt)

	// a late payment event must not resurrect the subscription
	_, err = f.svc.Apply(ctx, &webhook.NormalizedEvent{Kind: webhook.KindInvoicePaid, Provider: billing.ProviderStripe, TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusCanceled, f.sub(t).Status)
	assert.Empty(t, f.modules(t))
}

func TestApplyUpdatedUsesMappedStatus(t *testing.T) {
	f := newFixture(t, subscription.StatusActive)

	_, err := f.svc.Apply(context.Background(), &webhook.NormalizedEvent{
		Kind: webhook.KindSubscriptionUpdated, Provider: billing.ProviderStripe, TenantID: "t1", Status: subscription.StatusPastDue,
	})
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPastDue, f.sub(t).Status)
}

func TestApplyWithoutSubscriptionIsNoop(t *testing.T) {
	f := newFixture(t, subscription.StatusActive)

	sub, err := f.svc.Apply(context.Background(), &webhook.NormalizedEvent{
		Kind: webhook.KindPaymentSucceeded, Provider: billing.ProviderStripe, TenantID: "someone-else",
	})
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestApplyPaymentFailedKeepsStatus(t *testing.T) {
	f := newFixture(t, subscription.StatusActive)

	_, err := f.svc.Apply(context.Background(), &webhook.NormalizedEvent{Kind: webhook.KindPaymentFailed, Provider: billing.ProviderStripe, TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, f.sub(t).Status)
}

func TestChangePlanReplacesItems(t *testing.T) {
	f := newFixture(t, subscription.StatusActive)
	ctx := context.Background()

	before, err := f.store.Repos().Subscriptions.ListItems(ctx, f.sub(t).ID)
	require.NoError(t, err)
	require.Len(t, before, 1)

	sub, err := f.svc.ChangePlan(ctx, "t1", "plan_b")
	require.NoError(t, err)
	assert.Equal(t, "plan_b", sub.PlanID)

	items, err := f.store.Repos().Subscriptions.ListItems(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"HR", "INV"}, subscription.ModuleKeys(items))
	for _, it := range items {
		assert.NotEqual(t, before[0].ID, it.ID)
	}
	assert.Equal(t, []string{"HR", "INV"}, f.modules(t))
}

func TestChangePlanToMissingModuleRollsBack(t *testing.T) {
	f := newFixture(t, subscription.StatusActive)

	_, err := f.svc.ChangePlan(context.Background(), "t1", "plan_gone")
	assert.ErrorIs(t, err, xerrors.ErrPlanNotFound)
	assert.Equal(t, "plan_a", f.sub(t).PlanID)
	assert.Equal(t, []string{"INV"}, f.modules(t))
}

func TestApplyPlanChangeChecksAmount(t *testing.T) {
	f := newFixture(t, subscription.StatusActive)
	ctx := context.Background()

	_, err := f.svc.ApplyPlanChange(ctx, &webhook.NormalizedEvent{TenantID: "t1", PlanChangePlanID: "plan_b", Amount: 1999, Currency: "USD"})
	assert.ErrorIs(t, err, xerrors.ErrAmountMismatch)
	assert.True(t, xerrors.IsBusiness(err))

	_, err = f.svc.ApplyPlanChange(ctx, &webhook.NormalizedEvent{TenantID: "t1", PlanChangePlanID: "plan_b", Amount: 2000, Currency: "INR"})
	assert.ErrorIs(t, err, xerrors.ErrAmountMismatch)

	sub, err := f.svc.ApplyPlanChange(ctx, &webhook.NormalizedEvent{TenantID: "t1", PlanChangePlanID: "plan_b", Amount: 2000, Currency: "usd"})
	require.NoError(t, err)
	assert.Equal(t, "plan_b", sub.PlanID)
}

func TestRequestPlanChangeCarriesMetadata(t *testing.T) {
	f := newFixture(t, subscription.StatusActive)

	resp, err := f.svc.RequestPlanChange(context.Background(), "t1", subscription.PlanChangeRequest{PlanID: "plan_b"})
	require.NoError(t, err)
	assert.Equal(t, int64(2000), resp.Amount)
	assert.Equal(t, "https://checkout.test/cs_1", resp.CheckoutURL)

	require.Len(t, f.adapter.sessions, 1)
	req := f.adapter.sessions[0]
	assert.Equal(t, "cus_1", req.CustomerID)
	assert.Equal(t, "t1", req.Metadata[webhook.MetaTenantID])
	assert.Equal(t, "plan_b", req.Metadata[webhook.MetaPlanChangePlanID])
	assert.NotEmpty(t, req.IdempotencyKey)

	_, err = f.svc.RequestPlanChange(context.Background(), "t1", subscription.PlanChangeRequest{PlanID: "plan_a"})
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
}

func TestCancel(t *testing.T) {
	t.Run("at period end", func(t *testing.T) {
		f := newFixture(t, subscription.StatusActive)
		sub, err := f.svc.Cancel(context.Background(), "t1", subscription.CancelRequest{AtPeriodEnd: true})
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusActive, sub.Status)
		require.NotNil(t, sub.CancelAt)
		assert.True(t, sub.CancelAt.Equal(sub.CurrentPeriodEnd))
		assert.Equal(t, []string{"INV"}, f.modules(t))
	})

	t.Run("immediately", func(t *testing.T) {
		f := newFixture(t, subscription.StatusActive)
		sub, err := f.svc.Cancel(context.Background(), "t1", subscription.CancelRequest{})
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusCanceled, sub.Status)
		assert.Empty(t, f.modules(t))
		// no provider subscription linked, so nothing to cancel remotely
		assert.Empty(t, f.adapter.cancels)
	})
}

func TestProvisionRecurringLinksProviderSubscription(t *testing.T) {
	f := newFixture(t, subscription.StatusActive)
	ctx := context.Background()

	require.NoError(t, f.svc.ProvisionRecurring(ctx, "t1", "sub-reg_1"))
	require.NoError(t, f.svc.ProvisionRecurring(ctx, "t1", "sub-reg_1"))

	require.Len(t, f.adapter.subs, 1)
	assert.Equal(t, "price_a", f.adapter.subs[0].PlanRef)
	assert.Equal(t, "sub-reg_1", f.adapter.subs[0].IdempotencyKey)

	sub := f.sub(t)
	require.NotNil(t, sub.ProviderSubscriptionID)
	assert.Equal(t, "sub_remote", *sub.ProviderSubscriptionID)

	_, err := f.svc.Cancel(ctx, "t1", subscription.CancelRequest{AtPeriodEnd: true})
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, f.adapter.cancels)
}

func TestGetReturnsView(t *testing.T) {
	f := newFixture(t, subscription.StatusActive)

	view, err := f.svc.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "Plan A", view.PlanName)
	require.Len(t, view.Items, 1)
	assert.Equal(t, int64(1000), view.Items[0].UnitPrice)

	_, err = f.svc.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, xerrors.ErrNotFound)
}
