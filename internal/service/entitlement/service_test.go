package entitlement

import (
	"context"
	"testing"
	"time"

	"billing-service/internal/cache"
	"billing-service/internal/domain/plan"
	"billing-service/internal/domain/subscription"
	"billing-service/internal/domain/tenant"
	"billing-service/internal/repository/memory"

	"github.com/alicebob/miniredis/v2"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func seed(t *testing.T, status subscription.Status, items ...string) *memory.Store {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	s.SeedModules(memory.DefaultModules()...)
	s.SeedPlans(plan.Plan{ID: "plan_a", Name: "Starter", BillingCycle: plan.CycleMonthly, BasePrice: 1000, Currency: "USD", Modules: pq.StringArray{"INV"}})

	repos := s.Repos()
	require.NoError(t, repos.Tenants.Create(ctx, &tenant.Tenant{ID: "t1", Name: "Acme"}))
	require.NoError(t, repos.Subscriptions.Create(ctx, &subscription.Subscription{
		ID: "s1", TenantID: "t1", PlanID: "plan_a", Status: status,
		CurrentPeriodStart: time.Now(), CurrentPeriodEnd: time.Now().AddDate(0, 1, 0),
	}))
	var its []subscription.Item
	for _, k := range items {
		its = append(its, subscription.Item{ModuleKey: k, Quantity: 1})
	}
	require.NoError(t, repos.Subscriptions.ReplaceItems(ctx, "s1", its))
	return s
}

func TestDeriveModules(t *testing.T) {
	p := &plan.Plan{Modules: pq.StringArray{"inv", "HR"}}
	active := &subscription.Subscription{Status: subscription.StatusActive}
	pastDue := &subscription.Subscription{Status: subscription.StatusPastDue}
	items := []subscription.Item{{ModuleKey: "FINANCE"}, {ModuleKey: "HR"}}

	tests := []struct {
		name         string
		sub          *subscription.Subscription
		items        []subscription.Item
		plan         *plan.Plan
		ignoreStatus bool
		want         []string
	}{
		{"no subscription", nil, items, p, false, []string{}},
		{"active uses items", active, items, p, false, []string{"FINANCE", "HR"}},
		{"active without items falls back to plan", active, nil, p, false, []string{"HR", "INV"}},
		{"inactive is empty", pastDue, items, p, false, []string{}},
		{"inactive with ignore status", pastDue, items, p, true, []string{"FINANCE", "HR"}},
		{"nothing to derive from", active, nil, nil, false, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveModules(tt.sub, tt.items, tt.plan, tt.ignoreStatus))
		})
	}
}

func TestSyncIsPure(t *testing.T) {
	ctx := context.Background()
	store := seed(t, subscription.StatusActive, "HR", "INV")
	svc := NewEntitlementService(store, nil, false, "USD", zap.NewNop())

	first, err := svc.Sync(ctx, "t1")
	require.NoError(t, err)
	second, err := svc.Sync(ctx, "t1")
	require.NoError(t, err)

	assert.Equal(t, []string{"HR", "INV"}, []string(first.EnabledModules))
	assert.Equal(t, first.EnabledModules, second.EnabledModules)
	assert.Equal(t, "USD", second.Currency)
}

func TestSyncUnknownTenantYieldsEmpty(t *testing.T) {
	ctx := context.Background()
	svc := NewEntitlementService(memory.New(), nil, false, "USD", zap.NewNop())

	cfg, err := svc.Sync(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, cfg.EnabledModules)
}

func TestEnabledModulesReadsThroughCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	c := cache.NewEntitlementCache(client, time.Minute)

	store := seed(t, subscription.StatusActive, "INV")
	svc := NewEntitlementService(store, c, false, "USD", zap.NewNop())
	_, err := svc.Sync(ctx, "t1")
	require.NoError(t, err)

	modules, err := svc.EnabledModules(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"INV"}, modules)
	assert.True(t, mr.Exists("entitlements:t1"))

	ok, err := svc.HasModule(ctx, "t1", "HR")
	require.NoError(t, err)
	assert.False(t, ok)

	// a new sync drops the cached set
	require.NoError(t, store.Repos().Subscriptions.ReplaceItems(ctx, "s1", []subscription.Item{{ModuleKey: "HR", Quantity: 1}}))
	_, err = svc.Sync(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, mr.Exists("entitlements:t1"))

	ok, err = svc.HasModule(ctx, "t1", "HR")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEnabledModulesWithoutConfig(t *testing.T) {
	svc := NewEntitlementService(memory.New(), nil, false, "USD", zap.NewNop())
	modules, err := svc.EnabledModules(context.Background(), "t1")
	require.NoError(t, err)
	assert.Empty(t, modules)
}
