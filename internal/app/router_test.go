package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"billing-service/internal/domain/plan"
	"billing-service/internal/domain/subscription"
	"billing-service/internal/domain/tenant"
	planHandler "billing-service/internal/handlers/plans"
	registrationHandler "billing-service/internal/handlers/registration"
	subscriptionHandler "billing-service/internal/handlers/subscription"
	webhookHandler "billing-service/internal/handlers/webhook"
	"billing-service/internal/middleware"
	"billing-service/internal/pkg/jwt"
	"billing-service/internal/provider"
	"billing-service/internal/repository"
	"billing-service/internal/repository/memory"
	catalogsvc "billing-service/internal/service/catalog"
	entitlementsvc "billing-service/internal/service/entitlement"
	ingestionsvc "billing-service/internal/service/ingestion"
	ledgersvc "billing-service/internal/service/ledger"
	lifecyclesvc "billing-service/internal/service/lifecycle"
	registrationsvc "billing-service/internal/service/registration"

	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testApp struct {
	router       *gin.Engine
	store        *memory.Store
	jwt          *jwt.Manager
	entitlements *entitlementsvc.EntitlementService
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	store := memory.New()
	store.SeedModules(memory.DefaultModules()...)
	manager, err := jwt.LoadAndBuild(jwt.Config{Secret: strings.Repeat("k", 32), Issuer: "billing-service", Audience: "tenant-admins", TTL: time.Hour})
	require.NoError(t, err)

	registry := provider.NewRegistry()
	entitlements := entitlementsvc.NewEntitlementService(store, nil, false, "USD", logger)
	lifecycle := lifecyclesvc.NewLifecycleService(store, entitlements, registry, nil, logger)
	ledger := ledgersvc.NewLedgerService(store, nil, ledgersvc.Options{}, logger)
	registrations := registrationsvc.NewRegistrationService(store, lifecycle, entitlements, ledger, registry, manager, registrationsvc.Options{HashCost: 4}, logger)
	ingestion := ingestionsvc.NewIngestionService(store, registry, ingestionsvc.NewDispatcher(store, registrations, lifecycle, ledger, logger), time.Second, logger)

	r := gin.New()
	SetupRouter(r, logger, &Handlers{
		WebhookHandler:      webhookHandler.NewWebhookHandler(ingestion, logger),
		RegistrationHandler: registrationHandler.NewRegistrationHandler(registrations, nil, logger),
		SubscriptionHandler: subscriptionHandler.NewSubscriptionHandler(lifecycle, ledger, entitlements, logger),
		PlanHandler:         planHandler.NewPlanHandler(catalogsvc.NewCatalogService(store, logger)),
		AuthMiddleware:      middleware.NewAuthMiddleware(manager.Verifier),
		ModuleMiddleware:    middleware.NewModuleMiddleware(entitlements, logger),
	})
	return &testApp{router: r, store: store, jwt: manager, entitlements: entitlements}
}

func (a *testApp) do(method, path, bearer, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

// seedTenant creates an active tenant with an HR subscription and returns its admin token.
func (a *testApp) seedTenant(t *testing.T) string {
	t.Helper()
	ctx := t.Context()
	now := time.Now().UTC()

	admin := &tenant.User{ID: "u1", TenantID: "t1", Email: "owner@acme.io", Role: tenant.RoleAdmin}
	err := a.store.Run(ctx, func(repos repository.Repositories) error {
		if err := repos.Tenants.Create(ctx, &tenant.Tenant{ID: "t1", Name: "Acme", Status: tenant.StatusActive}); err != nil {
			return err
		}
		if err := repos.Users.Create(ctx, admin); err != nil {
			return err
		}
		if err := repos.Plans.Create(ctx, &plan.Plan{ID: "plan_hr", Name: "HR Only", BillingCycle: plan.CycleMonthly, BasePrice: 1000, Currency: "USD", Modules: pq.StringArray{"HR"}}); err != nil {
			return err
		}
		sub := &subscription.Subscription{ID: "s1", TenantID: "t1", PlanID: "plan_hr", Status: subscription.StatusActive, CurrentPeriodStart: now, CurrentPeriodEnd: now.AddDate(0, 1, 0)}
		if err := repos.Subscriptions.Create(ctx, sub); err != nil {
			return err
		}
		return repos.Subscriptions.ReplaceItems(ctx, "s1", []subscription.Item{{ID: "i1", SubscriptionID: "s1", ModuleKey: "HR", Quantity: 1, UnitPrice: 1000}})
	})
	require.NoError(t, err)

	_, err = a.entitlements.Sync(ctx, "t1")
	require.NoError(t, err)

	tok, _, err := a.jwt.IssueTenantToken(admin)
	require.NoError(t, err)
	return tok
}

func TestHealthAndMetrics(t *testing.T) {
	a := newTestApp(t)
	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, "/api/v1/health", "", "").Code)

	w := a.do(http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestTenantRoutesRequireToken(t *testing.T) {
	a := newTestApp(t)
	for _, path := range []string{"/api/v1/subscription", "/api/v1/subscription/payments", "/api/v1/entitlements", "/api/v1/modules/hr/access"} {
		assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodGet, path, "", "").Code, path)
	}
	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodPost, "/api/v1/subscription/cancel", "", "").Code)
}

func TestTenantReadsAndModuleAccess(t *testing.T) {
	a := newTestApp(t)
	tok := a.seedTenant(t)

	w := a.do(http.MethodGet, "/api/v1/subscription", tok, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"module_key":"HR"`)

	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, "/api/v1/modules/hr/access", tok, "").Code)
	assert.Equal(t, http.StatusForbidden, a.do(http.MethodGet, "/api/v1/modules/crm/access", tok, "").Code)
}

func TestUnconfiguredProviderWebhook(t *testing.T) {
	a := newTestApp(t)
	w := a.do(http.MethodPost, "/api/v1/webhooks/stripe", "", `{"id":"evt_1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestPublicCatalog(t *testing.T) {
	a := newTestApp(t)
	w := a.do(http.MethodGet, "/api/v1/plans/quote?modules=INV,HR", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"amount":2000`)
}
