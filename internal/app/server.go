// internal/app/server.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"billing-service/internal/cache"
	"billing-service/internal/config"
	"billing-service/internal/db"
	"billing-service/internal/domain/billing"
	planHandler "billing-service/internal/handlers/plans"
	registrationHandler "billing-service/internal/handlers/registration"
	subscriptionHandler "billing-service/internal/handlers/subscription"
	webhookHandler "billing-service/internal/handlers/webhook"
	"billing-service/internal/middleware"
	"billing-service/internal/pkg/jwt"
	"billing-service/internal/provider"
	"billing-service/internal/provider/razorpay"
	"billing-service/internal/provider/stripe"
	"billing-service/internal/repository"
	"billing-service/internal/repository/memory"
	"billing-service/internal/repository/postgres"
	catalogsvc "billing-service/internal/service/catalog"
	"billing-service/internal/service/email"
	entitlementsvc "billing-service/internal/service/entitlement"
	ingestionsvc "billing-service/internal/service/ingestion"
	invoicesvc "billing-service/internal/service/invoice"
	ledgersvc "billing-service/internal/service/ledger"
	lifecyclesvc "billing-service/internal/service/lifecycle"
	reconcilesvc "billing-service/internal/service/reconcile"
	registrationsvc "billing-service/internal/service/registration"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Server struct {
	cfg        config.AppConfig
	engine     *gin.Engine
	logger     *zap.Logger
	http       *http.Server
	reconciler *reconcilesvc.Reconciler
	pool       *pgxpool.Pool
	redis      *redis.Client
}

func NewServer() *Server {
	cfg := config.Load()
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	return &Server{cfg: cfg, engine: gin.New()}
}

// Build connects infrastructure and wires every service and route.
func (s *Server) Build(ctx context.Context) error {
	// ----- Logger -----
	logger, err := newLogger(s.cfg.Env)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	s.logger = logger

	// ----- Storage -----
	store, err := s.openStore(ctx)
	if err != nil {
		return err
	}

	// ----- Redis (optional) -----
	var (
		entCache entitlementsvc.Cache
		limiter  registrationHandler.Limiter
	)
	if client, err := db.NewRedisClient(s.cfg.Redis); err != nil {
		logger.Warn("redis unavailable, entitlement cache and rate limits disabled", zap.Error(err))
	} else {
		s.redis = client
		entCache = cache.NewEntitlementCache(client, s.cfg.Redis.CacheTTL)
		limiter = cache.NewRateLimiter(client)
		logger.Info("redis connected", zap.String("addr", s.cfg.Redis.Addr))
	}

	// ----- JWT Manager -----
	jwtManager, err := jwt.LoadAndBuild(jwt.Config{
		Secret:   s.cfg.JWT.Secret,
		Issuer:   s.cfg.JWT.Issuer,
		Audience: s.cfg.JWT.Audience,
		TTL:      s.cfg.JWT.TTL,
	})
	if err != nil {
		return fmt.Errorf("failed to load JWT manager: %w", err)
	}

	// ----- Providers -----
	registry := s.providerRegistry()

	// ----- Services -----
	billingCfg := s.cfg.Billing
	entitlements := entitlementsvc.NewEntitlementService(store, entCache, billingCfg.IgnoreStatus, billingCfg.DefaultCurrency, logger)
	lifecycle := lifecyclesvc.NewLifecycleService(store, entitlements, registry, lifecyclesvc.PlanRefs{
		billing.ProviderStripe:   s.cfg.Stripe.PriceIDs,
		billing.ProviderRazorpay: s.cfg.Razorpay.PlanIDs,
	}, logger)

	var notifier ledgersvc.Notifier
	mailer := email.NewEmailSender(s.cfg.SMTP.Host, s.cfg.SMTP.Port, s.cfg.SMTP.User, s.cfg.SMTP.Pass, s.cfg.SMTP.FromName, s.cfg.SMTP.Secure)
	if mailer.Configured() {
		notifier = invoicesvc.NewInvoiceService(store, mailer, logger)
	} else {
		logger.Warn("SMTP not configured, invoice emails disabled")
	}
	ledger := ledgersvc.NewLedgerService(store, notifier, ledgersvc.Options{Async: billingCfg.AsyncInvoices}, logger)

	registrations := registrationsvc.NewRegistrationService(store, lifecycle, entitlements, ledger, registry, jwtManager, registrationsvc.Options{
		TTL:             billingCfg.RegistrationTTL,
		DefaultCurrency: billingCfg.DefaultCurrency,
	}, logger)
	dispatcher := ingestionsvc.NewDispatcher(store, registrations, lifecycle, ledger, logger)
	ingestion := ingestionsvc.NewIngestionService(store, registry, dispatcher, billingCfg.ProcessingTimeout, logger)
	catalog := catalogsvc.NewCatalogService(store, logger)

	s.reconciler = reconcilesvc.NewReconciler(store, ingestion, reconcilesvc.Options{
		Spec:          billingCfg.ReconcileSpec,
		StaleEventAge: billingCfg.StaleEventAge,
		OrphanGrace:   billingCfg.OrphanGrace,
	}, logger)

	// ----- Handlers -----
	handlers := &Handlers{
		WebhookHandler:      webhookHandler.NewWebhookHandler(ingestion, logger),
		RegistrationHandler: registrationHandler.NewRegistrationHandler(registrations, limiter, logger),
		SubscriptionHandler: subscriptionHandler.NewSubscriptionHandler(lifecycle, ledger, entitlements, logger),
		PlanHandler:         planHandler.NewPlanHandler(catalog),
		AuthMiddleware:      middleware.NewAuthMiddleware(jwtManager.Verifier),
		ModuleMiddleware:    middleware.NewModuleMiddleware(entitlements, logger),
	}

	s.engine.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.RequestLogger(logger),
	)
	SetupRouter(s.engine, logger, handlers)

	s.http = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Run starts the reconciler and serves HTTP until Shutdown.
func (s *Server) Run() error {
	if err := s.reconciler.Start(); err != nil {
		return err
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := s.reconciler.RunOnce(ctx); err != nil {
			s.logger.Error("startup reconciliation failed", zap.Error(err))
		}
	}()

	s.logger.Info("server running", zap.String("addr", s.cfg.HTTPAddr), zap.String("env", s.cfg.Env))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains HTTP, waits for the running reconciliation pass and closes pools.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if s.reconciler != nil {
		select {
		case <-s.reconciler.Stop().Done():
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("reconciler did not stop: %w", ctx.Err()))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.logger != nil {
		_ = s.logger.Sync()
	}
	return errors.Join(errs...)
}

// --- Helper functions ---

func newLogger(env string) (*zap.Logger, error) {
	if env == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func (s *Server) openStore(ctx context.Context) (repository.Store, error) {
	if s.cfg.Database.URL == "" {
		s.logger.Warn("DATABASE_URL not set, using in-memory store; data is lost on restart")
		store := memory.New()
		store.SeedModules(memory.DefaultModules()...)
		return store, nil
	}

	pool, err := db.ConnectDB(ctx, s.cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	s.pool = pool
	s.logger.Info("postgres connected")
	return postgres.NewDB(pool), nil
}

// providerRegistry registers both adapters. Missing credentials surface as
// ErrNotConfigured on first use rather than at boot.
func (s *Server) providerRegistry() *provider.Registry {
	policy := provider.DefaultCallPolicy()
	if s.cfg.Billing.ProviderTimeout > 0 {
		policy.Timeout = s.cfg.Billing.ProviderTimeout
	}
	if s.cfg.Billing.ProviderRetries > 0 {
		policy.Attempts = s.cfg.Billing.ProviderRetries
	}

	registry := provider.NewRegistry()
	registry.Register(billing.ProviderStripe, func() (provider.Adapter, error) {
		return stripe.New(s.cfg.Stripe, policy, s.logger.Named("stripe"))
	})
	registry.Register(billing.ProviderRazorpay, func() (provider.Adapter, error) {
		return razorpay.New(s.cfg.Razorpay, policy, s.logger.Named("razorpay"))
	})
	return registry
}
