// internal/service/registration/service.go
package registration

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"billing-service/internal/domain/billing"
	"billing-service/internal/domain/payment"
	"billing-service/internal/domain/plan"
	"billing-service/internal/domain/registration"
	"billing-service/internal/domain/subscription"
	"billing-service/internal/domain/tenant"
	"billing-service/internal/domain/webhook"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/pkg/metrics"
	"billing-service/internal/provider"
	"billing-service/internal/repository"
	entitlementsvc "billing-service/internal/service/entitlement"
	"billing-service/internal/service/ledger"
	"billing-service/internal/service/lifecycle"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// TokenIssuer hands out the admin access token once a registration completes.
type TokenIssuer interface {
	IssueTenantToken(u *tenant.User) (string, time.Time, error)
}

type Options struct {
	TTL             time.Duration
	DefaultCurrency string
	// HashCost is the bcrypt cost; zero means bcrypt.DefaultCost.
	HashCost int
}

type RegistrationService struct {
	store        repository.Store
	lifecycle    *lifecycle.LifecycleService
	entitlements *entitlementsvc.EntitlementService
	ledger       *ledger.LedgerService
	providers    *provider.Registry
	tokens       TokenIssuer
	opts         Options
	now          func() time.Time
	logger       *zap.Logger
}

func NewRegistrationService(
	store repository.Store,
	lifecycleSvc *lifecycle.LifecycleService,
	entitlements *entitlementsvc.EntitlementService,
	ledgerSvc *ledger.LedgerService,
	providers *provider.Registry,
	tokens TokenIssuer,
	opts Options,
	logger *zap.Logger,
) *RegistrationService {
	if opts.TTL <= 0 {
		opts.TTL = registration.DefaultTTL
	}
	if opts.HashCost == 0 {
		opts.HashCost = bcrypt.DefaultCost
	}
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = "USD"
	}
	return &RegistrationService{
		store:        store,
		lifecycle:    lifecycleSvc,
		entitlements: entitlements,
		ledger:       ledgerSvc,
		providers:    providers,
		tokens:       tokens,
		opts:         opts,
		now:          time.Now,
		logger:       logger,
	}
}

// WithClock overrides the time source.
func (s *RegistrationService) WithClock(now func() time.Time) *RegistrationService {
	s.now = now
	return s
}

// ========== Start ==========

type quote struct {
	planID     string
	customKeys []string
	cycle      plan.BillingCycle
	amount     int64
	currency   string
}

// Start records a pending registration and opens a provider payment session for it.
func (s *RegistrationService) Start(ctx context.Context, req registration.StartRequest) (*registration.StartResponse, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	company := strings.TrimSpace(req.CompanyName)
	if company == "" {
		return nil, fmt.Errorf("company name is required: %w", xerrors.ErrInvalidInput)
	}
	if len(req.Password) < 8 {
		return nil, fmt.Errorf("password too short: %w", xerrors.ErrInvalidInput)
	}
	cycle, ok := plan.ParseCycle(req.BillingCycle)
	if !ok {
		return nil, fmt.Errorf("unknown billing cycle %q: %w", req.BillingCycle, xerrors.ErrInvalidInput)
	}
	providerName, ok := billing.ParseProvider(req.Provider)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q: %w", req.Provider, xerrors.ErrInvalidInput)
	}
	hasPlan := strings.TrimSpace(req.PlanID) != ""
	hasModules := len(plan.NormalizeModuleKeys(req.CustomModules)) > 0
	if hasPlan == hasModules {
		return nil, fmt.Errorf("choose either a plan or custom modules: %w", xerrors.ErrInvalidInput)
	}

	// Fail fast when the provider cannot take payments
	adapter, err := s.providers.Get(providerName)
	if err != nil {
		return nil, err
	}

	repos := s.store.Repos()

	// Check if email already belongs to a user
	exists, err := repos.Users.ExistsByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to check email: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("email already registered: %w", xerrors.ErrConflict)
	}

	// Resolve pricing
	var q *quote
	if hasModules {
		q, err = s.quoteCustom(ctx, repos, req.CustomModules, cycle, req.Currency)
	} else {
		q, err = s.quotePlan(ctx, repos, strings.TrimSpace(req.PlanID))
	}
	if err != nil {
		return nil, err
	}

	// Hash password
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.opts.HashCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now().UTC()
	pending := &registration.PendingRegistration{
		ID:               ulid.Make().String(),
		Email:            email,
		PasswordHash:     string(hash),
		CompanyName:      company,
		PlanID:           q.planID,
		CustomModuleKeys: q.customKeys,
		BillingCycle:     q.cycle,
		Provider:         providerName,
		Amount:           q.amount,
		Currency:         q.currency,
		Status:           registration.StatusPending,
		ExpiresAt:        now.Add(s.opts.TTL),
	}

	// Supersede older attempts for the same email, then insert
	err = s.store.Run(ctx, func(repos repository.Repositories) error {
		n, err := repos.Registrations.ExpirePendingByEmail(ctx, email, now)
		if err != nil {
			return fmt.Errorf("failed to expire previous registrations: %w", err)
		}
		if n > 0 {
			s.logger.Info("superseded pending registrations", zap.String("email", email), zap.Int64("count", n))
		}
		if err := repos.Registrations.Create(ctx, pending); err != nil {
			return fmt.Errorf("failed to create pending registration: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Provider customer is optional; checkout falls back to the email
	customerID, err := adapter.CreateCustomer(ctx, provider.CustomerRequest{
		Email:    email,
		Name:     company,
		Metadata: map[string]string{webhook.MetaPendingRegistrationID: pending.ID},
	})
	if err != nil {
		s.logger.Warn("failed to create provider customer", zap.String("pending_registration_id", pending.ID), zap.Error(err))
		customerID = ""
	}

	session, err := adapter.CreatePaymentSession(ctx, provider.SessionRequest{
		Amount:         pending.Amount,
		Currency:       pending.Currency,
		Description:    fmt.Sprintf("%s subscription (%s)", company, strings.ToLower(string(pending.BillingCycle))),
		CustomerID:     customerID,
		CustomerEmail:  email,
		IdempotencyKey: pending.ID,
		Metadata:       map[string]string{webhook.MetaPendingRegistrationID: pending.ID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create payment session: %w", err)
	}

	s.logger.Info("registration started",
		zap.String("pending_registration_id", pending.ID),
		zap.String("plan_id", pending.PlanID),
		zap.Int64("amount", pending.Amount),
		zap.String("provider", string(providerName)),
	)

	return &registration.StartResponse{
		PendingRegistrationID: pending.ID,
		PlanID:                pending.PlanID,
		Amount:                pending.Amount,
		Currency:              pending.Currency,
		ExpiresAt:             pending.ExpiresAt,
		CheckoutURL:           session.URL,
		OrderID:               session.OrderID,
	}, nil
}

func (s *RegistrationService) quotePlan(ctx context.Context, repos repository.Repositories, planID string) (*quote, error) {
	p, err := repos.Plans.FindByID(ctx, planID)
	if errors.Is(err, xerrors.ErrNotFound) {
		return nil, fmt.Errorf("plan %s: %w", planID, xerrors.ErrPlanNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}
	if p.IsCustom {
		return nil, fmt.Errorf("custom plans are chosen through modules: %w", xerrors.ErrInvalidInput)
	}
	currency := p.Currency
	if currency == "" {
		currency = s.opts.DefaultCurrency
	}
	return &quote{planID: p.ID, cycle: p.BillingCycle, amount: p.BasePrice, currency: currency}, nil
}

// quoteCustom prices an à la carte bundle as the sum of its module prices and
// attaches it to the shared custom plan of the cycle, creating that plan on first use.
func (s *RegistrationService) quoteCustom(ctx context.Context, repos repository.Repositories, keys []string, cycle plan.BillingCycle, currency string) (*quote, error) {
	keys = plan.NormalizeModuleKeys(keys)
	modules, err := repos.Modules.FindByKeys(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to load modules: %w", err)
	}
	if len(modules) != len(keys) {
		found := make(map[string]bool, len(modules))
		for _, m := range modules {
			found[m.Key] = true
		}
		var missing []string
		for _, k := range keys {
			if !found[k] {
				missing = append(missing, k)
			}
		}
		return nil, fmt.Errorf("unknown modules %v: %w", missing, xerrors.ErrPlanNotFound)
	}

	var amount int64
	for _, m := range modules {
		amount += m.PriceFor(cycle)
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" && modules[0].Currency != "" {
		currency = modules[0].Currency
	}
	if currency == "" {
		currency = s.opts.DefaultCurrency
	}

	p, err := s.customPlan(ctx, repos, cycle, currency)
	if err != nil {
		return nil, err
	}
	return &quote{planID: p.ID, customKeys: keys, cycle: cycle, amount: amount, currency: currency}, nil
}

func (s *RegistrationService) customPlan(ctx context.Context, repos repository.Repositories, cycle plan.BillingCycle, currency string) (*plan.Plan, error) {
	name := plan.CustomPlanName(cycle)
	p, err := repos.Plans.FindByName(ctx, name)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, xerrors.ErrNotFound) {
		return nil, fmt.Errorf("failed to load custom plan: %w", err)
	}

	p = &plan.Plan{
		ID:           ulid.Make().String(),
		Name:         name,
		BillingCycle: cycle,
		Currency:     currency,
		IsCustom:     true,
	}
	err = repos.Plans.Create(ctx, p)
	if errors.Is(err, xerrors.ErrDuplicateEntry) {
		// lost the race to a concurrent registration
		return repos.Plans.FindByName(ctx, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create custom plan: %w", err)
	}
	s.logger.Info("custom plan created", zap.String("plan_id", p.ID), zap.String("name", name))
	return p, nil
}

// ========== Finalize ==========

type FinalizeOptions struct {
	ProviderOverride       billing.Provider
	ProviderCustomerID     string
	ProviderSubscriptionID string
	// Verify runs against a live PENDING registration after the TTL check and
	// before anything is created. An error aborts the finalize.
	Verify                 func(pending *registration.PendingRegistration) error
}

// Finalize turns a paid pending registration into a tenant, its admin user and
// an active subscription, exactly once. A completed registration returns its
// existing subscription. A registration past its TTL is marked EXPIRED, and
// that transition is committed before ErrRegistrationExpired is returned.
func (s *RegistrationService) Finalize(ctx context.Context, pendingID string, opts FinalizeOptions) (*subscription.Subscription, error) {
	var (
		sub      *subscription.Subscription
		outcome  = "replayed"
		tenantID string
	)

	err := s.store.Run(ctx, func(repos repository.Repositories) error {
		pending, err := repos.Registrations.FindByIDForUpdate(ctx, pendingID)
		if errors.Is(err, xerrors.ErrNotFound) {
			return fmt.Errorf("registration %s: %w", pendingID, xerrors.ErrPendingRegistrationNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load pending registration: %w", err)
		}

		switch pending.Status {
		case registration.StatusCompleted:
			if pending.TenantID == nil {
				return fmt.Errorf("completed registration %s has no tenant", pendingID)
			}
			sub, err = repos.Subscriptions.FindByTenant(ctx, *pending.TenantID)
			if err != nil {
				return fmt.Errorf("failed to load finalized subscription: %w", err)
			}
			return nil
		case registration.StatusExpired:
			return fmt.Errorf("registration %s: %w", pendingID, xerrors.ErrRegistrationExpired)
		}

		now := s.now().UTC()
		if pending.IsExpiredAt(now) {
			if err := repos.Registrations.MarkExpired(ctx, pending.ID, now); err != nil {
				return fmt.Errorf("failed to expire registration: %w", err)
			}
			outcome = "expired"
			return nil
		}
		if opts.Verify != nil {
			if err := opts.Verify(pending); err != nil {
				return err
			}
		}

		providerName := pending.Provider
		if opts.ProviderOverride != "" {
			providerName = opts.ProviderOverride
		}

		// Create tenant
		t := &tenant.Tenant{ID: ulid.Make().String(), Name: pending.CompanyName, Status: tenant.StatusActive}
		if err := repos.Tenants.Create(ctx, t); err != nil {
			return fmt.Errorf("failed to create tenant: %w", err)
		}

		// Create admin with the hash taken at registration time
		u := &tenant.User{
			ID:           ulid.Make().String(),
			TenantID:     t.ID,
			Email:        pending.Email,
			PasswordHash: pending.PasswordHash,
			Role:         tenant.RoleAdmin,
		}
		if err := repos.Users.Create(ctx, u); err != nil {
			if errors.Is(err, xerrors.ErrDuplicateEntry) {
				return fmt.Errorf("email %s already registered: %w", pending.Email, xerrors.ErrConflict)
			}
			return fmt.Errorf("failed to create admin user: %w", err)
		}

		// Create subscription and items
		sub, err = s.lifecycle.CreateWith(ctx, repos, lifecycle.CreateParams{
			TenantID:           t.ID,
			PlanID:             pending.PlanID,
			CustomModuleKeys:   pending.CustomModuleKeys,
			Provider:           providerName,
			ProviderCustomerID: opts.ProviderCustomerID,
			Status:             subscription.StatusActive,
			PeriodStart:        now,
		})
		if err != nil {
			return err
		}
		if opts.ProviderSubscriptionID != "" {
			id := opts.ProviderSubscriptionID
			sub.ProviderSubscriptionID = &id
			if err := repos.Subscriptions.Update(ctx, sub); err != nil {
				return fmt.Errorf("failed to link provider subscription: %w", err)
			}
		}

		if _, err := s.entitlements.SyncWith(ctx, repos, t.ID); err != nil {
			return err
		}

		if err := repos.Registrations.MarkCompleted(ctx, pending.ID, t.ID, now); err != nil {
			return fmt.Errorf("failed to complete registration: %w", err)
		}

		tenantID = t.ID
		outcome = "completed"
		return nil
	})
	if err != nil {
		metrics.RegistrationsFinalized.WithLabelValues(finalizeFailure(err)).Inc()
		return nil, err
	}
	metrics.RegistrationsFinalized.WithLabelValues(outcome).Inc()

	if outcome == "expired" {
		s.logger.Info("registration expired at finalize", zap.String("pending_registration_id", pendingID))
		return nil, fmt.Errorf("registration %s: %w", pendingID, xerrors.ErrRegistrationExpired)
	}

	if outcome == "completed" {
		s.entitlements.Invalidate(ctx, tenantID)
		s.logger.Info("registration finalized",
			zap.String("pending_registration_id", pendingID),
			zap.String("tenant_id", tenantID),
			zap.String("subscription_id", sub.ID),
		)
		if err := s.lifecycle.ProvisionRecurring(ctx, tenantID, "sub-"+pendingID); err != nil {
			s.logger.Warn("failed to provision recurring subscription", zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}
	return sub, nil
}

// Confirm is the client-side completion path: it verifies the payment with the
// provider, finalizes, ledgers the payment and issues the admin token. It is
// safe to race with the webhook; both paths converge on the same rows.
func (s *RegistrationService) Confirm(ctx context.Context, pendingID string, req registration.FinalizeRequest) (*registration.FinalizeResponse, error) {
	pending, err := s.store.Repos().Registrations.FindByID(ctx, pendingID)
	if errors.Is(err, xerrors.ErrNotFound) {
		return nil, fmt.Errorf("registration %s: %w", pendingID, xerrors.ErrPendingRegistrationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending registration: %w", err)
	}

	providerName := pending.Provider
	if req.Provider != "" {
		p, ok := billing.ParseProvider(req.Provider)
		if !ok {
			return nil, fmt.Errorf("unknown provider %q: %w", req.Provider, xerrors.ErrInvalidInput)
		}
		providerName = p
	}
	if strings.TrimSpace(req.PaymentID) == "" {
		return nil, fmt.Errorf("payment id is required: %w", xerrors.ErrInvalidInput)
	}

	adapter, err := s.providers.Get(providerName)
	if err != nil {
		return nil, err
	}

	// Verify payment with the provider
	paid, err := adapter.FetchPayment(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	if !paid.Paid() {
		return nil, fmt.Errorf("payment %s is %s: %w", paid.ID, paid.Status, xerrors.ErrInvalidInput)
	}
	if ref := paid.Metadata[webhook.MetaPendingRegistrationID]; ref != pending.ID {
		return nil, fmt.Errorf("payment %s belongs to another registration: %w", paid.ID, xerrors.ErrForbidden)
	}
	if paid.Amount < pending.Amount || (paid.Currency != "" && !strings.EqualFold(paid.Currency, pending.Currency)) {
		return nil, fmt.Errorf("paid %d %s, expected %d %s: %w", paid.Amount, paid.Currency, pending.Amount, pending.Currency, xerrors.ErrAmountMismatch)
	}

	sub, err := s.Finalize(ctx, pending.ID, FinalizeOptions{ProviderOverride: providerName})
	if err != nil {
		return nil, err
	}

	if _, _, err := s.ledger.RecordPayment(ctx, payment.RecordRequest{
		SubscriptionID:    sub.ID,
		TenantID:          sub.TenantID,
		Amount:            paid.Amount,
		Currency:          paid.Currency,
		Outcome:           payment.OutcomeSucceeded,
		Provider:          providerName,
		ProviderPaymentID: paid.ID,
	}); err != nil {
		return nil, err
	}

	admin, err := s.store.Repos().Users.FindAdminByTenant(ctx, sub.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load admin user: %w", err)
	}
	token, expiresAt, err := s.tokens.IssueTenantToken(admin)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	return &registration.FinalizeResponse{
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		AccessToken:    token,
		ExpiresAt:      expiresAt,
	}, nil
}

// ========== Reads ==========

func (s *RegistrationService) Status(ctx context.Context, pendingID string) (*registration.StatusResponse, error) {
	pending, err := s.store.Repos().Registrations.FindByID(ctx, pendingID)
	if errors.Is(err, xerrors.ErrNotFound) {
		return nil, fmt.Errorf("registration %s: %w", pendingID, xerrors.ErrPendingRegistrationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending registration: %w", err)
	}

	status := pending.Status
	if status == registration.StatusPending && pending.IsExpiredAt(s.now()) {
		status = registration.StatusExpired
	}
	return &registration.StatusResponse{
		ID:        pending.ID,
		Status:    status,
		ExpiresAt: pending.ExpiresAt,
		TenantID:  pending.TenantID,
		Completed: pending.CompletedAt,
	}, nil
}

// --- Helper functions ---

func normalizeEmail(raw string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil || addr.Name != "" {
		return "", fmt.Errorf("invalid email: %w", xerrors.ErrInvalidInput)
	}
	return strings.ToLower(addr.Address), nil
}

func finalizeFailure(err error) string {
	switch {
	case errors.Is(err, xerrors.ErrPendingRegistrationNotFound):
		return "not_found"
	case errors.Is(err, xerrors.ErrRegistrationExpired):
		return "expired"
	case errors.Is(err, xerrors.ErrPlanNotFound):
		return "plan_not_found"
	case xerrors.IsBusiness(err):
		return "rejected"
	}
	return "error"
}
