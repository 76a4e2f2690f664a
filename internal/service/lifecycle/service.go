// internal/service/lifecycle/service.go
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"billing-service/internal/domain/billing"
	"billing-service/internal/domain/plan"
	"billing-service/internal/domain/subscription"
	"billing-service/internal/domain/webhook"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/provider"
	"billing-service/internal/repository"
	entitlementsvc "billing-service/internal/service/entitlement"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// PlanRefs maps local plan ids to provider-side recurring plan references, per provider.
type PlanRefs map[billing.Provider]map[string]string

type LifecycleService struct {
	store        repository.Store
	entitlements *entitlementsvc.EntitlementService
	providers    *provider.Registry
	planRefs     PlanRefs
	now          func() time.Time
	logger       *zap.Logger
}

func NewLifecycleService(
	store repository.Store,
	entitlements *entitlementsvc.EntitlementService,
	providers *provider.Registry,
	planRefs PlanRefs,
	logger *zap.Logger,
) *LifecycleService {
	return &LifecycleService{
		store:        store,
		entitlements: entitlements,
		providers:    providers,
		planRefs:     planRefs,
		now:          time.Now,
		logger:       logger,
	}
}

// WithClock overrides the time source.
func (s *LifecycleService) WithClock(now func() time.Time) *LifecycleService {
	s.now = now
	return s
}

// ========== Creation ==========

// CreateParams describes a new subscription for a tenant.
type CreateParams struct {
	TenantID           string
	PlanID             string
	CustomModuleKeys   []string
	Provider           billing.Provider
	ProviderCustomerID string
	Status             subscription.Status
	PeriodStart        time.Time
}

// ResolveItems returns the plan and the line items a subscription to it carries.
// Custom keys override the plan's modules. Every module must exist in the catalog.
func ResolveItems(ctx context.Context, repos repository.Repositories, planID string, customKeys []string) (*plan.Plan, []subscription.Item, error) {
	p, err := repos.Plans.FindByID(ctx, planID)
	if errors.Is(err, xerrors.ErrNotFound) {
		return nil, nil, fmt.Errorf("plan %s: %w", planID, xerrors.ErrPlanNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load plan: %w", err)
	}

	keys := plan.NormalizeModuleKeys(customKeys)
	if len(keys) == 0 {
		keys = plan.NormalizeModuleKeys(p.Modules)
	}
	if len(keys) == 0 {
		return p, nil, nil
	}

	modules, err := repos.Modules.FindByKeys(ctx, keys)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load modules: %w", err)
	}
	byKey := make(map[string]plan.Module, len(modules))
	for _, m := range modules {
		byKey[m.Key] = m
	}

	items := make([]subscription.Item, 0, len(keys))
	for _, k := range keys {
		m, ok := byKey[k]
		if !ok {
			return nil, nil, fmt.Errorf("module %s: %w", k, xerrors.ErrPlanNotFound)
		}
		items = append(items, subscription.Item{
			ModuleKey: k,
			Quantity:  1,
			UnitPrice: m.PriceFor(p.BillingCycle),
		})
	}
	return p, items, nil
}

// CreateWith creates the subscription and its items on repos. The caller owns
// the transaction and the entitlement sync.
func (s *LifecycleService) CreateWith(ctx context.Context, repos repository.Repositories, params CreateParams) (*subscription.Subscription, error) {
	p, items, err := ResolveItems(ctx, repos, params.PlanID, params.CustomModuleKeys)
	if err != nil {
		return nil, err
	}

	status := params.Status
	if status == "" {
		status = subscription.StatusActive
	}
	start := params.PeriodStart
	if start.IsZero() {
		start = s.now().UTC()
	}

	sub := &subscription.Subscription{
		ID:                 ulid.Make().String(),
		TenantID:           params.TenantID,
		PlanID:             p.ID,
		Status:             status,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   p.BillingCycle.PeriodEnd(start),
		Provider:           params.Provider,
	}
	if params.ProviderCustomerID != "" {
		sub.ProviderCustomerID = &params.ProviderCustomerID
	}

	if err := repos.Subscriptions.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	if err := repos.Subscriptions.ReplaceItems(ctx, sub.ID, items); err != nil {
		return nil, fmt.Errorf("failed to create subscription items: %w", err)
	}
	return sub, nil
}

// ========== Event driven transitions ==========

// Apply moves the subscription an event refers to through the state machine.
// A missing subscription is a no-op: webhooks can race ahead of local creation.
// Illegal transitions are logged and ignored.
func (s *LifecycleService) Apply(ctx context.Context, ev *webhook.NormalizedEvent) (*subscription.Subscription, error) {
	var (
		sub     *subscription.Subscription
		touched bool
	)
	err := s.store.Run(ctx, func(repos repository.Repositories) error {
		var err error
		sub, touched, err = s.applyWith(ctx, repos, ev)
		return err
	})
	if err != nil {
		return nil, err
	}
	if touched {
		s.entitlements.Invalidate(ctx, sub.TenantID)
	}
	return sub, nil
}

func (s *LifecycleService) applyWith(ctx context.Context, repos repository.Repositories, ev *webhook.NormalizedEvent) (*subscription.Subscription, bool, error) {
	sub, err := FindForEvent(ctx, repos, ev)
	if err != nil {
		return nil, false, err
	}
	if sub == nil {
		s.logger.Debug("no subscription for event, skipping transition",
			zap.String("provider_event_id", ev.ProviderEventID),
			zap.String("kind", string(ev.Kind)),
		)
		return nil, false, nil
	}

	target, ok := targetStatus(ev, sub.Status)
	next, changed, err := Next(sub.Status, target)
	if errors.Is(err, xerrors.ErrIllegalTransition) {
		s.logger.Warn("ignoring illegal subscription transition",
			zap.String("subscription_id", sub.ID),
			zap.String("provider_event_id", ev.ProviderEventID),
			zap.String("from", string(sub.Status)),
			zap.String("to", string(target)),
		)
		return sub, false, nil
	}

	dirty := linkProviderIDs(sub, ev)
	if ok {
		sub.Status = next
		dirty = dirty || changed
		if next == subscription.StatusCanceled && sub.CanceledAt == nil {
			now := s.now().UTC()
			sub.CanceledAt = &now
			dirty = true
		}
		if next == subscription.StatusActive && refreshPeriod(sub, ev) {
			dirty = true
		}
	}
	if dirty {
		if err := repos.Subscriptions.Update(ctx, sub); err != nil {
			return nil, false, fmt.Errorf("failed to update subscription: %w", err)
		}
		s.logger.Info("subscription transitioned",
			zap.String("subscription_id", sub.ID),
			zap.String("tenant_id", sub.TenantID),
			zap.String("status", string(sub.Status)),
			zap.String("kind", string(ev.Kind)),
		)
	}

	// the projection is idempotent, so every applied event re-syncs
	if _, err := s.entitlements.SyncWith(ctx, repos, sub.TenantID); err != nil {
		return nil, false, err
	}
	return sub, true, nil
}

// FindForEvent resolves the subscription an event refers to, by provider
// subscription id first and tenant id second. It returns nil when neither matches.
func FindForEvent(ctx context.Context, repos repository.Repositories, ev *webhook.NormalizedEvent) (*subscription.Subscription, error) {
	if ev.ProviderSubscriptionID != "" {
		sub, err := repos.Subscriptions.FindByProviderSubscriptionID(ctx, ev.Provider, ev.ProviderSubscriptionID)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, xerrors.ErrNotFound) {
			return nil, fmt.Errorf("failed to find subscription by provider id: %w", err)
		}
	}
	if ev.TenantID != "" {
		sub, err := repos.Subscriptions.FindByTenant(ctx, ev.TenantID)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, xerrors.ErrNotFound) {
			return nil, fmt.Errorf("failed to find subscription by tenant: %w", err)
		}
	}
	return nil, nil
}

// ========== Plan change ==========

// ChangePlan swaps the subscription's plan and replaces its items in one transaction.
func (s *LifecycleService) ChangePlan(ctx context.Context, tenantID, planID string) (*subscription.Subscription, error) {
	var sub *subscription.Subscription
	err := s.store.Run(ctx, func(repos repository.Repositories) error {
		var err error
		sub, err = repos.Subscriptions.FindByTenant(ctx, tenantID)
		if errors.Is(err, xerrors.ErrNotFound) {
			return fmt.Errorf("tenant %s has no subscription: %w", tenantID, xerrors.ErrInvalidInput)
		}
		if err != nil {
			return fmt.Errorf("failed to load subscription: %w", err)
		}
		if sub.Status == subscription.StatusCanceled {
			return fmt.Errorf("plan change on canceled subscription: %w", xerrors.ErrIllegalTransition)
		}

		p, items, err := ResolveItems(ctx, repos, planID, nil)
		if err != nil {
			return err
		}
		if err := repos.Subscriptions.ReplaceItems(ctx, sub.ID, items); err != nil {
			return fmt.Errorf("failed to replace subscription items: %w", err)
		}
		sub.PlanID = p.ID
		if err := repos.Subscriptions.Update(ctx, sub); err != nil {
			return fmt.Errorf("failed to update subscription: %w", err)
		}
		_, err = s.entitlements.SyncWith(ctx, repos, tenantID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.entitlements.Invalidate(ctx, tenantID)
	s.logger.Info("subscription plan changed",
		zap.String("tenant_id", tenantID),
		zap.String("plan_id", planID),
	)
	return sub, nil
}

// ApplyPlanChange applies a paid plan change carried by an event. The collected
// amount must cover the target plan's price.
func (s *LifecycleService) ApplyPlanChange(ctx context.Context, ev *webhook.NormalizedEvent) (*subscription.Subscription, error) {
	if ev.TenantID == "" {
		return nil, fmt.Errorf("plan change without tenant: %w", xerrors.ErrInvalidInput)
	}

	p, err := s.store.Repos().Plans.FindByID(ctx, ev.PlanChangePlanID)
	if errors.Is(err, xerrors.ErrNotFound) {
		return nil, fmt.Errorf("plan %s: %w", ev.PlanChangePlanID, xerrors.ErrPlanNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}

	if ev.Amount < p.BasePrice {
		return nil, fmt.Errorf("collected %d, plan %s costs %d: %w", ev.Amount, p.ID, p.BasePrice, xerrors.ErrAmountMismatch)
	}
	if ev.Currency != "" && p.Currency != "" && !strings.EqualFold(ev.Currency, p.Currency) {
		return nil, fmt.Errorf("collected %s, plan %s is priced in %s: %w", ev.Currency, p.ID, p.Currency, xerrors.ErrAmountMismatch)
	}

	return s.ChangePlan(ctx, ev.TenantID, p.ID)
}

// RequestPlanChange opens a payment session whose completion triggers ApplyPlanChange.
func (s *LifecycleService) RequestPlanChange(ctx context.Context, tenantID string, req subscription.PlanChangeRequest) (*subscription.PlanChangeResponse, error) {
	repos := s.store.Repos()
	sub, err := repos.Subscriptions.FindByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub.Status == subscription.StatusCanceled {
		return nil, fmt.Errorf("plan change on canceled subscription: %w", xerrors.ErrInvalidInput)
	}
	if sub.PlanID == req.PlanID {
		return nil, fmt.Errorf("already on plan %s: %w", req.PlanID, xerrors.ErrInvalidInput)
	}

	p, err := repos.Plans.FindByID(ctx, req.PlanID)
	if errors.Is(err, xerrors.ErrNotFound) {
		return nil, xerrors.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}

	providerName := sub.Provider
	if req.Provider != "" {
		parsed, ok := billing.ParseProvider(req.Provider)
		if !ok {
			return nil, fmt.Errorf("unknown provider %q: %w", req.Provider, xerrors.ErrInvalidInput)
		}
		providerName = parsed
	}
	adapter, err := s.providers.Get(providerName)
	if err != nil {
		return nil, err
	}

	sessionReq := provider.SessionRequest{
		Amount:         p.BasePrice,
		Currency:       p.Currency,
		Description:    "Plan change to " + p.Name,
		IdempotencyKey: "plan-change-" + ulid.Make().String(),
		Metadata: map[string]string{
			webhook.MetaTenantID:         tenantID,
			webhook.MetaPlanChangePlanID: p.ID,
		},
	}
	if sub.ProviderCustomerID != nil && providerName == sub.Provider {
		sessionReq.CustomerID = *sub.ProviderCustomerID
	}

	session, err := adapter.CreatePaymentSession(ctx, sessionReq)
	if err != nil {
		return nil, fmt.Errorf("failed to create plan change session: %w", err)
	}

	return &subscription.PlanChangeResponse{
		SubscriptionID: sub.ID,
		TargetPlanID:   p.ID,
		Amount:         p.BasePrice,
		Currency:       p.Currency,
		CheckoutURL:    session.URL,
		OrderID:        session.OrderID,
	}, nil
}

// ========== Cancellation ==========

// Cancel cancels at the provider first, then locally. atPeriodEnd only schedules it.
func (s *LifecycleService) Cancel(ctx context.Context, tenantID string, req subscription.CancelRequest) (*subscription.Subscription, error) {
	sub, err := s.store.Repos().Subscriptions.FindByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub.Status == subscription.StatusCanceled {
		return sub, nil
	}

	if sub.ProviderSubscriptionID != nil {
		adapter, err := s.providers.Get(sub.Provider)
		if err != nil {
			return nil, err
		}
		if err := adapter.CancelSubscription(ctx, *sub.ProviderSubscriptionID, req.AtPeriodEnd); err != nil {
			return nil, fmt.Errorf("failed to cancel at provider: %w", err)
		}
	}

	err = s.store.Run(ctx, func(repos repository.Repositories) error {
		current, err := repos.Subscriptions.FindByID(ctx, sub.ID)
		if err != nil {
			return fmt.Errorf("failed to reload subscription: %w", err)
		}
		sub = current
		if sub.Status == subscription.StatusCanceled {
			return nil
		}

		if req.AtPeriodEnd {
			end := sub.CurrentPeriodEnd
			sub.CancelAt = &end
		} else {
			next, _, err := Next(sub.Status, subscription.StatusCanceled)
			if err != nil {
				return err
			}
			now := s.now().UTC()
			sub.Status = next
			sub.CanceledAt = &now
		}
		if err := repos.Subscriptions.Update(ctx, sub); err != nil {
			return fmt.Errorf("failed to update subscription: %w", err)
		}
		_, err = s.entitlements.SyncWith(ctx, repos, tenantID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.entitlements.Invalidate(ctx, tenantID)
	s.logger.Info("subscription canceled",
		zap.String("tenant_id", tenantID),
		zap.Bool("at_period_end", req.AtPeriodEnd),
		zap.String("reason", req.Reason),
	)
	return sub, nil
}

// ========== Reads ==========

func (s *LifecycleService) Get(ctx context.Context, tenantID string) (*subscription.View, error) {
	repos := s.store.Repos()
	sub, err := repos.Subscriptions.FindByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	items, err := repos.Subscriptions.ListItems(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription items: %w", err)
	}
	if items == nil {
		items = []subscription.Item{}
	}

	view := &subscription.View{Subscription: sub, Items: items}
	if p, err := repos.Plans.FindByID(ctx, sub.PlanID); err == nil {
		view.PlanName = p.Name
	}
	return view, nil
}

// ========== Recurring billing ==========

// ProvisionRecurring creates the provider-side recurring subscription when a
// plan reference is configured for the subscription's plan. The provider
// idempotency key makes repeated calls safe.
func (s *LifecycleService) ProvisionRecurring(ctx context.Context, tenantID, idempotencyKey string) error {
	sub, err := s.store.Repos().Subscriptions.FindByTenant(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub.ProviderSubscriptionID != nil || sub.ProviderCustomerID == nil {
		return nil
	}
	ref := s.planRefs[sub.Provider][sub.PlanID]
	if ref == "" {
		return nil
	}

	adapter, err := s.providers.Get(sub.Provider)
	if err != nil {
		return err
	}
	created, err := adapter.CreateSubscription(ctx, provider.SubscriptionRequest{
		CustomerID:     *sub.ProviderCustomerID,
		PlanRef:        ref,
		Quantity:       1,
		IdempotencyKey: idempotencyKey,
		Metadata:       map[string]string{webhook.MetaTenantID: tenantID},
	})
	if err != nil {
		return fmt.Errorf("failed to create provider subscription: %w", err)
	}

	return s.store.Run(ctx, func(repos repository.Repositories) error {
		current, err := repos.Subscriptions.FindByID(ctx, sub.ID)
		if err != nil {
			return fmt.Errorf("failed to reload subscription: %w", err)
		}
		if current.ProviderSubscriptionID != nil {
			return nil
		}
		current.ProviderSubscriptionID = &created.ID
		if err := repos.Subscriptions.Update(ctx, current); err != nil {
			return fmt.Errorf("failed to link provider subscription: %w", err)
		}
		s.logger.Info("recurring subscription provisioned",
			zap.String("tenant_id", tenantID),
			zap.String("provider_subscription_id", created.ID),
		)
		return nil
	})
}

// --- Helper functions ---

func linkProviderIDs(sub *subscription.Subscription, ev *webhook.NormalizedEvent) bool {
	if sub.Provider != ev.Provider {
		return false
	}
	dirty := false
	if sub.ProviderSubscriptionID == nil && ev.ProviderSubscriptionID != "" {
		id := ev.ProviderSubscriptionID
		sub.ProviderSubscriptionID = &id
		dirty = true
	}
	if sub.ProviderCustomerID == nil && ev.ProviderCustomerID != "" {
		id := ev.ProviderCustomerID
		sub.ProviderCustomerID = &id
		dirty = true
	}
	return dirty
}

func refreshPeriod(sub *subscription.Subscription, ev *webhook.NormalizedEvent) bool {
	if ev.PeriodStart == nil || ev.PeriodEnd == nil || !ev.PeriodEnd.After(*ev.PeriodStart) {
		return false
	}
	if sub.CurrentPeriodStart.Equal(*ev.PeriodStart) && sub.CurrentPeriodEnd.Equal(*ev.PeriodEnd) {
		return false
	}
	sub.CurrentPeriodStart = ev.PeriodStart.UTC()
	sub.CurrentPeriodEnd = ev.PeriodEnd.UTC()
	return true
}
