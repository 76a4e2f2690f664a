// internal/service/entitlement/service.go
package entitlement

import (
	"context"
	"errors"
	"fmt"

	"billing-service/internal/domain/entitlement"
	"billing-service/internal/domain/plan"
	"billing-service/internal/domain/subscription"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/repository"

	"go.uber.org/zap"
)

// Cache is the optional read-through layer in front of CompanyConfig.
type Cache interface {
	Get(ctx context.Context, tenantID string) ([]string, bool, error)
	Set(ctx context.Context, tenantID string, modules []string) error
	Invalidate(ctx context.Context, tenantID string) error
}

type EntitlementService struct {
	store           repository.Store
	cache           Cache
	ignoreStatus    bool
	defaultCurrency string
	logger          *zap.Logger
}

func NewEntitlementService(store repository.Store, cache Cache, ignoreStatus bool, defaultCurrency string, logger *zap.Logger) *EntitlementService {
	return &EntitlementService{
		store:           store,
		cache:           cache,
		ignoreStatus:    ignoreStatus,
		defaultCurrency: defaultCurrency,
		logger:          logger,
	}
}

// DeriveModules is the entitlement projection. The result depends only on its
// inputs and is always normalized and sorted.
func DeriveModules(sub *subscription.Subscription, items []subscription.Item, p *plan.Plan, ignoreStatus bool) []string {
	if sub == nil {
		return []string{}
	}
	if sub.Status != subscription.StatusActive && !ignoreStatus {
		return []string{}
	}
	if len(items) > 0 {
		return plan.NormalizeModuleKeys(subscription.ModuleKeys(items))
	}
	if p != nil {
		return plan.NormalizeModuleKeys(p.Modules)
	}
	return []string{}
}

// Sync recomputes and stores the tenant's enabled modules, then refreshes the cache.
func (s *EntitlementService) Sync(ctx context.Context, tenantID string) (*entitlement.CompanyConfig, error) {
	var cfg *entitlement.CompanyConfig
	err := s.store.Run(ctx, func(repos repository.Repositories) error {
		var err error
		cfg, err = s.SyncWith(ctx, repos, tenantID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Invalidate(ctx, tenantID)
	return cfg, nil
}

// SyncWith runs the projection on repos, typically inside the caller's
// transaction. Callers invalidate the cache once the transaction commits.
func (s *EntitlementService) SyncWith(ctx context.Context, repos repository.Repositories, tenantID string) (*entitlement.CompanyConfig, error) {
	sub, err := repos.Subscriptions.FindByTenant(ctx, tenantID)
	if err != nil && !errors.Is(err, xerrors.ErrNotFound) {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}

	var (
		items []subscription.Item
		p     *plan.Plan
	)
	currency := s.defaultCurrency
	if sub != nil {
		items, err = repos.Subscriptions.ListItems(ctx, sub.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load subscription items: %w", err)
		}
		p, err = repos.Plans.FindByID(ctx, sub.PlanID)
		if err != nil && !errors.Is(err, xerrors.ErrNotFound) {
			return nil, fmt.Errorf("failed to load plan: %w", err)
		}
		if p != nil && p.Currency != "" {
			currency = p.Currency
		}
	}

	modules := DeriveModules(sub, items, p, s.ignoreStatus)
	cfg, err := repos.Entitlements.Upsert(ctx, tenantID, modules, currency)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert company config: %w", err)
	}

	s.logger.Debug("entitlements synced",
		zap.String("tenant_id", tenantID),
		zap.Strings("modules", modules),
	)
	return cfg, nil
}

// Invalidate drops the cached module set. Cache errors are logged only.
func (s *EntitlementService) Invalidate(ctx context.Context, tenantID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, tenantID); err != nil {
		s.logger.Warn("failed to invalidate entitlements cache", zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

// EnabledModules reads through the cache to the stored CompanyConfig.
func (s *EntitlementService) EnabledModules(ctx context.Context, tenantID string) ([]string, error) {
	if s.cache != nil {
		modules, ok, err := s.cache.Get(ctx, tenantID)
		if err != nil {
			s.logger.Warn("entitlements cache read failed", zap.String("tenant_id", tenantID), zap.Error(err))
		} else if ok {
			return modules, nil
		}
	}

	cfg, err := s.store.Repos().Entitlements.FindByTenant(ctx, tenantID)
	if errors.Is(err, xerrors.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load company config: %w", err)
	}

	modules := []string(cfg.EnabledModules)
	if modules == nil {
		modules = []string{}
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, tenantID, modules); err != nil {
			s.logger.Warn("entitlements cache write failed", zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}
	return modules, nil
}

// HasModule reports whether key is enabled for the tenant.
func (s *EntitlementService) HasModule(ctx context.Context, tenantID, key string) (bool, error) {
	modules, err := s.EnabledModules(ctx, tenantID)
	if err != nil {
		return false, err
	}
	for _, m := range modules {
		if m == key {
			return true, nil
		}
	}
	return false, nil
}

// Config returns the stored CompanyConfig.
func (s *EntitlementService) Config(ctx context.Context, tenantID string) (*entitlement.CompanyConfig, error) {
	cfg, err := s.store.Repos().Entitlements.FindByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load company config: %w", err)
	}
	return cfg, nil
}
