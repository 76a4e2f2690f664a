// internal/service/catalog/service.go
package catalog

import (
	"context"
	"errors"
	"fmt"

	"billing-service/internal/domain/plan"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/repository"

	"go.uber.org/zap"
)

// Catalog is what a prospective tenant chooses from.
type Catalog struct {
	Plans   []plan.Plan   `json:"plans"`
	Modules []plan.Module `json:"modules"`
}

// Quote is the price of an à la carte bundle.
type Quote struct {
	Modules      []string          `json:"modules"`
	BillingCycle plan.BillingCycle `json:"billing_cycle"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
}

type CatalogService struct {
	store  repository.Store
	logger *zap.Logger
}

func NewCatalogService(store repository.Store, logger *zap.Logger) *CatalogService {
	return &CatalogService{store: store, logger: logger}
}

// Catalog lists public plans and every sellable module.
func (s *CatalogService) Catalog(ctx context.Context) (*Catalog, error) {
	repos := s.store.Repos()

	plans, err := repos.Plans.ListPublic(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	modules, err := repos.Modules.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}
	if plans == nil {
		plans = []plan.Plan{}
	}
	if modules == nil {
		modules = []plan.Module{}
	}
	return &Catalog{Plans: plans, Modules: modules}, nil
}

// GetPlan retrieves a single plan by ID
func (s *CatalogService) GetPlan(ctx context.Context, id string) (*plan.Plan, error) {
	p, err := s.store.Repos().Plans.FindByID(ctx, id)
	if errors.Is(err, xerrors.ErrNotFound) {
		return nil, fmt.Errorf("plan %s: %w", id, xerrors.ErrPlanNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}
	return p, nil
}

// QuoteModules prices a custom bundle the same way registration does: the sum
// of each module's price for the cycle.
func (s *CatalogService) QuoteModules(ctx context.Context, keys []string, cycleRaw string) (*Quote, error) {
	cycle, ok := plan.ParseCycle(cycleRaw)
	if !ok {
		return nil, fmt.Errorf("unknown billing cycle %q: %w", cycleRaw, xerrors.ErrInvalidInput)
	}
	keys = plan.NormalizeModuleKeys(keys)
	if len(keys) == 0 {
		return nil, fmt.Errorf("no modules selected: %w", xerrors.ErrInvalidInput)
	}

	modules, err := s.store.Repos().Modules.FindByKeys(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to load modules: %w", err)
	}
	if len(modules) != len(keys) {
		return nil, fmt.Errorf("unknown module in %v: %w", keys, xerrors.ErrPlanNotFound)
	}

	q := &Quote{Modules: keys, BillingCycle: cycle, Currency: modules[0].Currency}
	for _, m := range modules {
		q.Amount += m.PriceFor(cycle)
	}
	return q, nil
}
