package catalog

import (
	"context"
	"testing"

	"billing-service/internal/domain/plan"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/repository/memory"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newService() *CatalogService {
	store := memory.New()
	store.SeedModules(memory.DefaultModules()...)
	store.SeedPlans(
		plan.Plan{ID: "plan_pro", Name: "Pro", BillingCycle: plan.CycleMonthly, BasePrice: 3000, Currency: "USD", Modules: pq.StringArray{"INV", "HR", "FINANCE"}, IsPublic: true},
		plan.Plan{ID: "plan_starter", Name: "Starter", BillingCycle: plan.CycleMonthly, BasePrice: 1000, Currency: "USD", Modules: pq.StringArray{"INV"}, IsPublic: true},
		plan.Plan{ID: "plan_custom", Name: "Custom Monthly", BillingCycle: plan.CycleMonthly, IsCustom: true},
	)
	return NewCatalogService(store, zap.NewNop())
}

func TestCatalogListsPublicPlans(t *testing.T) {
	c, err := newService().Catalog(context.Background())
	require.NoError(t, err)
	require.Len(t, c.Plans, 2)
	assert.Equal(t, "Starter", c.Plans[0].Name)
	assert.Len(t, c.Modules, 4)
}

func TestQuoteModules(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	q, err := svc.QuoteModules(ctx, []string{"hr", "FINANCE", "hr"}, "yearly")
	require.NoError(t, err)
	assert.Equal(t, []string{"FINANCE", "HR"}, q.Modules)
	assert.Equal(t, int64(20000), q.Amount)
	assert.Equal(t, plan.CycleYearly, q.BillingCycle)

	_, err = svc.QuoteModules(ctx, []string{"HR", "PAYROLL"}, "monthly")
	assert.ErrorIs(t, err, xerrors.ErrPlanNotFound)

	_, err = svc.QuoteModules(ctx, nil, "monthly")
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)

	_, err = svc.QuoteModules(ctx, []string{"HR"}, "weekly")
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
}

func TestGetPlan(t *testing.T) {
	svc := newService()
	p, err := svc.GetPlan(context.Background(), "plan_pro")
	require.NoError(t, err)
	assert.Equal(t, "Pro", p.Name)

	_, err = svc.GetPlan(context.Background(), "nope")
	assert.ErrorIs(t, err, xerrors.ErrPlanNotFound)
}
