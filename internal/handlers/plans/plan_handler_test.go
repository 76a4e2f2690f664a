package plans

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"billing-service/internal/domain/plan"
	"billing-service/internal/repository/memory"
	catalogsvc "billing-service/internal/service/catalog"

	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	store := memory.New()
	store.SeedModules(memory.DefaultModules()...)
	store.SeedPlans(plan.Plan{ID: "plan_pro", Name: "Pro", BillingCycle: plan.CycleMonthly, BasePrice: 3000, Currency: "USD", Modules: pq.StringArray{"INV", "HR", "FINANCE"}, IsPublic: true})

	h := NewPlanHandler(catalogsvc.NewCatalogService(store, zap.NewNop()))
	r := gin.New()
	r.GET("/plans", h.ListPlans)
	r.GET("/plans/quote", h.Quote)
	r.GET("/plans/:id", h.GetPlan)
	return r
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestListPlans(t *testing.T) {
	w := get(newRouter(), "/plans")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data catalogsvc.Catalog `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Data.Plans, 1)
	assert.Len(t, body.Data.Modules, 4)
}

func TestGetPlan(t *testing.T) {
	r := newRouter()
	assert.Equal(t, http.StatusOK, get(r, "/plans/plan_pro").Code)
	assert.Equal(t, http.StatusNotFound, get(r, "/plans/plan_gone").Code)
}

func TestQuote(t *testing.T) {
	r := newRouter()

	w := get(r, "/plans/quote?modules=HR,CRM&billing_cycle=monthly")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data catalogsvc.Quote `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(2500), body.Data.Amount)
	assert.Equal(t, []string{"CRM", "HR"}, body.Data.Modules)

	assert.Equal(t, http.StatusOK, get(r, "/plans/quote?modules=HR&modules=INV").Code)
	assert.Equal(t, http.StatusBadRequest, get(r, "/plans/quote").Code)
	assert.Equal(t, http.StatusNotFound, get(r, "/plans/quote?modules=PAYROLL").Code)
}
