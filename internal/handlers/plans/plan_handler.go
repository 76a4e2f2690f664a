// internal/handlers/plans/plan_handler.go
package plans

import (
	"context"
	"net/http"
	"strings"

	"billing-service/internal/domain/plan"
	"billing-service/internal/pkg/response"
	catalogsvc "billing-service/internal/service/catalog"

	"github.com/gin-gonic/gin"
)

type Catalog interface {
	Catalog(ctx context.Context) (*catalogsvc.Catalog, error)
	GetPlan(ctx context.Context, id string) (*plan.Plan, error)
	QuoteModules(ctx context.Context, keys []string, cycleRaw string) (*catalogsvc.Quote, error)
}

type PlanHandler struct {
	catalog Catalog
}

func NewPlanHandler(catalog Catalog) *PlanHandler {
	return &PlanHandler{catalog: catalog}
}

// ========== Public Endpoints ==========

// ListPlans returns public plans and the module price list.
func (h *PlanHandler) ListPlans(c *gin.Context) {
	result, err := h.catalog.Catalog(c.Request.Context())
	if err != nil {
		response.FromError(c, "failed to list plans", err)
		return
	}

	response.Success(c, http.StatusOK, "plans retrieved", result)
}

// GetPlan retrieves a single plan by ID
func (h *PlanHandler) GetPlan(c *gin.Context) {
	p, err := h.catalog.GetPlan(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.FromError(c, "plan not found", err)
		return
	}

	response.Success(c, http.StatusOK, "plan retrieved", p)
}

// Quote prices a custom bundle: ?modules=HR,FINANCE&billing_cycle=yearly
func (h *PlanHandler) Quote(c *gin.Context) {
	var keys []string
	for _, raw := range c.QueryArray("modules") {
		keys = append(keys, strings.Split(raw, ",")...)
	}

	q, err := h.catalog.QuoteModules(c.Request.Context(), keys, c.DefaultQuery("billing_cycle", "monthly"))
	if err != nil {
		response.FromError(c, "failed to quote modules", err)
		return
	}

	response.Success(c, http.StatusOK, "quote calculated", q)
}
