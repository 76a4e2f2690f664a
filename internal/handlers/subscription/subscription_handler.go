// internal/handlers/subscription/subscription_handler.go
package subscription

import (
	"context"
	"net/http"
	"strconv"

	"billing-service/internal/domain/entitlement"
	"billing-service/internal/domain/payment"
	"billing-service/internal/domain/subscription"
	"billing-service/internal/middleware"
	"billing-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Lifecycle is the tenant-facing part of lifecyclesvc.LifecycleService.
type Lifecycle interface {
	Get(ctx context.Context, tenantID string) (*subscription.View, error)
	RequestPlanChange(ctx context.Context, tenantID string, req subscription.PlanChangeRequest) (*subscription.PlanChangeResponse, error)
	Cancel(ctx context.Context, tenantID string, req subscription.CancelRequest) (*subscription.Subscription, error)
}

type Ledger interface {
	ListPayments(ctx context.Context, subscriptionID string, limit, offset int) ([]payment.SubscriptionPayment, error)
}

type Entitlements interface {
	Config(ctx context.Context, tenantID string) (*entitlement.CompanyConfig, error)
}

type SubscriptionHandler struct {
	lifecycle    Lifecycle
	ledger       Ledger
	entitlements Entitlements
	logger       *zap.Logger
}

func NewSubscriptionHandler(lifecycle Lifecycle, ledger Ledger, entitlements Entitlements, logger *zap.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{lifecycle: lifecycle, ledger: ledger, entitlements: entitlements, logger: logger}
}

// ========== Tenant Endpoints ==========

// Get returns the caller's subscription with its items.
func (h *SubscriptionHandler) Get(c *gin.Context) {
	view, err := h.lifecycle.Get(c.Request.Context(), middleware.MustGetTenantID(c))
	if err != nil {
		response.FromError(c, "subscription not found", err)
		return
	}

	response.Success(c, http.StatusOK, "subscription retrieved", view)
}

// Payments lists ledger rows for the caller's subscription, newest first.
func (h *SubscriptionHandler) Payments(c *gin.Context) {
	ctx := c.Request.Context()

	limit, offset := pagination(c)

	view, err := h.lifecycle.Get(ctx, middleware.MustGetTenantID(c))
	if err != nil {
		response.FromError(c, "subscription not found", err)
		return
	}

	payments, err := h.ledger.ListPayments(ctx, view.Subscription.ID, limit, offset)
	if err != nil {
		response.FromError(c, "failed to list payments", err)
		return
	}
	if payments == nil {
		payments = []payment.SubscriptionPayment{}
	}

	response.Success(c, http.StatusOK, "payments retrieved", gin.H{
		"payments": payments,
		"limit":    limit,
		"offset":   offset,
	})
}

// ChangePlan opens a checkout for the target plan. Entitlements move when
// the provider confirms payment.
func (h *SubscriptionHandler) ChangePlan(c *gin.Context) {
	var req subscription.PlanChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request body", err)
		return
	}

	tenantID := middleware.MustGetTenantID(c)
	res, err := h.lifecycle.RequestPlanChange(c.Request.Context(), tenantID, req)
	if err != nil {
		h.logger.Info("plan change rejected", zap.String("tenant_id", tenantID), zap.Error(err))
		response.FromError(c, "failed to change plan", err)
		return
	}

	response.Success(c, http.StatusAccepted, "plan change pending payment", res)
}

// Cancel ends the subscription now or at period end.
func (h *SubscriptionHandler) Cancel(c *gin.Context) {
	var req subscription.CancelRequest
	// empty body means cancel now
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationError(c, "invalid request body", err)
			return
		}
	}

	tenantID := middleware.MustGetTenantID(c)
	sub, err := h.lifecycle.Cancel(c.Request.Context(), tenantID, req)
	if err != nil {
		h.logger.Info("cancel rejected", zap.String("tenant_id", tenantID), zap.Error(err))
		response.FromError(c, "failed to cancel subscription", err)
		return
	}

	response.Success(c, http.StatusOK, "subscription canceled", sub)
}

// Entitlements returns the caller's enabled modules.
func (h *SubscriptionHandler) Entitlements(c *gin.Context) {
	cfg, err := h.entitlements.Config(c.Request.Context(), middleware.MustGetTenantID(c))
	if err != nil {
		response.FromError(c, "entitlements not found", err)
		return
	}

	response.Success(c, http.StatusOK, "entitlements retrieved", cfg)
}

// --- Helper functions ---

func pagination(c *gin.Context) (int, int) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 || limit > 100 {
		limit = 20
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}
