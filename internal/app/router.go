// internal/app/router.go
package app

import (
	"net/http"

	planHandler "billing-service/internal/handlers/plans"
	registrationHandler "billing-service/internal/handlers/registration"
	subscriptionHandler "billing-service/internal/handlers/subscription"
	webhookHandler "billing-service/internal/handlers/webhook"
	"billing-service/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Handlers struct {
	WebhookHandler      *webhookHandler.WebhookHandler
	RegistrationHandler *registrationHandler.RegistrationHandler
	SubscriptionHandler *subscriptionHandler.SubscriptionHandler
	PlanHandler         *planHandler.PlanHandler
	AuthMiddleware      *middleware.AuthMiddleware
	ModuleMiddleware    *middleware.ModuleMiddleware
}

func SetupRouter(r *gin.Engine, logger *zap.Logger, h *Handlers) {
	api := r.Group("/api/v1")

	// ==================== Health Check ====================
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": "1.0.0"})
	})

	// ==================== Metrics ====================
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ==================== Provider Webhooks ====================
	webhooks := api.Group("/webhooks")
	{
		webhooks.POST("/stripe", h.WebhookHandler.Stripe)
		webhooks.POST("/razorpay", h.WebhookHandler.Razorpay)
	}

	// ==================== Public Catalog ====================
	plans := api.Group("/plans")
	{
		plans.GET("", h.PlanHandler.ListPlans)
		plans.GET("/quote", h.PlanHandler.Quote)
		plans.GET("/:id", h.PlanHandler.GetPlan)
	}

	// ==================== Registration ====================
	registrations := api.Group("/registrations")
	{
		registrations.POST("", h.RegistrationHandler.Start)
		registrations.GET("/:id", h.RegistrationHandler.Status)
		registrations.POST("/:id/finalize", h.RegistrationHandler.Finalize)
	}

	// ==================== Tenant Routes ====================
	tenant := api.Group("")
	tenant.Use(h.AuthMiddleware.Auth())
	{
		tenant.GET("/subscription", h.SubscriptionHandler.Get)
		tenant.GET("/subscription/payments", h.SubscriptionHandler.Payments)
		tenant.GET("/entitlements", h.SubscriptionHandler.Entitlements)
	}

	// ==================== Tenant Admin Routes ====================
	admin := api.Group("/subscription")
	admin.Use(h.AuthMiddleware.AdminOnly()...)
	{
		admin.POST("/plan-change", h.SubscriptionHandler.ChangePlan)
		admin.POST("/cancel", h.SubscriptionHandler.Cancel)
	}

	// ==================== Module-gated Routes ====================
	// Downstream apps ask whether a tenant may open a module.
	modules := api.Group("/modules")
	modules.Use(h.AuthMiddleware.Auth())
	{
		modules.GET("/:key/access", func(c *gin.Context) {
			h.ModuleMiddleware.RequireModule(c.Param("key"))(c)
			if c.IsAborted() {
				return
			}
			c.JSON(http.StatusOK, gin.H{"module": c.Param("key"), "enabled": true})
		})
	}

	logger.Info("routes registered", zap.Int("count", len(r.Routes())))
}
