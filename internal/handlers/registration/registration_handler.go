// internal/handlers/registration/registration_handler.go
package registration

import (
	"context"
	"net/http"
	"strings"

	"billing-service/internal/domain/registration"
	"billing-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Registrar is the registration flow. See registrationsvc.RegistrationService.
type Registrar interface {
	Start(ctx context.Context, req registration.StartRequest) (*registration.StartResponse, error)
	Confirm(ctx context.Context, pendingID string, req registration.FinalizeRequest) (*registration.FinalizeResponse, error)
	Status(ctx context.Context, pendingID string) (*registration.StatusResponse, error)
}

// Limiter throttles registration traffic. A nil Limiter disables throttling.
type Limiter interface {
	CheckRegistrationAttempt(ctx context.Context, ip, email string) (bool, int64, error)
	CheckFinalizeAttempt(ctx context.Context, pendingRegistrationID string) (bool, error)
}

type RegistrationHandler struct {
	registrar Registrar
	limiter   Limiter
	logger    *zap.Logger
}

func NewRegistrationHandler(registrar Registrar, limiter Limiter, logger *zap.Logger) *RegistrationHandler {
	return &RegistrationHandler{registrar: registrar, limiter: limiter, logger: logger}
}

// ========== Public Endpoints ==========

// Start opens a pending registration and returns the checkout handle.
func (h *RegistrationHandler) Start(c *gin.Context) {
	var req registration.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request body", err)
		return
	}

	if h.limiter != nil {
		allowed, remaining, err := h.limiter.CheckRegistrationAttempt(c.Request.Context(), c.ClientIP(), strings.ToLower(req.Email))
		if err != nil {
			// fail open
			h.logger.Warn("registration rate limit check failed", zap.Error(err))
		} else if !allowed {
			response.TooManyRequests(c, "too many registration attempts, try again later")
			return
		} else {
			h.logger.Debug("registration attempt", zap.Int64("remaining", remaining))
		}
	}

	res, err := h.registrar.Start(c.Request.Context(), req)
	if err != nil {
		h.logger.Info("registration start rejected", zap.String("email", req.Email), zap.Error(err))
		response.FromError(c, "failed to start registration", err)
		return
	}

	response.Success(c, http.StatusCreated, "registration started", res)
}

// Status reports where a pending registration stands.
func (h *RegistrationHandler) Status(c *gin.Context) {
	res, err := h.registrar.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.FromError(c, "registration not found", err)
		return
	}

	response.Success(c, http.StatusOK, "registration retrieved", res)
}

// Finalize confirms checkout from the client side and returns an access token.
func (h *RegistrationHandler) Finalize(c *gin.Context) {
	id := c.Param("id")

	var req registration.FinalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request body", err)
		return
	}

	if h.limiter != nil {
		allowed, err := h.limiter.CheckFinalizeAttempt(c.Request.Context(), id)
		if err != nil {
			h.logger.Warn("finalize rate limit check failed", zap.String("registration_id", id), zap.Error(err))
		} else if !allowed {
			response.TooManyRequests(c, "too many finalize attempts")
			return
		}
	}

	res, err := h.registrar.Confirm(c.Request.Context(), id, req)
	if err != nil {
		h.logger.Info("registration finalize rejected", zap.String("registration_id", id), zap.Error(err))
		response.FromError(c, "failed to finalize registration", err)
		return
	}

	response.Success(c, http.StatusOK, "registration completed", res)
}
