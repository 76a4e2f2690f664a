// internal/handlers/webhook/webhook_handler.go
package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"billing-service/internal/domain/billing"
	"billing-service/internal/domain/webhook"
	"billing-service/internal/pkg/response"
	"billing-service/internal/provider/razorpay"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	StripeSignatureHeader = "Stripe-Signature"
	maxBodyBytes          = 1 << 20
)

// Ingester processes one delivery. See ingestion.IngestionService.
type Ingester interface {
	Ingest(ctx context.Context, in webhook.Inbound) (*webhook.Ack, error)
}

type WebhookHandler struct {
	ingester Ingester
	logger   *zap.Logger
}

func NewWebhookHandler(ingester Ingester, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{ingester: ingester, logger: logger}
}

// Stripe receives POST /webhooks/stripe.
func (h *WebhookHandler) Stripe(c *gin.Context) {
	h.handle(c, billing.ProviderStripe, StripeSignatureHeader)
}

// Razorpay receives POST /webhooks/razorpay.
func (h *WebhookHandler) Razorpay(c *gin.Context) {
	h.handle(c, billing.ProviderRazorpay, razorpay.SignatureHeader)
}

// handle reads the raw body untouched; signatures cover the exact bytes.
func (h *WebhookHandler) handle(c *gin.Context, provider billing.Provider, signatureHeader string) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(c, http.StatusRequestEntityTooLarge, "payload too large", err)
			return
		}
		response.Error(c, http.StatusBadRequest, "failed to read payload", err)
		return
	}

	ack, err := h.ingester.Ingest(c.Request.Context(), webhook.Inbound{
		Provider:   provider,
		Body:       body,
		Signature:  c.GetHeader(signatureHeader),
		Header:     c.Request.Header.Clone(),
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		status := response.StatusFor(err)
		if status != http.StatusUnauthorized && status != http.StatusBadRequest && status != http.StatusServiceUnavailable {
			// anything else must make the provider retry
			status = http.StatusInternalServerError
		}
		h.logger.Warn("webhook not processed",
			zap.String("provider", string(provider)),
			zap.Int("status", status),
			zap.Error(err),
		)
		response.Error(c, status, "webhook not processed", err)
		return
	}

	c.JSON(http.StatusOK, ack)
}
