package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"billing-service/internal/domain/billing"
	"billing-service/internal/domain/webhook"
	xerrors "billing-service/internal/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeIngester struct {
	got webhook.Inbound
	ack *webhook.Ack
	err error
}

func (f *fakeIngester) Ingest(_ context.Context, in webhook.Inbound) (*webhook.Ack, error) {
	f.got = in
	return f.ack, f.err
}

func router(ing *fakeIngester) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewWebhookHandler(ing, zap.NewNop())
	r := gin.New()
	r.POST("/webhooks/stripe", h.Stripe)
	r.POST("/webhooks/razorpay", h.Razorpay)
	return r
}

func post(r *gin.Engine, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhookPassesRawDelivery(t *testing.T) {
	ing := &fakeIngester{ack: &webhook.Ack{Outcome: webhook.OutcomeProcessed, ProviderEventID: "evt_1", EventType: "payment.captured"}}
	body := `{"event":"payment.captured"}`

	w := post(router(ing), "/webhooks/razorpay", body, map[string]string{
		"X-Razorpay-Signature": "abc",
		"X-Razorpay-Event-Id":  "evt_1",
	})
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, billing.ProviderRazorpay, ing.got.Provider)
	assert.Equal(t, body, string(ing.got.Body))
	assert.Equal(t, "abc", ing.got.Signature)
	assert.Equal(t, "evt_1", ing.got.Header.Get("X-Razorpay-Event-Id"))

	var ack webhook.Ack
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ack))
	assert.Equal(t, webhook.OutcomeProcessed, ack.Outcome)
}

func TestWebhookStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		ack  *webhook.Ack
		err  error
		want int
	}{
		{"processed", &webhook.Ack{Outcome: webhook.OutcomeProcessed}, nil, http.StatusOK},
		{"duplicate", &webhook.Ack{Outcome: webhook.OutcomeDuplicate}, nil, http.StatusOK},
		{"ignored", &webhook.Ack{Outcome: webhook.OutcomeIgnored, Reason: "registration expired"}, nil, http.StatusOK},
		{"bad signature", nil, fmt.Errorf("sig: %w", xerrors.ErrUnauthorized), http.StatusUnauthorized},
		{"malformed", nil, fmt.Errorf("decode: %w", xerrors.ErrMalformedEvent), http.StatusBadRequest},
		{"not configured", nil, fmt.Errorf("stripe: %w", xerrors.ErrNotConfigured), http.StatusServiceUnavailable},
		{"transient", nil, fmt.Errorf("db: %w", xerrors.ErrTransientStorage), http.StatusInternalServerError},
		{"not found is still retried", nil, fmt.Errorf("row: %w", xerrors.ErrNotFound), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ing := &fakeIngester{ack: tt.ack, err: tt.err}
			w := post(router(ing), "/webhooks/stripe", `{}`, map[string]string{StripeSignatureHeader: "t=1,v1=x"})
			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, billing.ProviderStripe, ing.got.Provider)
			assert.Equal(t, "t=1,v1=x", ing.got.Signature)
		})
	}
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	ing := &fakeIngester{}
	w := post(router(ing), "/webhooks/stripe", strings.Repeat("x", maxBodyBytes+1), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Nil(t, ing.got.Body)
}
