package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, ":8000", cfg.HTTPAddr)
	assert.Equal(t, 24*time.Hour, cfg.Billing.RegistrationTTL)
	assert.Equal(t, "USD", cfg.Billing.DefaultCurrency)
	assert.Equal(t, 3, cfg.Billing.ProviderRetries)
	assert.Equal(t, "@every 5m", cfg.Billing.ReconcileSpec)
	assert.False(t, cfg.Billing.IgnoreStatus)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("BILLING_REGISTRATION_TTL", "48h")
	t.Setenv("BILLING_DEFAULT_CURRENCY", "inr")
	t.Setenv("BILLING_ENTITLEMENTS_IGNORE_STATUS", "true")
	t.Setenv("RAZORPAY_WEBHOOK_SECRET", "rzp_whsec")
	t.Setenv("DB_MAX_CONNS", "40")

	cfg := Load()

	assert.Equal(t, 48*time.Hour, cfg.Billing.RegistrationTTL)
	assert.Equal(t, "INR", cfg.Billing.DefaultCurrency)
	assert.True(t, cfg.Billing.IgnoreStatus)
	assert.Equal(t, "rzp_whsec", cfg.Razorpay.WebhookSecret)
	assert.Equal(t, int32(40), cfg.Database.MaxConns)
}

func TestPlanReferencePairs(t *testing.T) {
	t.Setenv("STRIPE_PRICE_IDS", "plan_a=price_123, plan_b = price_456,broken,=x")

	cfg := Load()

	assert.Equal(t, map[string]string{"plan_a": "price_123", "plan_b": "price_456"}, cfg.Stripe.PriceIDs)
	assert.Empty(t, cfg.Razorpay.PlanIDs)
}
