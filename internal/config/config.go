// internal/config/config.go
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Env      string
	HTTPAddr string

	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	SMTP     SMTPConfig
	Stripe   StripeConfig
	Razorpay RazorpayConfig
	Billing  BillingConfig
}

type DatabaseConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	// CacheTTL bounds how long an entitlement snapshot is served from Redis.
	CacheTTL time.Duration
}

type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience string
	TTL      time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     string
	User     string
	Pass     string
	FromName string
	Secure   bool
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	// PriceIDs maps plan ids to recurring Stripe price ids.
	PriceIDs map[string]string
}

type RazorpayConfig struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	// PlanIDs maps plan ids to Razorpay plan ids.
	PlanIDs map[string]string
}

type BillingConfig struct {
	RegistrationTTL   time.Duration
	DefaultCurrency   string
	IgnoreStatus      bool
	ProcessingTimeout time.Duration
	ProviderTimeout   time.Duration
	ProviderRetries   int
	ReconcileSpec     string
	StaleEventAge     time.Duration
	OrphanGrace       time.Duration
	AsyncInvoices     bool
}

// Load reads environment variables into AppConfig. Values from a .env file
// are already in the environment when cmd/api calls godotenv first.
func Load() AppConfig {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	return AppConfig{
		Env:      v.GetString("APP_ENV"),
		HTTPAddr: v.GetString("HTTP_ADDR"),

		Database: DatabaseConfig{
			URL:             v.GetString("DATABASE_URL"),
			MaxConns:        v.GetInt32("DB_MAX_CONNS"),
			MinConns:        v.GetInt32("DB_MIN_CONNS"),
			MaxConnLifetime: v.GetDuration("DB_MAX_CONN_LIFETIME"),
		},

		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASS"),
			DB:       v.GetInt("REDIS_DB"),
			PoolSize: v.GetInt("REDIS_POOL_SIZE"),
			CacheTTL: v.GetDuration("REDIS_ENTITLEMENT_TTL"),
		},

		JWT: JWTConfig{
			Secret:   v.GetString("JWT_SECRET"),
			Issuer:   v.GetString("JWT_ISSUER"),
			Audience: v.GetString("JWT_AUDIENCE"),
			TTL:      v.GetDuration("JWT_TTL"),
		},

		SMTP: SMTPConfig{
			Host:     v.GetString("SMTP_HOST"),
			Port:     v.GetString("SMTP_PORT"),
			User:     v.GetString("SMTP_USER"),
			Pass:     v.GetString("SMTP_PASS"),
			FromName: v.GetString("SMTP_FROM_NAME"),
			Secure:   v.GetBool("SMTP_SECURE"),
		},

		Stripe: StripeConfig{
			SecretKey:     v.GetString("STRIPE_SECRET_KEY"),
			WebhookSecret: v.GetString("STRIPE_WEBHOOK_SECRET"),
			SuccessURL:    v.GetString("STRIPE_SUCCESS_URL"),
			CancelURL:     v.GetString("STRIPE_CANCEL_URL"),
			PriceIDs:      parsePairs(v.GetString("STRIPE_PRICE_IDS")),
		},

		Razorpay: RazorpayConfig{
			KeyID:         v.GetString("RAZORPAY_KEY_ID"),
			KeySecret:     v.GetString("RAZORPAY_KEY_SECRET"),
			WebhookSecret: v.GetString("RAZORPAY_WEBHOOK_SECRET"),
			PlanIDs:       parsePairs(v.GetString("RAZORPAY_PLAN_IDS")),
		},

		Billing: BillingConfig{
			RegistrationTTL:   v.GetDuration("BILLING_REGISTRATION_TTL"),
			DefaultCurrency:   strings.ToUpper(v.GetString("BILLING_DEFAULT_CURRENCY")),
			IgnoreStatus:      v.GetBool("BILLING_ENTITLEMENTS_IGNORE_STATUS"),
			ProcessingTimeout: v.GetDuration("BILLING_PROCESSING_TIMEOUT"),
			ProviderTimeout:   v.GetDuration("BILLING_PROVIDER_TIMEOUT"),
			ProviderRetries:   v.GetInt("BILLING_PROVIDER_RETRIES"),
			ReconcileSpec:     v.GetString("BILLING_RECONCILE_SPEC"),
			StaleEventAge:     v.GetDuration("BILLING_STALE_EVENT_AGE"),
			OrphanGrace:       v.GetDuration("BILLING_ORPHAN_GRACE"),
			AsyncInvoices:     v.GetBool("BILLING_ASYNC_INVOICES"),
		},
	}
}

// --- Helper functions ---

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "production")
	v.SetDefault("HTTP_ADDR", ":8000")

	v.SetDefault("DB_MAX_CONNS", 25)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_MAX_CONN_LIFETIME", time.Hour)

	v.SetDefault("REDIS_ADDR", "redis-billing:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_POOL_SIZE", 10)
	v.SetDefault("REDIS_ENTITLEMENT_TTL", 10*time.Minute)

	v.SetDefault("JWT_ISSUER", "billing-service")
	v.SetDefault("JWT_AUDIENCE", "tenant-admins")
	v.SetDefault("JWT_TTL", 72*time.Hour)

	v.SetDefault("SMTP_PORT", "465")
	v.SetDefault("SMTP_FROM_NAME", "Billing")
	v.SetDefault("SMTP_SECURE", true)

	v.SetDefault("BILLING_REGISTRATION_TTL", 24*time.Hour)
	v.SetDefault("BILLING_DEFAULT_CURRENCY", "USD")
	v.SetDefault("BILLING_ENTITLEMENTS_IGNORE_STATUS", false)
	v.SetDefault("BILLING_PROCESSING_TIMEOUT", 30*time.Second)
	v.SetDefault("BILLING_PROVIDER_TIMEOUT", 10*time.Second)
	v.SetDefault("BILLING_PROVIDER_RETRIES", 3)
	v.SetDefault("BILLING_RECONCILE_SPEC", "@every 5m")
	v.SetDefault("BILLING_STALE_EVENT_AGE", 15*time.Minute)
	v.SetDefault("BILLING_ORPHAN_GRACE", 10*time.Minute)
	v.SetDefault("BILLING_ASYNC_INVOICES", true)
}

// parsePairs reads "a=1,b=2". Malformed pairs are skipped.
func parsePairs(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}
