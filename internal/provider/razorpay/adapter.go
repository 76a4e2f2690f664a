// internal/provider/razorpay/adapter.go
package razorpay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"billing-service/internal/config"
	"billing-service/internal/domain/billing"
	"billing-service/internal/provider"
	xerrors "billing-service/internal/pkg/errors"

	razorpaysdk "github.com/razorpay/razorpay-go"
	"go.uber.org/zap"
)

const (
	SignatureHeader = "X-Razorpay-Signature"
	EventIDHeader   = "X-Razorpay-Event-Id"
)

var _ provider.Adapter = (*Adapter)(nil)

// gateway is the slice of the SDK the adapter uses. Every call returns the
// decoded JSON entity.
type gateway interface {
	CreateCustomer(data map[string]interface{}) (map[string]interface{}, error)
	CreateSubscription(data map[string]interface{}) (map[string]interface{}, error)
	CancelSubscription(id string, data map[string]interface{}) (map[string]interface{}, error)
	FetchPayment(id string) (map[string]interface{}, error)
	CreateOrder(data map[string]interface{}) (map[string]interface{}, error)
}

type sdkGateway struct {
	client *razorpaysdk.Client
}

func (g sdkGateway) CreateCustomer(data map[string]interface{}) (map[string]interface{}, error) {
	return g.client.Customer.Create(data, nil)
}

func (g sdkGateway) CreateSubscription(data map[string]interface{}) (map[string]interface{}, error) {
	return g.client.Subscription.Create(data, nil)
}

func (g sdkGateway) CancelSubscription(id string, data map[string]interface{}) (map[string]interface{}, error) {
	return g.client.Subscription.Cancel(id, data, nil)
}

func (g sdkGateway) FetchPayment(id string) (map[string]interface{}, error) {
	return g.client.Payment.Fetch(id, nil, nil)
}

func (g sdkGateway) CreateOrder(data map[string]interface{}) (map[string]interface{}, error) {
	return g.client.Order.Create(data, nil)
}

type Adapter struct {
	keyID         string
	webhookSecret []byte
	gateway       gateway
	policy        provider.CallPolicy
	logger        *zap.Logger
}

func New(cfg config.RazorpayConfig, policy provider.CallPolicy, logger *zap.Logger) (*Adapter, error) {
	keyID := strings.TrimSpace(cfg.KeyID)
	keySecret := strings.TrimSpace(cfg.KeySecret)
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if (keyID == "" || keySecret == "") && secret == "" {
		return nil, fmt.Errorf("razorpay: %w", xerrors.ErrNotConfigured)
	}

	a := &Adapter{
		keyID:         keyID,
		webhookSecret: []byte(secret),
		policy:        policy,
		logger:        logger,
	}
	if keyID != "" && keySecret != "" {
		a.gateway = sdkGateway{client: razorpaysdk.NewClient(keyID, keySecret)}
	}
	return a, nil
}

func (a *Adapter) Name() billing.Provider { return billing.ProviderRazorpay }

// VerifySignature checks the hex HMAC-SHA256 of the raw body against the
// X-Razorpay-Signature header in constant time.
func (a *Adapter) VerifySignature(body []byte, signature string) error {
	if len(a.webhookSecret) == 0 {
		return fmt.Errorf("razorpay webhook secret: %w", xerrors.ErrNotConfigured)
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) == 0 {
		return fmt.Errorf("malformed Razorpay signature: %w", xerrors.ErrUnauthorized)
	}
	if !hmac.Equal(got, Sign(a.webhookSecret, body)) {
		return fmt.Errorf("invalid Razorpay signature: %w", xerrors.ErrUnauthorized)
	}
	return nil
}

// Sign returns the raw HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// ========== Provider API ==========

func (a *Adapter) CreateCustomer(ctx context.Context, req provider.CustomerRequest) (string, error) {
	if err := a.requireGateway(); err != nil {
		return "", err
	}
	data := map[string]interface{}{
		"name":  req.Name,
		"email": req.Email,
		// returns the existing customer instead of failing on a repeated email
		"fail_existing": "0",
		"notes":         toNotes(req.Metadata),
	}

	var id string
	err := a.policy.Once(ctx, func(context.Context) error {
		res, err := a.gateway.CreateCustomer(data)
		if err != nil {
			return err
		}
		id = str(res["id"])
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to create razorpay customer: %w", err)
	}
	return id, nil
}

func (a *Adapter) CreateSubscription(ctx context.Context, req provider.SubscriptionRequest) (*provider.Subscription, error) {
	if err := a.requireGateway(); err != nil {
		return nil, err
	}
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("razorpay subscription needs an idempotency key: %w", xerrors.ErrInvalidInput)
	}
	qty := req.Quantity
	if qty <= 0 {
		qty = 1
	}
	notes := toNotes(req.Metadata)
	notes["idempotencyKey"] = req.IdempotencyKey
	data := map[string]interface{}{
		"plan_id":         req.PlanRef,
		"customer_id":     req.CustomerID,
		"quantity":        qty,
		"total_count":     120,
		"customer_notify": 1,
		"notes":           notes,
	}

	var out *provider.Subscription
	err := a.policy.Once(ctx, func(context.Context) error {
		res, err := a.gateway.CreateSubscription(data)
		if err != nil {
			return err
		}
		out = &provider.Subscription{ID: str(res["id"]), Status: str(res["status"])}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create razorpay subscription: %w", err)
	}
	return out, nil
}

func (a *Adapter) CancelSubscription(ctx context.Context, providerSubscriptionID string, atPeriodEnd bool) error {
	if err := a.requireGateway(); err != nil {
		return err
	}
	data := map[string]interface{}{"cancel_at_cycle_end": boolFlag(atPeriodEnd)}
	err := a.policy.Idempotent(ctx, func(context.Context) error {
		_, err := a.gateway.CancelSubscription(providerSubscriptionID, data)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to cancel razorpay subscription %s: %w", providerSubscriptionID, err)
	}
	return nil
}

func (a *Adapter) FetchPayment(ctx context.Context, providerPaymentID string) (*provider.Payment, error) {
	if err := a.requireGateway(); err != nil {
		return nil, err
	}
	var out *provider.Payment
	err := a.policy.Idempotent(ctx, func(context.Context) error {
		res, err := a.gateway.FetchPayment(providerPaymentID)
		if err != nil {
			return err
		}
		out = &provider.Payment{
			ID:       str(res["id"]),
			Amount:   minorUnits(res["amount"]),
			Currency: strings.ToUpper(str(res["currency"])),
			Status:   str(res["status"]),
			Metadata: notesMap(res["notes"]),
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch razorpay payment %s: %w", providerPaymentID, err)
	}
	return out, nil
}

// CreatePaymentSession creates an order; the client completes it with Checkout
// using the returned order id. The idempotency key becomes the order receipt.
func (a *Adapter) CreatePaymentSession(ctx context.Context, req provider.SessionRequest) (*provider.Session, error) {
	if err := a.requireGateway(); err != nil {
		return nil, err
	}
	data := map[string]interface{}{
		"amount":   req.Amount,
		"currency": strings.ToUpper(req.Currency),
		"notes":    toNotes(req.Metadata),
	}
	if req.IdempotencyKey != "" {
		data["receipt"] = truncate(req.IdempotencyKey, 40)
	}

	var out *provider.Session
	err := a.policy.Once(ctx, func(context.Context) error {
		res, err := a.gateway.CreateOrder(data)
		if err != nil {
			return err
		}
		id := str(res["id"])
		out = &provider.Session{ID: id, OrderID: id}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create razorpay order: %w", err)
	}
	return out, nil
}

func (a *Adapter) requireGateway() error {
	if a.gateway == nil {
		return fmt.Errorf("razorpay api keys: %w", xerrors.ErrNotConfigured)
	}
	return nil
}

// --- Helper functions ---

func toNotes(md map[string]string) map[string]interface{} {
	notes := make(map[string]interface{}, len(md))
	for k, v := range md {
		notes[k] = v
	}
	return notes
}

// notesMap reads notes from a decoded API response; empty notes arrive as [].
func notesMap(v interface{}) map[string]string {
	raw, ok := v.(map[string]interface{})
	if !ok {
		return map[string]string{}
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		out[k] = str(val)
	}
	return out
}

func str(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// minorUnits reads an amount the SDK decoded as float64. Razorpay amounts are
// already integral paise.
func minorUnits(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

func boolFlag(b bool) int {
	if b {
		return 1
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
