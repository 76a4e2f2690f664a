// internal/provider/stripe/adapter.go
package stripe

import (
	"context"
	"fmt"
	"strings"

	"billing-service/internal/config"
	"billing-service/internal/domain/billing"
	"billing-service/internal/provider"
	xerrors "billing-service/internal/pkg/errors"

	stripelib "github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

var _ provider.Adapter = (*Adapter)(nil)

// Adapter talks to Stripe. SDK calls go through function fields so tests can
// replace them without a network.
type Adapter struct {
	secretKey     string
	webhookSecret string
	successURL    string
	cancelURL     string
	policy        provider.CallPolicy
	logger        *zap.Logger

	createCustomer        func(params *stripelib.CustomerParams) (*stripelib.Customer, error)
	createSubscription    func(params *stripelib.SubscriptionParams) (*stripelib.Subscription, error)
	cancelSubscription    func(id string, params *stripelib.SubscriptionCancelParams) (*stripelib.Subscription, error)
	updateSubscription    func(id string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error)
	getPaymentIntent      func(id string, params *stripelib.PaymentIntentParams) (*stripelib.PaymentIntent, error)
	createCheckoutSession func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
}

// New builds the adapter with SDK clients bound to the configured key instead
// of the package-level stripe.Key.
func New(cfg config.StripeConfig, policy provider.CallPolicy, logger *zap.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" && strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, fmt.Errorf("stripe: %w", xerrors.ErrNotConfigured)
	}

	backend := stripelib.GetBackend(stripelib.APIBackend)
	key := strings.TrimSpace(cfg.SecretKey)
	customers := customer.Client{B: backend, Key: key}
	subscriptions := subscription.Client{B: backend, Key: key}
	intents := paymentintent.Client{B: backend, Key: key}
	sessions := stripesession.Client{B: backend, Key: key}

	return &Adapter{
		secretKey:     key,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		successURL:    cfg.SuccessURL,
		cancelURL:     cfg.CancelURL,
		policy:        policy,
		logger:        logger,

		createCustomer:        customers.New,
		createSubscription:    subscriptions.New,
		cancelSubscription:    subscriptions.Cancel,
		updateSubscription:    subscriptions.Update,
		getPaymentIntent:      intents.Get,
		createCheckoutSession: sessions.New,
	}, nil
}

func (a *Adapter) Name() billing.Provider { return billing.ProviderStripe }

// VerifySignature checks the Stripe-Signature header against the raw body.
func (a *Adapter) VerifySignature(body []byte, signature string) error {
	if a.webhookSecret == "" {
		return fmt.Errorf("stripe webhook secret: %w", xerrors.ErrNotConfigured)
	}
	if strings.TrimSpace(signature) == "" {
		return fmt.Errorf("missing Stripe signature: %w", xerrors.ErrUnauthorized)
	}
	_, err := webhook.ConstructEventWithOptions(body, signature, a.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return fmt.Errorf("invalid Stripe signature: %w", xerrors.ErrUnauthorized)
	}
	return nil
}

// ========== Provider API ==========

func (a *Adapter) CreateCustomer(ctx context.Context, req provider.CustomerRequest) (string, error) {
	if err := a.requireKey(); err != nil {
		return "", err
	}
	params := &stripelib.CustomerParams{
		Email: stripelib.String(req.Email),
		Name:  stripelib.String(req.Name),
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	var id string
	err := a.policy.Once(ctx, func(context.Context) error {
		c, err := a.createCustomer(params)
		if err != nil {
			return err
		}
		id = c.ID
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to create stripe customer: %w", err)
	}
	return id, nil
}

// CreateSubscription always sends an idempotency key; it is never retried here.
func (a *Adapter) CreateSubscription(ctx context.Context, req provider.SubscriptionRequest) (*provider.Subscription, error) {
	if err := a.requireKey(); err != nil {
		return nil, err
	}
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("stripe subscription needs an idempotency key: %w", xerrors.ErrInvalidInput)
	}
	qty := req.Quantity
	if qty <= 0 {
		qty = 1
	}
	params := &stripelib.SubscriptionParams{
		Customer: stripelib.String(req.CustomerID),
		Items: []*stripelib.SubscriptionItemsParams{
			{Price: stripelib.String(req.PlanRef), Quantity: stripelib.Int64(qty)},
		},
	}
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	var out *provider.Subscription
	err := a.policy.Once(ctx, func(context.Context) error {
		s, err := a.createSubscription(params)
		if err != nil {
			return err
		}
		out = &provider.Subscription{ID: s.ID, Status: string(s.Status)}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stripe subscription: %w", err)
	}
	return out, nil
}

// CancelSubscription is idempotent on Stripe's side, so it may be retried.
func (a *Adapter) CancelSubscription(ctx context.Context, providerSubscriptionID string, atPeriodEnd bool) error {
	if err := a.requireKey(); err != nil {
		return err
	}
	err := a.policy.Idempotent(ctx, func(context.Context) error {
		if atPeriodEnd {
			_, err := a.updateSubscription(providerSubscriptionID, &stripelib.SubscriptionParams{
				CancelAtPeriodEnd: stripelib.Bool(true),
			})
			return err
		}
		_, err := a.cancelSubscription(providerSubscriptionID, &stripelib.SubscriptionCancelParams{})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to cancel stripe subscription %s: %w", providerSubscriptionID, err)
	}
	return nil
}

func (a *Adapter) FetchPayment(ctx context.Context, providerPaymentID string) (*provider.Payment, error) {
	if err := a.requireKey(); err != nil {
		return nil, err
	}
	var out *provider.Payment
	err := a.policy.Idempotent(ctx, func(context.Context) error {
		pi, err := a.getPaymentIntent(providerPaymentID, nil)
		if err != nil {
			return err
		}
		out = &provider.Payment{
			ID:       pi.ID,
			Amount:   pi.Amount,
			Currency: strings.ToUpper(string(pi.Currency)),
			Status:   string(pi.Status),
			Metadata: pi.Metadata,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stripe payment intent %s: %w", providerPaymentID, err)
	}
	return out, nil
}

// CreatePaymentSession opens a hosted Checkout page for a one-off amount. Metadata
// is copied onto the payment intent so every later event can be correlated.
func (a *Adapter) CreatePaymentSession(ctx context.Context, req provider.SessionRequest) (*provider.Session, error) {
	if err := a.requireKey(); err != nil {
		return nil, err
	}
	params := &stripelib.CheckoutSessionParams{
		Mode:       stripelib.String(string(stripelib.CheckoutSessionModePayment)),
		SuccessURL: stripelib.String(a.successURL),
		CancelURL:  stripelib.String(a.cancelURL),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				PriceData: &stripelib.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripelib.String(strings.ToLower(req.Currency)),
					UnitAmount: stripelib.Int64(req.Amount),
					ProductData: &stripelib.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripelib.String(req.Description),
					},
				},
				Quantity: stripelib.Int64(1),
			},
		},
		PaymentIntentData: &stripelib.CheckoutSessionPaymentIntentDataParams{
			Metadata: req.Metadata,
		},
	}
	if req.CustomerID != "" {
		params.Customer = stripelib.String(req.CustomerID)
	} else if req.CustomerEmail != "" {
		params.CustomerEmail = stripelib.String(req.CustomerEmail)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	var out *provider.Session
	err := a.policy.Once(ctx, func(context.Context) error {
		s, err := a.createCheckoutSession(params)
		if err != nil {
			return err
		}
		out = &provider.Session{ID: s.ID, URL: s.URL}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stripe checkout session: %w", err)
	}
	return out, nil
}

func (a *Adapter) requireKey() error {
	if a.secretKey == "" {
		return fmt.Errorf("stripe api key: %w", xerrors.ErrNotConfigured)
	}
	return nil
}
