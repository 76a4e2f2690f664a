package stripe

import (
	"context"
	"errors"
	"testing"
	"time"

	"billing-service/internal/config"
	"billing-service/internal/domain/subscription"
	"billing-service/internal/domain/webhook"
	"billing-service/internal/provider"
	xerrors "billing-service/internal/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripelib "github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

const testSecret = "whsec_test_secret"

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(config.StripeConfig{
		SecretKey:     "sk_test_123",
		WebhookSecret: testSecret,
		SuccessURL:    "https://app.example.com/ok",
		CancelURL:     "https://app.example.com/cancel",
	}, provider.CallPolicy{Timeout: time.Second, Attempts: 3, InitialInterval: time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	return a
}

func sign(payload string) (body []byte, header string) {
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return signed.Payload, signed.Header
}

func TestNewRequiresSomeCredentials(t *testing.T) {
	_, err := New(config.StripeConfig{}, provider.DefaultCallPolicy(), zap.NewNop())
	assert.ErrorIs(t, err, xerrors.ErrNotConfigured)
}

func TestVerifySignature(t *testing.T) {
	a := newTestAdapter(t)
	body, header := sign(`{"id":"evt_1","object":"event","type":"invoice.paid","data":{"object":{}}}`)

	assert.NoError(t, a.VerifySignature(body, header))
	assert.ErrorIs(t, a.VerifySignature(body, "t=1,v1=deadbeef"), xerrors.ErrUnauthorized)
	assert.ErrorIs(t, a.VerifySignature(body, ""), xerrors.ErrUnauthorized)

	tampered := append([]byte{}, body...)
	tampered[len(tampered)-2] = ' '
	assert.ErrorIs(t, a.VerifySignature(tampered, header), xerrors.ErrUnauthorized)

	unconfigured := newTestAdapter(t)
	unconfigured.webhookSecret = ""
	assert.ErrorIs(t, unconfigured.VerifySignature(body, header), xerrors.ErrNotConfigured)
}

func TestNormalizeInvoicePaid(t *testing.T) {
	a := newTestAdapter(t)
	body := `{
		"id": "evt_inv_1",
		"type": "invoice.paid",
		"created": 1767225600,
		"data": {"object": {
			"id": "in_1",
			"number": "ACME-0001",
			"amount_paid": 2000,
			"currency": "usd",
			"customer": "cus_1",
			"subscription": "sub_1",
			"metadata": {},
			"subscription_details": {"metadata": {"tenantId": "t1", "planChangePlanId": "plan_b"}},
			"lines": {"data": [{"period": {"start": 1767225600, "end": 1769904000}}]}
		}}
	}`

	ev, err := a.Normalize(webhook.Inbound{Body: []byte(body)})
	require.NoError(t, err)
	assert.Equal(t, webhook.KindInvoicePaid, ev.Kind)
	assert.Equal(t, "evt_inv_1", ev.ProviderEventID)
	assert.Equal(t, int64(2000), ev.Amount)
	assert.Equal(t, "USD", ev.Currency)
	assert.Equal(t, "in_1", ev.ProviderPaymentID)
	assert.Equal(t, "ACME-0001", ev.InvoiceNumber)
	assert.Equal(t, "sub_1", ev.ProviderSubscriptionID)
	assert.Equal(t, "t1", ev.TenantID)
	assert.Equal(t, "plan_b", ev.PlanChangePlanID)
	require.NotNil(t, ev.PeriodEnd)
	assert.Equal(t, int64(1769904000), ev.PeriodEnd.Unix())
}

func TestNormalizeInvoiceSubscriptionFromParent(t *testing.T) {
	a := newTestAdapter(t)
	body := `{"id":"evt_2","type":"invoice.payment_failed","data":{"object":{
		"id":"in_2","amount_due":500,"currency":"eur",
		"parent":{"subscription_details":{"subscription":"sub_9","metadata":{"tenantId":"t9"}}}
	}}}`

	ev, err := a.Normalize(webhook.Inbound{Body: []byte(body)})
	require.NoError(t, err)
	assert.Equal(t, webhook.KindInvoicePaymentFailed, ev.Kind)
	assert.Equal(t, subscription.StatusPastDue, ev.Status)
	assert.Equal(t, "sub_9", ev.ProviderSubscriptionID)
	assert.Equal(t, "t9", ev.TenantID)
	assert.Equal(t, int64(500), ev.Amount)
}

func TestNormalizeCheckoutSharesLedgerKeyWithPaymentIntent(t *testing.T) {
	a := newTestAdapter(t)
	checkout := `{"id":"evt_c","type":"checkout.session.completed","data":{"object":{
		"id":"cs_1","payment_status":"paid","amount_total":2000,"currency":"usd",
		"payment_intent":"pi_1","metadata":{"pendingRegistrationId":"reg_1"}}}}`
	intent := `{"id":"evt_p","type":"payment_intent.succeeded","data":{"object":{
		"id":"pi_1","amount":2000,"amount_received":2000,"currency":"usd",
		"metadata":{"pendingRegistrationId":"reg_1"}}}}`

	c, err := a.Normalize(webhook.Inbound{Body: []byte(checkout)})
	require.NoError(t, err)
	p, err := a.Normalize(webhook.Inbound{Body: []byte(intent)})
	require.NoError(t, err)

	assert.Equal(t, webhook.KindCheckoutCompleted, c.Kind)
	assert.Equal(t, webhook.KindPaymentSucceeded, p.Kind)
	assert.Equal(t, "pi_1", c.ProviderPaymentID)
	assert.Equal(t, c.ProviderPaymentID, p.ProviderPaymentID)
	assert.Equal(t, "reg_1", c.PendingRegistrationID)
}

func TestNormalizeUnpaidCheckoutIsUnknown(t *testing.T) {
	a := newTestAdapter(t)
	body := `{"id":"evt_u","type":"checkout.session.completed","data":{"object":{"id":"cs_2","payment_status":"unpaid"}}}`

	ev, err := a.Normalize(webhook.Inbound{Body: []byte(body)})
	require.NoError(t, err)
	assert.Equal(t, webhook.KindUnknown, ev.Kind)
}

func TestNormalizeExpandedRefs(t *testing.T) {
	a := newTestAdapter(t)
	body := `{"id":"evt_x","type":"customer.subscription.updated","data":{"object":{
		"id":"sub_1","customer":{"id":"cus_7","object":"customer"},"status":"past_due",
		"items":{"data":[{"current_period_start":1767225600,"current_period_end":1769904000}]}}}}`

	ev, err := a.Normalize(webhook.Inbound{Body: []byte(body)})
	require.NoError(t, err)
	assert.Equal(t, "cus_7", ev.ProviderCustomerID)
	assert.Equal(t, webhook.KindSubscriptionPastDue, ev.Kind)
	require.NotNil(t, ev.PeriodStart)
	assert.Equal(t, int64(1767225600), ev.PeriodStart.Unix())
}

func TestNormalizeSubscriptionDeleted(t *testing.T) {
	a := newTestAdapter(t)
	body := `{"id":"evt_d","type":"customer.subscription.deleted","data":{"object":{"id":"sub_1","status":"canceled"}}}`

	ev, err := a.Normalize(webhook.Inbound{Body: []byte(body)})
	require.NoError(t, err)
	assert.Equal(t, webhook.KindSubscriptionCanceled, ev.Kind)
	assert.Equal(t, subscription.StatusCanceled, ev.Status)
}

func TestNormalizeUnknownType(t *testing.T) {
	a := newTestAdapter(t)
	ev, err := a.Normalize(webhook.Inbound{Body: []byte(`{"id":"evt_9","type":"customer.created","data":{"object":{"id":"cus_1"}}}`)})
	require.NoError(t, err)
	assert.Equal(t, webhook.KindUnknown, ev.Kind)
	assert.Equal(t, "customer.created", ev.EventType)
}

func TestNormalizeMalformed(t *testing.T) {
	a := newTestAdapter(t)
	for name, body := range map[string]string{
		"not json":       `{`,
		"missing id":     `{"type":"invoice.paid","data":{"object":{}}}`,
		"missing data":   `{"id":"evt_1","type":"invoice.paid"}`,
		"bad object":     `{"id":"evt_1","type":"invoice.paid","data":{"object":{"amount_paid":"lots"}}}`,
		"sub without id": `{"id":"evt_1","type":"customer.subscription.updated","data":{"object":{"status":"active"}}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := a.Normalize(webhook.Inbound{Body: []byte(body)})
			assert.ErrorIs(t, err, xerrors.ErrMalformedEvent)
		})
	}
}

func TestStatusMappingTotality(t *testing.T) {
	cases := map[string]subscription.Status{
		"trialing":           subscription.StatusTrialing,
		"active":             subscription.StatusActive,
		"past_due":           subscription.StatusPastDue,
		"unpaid":             subscription.StatusPastDue,
		"incomplete":         subscription.StatusPastDue,
		"paused":             subscription.StatusPastDue,
		"canceled":           subscription.StatusCanceled,
		"incomplete_expired": subscription.StatusCanceled,
		"something_new":      subscription.StatusActive,
		"":                   subscription.StatusActive,
	}
	for raw, want := range cases {
		got, _ := Statuses.Map(raw)
		assert.Equal(t, want, got, raw)
		assert.True(t, got.Valid(), raw)
	}
}

func TestCreateSubscriptionRequiresIdempotencyKeyAndRunsOnce(t *testing.T) {
	a := newTestAdapter(t)
	calls := 0
	a.createSubscription = func(params *stripelib.SubscriptionParams) (*stripelib.Subscription, error) {
		calls++
		require.NotNil(t, params.IdempotencyKey)
		assert.Equal(t, "sub-reg_1", *params.IdempotencyKey)
		return nil, errors.New("connection reset")
	}

	_, err := a.CreateSubscription(context.Background(), provider.SubscriptionRequest{CustomerID: "cus_1", PlanRef: "price_1"})
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
	assert.Equal(t, 0, calls)

	_, err = a.CreateSubscription(context.Background(), provider.SubscriptionRequest{CustomerID: "cus_1", PlanRef: "price_1", IdempotencyKey: "sub-reg_1"})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestFetchPaymentRetries(t *testing.T) {
	a := newTestAdapter(t)
	calls := 0
	a.getPaymentIntent = func(id string, _ *stripelib.PaymentIntentParams) (*stripelib.PaymentIntent, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("temporary")
		}
		return &stripelib.PaymentIntent{ID: id, Amount: 2000, Currency: "usd", Status: "succeeded"}, nil
	}

	p, err := a.FetchPayment(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, "USD", p.Currency)
	assert.Equal(t, int64(2000), p.Amount)
}

func TestCreatePaymentSessionCarriesMetadata(t *testing.T) {
	a := newTestAdapter(t)
	a.createCheckoutSession = func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error) {
		assert.Equal(t, "reg_1", params.PaymentIntentData.Metadata[webhook.MetaPendingRegistrationID])
		assert.Equal(t, int64(2000), *params.LineItems[0].PriceData.UnitAmount)
		assert.Equal(t, "usd", *params.LineItems[0].PriceData.Currency)
		return &stripelib.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.com/c/cs_1"}, nil
	}

	s, err := a.CreatePaymentSession(context.Background(), provider.SessionRequest{
		Amount:         2000,
		Currency:       "USD",
		Description:    "Custom Yearly",
		IdempotencyKey: "reg_1",
		Metadata:       map[string]string{webhook.MetaPendingRegistrationID: "reg_1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.com/c/cs_1", s.URL)
}

func TestCallsWithoutSecretKeyFailFast(t *testing.T) {
	a, err := New(config.StripeConfig{WebhookSecret: testSecret}, provider.DefaultCallPolicy(), zap.NewNop())
	require.NoError(t, err)

	_, err = a.FetchPayment(context.Background(), "pi_1")
	assert.ErrorIs(t, err, xerrors.ErrNotConfigured)
	assert.ErrorIs(t, a.CancelSubscription(context.Background(), "sub_1", false), xerrors.ErrNotConfigured)
}
