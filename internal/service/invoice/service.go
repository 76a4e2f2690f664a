// internal/service/invoice/service.go
package invoice

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"billing-service/internal/domain/entitlement"
	"billing-service/internal/domain/payment"
	"billing-service/internal/domain/plan"
	"billing-service/internal/domain/subscription"
	"billing-service/internal/domain/tenant"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/pkg/metrics"
	"billing-service/internal/repository"
	"billing-service/internal/service/email"

	"go.uber.org/zap"
)

// Mailer delivers an HTML email with attachments and returns its message id.
type Mailer interface {
	SendWithAttachments(ctx context.Context, to, subject, bodyHTML string, attachments ...email.Attachment) (string, error)
}

// InvoiceService renders a PDF for each recorded payment and emails it to the tenant admin.
type InvoiceService struct {
	store  repository.Store
	mailer Mailer
	logger *zap.Logger
}

func NewInvoiceService(store repository.Store, mailer Mailer, logger *zap.Logger) *InvoiceService {
	return &InvoiceService{store: store, mailer: mailer, logger: logger}
}

// PaymentRecorded emails the invoice of a successful payment.
func (s *InvoiceService) PaymentRecorded(ctx context.Context, p payment.SubscriptionPayment) error {
	if p.Status != payment.OutcomeSucceeded {
		return nil
	}

	doc, to, err := s.Build(ctx, p)
	if err != nil {
		metrics.InvoiceDeliveries.WithLabelValues("error").Inc()
		return err
	}

	pdf, err := GeneratePDF(*doc)
	if err != nil {
		metrics.InvoiceDeliveries.WithLabelValues("error").Inc()
		return err
	}

	subject := fmt.Sprintf("Invoice %s for %s", doc.Number, doc.TenantName)
	body := fmt.Sprintf(`<p>Hello,</p>
<p>We received your payment of <strong>%s</strong> for the <strong>%s</strong> plan.</p>
<p>Your invoice <strong>%s</strong> is attached.</p>`,
		FormatAmount(doc.Total, doc.Currency), doc.PlanName, doc.Number)

	messageID, err := s.mailer.SendWithAttachments(ctx, to, subject, body, email.Attachment{
		Filename:    doc.Number + ".pdf",
		ContentType: "application/pdf",
		Data:        pdf,
	})
	if err != nil {
		metrics.InvoiceDeliveries.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to send invoice %s: %w", doc.Number, err)
	}

	metrics.InvoiceDeliveries.WithLabelValues("sent").Inc()
	s.logger.Info("invoice sent",
		zap.String("tenant_id", p.TenantID),
		zap.String("invoice_number", doc.Number),
		zap.String("message_id", messageID),
	)
	return nil
}

// Build assembles the invoice document for p and returns the recipient address.
func (s *InvoiceService) Build(ctx context.Context, p payment.SubscriptionPayment) (*Document, string, error) {
	repos := s.store.Repos()

	t, err := repos.Tenants.FindByID(ctx, p.TenantID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load tenant: %w", err)
	}
	admin, err := repos.Users.FindAdminByTenant(ctx, p.TenantID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load tenant admin: %w", err)
	}
	sub, err := repos.Subscriptions.FindByID(ctx, p.SubscriptionID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load subscription: %w", err)
	}
	pl, err := repos.Plans.FindByID(ctx, sub.PlanID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load plan: %w", err)
	}
	items, err := repos.Subscriptions.ListItems(ctx, sub.ID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load subscription items: %w", err)
	}

	timezone := entitlement.DefaultTimezone
	cfg, err := repos.Entitlements.FindByTenant(ctx, p.TenantID)
	switch {
	case err == nil && cfg.Timezone != "":
		timezone = cfg.Timezone
	case err != nil && !errors.Is(err, xerrors.ErrNotFound):
		s.logger.Debug("timezone lookup failed", zap.String("tenant_id", p.TenantID), zap.Error(err))
	}

	return newDocument(p, t, admin, sub, pl, items, timezone), admin.Email, nil
}

// --- Helper functions ---

func newDocument(p payment.SubscriptionPayment, t *tenant.Tenant, admin *tenant.User, sub *subscription.Subscription, pl *plan.Plan, items []subscription.Item, timezone string) *Document {
	doc := &Document{
		Timezone:    timezone,
		TenantName:  t.Name,
		BillTo:      admin.Email,
		PlanName:    pl.Name,
		Cycle:       string(pl.BillingCycle),
		PeriodStart: sub.CurrentPeriodStart,
		PeriodEnd:   sub.CurrentPeriodEnd,
		Provider:    string(p.Provider),
		PaymentRef:  p.ProviderPaymentID,
		Currency:    strings.ToUpper(p.Currency),
		Total:       p.Amount,
	}
	if p.InvoiceNumber != nil {
		doc.Number = *p.InvoiceNumber
	} else {
		doc.Number = p.ID
	}
	if p.SucceededAt != nil {
		doc.IssuedAt = *p.SucceededAt
	} else {
		doc.IssuedAt = p.CreatedAt
	}

	// Item prices are a snapshot; a payment that differs from their sum is
	// shown as a single line so the total always matches what was charged.
	var sum int64
	for _, it := range items {
		sum += it.UnitPrice * int64(max(it.Quantity, 1))
	}
	if sum != p.Amount || len(items) == 0 {
		doc.Lines = []Line{{Description: fmt.Sprintf("%s subscription", pl.Name), Amount: p.Amount}}
		return doc
	}
	for _, it := range items {
		desc := it.ModuleKey
		if it.Quantity > 1 {
			desc = fmt.Sprintf("%s x%d", it.ModuleKey, it.Quantity)
		}
		doc.Lines = append(doc.Lines, Line{Description: desc, Amount: it.UnitPrice * int64(max(it.Quantity, 1))})
	}
	return doc
}
