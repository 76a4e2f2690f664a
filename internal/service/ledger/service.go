// internal/service/ledger/service.go
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"billing-service/internal/domain/payment"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/pkg/metrics"
	"billing-service/internal/repository"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Notifier receives newly ledgered successful payments, e.g. to email an invoice.
type Notifier interface {
	PaymentRecorded(ctx context.Context, p payment.SubscriptionPayment) error
}

type Options struct {
	// Async runs the notifier in its own goroutine.
	Async bool
	// NotifyTimeout bounds one notification.
	NotifyTimeout time.Duration
}

type LedgerService struct {
	store    repository.Store
	notifier Notifier
	opts     Options
	now      func() time.Time
	logger   *zap.Logger
}

func NewLedgerService(store repository.Store, notifier Notifier, opts Options, logger *zap.Logger) *LedgerService {
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = time.Minute
	}
	return &LedgerService{
		store:    store,
		notifier: notifier,
		opts:     opts,
		now:      time.Now,
		logger:   logger,
	}
}

// WithClock overrides the time source.
func (s *LedgerService) WithClock(now func() time.Time) *LedgerService {
	s.now = now
	return s
}

// RecordPayment appends one ledger row and notifies when it is a new success.
// A repeated (subscription, provider payment id) returns the stored row with created=false.
// Failed attempts carrying an AttemptID are keyed apart, so a later success on
// the same invoice still gets its own row.
func (s *LedgerService) RecordPayment(ctx context.Context, req payment.RecordRequest) (*payment.SubscriptionPayment, bool, error) {
	var (
		p       *payment.SubscriptionPayment
		created bool
	)
	err := s.store.Run(ctx, func(repos repository.Repositories) error {
		var err error
		p, created, err = s.RecordWith(ctx, repos, req)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.Notify(ctx, *p)
	}
	return p, created, nil
}

// RecordWith writes the row on repos without notifying. Callers inside a
// transaction call Notify once it commits.
func (s *LedgerService) RecordWith(ctx context.Context, repos repository.Repositories, req payment.RecordRequest) (*payment.SubscriptionPayment, bool, error) {
	if err := validate(req); err != nil {
		return nil, false, err
	}

	now := s.now().UTC()
	p := &payment.SubscriptionPayment{
		ID:                ulid.Make().String(),
		SubscriptionID:    req.SubscriptionID,
		TenantID:          req.TenantID,
		Amount:            req.Amount,
		Currency:          strings.ToUpper(req.Currency),
		Status:            req.Outcome,
		Provider:          req.Provider,
		ProviderPaymentID: req.LedgerKey(),
	}

	switch req.Outcome {
	case payment.OutcomeSucceeded:
		p.SucceededAt = &now
		number := strings.TrimSpace(req.InvoiceNumber)
		if number == "" {
			number = s.invoiceNumber(ctx, repos, req.TenantID, now)
		}
		p.InvoiceNumber = &number
	case payment.OutcomeFailed:
		p.FailedAt = &now
		if n := strings.TrimSpace(req.InvoiceNumber); n != "" {
			p.InvoiceNumber = &n
		}
	}

	created, err := repos.Payments.CreateIfAbsent(ctx, p)
	if err != nil {
		return nil, false, fmt.Errorf("failed to record payment: %w", err)
	}
	if created {
		metrics.PaymentsRecorded.WithLabelValues(string(p.Status)).Inc()
		s.logger.Info("payment recorded",
			zap.String("subscription_id", p.SubscriptionID),
			zap.String("provider_payment_id", p.ProviderPaymentID),
			zap.String("status", string(p.Status)),
			zap.Int64("amount", p.Amount),
		)
	}
	return p, created, nil
}

// Notify hands a successful payment to the notifier. Failures are logged and
// never reach the caller; the ledger row is already durable.
func (s *LedgerService) Notify(ctx context.Context, p payment.SubscriptionPayment) {
	if s.notifier == nil || p.Status != payment.OutcomeSucceeded {
		return
	}

	run := func() {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.NotifyTimeout)
		defer cancel()
		if err := s.notifier.PaymentRecorded(nctx, p); err != nil {
			s.logger.Warn("payment notification failed",
				zap.String("payment_id", p.ID),
				zap.String("tenant_id", p.TenantID),
				zap.Error(err),
			)
		}
	}

	if s.opts.Async {
		go run()
		return
	}
	run()
}

func (s *LedgerService) ListPayments(ctx context.Context, subscriptionID string, limit, offset int) ([]payment.SubscriptionPayment, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.store.Repos().Payments.ListBySubscription(ctx, subscriptionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return rows, nil
}

// invoiceNumber builds <prefix>-YYYYMM-<ULID>, using the tenant's invoice prefix when set.
func (s *LedgerService) invoiceNumber(ctx context.Context, repos repository.Repositories, tenantID string, now time.Time) string {
	prefix := "INV"
	cfg, err := repos.Entitlements.FindByTenant(ctx, tenantID)
	if err == nil && strings.TrimSpace(cfg.InvoicePrefix) != "" {
		prefix = strings.TrimSpace(cfg.InvoicePrefix)
	} else if err != nil && !errors.Is(err, xerrors.ErrNotFound) {
		s.logger.Debug("invoice prefix lookup failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}
	return fmt.Sprintf("%s-%s-%s", prefix, now.Format("200601"), ulid.Make().String())
}

func validate(req payment.RecordRequest) error {
	switch {
	case strings.TrimSpace(req.SubscriptionID) == "":
		return fmt.Errorf("payment without subscription: %w", xerrors.ErrInvalidInput)
	case strings.TrimSpace(req.ProviderPaymentID) == "":
		return fmt.Errorf("payment without provider payment id: %w", xerrors.ErrInvalidInput)
	case req.Amount < 0:
		return fmt.Errorf("negative payment amount: %w", xerrors.ErrInvalidInput)
	case req.Outcome != payment.OutcomeSucceeded && req.Outcome != payment.OutcomeFailed:
		return fmt.Errorf("unknown payment outcome %q: %w", req.Outcome, xerrors.ErrInvalidInput)
	}
	return nil
}
