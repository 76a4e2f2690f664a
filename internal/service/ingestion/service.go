// internal/service/ingestion/service.go
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"billing-service/internal/domain/billing"
	"billing-service/internal/domain/webhook"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/pkg/metrics"
	"billing-service/internal/provider"
	"billing-service/internal/repository"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// maxErrorLength bounds error_message on billing_events.
const maxErrorLength = 1000

// IngestionService turns raw provider deliveries into side effects exactly once
// per provider event id and decides what the provider is told.
type IngestionService struct {
	store      repository.Store
	providers  *provider.Registry
	dispatcher *Dispatcher
	timeout    time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

func NewIngestionService(store repository.Store, providers *provider.Registry, dispatcher *Dispatcher, timeout time.Duration, logger *zap.Logger) *IngestionService {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &IngestionService{
		store:      store,
		providers:  providers,
		dispatcher: dispatcher,
		timeout:    timeout,
		now:        time.Now,
		logger:     logger,
	}
}

// WithClock overrides the time source.
func (s *IngestionService) WithClock(now func() time.Time) *IngestionService {
	s.now = now
	return s
}

// Ingest verifies, normalizes, dedupes and dispatches one delivery.
//
// A nil error means the provider should get a 200 with the returned Ack.
// Errors wrap xerrors.ErrUnauthorized, ErrMalformedEvent or ErrNotConfigured
// for rejected deliveries, and anything else is transient: the event stays
// RECEIVED so the provider's retry re-dispatches it.
func (s *IngestionService) Ingest(ctx context.Context, in webhook.Inbound) (*webhook.Ack, error) {
	start := s.now()
	ack, err := s.ingest(ctx, in)

	metrics.WebhookDuration.WithLabelValues(string(in.Provider)).Observe(time.Since(start).Seconds())
	eventType, outcome := "unknown", outcomeLabel(err)
	if ack != nil {
		eventType, outcome = ack.EventType, string(ack.Outcome)
	}
	metrics.WebhookRequestsTotal.WithLabelValues(string(in.Provider), eventType, outcome).Inc()
	return ack, err
}

func (s *IngestionService) ingest(ctx context.Context, in webhook.Inbound) (*webhook.Ack, error) {
	adapter, err := s.providers.Get(in.Provider)
	if err != nil {
		return nil, err
	}

	// Verify signature over the raw body
	if err := adapter.VerifySignature(in.Body, in.Signature); err != nil {
		s.logger.Warn("webhook signature rejected", zap.String("provider", string(in.Provider)), zap.Error(err))
		return nil, err
	}

	// Normalize first: dedup needs the provider event id
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = s.now().UTC()
	}
	ev, err := adapter.Normalize(in)
	if err != nil {
		s.logger.Warn("webhook payload rejected", zap.String("provider", string(in.Provider)), zap.Error(err))
		return nil, err
	}

	// Record or find the event row
	record := &billing.BillingEvent{
		ID:              ulid.Make().String(),
		ProviderEventID: ev.ProviderEventID,
		Provider:        ev.Provider,
		EventType:       ev.EventType,
		Payload:         payload(ev, in),
		Status:          billing.EventStatusReceived,
	}
	if ev.TenantID != "" {
		tenantID := ev.TenantID
		record.TenantID = &tenantID
	}
	isNew, err := s.store.Repos().Events.RecordIfNew(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("failed to record billing event: %w", err)
	}
	if !isNew && record.IsTerminal() {
		s.logger.Info("duplicate webhook acknowledged",
			zap.String("provider_event_id", ev.ProviderEventID),
			zap.String("status", string(record.Status)),
		)
		return &webhook.Ack{Outcome: webhook.OutcomeDuplicate, ProviderEventID: ev.ProviderEventID, EventType: ev.EventType}, nil
	}

	return s.process(ctx, record.ID, ev)
}

// Replay re-dispatches a stored event that is still RECEIVED. Terminal events
// are reported as duplicates.
func (s *IngestionService) Replay(ctx context.Context, eventID string) (*webhook.Ack, error) {
	record, err := s.store.Repos().Events.FindByID(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load billing event: %w", err)
	}
	if record.IsTerminal() {
		return &webhook.Ack{Outcome: webhook.OutcomeDuplicate, ProviderEventID: record.ProviderEventID, EventType: record.EventType}, nil
	}

	adapter, err := s.providers.Get(record.Provider)
	if err != nil {
		return nil, err
	}
	ev, err := adapter.Normalize(webhook.Inbound{
		Provider:   record.Provider,
		Body:       record.Payload,
		ReceivedAt: record.CreatedAt,
	})
	if err != nil {
		// A stored payload that no longer parses will never parse.
		return s.settle(ctx, record.ID, record.ProviderEventID, record.EventType, err)
	}
	// Replayed payloads lack delivery headers, so keep the stored identity.
	ev.ProviderEventID = record.ProviderEventID
	return s.process(ctx, record.ID, ev)
}

// process runs the dispatcher detached from the caller's cancellation, so a
// dropped connection does not abort half-applied side effects.
func (s *IngestionService) process(ctx context.Context, recordID string, ev *webhook.NormalizedEvent) (*webhook.Ack, error) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	err := s.dispatcher.Dispatch(pctx, ev)
	return s.settle(pctx, recordID, ev.ProviderEventID, ev.EventType, err)
}

func (s *IngestionService) settle(ctx context.Context, recordID, providerEventID, eventType string, err error) (*webhook.Ack, error) {
	now := s.now().UTC()
	events := s.store.Repos().Events
	log := s.logger.With(
		zap.String("provider_event_id", providerEventID),
		zap.String("event_type", eventType),
	)

	switch {
	case err == nil:
		if markErr := events.MarkProcessed(ctx, recordID, now); markErr != nil {
			return nil, fmt.Errorf("failed to mark event processed: %w", markErr)
		}
		log.Info("webhook processed")
		return &webhook.Ack{Outcome: webhook.OutcomeProcessed, ProviderEventID: providerEventID, EventType: eventType}, nil

	case xerrors.IsBusiness(err) || errors.Is(err, xerrors.ErrMalformedEvent):
		if markErr := events.MarkFailed(ctx, recordID, truncate(err.Error()), now); markErr != nil {
			return nil, fmt.Errorf("failed to mark event failed: %w", markErr)
		}
		log.Warn("webhook ignored", zap.Error(err))
		return &webhook.Ack{Outcome: webhook.OutcomeIgnored, ProviderEventID: providerEventID, EventType: eventType, Reason: err.Error()}, nil

	default:
		if noteErr := events.NoteError(ctx, recordID, truncate(err.Error())); noteErr != nil {
			log.Error("failed to note event error", zap.Error(noteErr))
		}
		log.Error("webhook processing failed, awaiting retry", zap.Error(err))
		return nil, fmt.Errorf("process event %s: %w", providerEventID, err)
	}
}

// --- Helper functions ---

func payload(ev *webhook.NormalizedEvent, in webhook.Inbound) []byte {
	if len(ev.Raw) > 0 {
		return ev.Raw
	}
	return in.Body
}

func truncate(msg string) string {
	if len(msg) > maxErrorLength {
		return msg[:maxErrorLength]
	}
	return msg
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, xerrors.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, xerrors.ErrMalformedEvent):
		return "malformed"
	case errors.Is(err, xerrors.ErrNotConfigured):
		return "not_configured"
	}
	return "error"
}
