// internal/repository/postgres/billing_event_repo.go
package postgres

import (
	"context"
	"fmt"
	"time"

	"billing-service/internal/domain/billing"
	xerrors "billing-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
)

// BillingEventRepository is the event store. The unique key on
// (provider, provider_event_id) is the only concurrency gate for deliveries.
type BillingEventRepository struct {
	db DBTX
}

func NewBillingEventRepository(db DBTX) *BillingEventRepository {
	return &BillingEventRepository{db: db}
}

const billingEventColumns = `
	id, provider_event_id, provider, event_type, payload, tenant_id, status,
	attempts, processed_at, error_message, created_at, updated_at
`

// RecordIfNew is a single insert-if-absent. Exactly one concurrent caller gets isNew.
func (r *BillingEventRepository) RecordIfNew(ctx context.Context, ev *billing.BillingEvent) (bool, error) {
	insert := `
		INSERT INTO billing_events (id, provider_event_id, provider, event_type, payload, tenant_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (provider, provider_event_id) DO NOTHING
		RETURNING ` + billingEventColumns

	if ev.Status == "" {
		ev.Status = billing.EventStatusReceived
	}

	stored, err := scanBillingEvent(r.db.QueryRow(
		ctx, insert,
		ev.ID, ev.ProviderEventID, ev.Provider, ev.EventType, []byte(ev.Payload), ev.TenantID, ev.Status,
	))
	if err == nil {
		*ev = *stored
		return true, nil
	}
	if !isNoRows(err) {
		return false, fmt.Errorf("failed to record billing event: %w", err)
	}

	// Redelivery: count the attempt and hand back the stored row.
	bump := `
		UPDATE billing_events
		SET attempts = attempts + 1, updated_at = NOW()
		WHERE provider = $1 AND provider_event_id = $2
		RETURNING ` + billingEventColumns

	stored, err = scanBillingEvent(r.db.QueryRow(ctx, bump, ev.Provider, ev.ProviderEventID))
	if isNoRows(err) {
		return false, xerrors.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to load existing billing event: %w", err)
	}

	*ev = *stored
	return false, nil
}

// FindByID retrieves an event record
func (r *BillingEventRepository) FindByID(ctx context.Context, id string) (*billing.BillingEvent, error) {
	ev, err := scanBillingEvent(r.db.QueryRow(ctx, `SELECT `+billingEventColumns+` FROM billing_events WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find billing event: %w", err)
	}
	return ev, nil
}

// MarkProcessed finishes an event
func (r *BillingEventRepository) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE billing_events
		SET status = $1, processed_at = $2, error_message = NULL, updated_at = $2
		WHERE id = $3
	`
	return r.exec(ctx, "mark billing event processed", query, billing.EventStatusProcessed, at, id)
}

// MarkFailed finishes an event with a terminal business error
func (r *BillingEventRepository) MarkFailed(ctx context.Context, id string, message string, at time.Time) error {
	query := `
		UPDATE billing_events
		SET status = $1, processed_at = $2, error_message = $3, updated_at = $2
		WHERE id = $4
	`
	return r.exec(ctx, "mark billing event failed", query, billing.EventStatusFailed, at, message, id)
}

// NoteError stores the last transient error and keeps the event RECEIVED
func (r *BillingEventRepository) NoteError(ctx context.Context, id string, message string) error {
	query := `UPDATE billing_events SET error_message = $1, updated_at = NOW() WHERE id = $2 AND status = $3`
	return r.exec(ctx, "note billing event error", query, message, id, billing.EventStatusReceived)
}

// ListStale lists RECEIVED events last touched before olderThan
func (r *BillingEventRepository) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]billing.BillingEvent, error) {
	query := `
		SELECT ` + billingEventColumns + `
		FROM billing_events
		WHERE status = $1 AND updated_at < $2
		ORDER BY created_at
		LIMIT $3
	`

	rows, err := r.db.Query(ctx, query, billing.EventStatusReceived, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale billing events: %w", err)
	}
	defer rows.Close()

	var events []billing.BillingEvent
	for rows.Next() {
		ev, err := scanBillingEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan billing event: %w", err)
		}
		events = append(events, *ev)
	}

	return events, rows.Err()
}

func (r *BillingEventRepository) exec(ctx context.Context, op, query string, args ...any) error {
	result, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if result.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}

func scanBillingEvent(row pgx.Row) (*billing.BillingEvent, error) {
	var ev billing.BillingEvent
	var payload []byte

	err := row.Scan(
		&ev.ID, &ev.ProviderEventID, &ev.Provider, &ev.EventType, &payload, &ev.TenantID, &ev.Status,
		&ev.Attempts, &ev.ProcessedAt, &ev.ErrorMessage, &ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	ev.Payload = payload
	return &ev, nil
}
