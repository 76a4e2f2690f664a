// internal/domain/billing/repository.go
package billing

import (
	"context"
	"time"
)

type EventRepository interface {
	// RecordIfNew inserts the event unless one with the same provider event id exists.
	// On conflict ev is overwritten with the stored row and isNew is false.
	RecordIfNew(ctx context.Context, ev *BillingEvent) (isNew bool, err error)
	FindByID(ctx context.Context, id string) (*BillingEvent, error)
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, message string, at time.Time) error
	// NoteError records the last error while leaving the event RECEIVED.
	NoteError(ctx context.Context, id string, message string) error
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]BillingEvent, error)
}
