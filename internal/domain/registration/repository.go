// internal/domain/registration/repository.go
package registration

import (
	"context"
	"time"
)

type Repository interface {
	Create(ctx context.Context, p *PendingRegistration) error
	FindByID(ctx context.Context, id string) (*PendingRegistration, error)
	// FindByIDForUpdate locks the row until the surrounding transaction ends.
	FindByIDForUpdate(ctx context.Context, id string) (*PendingRegistration, error)
	FindLatestByEmail(ctx context.Context, email string) (*PendingRegistration, error)
	// MarkCompleted returns xerrors.ErrDuplicateEntry when tenantID is already linked.
	MarkCompleted(ctx context.Context, id, tenantID string, at time.Time) error
	MarkExpired(ctx context.Context, id string, at time.Time) error
	// ExpirePendingByEmail supersedes open registrations for email.
	ExpirePendingByEmail(ctx context.Context, email string, at time.Time) (int64, error)
	// ExpireStale expires PENDING rows whose TTL passed before now.
	ExpireStale(ctx context.Context, now time.Time, limit int) (int64, error)
}
