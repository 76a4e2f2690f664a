// internal/domain/tenant/repository.go
package tenant

import (
	"context"
	"time"
)

type Repository interface {
	Create(ctx context.Context, t *Tenant) error
	FindByID(ctx context.Context, id string) (*Tenant, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	// ListOrphans returns tenants created before olderThan that lack a subscription
	// or a COMPLETED pending registration.
	ListOrphans(ctx context.Context, olderThan time.Time, limit int) ([]Tenant, error)
}

type UserRepository interface {
	// Create returns xerrors.ErrDuplicateEntry when the email is taken.
	Create(ctx context.Context, u *User) error
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	FindAdminByTenant(ctx context.Context, tenantID string) (*User, error)
}
