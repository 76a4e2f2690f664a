// internal/domain/subscription/repository.go
package subscription

import (
	"context"

	"billing-service/internal/domain/billing"
)

type Repository interface {
	Create(ctx context.Context, sub *Subscription) error
	FindByID(ctx context.Context, id string) (*Subscription, error)
	FindByTenant(ctx context.Context, tenantID string) (*Subscription, error)
	FindByProviderSubscriptionID(ctx context.Context, provider billing.Provider, providerSubscriptionID string) (*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error

	// ReplaceItems deletes every item of the subscription and inserts items.
	// Callers run it inside a transaction.
	ReplaceItems(ctx context.Context, subscriptionID string, items []Item) error
	ListItems(ctx context.Context, subscriptionID string) ([]Item, error)
}
