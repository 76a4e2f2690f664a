// internal/domain/payment/repository.go
package payment

import "context"

type Repository interface {
	// CreateIfAbsent inserts p unless (subscription_id, provider_payment_id) exists,
	// in which case p is overwritten with the stored row and created is false.
	CreateIfAbsent(ctx context.Context, p *SubscriptionPayment) (created bool, err error)
	ListBySubscription(ctx context.Context, subscriptionID string, limit, offset int) ([]SubscriptionPayment, error)
}
