// internal/repository/store.go
package repository

import (
	"context"

	"billing-service/internal/domain/billing"
	"billing-service/internal/domain/entitlement"
	"billing-service/internal/domain/payment"
	"billing-service/internal/domain/plan"
	"billing-service/internal/domain/registration"
	"billing-service/internal/domain/subscription"
	"billing-service/internal/domain/tenant"
)

// Repositories bundles every repository bound to one connection or transaction.
type Repositories struct {
	Tenants       tenant.Repository
	Users         tenant.UserRepository
	Registrations registration.Repository
	Plans         plan.Repository
	Modules       plan.ModuleRepository
	Subscriptions subscription.Repository
	Payments      payment.Repository
	Entitlements  entitlement.Repository
	Events        billing.EventRepository
}

// TxRunner runs fn with repositories bound to a single transaction.
// fn returning an error rolls everything back.
type TxRunner interface {
	Run(ctx context.Context, fn func(repos Repositories) error) error
}

// Store exposes auto-commit repositories and transactional runs.
type Store interface {
	TxRunner
	Repos() Repositories
}
