// internal/repository/postgres/subscription_repo.go
package postgres

import (
	"context"
	"fmt"
	"time"

	"billing-service/internal/domain/billing"
	"billing-service/internal/domain/subscription"
	xerrors "billing-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
)

type SubscriptionRepository struct {
	db DBTX
}

func NewSubscriptionRepository(db DBTX) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

const subscriptionColumns = `
	id, tenant_id, plan_id, status, current_period_start, current_period_end,
	provider, provider_customer_id, provider_subscription_id, cancel_at, canceled_at,
	created_at, updated_at
`

// Create inserts a subscription; a second one for the same tenant yields ErrDuplicateEntry
func (r *SubscriptionRepository) Create(ctx context.Context, sub *subscription.Subscription) error {
	query := `
		INSERT INTO subscriptions (
			id, tenant_id, plan_id, status, current_period_start, current_period_end,
			provider, provider_customer_id, provider_subscription_id, cancel_at, canceled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(
		ctx, query,
		sub.ID, sub.TenantID, sub.PlanID, sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.Provider, sub.ProviderCustomerID, sub.ProviderSubscriptionID, sub.CancelAt, sub.CanceledAt,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return xerrors.ErrDuplicateEntry
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}

	return nil
}

// FindByID retrieves a subscription by ID
func (r *SubscriptionRepository) FindByID(ctx context.Context, id string) (*subscription.Subscription, error) {
	return r.findOne(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
}

// FindByTenant retrieves the subscription of a tenant
func (r *SubscriptionRepository) FindByTenant(ctx context.Context, tenantID string) (*subscription.Subscription, error) {
	return r.findOne(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE tenant_id = $1`, tenantID)
}

// FindByProviderSubscriptionID retrieves a subscription by the provider's id
func (r *SubscriptionRepository) FindByProviderSubscriptionID(ctx context.Context, provider billing.Provider, providerSubscriptionID string) (*subscription.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE provider = $1 AND provider_subscription_id = $2`
	return r.findOne(ctx, query, provider, providerSubscriptionID)
}

// Update writes every mutable column
func (r *SubscriptionRepository) Update(ctx context.Context, sub *subscription.Subscription) error {
	query := `
		UPDATE subscriptions
		SET plan_id = $1, status = $2, current_period_start = $3, current_period_end = $4,
		    provider = $5, provider_customer_id = $6, provider_subscription_id = $7,
		    cancel_at = $8, canceled_at = $9, updated_at = $10
		WHERE id = $11
	`

	sub.UpdatedAt = time.Now()
	result, err := r.db.Exec(
		ctx, query,
		sub.PlanID, sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.Provider, sub.ProviderCustomerID, sub.ProviderSubscriptionID,
		sub.CancelAt, sub.CanceledAt, sub.UpdatedAt, sub.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return xerrors.ErrDuplicateEntry
		}
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	if result.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}

	return nil
}

// ========== Items ==========

// ReplaceItems deletes all items of a subscription and recreates them
func (r *SubscriptionRepository) ReplaceItems(ctx context.Context, subscriptionID string, items []subscription.Item) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM subscription_items WHERE subscription_id = $1`, subscriptionID); err != nil {
		return fmt.Errorf("failed to delete subscription items: %w", err)
	}

	query := `
		INSERT INTO subscription_items (id, subscription_id, module_key, quantity, unit_price)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`

	for i := range items {
		it := &items[i]
		if it.ID == "" {
			it.ID = ulid.Make().String()
		}
		it.SubscriptionID = subscriptionID

		err := r.db.QueryRow(ctx, query, it.ID, it.SubscriptionID, it.ModuleKey, it.Quantity, it.UnitPrice).Scan(&it.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("duplicate module %s: %w", it.ModuleKey, xerrors.ErrDuplicateEntry)
			}
			return fmt.Errorf("failed to insert subscription item: %w", err)
		}
	}

	return nil
}

// ListItems lists items ordered by module key
func (r *SubscriptionRepository) ListItems(ctx context.Context, subscriptionID string) ([]subscription.Item, error) {
	query := `
		SELECT id, subscription_id, module_key, quantity, unit_price, created_at
		FROM subscription_items
		WHERE subscription_id = $1
		ORDER BY module_key
	`

	rows, err := r.db.Query(ctx, query, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscription items: %w", err)
	}
	defer rows.Close()

	var items []subscription.Item
	for rows.Next() {
		var it subscription.Item
		if err := rows.Scan(&it.ID, &it.SubscriptionID, &it.ModuleKey, &it.Quantity, &it.UnitPrice, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription item: %w", err)
		}
		items = append(items, it)
	}

	return items, rows.Err()
}

func (r *SubscriptionRepository) findOne(ctx context.Context, query string, args ...any) (*subscription.Subscription, error) {
	sub, err := scanSubscription(r.db.QueryRow(ctx, query, args...))
	if isNoRows(err) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find subscription: %w", err)
	}
	return sub, nil
}

func scanSubscription(row pgx.Row) (*subscription.Subscription, error) {
	var sub subscription.Subscription
	err := row.Scan(
		&sub.ID, &sub.TenantID, &sub.PlanID, &sub.Status, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.Provider, &sub.ProviderCustomerID, &sub.ProviderSubscriptionID, &sub.CancelAt, &sub.CanceledAt,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}
