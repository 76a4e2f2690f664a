// internal/repository/postgres/payment_repo.go
package postgres

import (
	"context"
	"fmt"

	"billing-service/internal/domain/payment"
	xerrors "billing-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
)

// PaymentRepository is append-only: it has no update or delete.
type PaymentRepository struct {
	db DBTX
}

func NewPaymentRepository(db DBTX) *PaymentRepository {
	return &PaymentRepository{db: db}
}

const paymentColumns = `
	id, subscription_id, tenant_id, amount, currency, status, provider,
	provider_payment_id, invoice_number, succeeded_at, failed_at, created_at
`

// CreateIfAbsent inserts a ledger row unless the provider payment is already ledgered
func (r *PaymentRepository) CreateIfAbsent(ctx context.Context, p *payment.SubscriptionPayment) (bool, error) {
	query := `
		INSERT INTO subscription_payments (
			id, subscription_id, tenant_id, amount, currency, status, provider,
			provider_payment_id, invoice_number, succeeded_at, failed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (subscription_id, provider_payment_id) DO NOTHING
		RETURNING created_at
	`

	err := r.db.QueryRow(
		ctx, query,
		p.ID, p.SubscriptionID, p.TenantID, p.Amount, p.Currency, p.Status, p.Provider,
		p.ProviderPaymentID, p.InvoiceNumber, p.SucceededAt, p.FailedAt,
	).Scan(&p.CreatedAt)
	if err == nil {
		return true, nil
	}
	if !isNoRows(err) {
		return false, fmt.Errorf("failed to record payment: %w", err)
	}

	// Conflict: load the row that won.
	existing, err := scanPayment(r.db.QueryRow(
		ctx,
		`SELECT `+paymentColumns+` FROM subscription_payments WHERE subscription_id = $1 AND provider_payment_id = $2`,
		p.SubscriptionID, p.ProviderPaymentID,
	))
	if isNoRows(err) {
		return false, xerrors.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to load existing payment: %w", err)
	}

	*p = *existing
	return false, nil
}

// ListBySubscription lists ledger rows newest first
func (r *PaymentRepository) ListBySubscription(ctx context.Context, subscriptionID string, limit, offset int) ([]payment.SubscriptionPayment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM subscription_payments
		WHERE subscription_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Query(ctx, query, subscriptionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []payment.SubscriptionPayment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, *p)
	}

	return payments, rows.Err()
}

func scanPayment(row pgx.Row) (*payment.SubscriptionPayment, error) {
	var p payment.SubscriptionPayment
	err := row.Scan(
		&p.ID, &p.SubscriptionID, &p.TenantID, &p.Amount, &p.Currency, &p.Status, &p.Provider,
		&p.ProviderPaymentID, &p.InvoiceNumber, &p.SucceededAt, &p.FailedAt, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
