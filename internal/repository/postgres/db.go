// internal/repository/postgres/db.go
package postgres

import (
	"context"
	"errors"
	"fmt"

	"billing-service/internal/repository"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ repository.Store = (*DB)(nil)

type DB struct {
	pool *pgxpool.Pool
}

func NewDB(pool *pgxpool.Pool) *DB {
	return &DB{pool: pool}
}

func (db *DB) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return db.pool.Begin(ctx)
}

func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Repos returns auto-commit repositories over the pool.
func (db *DB) Repos() repository.Repositories {
	return newRepositories(db.pool)
}

// Run begins a transaction, runs fn with repositories bound to it and commits.
func (db *DB) Run(ctx context.Context, fn func(repos repository.Repositories) error) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(newRepositories(tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func newRepositories(q DBTX) repository.Repositories {
	return repository.Repositories{
		Tenants:       NewTenantRepository(q),
		Users:         NewUserRepository(q),
		Registrations: NewPendingRegistrationRepository(q),
		Plans:         NewPlanRepository(q),
		Modules:       NewModuleRepository(q),
		Subscriptions: NewSubscriptionRepository(q),
		Payments:      NewPaymentRepository(q),
		Entitlements:  NewCompanyConfigRepository(q),
		Events:        NewBillingEventRepository(q),
	}
}

// isUniqueViolation reports SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
