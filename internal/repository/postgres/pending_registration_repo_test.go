package postgres

import (
	"context"
	"testing"
	"time"

	"billing-service/internal/domain/billing"
	"billing-service/internal/domain/plan"
	"billing-service/internal/domain/registration"
	xerrors "billing-service/internal/pkg/errors"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pendingRegistrationCols = []string{
	"id", "email", "password_hash", "company_name", "plan_id", "custom_module_keys",
	"billing_cycle", "provider", "amount", "currency", "status", "expires_at",
	"tenant_id", "completed_at", "created_at", "updated_at",
}

func TestFindByIDForUpdateLocksRow(t *testing.T) {
	mock := newMock(t)
	repo := NewPendingRegistrationRepository(mock)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`(?s)SELECT .* FROM pending_registrations WHERE id = \$1 FOR UPDATE`).
		WithArgs("reg_1").
		WillReturnRows(pgxmock.NewRows(pendingRegistrationCols).AddRow(
			"reg_1", "owner@acme.io", "$2a$04$hash", "Acme", "", []string{"CRM", "HR"},
			plan.CycleMonthly, billing.ProviderRazorpay, int64(2500), "USD", registration.StatusPending, at.Add(24*time.Hour),
			(*string)(nil), (*time.Time)(nil), at, at,
		))
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("reg_missing").
		WillReturnRows(pgxmock.NewRows(pendingRegistrationCols))

	p, err := repo.FindByIDForUpdate(context.Background(), "reg_1")
	require.NoError(t, err)
	assert.Equal(t, registration.StatusPending, p.Status)
	assert.Equal(t, []string{"CRM", "HR"}, []string(p.CustomModuleKeys))
	assert.True(t, p.IsCustom())
	assert.Nil(t, p.TenantID)

	_, err = repo.FindByIDForUpdate(context.Background(), "reg_missing")
	assert.ErrorIs(t, err, xerrors.ErrNotFound)
}

func TestMarkCompleted(t *testing.T) {
	mock := newMock(t)
	repo := NewPendingRegistrationRepository(mock)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	query := `UPDATE pending_registrations\s+SET status = \$1, tenant_id = \$2, completed_at = \$3, updated_at = \$3\s+WHERE id = \$4 AND status <> \$1`

	mock.ExpectExec(query).
		WithArgs(registration.StatusCompleted, "t1", at, "reg_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	// already completed: the guard matches nothing
	mock.ExpectExec(query).
		WithArgs(registration.StatusCompleted, "t2", at, "reg_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, repo.MarkCompleted(context.Background(), "reg_1", "t1", at))
	assert.ErrorIs(t, repo.MarkCompleted(context.Background(), "reg_1", "t2", at), xerrors.ErrNotFound)
}

func TestExpireStaleSkipsLockedRows(t *testing.T) {
	mock := newMock(t)
	repo := NewPendingRegistrationRepository(mock)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`WHERE status = \$3 AND expires_at < \$2\s+ORDER BY expires_at\s+LIMIT \$4\s+FOR UPDATE SKIP LOCKED`).
		WithArgs(registration.StatusExpired, now, registration.StatusPending, 100).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := repo.ExpireStale(context.Background(), now, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
