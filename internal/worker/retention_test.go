package worker_test

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/audience-engine/internal/worker"
)

func TestRetention_DeletesInBatchesUntilDrained(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`DELETE FROM checkout_events .* status = 'COMPLETED'`).
		WithArgs(5000, 30).
		WillReturnResult(sqlmock.NewResult(0, 5000))
	mock.ExpectExec(`DELETE FROM checkout_events`).
		WithArgs(5000, 30).
		WillReturnResult(sqlmock.NewResult(0, 12))
	mock.ExpectExec(`DELETE FROM customer_show_views`).
		WithArgs(5000, 365).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM audit_log`).
		WithArgs(5000, 30).
		WillReturnResult(sqlmock.NewResult(0, 3))

	r := worker.NewRetention(db, worker.RetentionPolicy{ViewDays: 365})
	require.NoError(t, r.Run(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetention_StopsOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`DELETE FROM checkout_events`).
		WillReturnError(assert.AnError)

	err = worker.NewRetention(db, worker.RetentionPolicy{}).Run(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "prune checkout_events")
	assert.NoError(t, mock.ExpectationsWereMet())
}
