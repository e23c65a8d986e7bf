package aqualite

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

// Driver-level failures are hard to provoke through a real SQLite
// handle, so these paths are exercised with sqlmock.

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Store{db: db, logger: testLogger()}, mock
}

func TestEligibleItemsQueryError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, table_name, record_id").
		WillReturnError(errRemoteBoom)

	_, err := store.EligibleItems(context.Background(), 5)
	require.ErrorContains(t, err, "failed to query eligible items")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueDepthQueryError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnError(errRemoteBoom)

	_, err := store.QueueDepth(context.Background(), 5)
	require.ErrorContains(t, err, "failed to count queue items")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueRollsBackOnInsertError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, operation FROM sync_queue").
		WillReturnRows(sqlmock.NewRows([]string{"id", "operation"}))
	mock.ExpectExec("INSERT INTO sync_queue").
		WillReturnError(errRemoteBoom)
	mock.ExpectRollback()

	err := store.Enqueue(context.Background(), TableRecords, "r1", OpCreate,
		recordCreatePayload("r1", "alice"))
	require.ErrorContains(t, err, "failed to enqueue item")
	require.NoError(t, mock.ExpectationsWereMet())
}
