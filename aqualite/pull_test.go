package aqualite

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPullPendingRecordWins(t *testing.T) {
	store := newTestStore(t)
	remote := newFakeRemote()
	engine := newTestEngine(t, store, remote, NewStaticMonitor(true), nil)
	ctx := context.Background()

	seedUser(t, store, "alice")
	seedRecord(t, store, "r1", "alice", StatusPending)

	remote.seed(TableRecords, "r1", map[string]any{
		"record_id": "r1", "owner_id": "alice", "category": "carp",
		"weight": 9.9, "size": 99.0, "created_at": "2026-08-01T10:00:00Z",
	})

	require.NoError(t, engine.SyncFromRemote(ctx))

	record, err := store.GetRecord(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "tilapia", record.Category, "pending local edit must not be clobbered")
	require.Equal(t, 1.5, record.Weight)
	require.Equal(t, StatusPending, record.Status)
}

func TestPullUpsertsSyncedRecord(t *testing.T) {
	store := newTestStore(t)
	remote := newFakeRemote()
	engine := newTestEngine(t, store, remote, NewStaticMonitor(true), nil)
	ctx := context.Background()

	seedUser(t, store, "alice")
	seedRecord(t, store, "r1", "alice", StatusSynced)

	remote.seed(TableRecords, "r1", map[string]any{
		"record_id": "r1", "owner_id": "alice", "category": "carp",
		"weight": 9.9, "size": 99.0, "created_at": "2026-08-01T10:00:00Z",
	})

	require.NoError(t, engine.SyncFromRemote(ctx))

	record, err := store.GetRecord(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "carp", record.Category, "synced rows follow the remote read")
	require.Equal(t, 9.9, record.Weight)
}

func TestPullPrunesSyncedRecordAbsentRemotely(t *testing.T) {
	store := newTestStore(t)
	remote := newFakeRemote()
	engine := newTestEngine(t, store, remote, NewStaticMonitor(true), nil)
	ctx := context.Background()

	seedUser(t, store, "alice")
	seedRecord(t, store, "gone", "alice", StatusSynced)
	seedRecord(t, store, "mine", "alice", StatusPending)

	require.NoError(t, engine.SyncFromRemote(ctx))

	_, err := store.GetRecord(ctx, "gone")
	require.ErrorIs(t, err, sql.ErrNoRows, "synced row absent remotely is pruned")

	_, err = store.GetRecord(ctx, "mine")
	require.NoError(t, err, "pending row survives the prune")
}

func TestPullPruneKeepsRecordWithPendingResult(t *testing.T) {
	store := newTestStore(t)
	remote := newFakeRemote()
	engine := newTestEngine(t, store, remote, NewStaticMonitor(true), nil)
	ctx := context.Background()

	seedUser(t, store, "alice")
	seedRecord(t, store, "r1", "alice", StatusSynced)
	seedResult(t, store, "a1", "r1", StatusPending)

	require.NoError(t, engine.SyncFromRemote(ctx))

	_, err := store.GetRecord(ctx, "r1")
	require.NoError(t, err, "pruning must never orphan a not-yet-pushed result")

	result, err := store.GetResult(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, StatusPending, result.Status)
}

func TestPullPrunesSyncedResultAbsentRemotely(t *testing.T) {
	store := newTestStore(t)
	remote := newFakeRemote()
	engine := newTestEngine(t, store, remote, NewStaticMonitor(true), nil)
	ctx := context.Background()

	seedUser(t, store, "alice")
	seedRecord(t, store, "r1", "alice", StatusSynced)
	seedResult(t, store, "a1", "r1", StatusSynced)

	remote.seed(TableRecords, "r1", map[string]any{
		"record_id": "r1", "owner_id": "alice", "category": "tilapia",
		"weight": 1.5, "size": 24.0, "created_at": "2026-08-01T10:00:00Z",
	})

	require.NoError(t, engine.SyncFromRemote(ctx))

	_, err := store.GetResult(ctx, "a1")
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestPullDropsOrphanResult(t *testing.T) {
	store := newTestStore(t)
	remote := newFakeRemote()
	engine := newTestEngine(t, store, remote, NewStaticMonitor(true), nil)
	ctx := context.Background()

	remote.seed(TableResults, "a1", map[string]any{
		"result_id": "a1", "record_id": "missing",
		"metric_a": 0.5, "metric_b": 0.1, "grade": "B",
		"analyzed_at": "2026-08-01T11:00:00Z",
	})

	require.NoError(t, engine.SyncFromRemote(ctx))

	_, err := store.GetResult(ctx, "a1")
	require.ErrorIs(t, err, sql.ErrNoRows, "results without a local record are dropped")
}

func TestPullCreatesStandInOwner(t *testing.T) {
	store := newTestStore(t)
	remote := newFakeRemote()
	engine := newTestEngine(t, store, remote, NewStaticMonitor(true), nil)
	ctx := context.Background()

	// Record owned by a user whose profile never reached this device.
	remote.seed(TableRecords, "r1", map[string]any{
		"record_id": "r1", "owner_id": "stranger", "category": "carp",
		"weight": 2.0, "size": 30.0, "created_at": "2026-08-01T10:00:00Z",
	})

	require.NoError(t, engine.SyncFromRemote(ctx))

	user, err := store.GetUser(ctx, "stranger")
	require.NoError(t, err)
	require.Equal(t, "user_stranger", user.Username)
	require.Equal(t, "stranger@placeholder.local", user.Email)

	record, err := store.GetRecord(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "stranger", record.OwnerID)
}

func TestPullFullUserProfileReplacesStandIn(t *testing.T) {
	store := newTestStore(t)
	remote := newFakeRemote()
	engine := newTestEngine(t, store, remote, NewStaticMonitor(true), nil)
	ctx := context.Background()

	remote.seed(TableRecords, "r1", map[string]any{
		"record_id": "r1", "owner_id": "bob", "category": "carp",
		"weight": 2.0, "size": 30.0, "created_at": "2026-08-01T10:00:00Z",
	})
	require.NoError(t, engine.SyncFromRemote(ctx))

	// Profile arrives on a later pull.
	remote.seed(TableUsers, "bob", map[string]any{
		"user_id": "bob", "username": "bob", "full_name": "Bob Fisher",
		"email": "bob@example.com", "phone": "555-0101",
	})
	require.NoError(t, engine.SyncFromRemote(ctx))

	user, err := store.GetUser(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, "Bob Fisher", user.FullName)
	require.Equal(t, "bob@example.com", user.Email)
	require.Equal(t, "555-0101", user.Phone.String)
}

func TestPullSkipsRecordWithoutOwner(t *testing.T) {
	store := newTestStore(t)
	remote := newFakeRemote()
	engine := newTestEngine(t, store, remote, NewStaticMonitor(true), nil)
	ctx := context.Background()

	remote.seed(TableRecords, "broken", map[string]any{
		"record_id": "broken", "category": "carp",
		"weight": 2.0, "size": 30.0, "created_at": "2026-08-01T10:00:00Z",
	})

	require.NoError(t, engine.SyncFromRemote(ctx))

	_, err := store.GetRecord(ctx, "broken")
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestScanCollectionFallsBackToClientSort(t *testing.T) {
	store := newTestStore(t)
	remote := newFakeRemote()
	remote.orderByRejected = true
	engine := newTestEngine(t, store, remote, NewStaticMonitor(true), nil)
	ctx := context.Background()

	// created_at order is the reverse of id order, so a pass-through of
	// the unordered scan would fail this test.
	remote.seed(TableRecords, "a", map[string]any{
		"record_id": "a", "owner_id": "alice", "created_at": "2026-08-02T00:00:00Z",
	})
	remote.seed(TableRecords, "b", map[string]any{
		"record_id": "b", "owner_id": "alice", "created_at": "2026-08-01T00:00:00Z",
	})

	docs, err := engine.scanCollection(ctx, TableRecords, "created_at")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "b", docs[0].ID)
	require.Equal(t, "a", docs[1].ID)
}

func TestPullRollsBackOnMergeFailure(t *testing.T) {
	store := newTestStore(t)
	remote := newFakeRemote()
	engine := newTestEngine(t, store, remote, NewStaticMonitor(true), nil)
	ctx := context.Background()

	seedUser(t, store, "alice")
	seedRecord(t, store, "r1", "alice", StatusSynced)
	seedResult(t, store, "a1", "r1", StatusSynced)

	// Two remote profiles share an email, so the second insert trips
	// the local UNIQUE constraint partway through the merge. The remote
	// records collection is empty, so a committed pull would also have
	// pruned r1 and a1.
	remote.seed(TableUsers, "bob", map[string]any{
		"user_id": "bob", "username": "bob", "full_name": "Bob", "email": "shared@example.com",
	})
	remote.seed(TableUsers, "carol", map[string]any{
		"user_id": "carol", "username": "carol", "full_name": "Carol", "email": "shared@example.com",
	})

	before := snapshotTables(t, store)

	err := engine.SyncFromRemote(ctx)
	require.ErrorContains(t, err, "failed to upsert user")

	require.Equal(t, before, snapshotTables(t, store),
		"a failed pull must leave the local store exactly as it was")
	_, err = store.GetUser(ctx, "bob")
	require.ErrorIs(t, err, sql.ErrNoRows)
	_, err = store.GetUser(ctx, "carol")
	require.ErrorIs(t, err, sql.ErrNoRows)
}

// snapshotTables serializes every domain row so a failed pull can be
// compared against the exact pre-pull state.
func snapshotTables(t *testing.T, store *Store) []string {
	t.Helper()
	var out []string
	for _, q := range []string{
		`SELECT user_id, username, full_name, email, IFNULL(phone, ''), IFNULL(avatar, '')
			FROM users ORDER BY user_id`,
		`SELECT record_id, owner_id, category, weight, size, created_at, IFNULL(image_ref, ''), status
			FROM records ORDER BY record_id`,
		`SELECT result_id, record_id, metric_a, metric_b, grade, analyzed_at, status
			FROM analysis_results ORDER BY result_id`,
	} {
		rows, err := store.db.Query(q)
		require.NoError(t, err)
		cols, err := rows.Columns()
		require.NoError(t, err)
		for rows.Next() {
			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			require.NoError(t, rows.Scan(ptrs...))
			out = append(out, fmt.Sprint(vals...))
		}
		require.NoError(t, rows.Err())
		require.NoError(t, rows.Close())
	}
	return out
}
