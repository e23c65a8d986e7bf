package aqualite

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsIDTaken(t *testing.T) {
	store := newTestStore(t)
	remote := newFakeRemote()
	resolver := NewIDResolver(store, remote, testLogger())
	ctx := context.Background()

	seedUser(t, store, "alice")
	seedRecord(t, store, "local-only", "alice", StatusSynced)
	remote.seed(TableRecords, "remote-only", map[string]any{"record_id": "remote-only"})

	taken, err := resolver.IsIDTaken(ctx, "local-only")
	require.NoError(t, err)
	require.True(t, taken)

	taken, err = resolver.IsIDTaken(ctx, "remote-only")
	require.NoError(t, err)
	require.True(t, taken)

	taken, err = resolver.IsIDTaken(ctx, "free")
	require.NoError(t, err)
	require.False(t, taken)
}

func TestIsIDTakenRemoteFailureCountsAsFree(t *testing.T) {
	store := newTestStore(t)
	remote := newFakeRemote()
	remote.getErr = errRemoteBoom
	resolver := NewIDResolver(store, remote, testLogger())

	taken, err := resolver.IsIDTaken(context.Background(), "anything")
	require.NoError(t, err)
	require.False(t, taken, "unreachable remote must not block the push path")
}

func TestResolveUniqueIDNumericIncrement(t *testing.T) {
	store := newTestStore(t)
	remote := newFakeRemote()
	resolver := NewIDResolver(store, remote, testLogger())
	ctx := context.Background()

	remote.seed(TableRecords, "7", map[string]any{"record_id": "7"})
	remote.seed(TableRecords, "8", map[string]any{"record_id": "8"})

	id, err := resolver.ResolveUniqueID(ctx, "7")
	require.NoError(t, err)
	require.Equal(t, "9", id)
}

func TestResolveUniqueIDSuffixForNonNumeric(t *testing.T) {
	store := newTestStore(t)
	remote := newFakeRemote()
	resolver := NewIDResolver(store, remote, testLogger())
	ctx := context.Background()

	remote.seed(TableRecords, "pond-a", map[string]any{"record_id": "pond-a"})
	remote.seed(TableRecords, "pond-a-1", map[string]any{"record_id": "pond-a-1"})

	id, err := resolver.ResolveUniqueID(ctx, "pond-a")
	require.NoError(t, err)
	require.Equal(t, "pond-a-2", id)
}

func TestResolveUniqueIDExhaustion(t *testing.T) {
	store := newTestStore(t)
	remote := newFakeRemote()
	resolver := NewIDResolver(store, remote, testLogger())
	ctx := context.Background()

	// Every numeric id from 100 onward is taken, deeper than the
	// attempt budget reaches.
	for i := 100; i < 200; i++ {
		id := strconv.Itoa(i)
		remote.seed(TableRecords, id, map[string]any{"record_id": id})
	}

	id, err := resolver.ResolveUniqueID(ctx, "100")
	require.ErrorIs(t, err, ErrCollisionUnresolved)
	require.NotEmpty(t, id, "the last candidate is still returned for degraded use")
}

func TestRenameRecordIDCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedUser(t, store, "alice")
	seedRecord(t, store, "7", "alice", StatusPending)
	seedResult(t, store, "a1", "7", StatusPending)

	require.NoError(t, store.Enqueue(ctx, TableRecords, "7", OpCreate,
		recordCreatePayload("7", "alice")))
	require.NoError(t, store.Enqueue(ctx, TableResults, "a1", OpCreate, &ResultPayload{
		ResultID: "a1", RecordID: "7", MetricA: 0.8, MetricB: 0.3,
		Grade: "A", AnalyzedAt: "2026-08-01T11:00:00Z",
	}))

	require.NoError(t, store.RenameRecordID(ctx, "7", "8"))

	// Record row renamed.
	record, err := store.GetRecord(ctx, "8")
	require.NoError(t, err)
	require.Equal(t, "alice", record.OwnerID)

	// Result FK follows.
	result, err := store.GetResult(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, "8", result.RecordID)

	items := queueRows(t, store)
	require.Len(t, items, 2)
	for _, item := range items {
		switch item.TableName {
		case TableRecords:
			require.Equal(t, "8", item.RecordID)
			var p RecordPayload
			require.NoError(t, json.Unmarshal(item.Data, &p))
			require.Equal(t, "8", p.RecordID, "serialized record snapshot must carry the new id")
		case TableResults:
			require.Equal(t, "a1", item.RecordID, "result entries keep their own key")
			var p ResultPayload
			require.NoError(t, json.Unmarshal(item.Data, &p))
			require.Equal(t, "8", p.RecordID, "serialized result snapshot must reference the new id")
		}
	}
}

func TestRenameRecordIDSkipsMalformedSnapshots(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedUser(t, store, "alice")
	seedRecord(t, store, "7", "alice", StatusPending)

	_, err := store.db.Exec(`
		INSERT INTO sync_queue (table_name, record_id, operation, data)
		VALUES (?, '7', 'create', 'not-json')`, TableRecords)
	require.NoError(t, err)

	require.NoError(t, store.RenameRecordID(ctx, "7", "8"))

	items := queueRows(t, store)
	require.Len(t, items, 1)
	require.Equal(t, "8", items[0].RecordID, "key column still renamed")
	require.Equal(t, []byte("not-json"), items[0].Data, "undecodable snapshot left for the push path to report")
}
