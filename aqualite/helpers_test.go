package aqualite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// fakeRemote is an in-memory RemoteStore with failure injection, used
// to drive the engine without a server.
type fakeRemote struct {
	mu   sync.Mutex
	docs map[string]map[string]map[string]any

	// failUpsert maps "collection/id" to the error Upsert returns.
	failUpsert map[string]error
	// getErr is returned by every Get when set.
	getErr error
	// orderByRejected makes ordered scans fail with ErrOrderByUnsupported.
	orderByRejected bool
	// upsertStarted/upsertRelease, when set, turn Upsert into a
	// rendezvous so tests can hold a push in flight.
	upsertStarted chan struct{}
	upsertRelease chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		docs: map[string]map[string]map[string]any{
			TableUsers:   {},
			TableRecords: {},
			TableResults: {},
		},
		failUpsert: map[string]error{},
	}
}

func (f *fakeRemote) seed(collection, id string, fields map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[collection][id] = cloneFields(fields)
}

func (f *fakeRemote) doc(collection, id string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	fields, ok := f.docs[collection][id]
	if !ok {
		return nil
	}
	return cloneFields(fields)
}

func (f *fakeRemote) Get(_ context.Context, collection, id string) (*Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	fields, ok := f.docs[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return &Document{ID: id, Fields: cloneFields(fields)}, nil
}

func (f *fakeRemote) Upsert(_ context.Context, collection, id string, fields map[string]any) error {
	if f.upsertStarted != nil {
		f.upsertStarted <- struct{}{}
		<-f.upsertRelease
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failUpsert[collection+"/"+id]; err != nil {
		return err
	}
	merged := cloneFields(f.docs[collection][id])
	if merged == nil {
		merged = map[string]any{}
	}
	for k, v := range fields {
		merged[k] = v
	}
	f.docs[collection][id] = merged
	return nil
}

func (f *fakeRemote) Delete(_ context.Context, collection, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs[collection], id)
	return nil
}

func (f *fakeRemote) Scan(_ context.Context, collection, orderBy string) ([]Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if orderBy != "" && f.orderByRejected {
		return nil, ErrOrderByUnsupported
	}
	var docs []Document
	for id, fields := range f.docs[collection] {
		docs = append(docs, Document{ID: id, Fields: cloneFields(fields)})
	}
	sort.SliceStable(docs, func(i, j int) bool {
		if orderBy != "" {
			return docString(docs[i].Fields, orderBy, "") < docString(docs[j].Fields, orderBy, "")
		}
		return docs[i].ID < docs[j].ID
	})
	return docs, nil
}

func cloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func newTestEngine(t *testing.T, store *Store, remote RemoteStore, monitor Monitor, config *Config) *Engine {
	t.Helper()
	engine, err := NewEngine(store, remote, monitor, config, testLogger())
	require.NoError(t, err)
	return engine
}

func seedUser(t *testing.T, store *Store, userID string) {
	t.Helper()
	_, err := store.db.Exec(`
		INSERT INTO users (user_id, username, full_name, email)
		VALUES (?, ?, ?, ?)`,
		userID, "u_"+userID, "User "+userID, userID+"@example.com")
	require.NoError(t, err)
}

func seedRecord(t *testing.T, store *Store, recordID, ownerID, status string) {
	t.Helper()
	_, err := store.db.Exec(`
		INSERT INTO records (record_id, owner_id, category, weight, size, created_at, status)
		VALUES (?, ?, 'tilapia', 1.5, 24.0, '2026-08-01T10:00:00Z', ?)`,
		recordID, ownerID, status)
	require.NoError(t, err)
}

func seedResult(t *testing.T, store *Store, resultID, recordID, status string) {
	t.Helper()
	_, err := store.db.Exec(`
		INSERT INTO analysis_results (result_id, record_id, metric_a, metric_b, grade, analyzed_at, status)
		VALUES (?, ?, 0.82, 0.4, 'A', '2026-08-01T11:00:00Z', ?)`,
		resultID, recordID, status)
	require.NoError(t, err)
}

func recordCreatePayload(recordID, ownerID string) *RecordPayload {
	return &RecordPayload{
		RecordID:  recordID,
		OwnerID:   ownerID,
		Category:  "tilapia",
		Weight:    1.5,
		Size:      24.0,
		CreatedAt: "2026-08-01T10:00:00Z",
	}
}

func queueRows(t *testing.T, store *Store) []QueueItem {
	t.Helper()
	items, err := store.EligibleItems(context.Background(), 1<<30)
	require.NoError(t, err)
	return items
}

var errRemoteBoom = errors.New("remote exploded")

func requireQueueEmpty(t *testing.T, store *Store) {
	t.Helper()
	items := queueRows(t, store)
	require.Empty(t, items, fmt.Sprintf("queue should be empty, got %+v", items))
}
