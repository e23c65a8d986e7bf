// Copyright 2025 CNSChanasorn
// SPDX-License-Identifier: Apache-2.0

package aquasync

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory DocumentStore with the same collection and
// ordering rules as the Postgres-backed Service. It backs tests and
// local development without a database.
type MemStore struct {
	mu   sync.RWMutex
	docs map[string]map[string]StoredDocument // collection -> doc_id -> doc
}

// NewMemStore creates an empty in-memory document store.
func NewMemStore() *MemStore {
	docs := make(map[string]map[string]StoredDocument, len(collections))
	for collection := range collections {
		docs[collection] = make(map[string]StoredDocument)
	}
	return &MemStore{docs: docs}
}

// Get returns one document.
func (m *MemStore) Get(_ context.Context, collection, docID string) (*StoredDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	coll, ok := m.docs[collection]
	if !ok {
		return nil, ErrUnknownCollection
	}
	doc, ok := coll[docID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDoc(doc), nil
}

// Upsert merges fields over the stored document, like the Postgres
// `doc || EXCLUDED.doc` upsert.
func (m *MemStore) Upsert(_ context.Context, collection, docID string, fields map[string]any) (*StoredDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll, ok := m.docs[collection]
	if !ok {
		return nil, ErrUnknownCollection
	}

	merged := make(map[string]any)
	if existing, ok := coll[docID]; ok {
		for k, v := range existing.Doc {
			merged[k] = v
		}
	}
	for k, v := range fields {
		merged[k] = v
	}

	doc := StoredDocument{DocID: docID, Doc: merged, UpdatedAt: time.Now().UTC()}
	coll[docID] = doc
	return cloneDoc(doc), nil
}

// Delete removes a document; deleting an absent one is a no-op.
func (m *MemStore) Delete(_ context.Context, collection, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll, ok := m.docs[collection]
	if !ok {
		return ErrUnknownCollection
	}
	delete(coll, docID)
	return nil
}

// Scan returns every document in a collection, ordered by the
// whitelisted field when requested.
func (m *MemStore) Scan(_ context.Context, collection, orderBy string) ([]StoredDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	coll, ok := m.docs[collection]
	if !ok {
		return nil, ErrUnknownCollection
	}
	if orderBy != "" && !collections[collection][orderBy] {
		return nil, ErrOrderByUnsupported
	}

	out := make([]StoredDocument, 0, len(coll))
	for _, doc := range coll {
		out = append(out, *cloneDoc(doc))
	}

	if orderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			a, _ := out[i].Doc[orderBy].(string)
			b, _ := out[j].Doc[orderBy].(string)
			return a < b
		})
	} else {
		// Deterministic without an order field.
		sort.SliceStable(out, func(i, j int) bool { return out[i].DocID < out[j].DocID })
	}
	return out, nil
}

func cloneDoc(doc StoredDocument) *StoredDocument {
	fields := make(map[string]any, len(doc.Doc))
	for k, v := range doc.Doc {
		fields[k] = v
	}
	return &StoredDocument{DocID: doc.DocID, Doc: fields, UpdatedAt: doc.UpdatedAt}
}
