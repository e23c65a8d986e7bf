// Copyright 2025 CNSChanasorn
// SPDX-License-Identifier: Apache-2.0

package aquasync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Service errors, matched against by the HTTP layer and by clients.
var (
	ErrNotFound           = errors.New("document not found")
	ErrUnknownCollection  = errors.New("unknown collection")
	ErrOrderByUnsupported = errors.New("order_by not supported for collection")
)

// collections maps each served collection to its whitelisted order_by
// fields. Ordering on anything else is rejected rather than silently
// ignored so clients can fall back deterministically.
var collections = map[string]map[string]bool{
	"users":            {},
	"records":          {"created_at": true},
	"analysis_results": {"analyzed_at": true},
}

// StoredDocument is one row of the document store.
type StoredDocument struct {
	DocID     string
	Doc       map[string]any
	UpdatedAt time.Time
}

// ServiceConfig holds configuration for the document service.
type ServiceConfig struct {
	AppName string // connection tracking label
}

// Service stores documents per collection in Postgres. Upserts merge
// incoming fields over the stored document, so partial writes never
// erase fields a client did not send.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig
}

// NewService creates a document service from an existing pool and
// initializes the schema.
func NewService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*Service, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "aquascan"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	service := &Service{
		pool:   pool,
		logger: logger,
		config: config,
	}

	if err := service.initializeSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return service, nil
}

// initializeSchema creates the document table if it doesn't exist.
func (s *Service) initializeSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		migrations := []string{
			/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS aquasync`,

			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS aquasync.documents (
				collection  TEXT        NOT NULL,
				doc_id      TEXT        NOT NULL,
				doc         JSONB       NOT NULL,
				updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
				PRIMARY KEY (collection, doc_id)
			)`,

			/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS idx_documents_updated
				ON aquasync.documents (collection, updated_at)`,
		}
		for _, migration := range migrations {
			if _, err := tx.Exec(ctx, migration); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
		}
		return nil
	})
}

// Get returns one document.
func (s *Service) Get(ctx context.Context, collection, docID string) (*StoredDocument, error) {
	if _, ok := collections[collection]; !ok {
		return nil, ErrUnknownCollection
	}

	var raw []byte
	doc := &StoredDocument{DocID: docID}
	err := s.pool.QueryRow(ctx, /*language=postgresql*/ `
		SELECT doc, updated_at FROM aquasync.documents
		WHERE collection = $1 AND doc_id = $2`,
		collection, docID).Scan(&raw, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	if err := json.Unmarshal(raw, &doc.Doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return doc, nil
}

// Upsert merges fields into the stored document (creating it if
// absent) and stamps updated_at server-side. Returns the merged
// document.
func (s *Service) Upsert(ctx context.Context, collection, docID string, fields map[string]any) (*StoredDocument, error) {
	if _, ok := collections[collection]; !ok {
		return nil, ErrUnknownCollection
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}

	var merged []byte
	doc := &StoredDocument{DocID: docID}
	err = s.pool.QueryRow(ctx, /*language=postgresql*/ `
		INSERT INTO aquasync.documents (collection, doc_id, doc, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (collection, doc_id)
		DO UPDATE SET doc = aquasync.documents.doc || EXCLUDED.doc, updated_at = now()
		RETURNING doc, updated_at`,
		collection, docID, raw).Scan(&merged, &doc.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert document: %w", err)
	}
	if err := json.Unmarshal(merged, &doc.Doc); err != nil {
		return nil, fmt.Errorf("failed to decode merged document: %w", err)
	}
	return doc, nil
}

// Delete removes a document. Deleting an absent document is a no-op.
func (s *Service) Delete(ctx context.Context, collection, docID string) error {
	if _, ok := collections[collection]; !ok {
		return ErrUnknownCollection
	}

	_, err := s.pool.Exec(ctx, /*language=postgresql*/ `
		DELETE FROM aquasync.documents WHERE collection = $1 AND doc_id = $2`,
		collection, docID)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// Scan returns every document in a collection. An empty orderBy keeps
// insertion order unspecified; a non-whitelisted orderBy returns
// ErrOrderByUnsupported.
func (s *Service) Scan(ctx context.Context, collection, orderBy string) ([]StoredDocument, error) {
	allowed, ok := collections[collection]
	if !ok {
		return nil, ErrUnknownCollection
	}

	query := /*language=postgresql*/ `
		SELECT doc_id, doc, updated_at FROM aquasync.documents WHERE collection = $1`
	if orderBy != "" {
		if !allowed[orderBy] {
			return nil, ErrOrderByUnsupported
		}
		// orderBy is whitelisted above, safe to splice.
		query += fmt.Sprintf(" ORDER BY doc->>'%s'", orderBy)
	}

	rows, err := s.pool.Query(ctx, query, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to scan collection: %w", err)
	}
	defer rows.Close()

	var docs []StoredDocument
	for rows.Next() {
		var doc StoredDocument
		var raw []byte
		if err := rows.Scan(&doc.DocID, &raw, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		if err := json.Unmarshal(raw, &doc.Doc); err != nil {
			return nil, fmt.Errorf("failed to decode document %s: %w", doc.DocID, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read collection: %w", err)
	}
	return docs, nil
}

// Close releases the underlying pool.
func (s *Service) Close() {
	s.pool.Close()
}
