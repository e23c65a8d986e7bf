// Copyright 2025 CNSChanasorn
// SPDX-License-Identifier: Apache-2.0

package aqualite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
)

// maxResolveAttempts bounds the derivation loop so a pathological id
// space cannot stall a push indefinitely.
const maxResolveAttempts = 50

// ErrCollisionUnresolved reports that ResolveUniqueID exhausted its
// attempt budget; the returned candidate may still collide.
var ErrCollisionUnresolved = errors.New("record id collision unresolved after 50 attempts")

// IDResolver keeps record identifiers globally unique: two offline
// devices can mint the same human-assigned id, and the collision is
// only discoverable once one of them pushes.
type IDResolver struct {
	store  *Store
	remote RemoteStore
	logger *slog.Logger
}

// NewIDResolver creates a resolver over the local store and the remote
// document store.
func NewIDResolver(store *Store, remote RemoteStore, logger *slog.Logger) *IDResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &IDResolver{store: store, remote: remote, logger: logger}
}

// IsIDTaken reports whether candidate exists locally or remotely. A
// failing remote lookup counts as "not taken": the engine favors
// progress over perfect collision avoidance when the remote store is
// unreachable, and the residual risk is logged.
func (r *IDResolver) IsIDTaken(ctx context.Context, candidate string) (bool, error) {
	var exists bool
	err := r.store.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM records WHERE record_id = ?)`, candidate).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check local record id: %w", err)
	}
	if exists {
		return true, nil
	}
	return r.IsIDTakenRemotely(ctx, candidate), nil
}

// IsIDTakenRemotely checks the remote store alone. The push path uses
// this for the original candidate, whose own local row always exists
// by the time the create is pushed.
func (r *IDResolver) IsIDTakenRemotely(ctx context.Context, candidate string) bool {
	_, err := r.remote.Get(ctx, TableRecords, candidate)
	if err == nil {
		return true
	}
	if !errors.Is(err, ErrNotFound) {
		r.logger.Warn("remote id lookup failed, treating id as free",
			"record_id", candidate, "error", err)
	}
	return false
}

// ResolveUniqueID derives a free id from candidate: numeric candidates
// are incremented, others get a "-{n}" suffix. After 50 attempts the
// last candidate is returned together with ErrCollisionUnresolved so
// callers can tell the degraded outcome apart.
func (r *IDResolver) ResolveUniqueID(ctx context.Context, candidate string) (string, error) {
	current := candidate
	for tries := 0; tries < maxResolveAttempts; tries++ {
		taken, err := r.IsIDTaken(ctx, current)
		if err != nil {
			return "", err
		}
		if !taken {
			return current, nil
		}

		if n, err := strconv.ParseInt(current, 10, 64); err == nil {
			current = strconv.FormatInt(n+1, 10)
		} else {
			current = fmt.Sprintf("%s-%d", candidate, tries+1)
		}
	}
	return current, ErrCollisionUnresolved
}

// RenameRecordID propagates a collision rename through every local
// structure that still references the old id, in one transaction: the
// record row, its analysis results, sibling outbox entries, and the
// record ids inside still-serialized outbox snapshots. Without the
// cascade, a queued analysis push could later reference an id the
// remote store never received.
func (s *Store) RenameRecordID(ctx context.Context, oldID, newID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE records SET record_id = ? WHERE record_id = ?`, newID, oldID); err != nil {
		return fmt.Errorf("failed to rename record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE analysis_results SET record_id = ? WHERE record_id = ?`, newID, oldID); err != nil {
		return fmt.Errorf("failed to rename result references: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sync_queue SET record_id = ? WHERE table_name = ? AND record_id = ?`,
		newID, TableRecords, oldID); err != nil {
		return fmt.Errorf("failed to rename queue entries: %w", err)
	}

	// Rewrite the serialized snapshots that still carry the old id.
	if err := rewriteQueuePayloads(ctx, tx, oldID, newID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rename: %w", err)
	}
	return nil
}

func rewriteQueuePayloads(ctx context.Context, tx *sql.Tx, oldID, newID string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, table_name, data FROM sync_queue
		WHERE table_name IN (?, ?) AND data IS NOT NULL`,
		TableRecords, TableResults)
	if err != nil {
		return fmt.Errorf("failed to query queue payloads: %w", err)
	}

	type rewrite struct {
		id   int64
		data []byte
	}
	var rewrites []rewrite

	for rows.Next() {
		var id int64
		var table string
		var data []byte
		if err := rows.Scan(&id, &table, &data); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan queue payload: %w", err)
		}

		payload, err := decodePayload(table, data)
		if err != nil {
			// Malformed snapshots are skipped here and will surface as
			// push failures with a recorded last_error.
			continue
		}

		var updated any
		switch p := payload.(type) {
		case *RecordPayload:
			if p.RecordID == oldID {
				p.RecordID = newID
				updated = p
			}
		case *ResultPayload:
			if p.RecordID == oldID {
				p.RecordID = newID
				updated = p
			}
		}
		if updated == nil {
			continue
		}

		raw, err := json.Marshal(updated)
		if err != nil {
			rows.Close()
			return fmt.Errorf("failed to re-serialize payload: %w", err)
		}
		rewrites = append(rewrites, rewrite{id: id, data: raw})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("failed to read queue payloads: %w", err)
	}
	rows.Close()

	for _, rw := range rewrites {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_queue SET data = ? WHERE id = ?`, string(rw.data), rw.id); err != nil {
			return fmt.Errorf("failed to rewrite queue payload: %w", err)
		}
	}
	return nil
}
