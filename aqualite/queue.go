// Copyright 2025 CNSChanasorn
// SPDX-License-Identifier: Apache-2.0

package aqualite

import (
	"context"
	"encoding/json"
	"fmt"
)

// Enqueue appends a mutation to the outbox, collapsing it against any
// pending entry for the same (table, recordID) so the queue never holds
// more than one effective mutation per key:
//
//   - delete over a pending create discards both (the remote store
//     never saw the record)
//   - delete over pending updates discards them and queues the delete
//   - update/create over a pending entry replaces it; if the original
//     pending operation was create the collapsed entry stays a create
//     but carries the newest snapshot
//
// payload is the typed snapshot of the record's current local state;
// pass nil for deletes.
func (s *Store) Enqueue(ctx context.Context, table, recordID string, op Operation, payload any) error {
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to serialize payload: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, operation FROM sync_queue
		WHERE table_name = ? AND record_id = ?
		ORDER BY id ASC`, table, recordID)
	if err != nil {
		return fmt.Errorf("failed to query pending items: %w", err)
	}

	type pending struct {
		id int64
		op Operation
	}
	var existing []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.op); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan pending item: %w", err)
		}
		existing = append(existing, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("failed to read pending items: %w", err)
	}
	rows.Close()

	switch {
	case op == OpDelete && len(existing) > 0:
		hasCreate := false
		for _, p := range existing {
			if p.op == OpCreate {
				hasCreate = true
				break
			}
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM sync_queue WHERE table_name = ? AND record_id = ?`,
			table, recordID); err != nil {
			return fmt.Errorf("failed to discard pending items: %w", err)
		}
		if hasCreate {
			// The remote store never had this record; nothing to send.
			return tx.Commit()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sync_queue (table_name, record_id, operation, data)
			VALUES (?, ?, ?, NULL)`, table, recordID, OpDelete); err != nil {
			return fmt.Errorf("failed to enqueue delete: %w", err)
		}
		return tx.Commit()

	case (op == OpCreate || op == OpUpdate) && len(existing) > 0:
		// First pending operation decides whether the collapsed entry
		// stays a create: the remote store still does not have the row.
		finalOp := op
		if existing[0].op == OpCreate {
			finalOp = OpCreate
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM sync_queue WHERE table_name = ? AND record_id = ?`,
			table, recordID); err != nil {
			return fmt.Errorf("failed to discard pending items: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sync_queue (table_name, record_id, operation, data)
			VALUES (?, ?, ?, ?)`, table, recordID, finalOp, nullBytes(data)); err != nil {
			return fmt.Errorf("failed to enqueue collapsed item: %w", err)
		}
		return tx.Commit()

	default:
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sync_queue (table_name, record_id, operation, data)
			VALUES (?, ?, ?, ?)`, table, recordID, op, nullBytes(data)); err != nil {
			return fmt.Errorf("failed to enqueue item: %w", err)
		}
		return tx.Commit()
	}
}

// EligibleItems returns every outbox item still under the retry limit,
// in insertion order. Insertion order is the causal push order within a
// key; keys are otherwise independent.
func (s *Store) EligibleItems(ctx context.Context, maxRetry int) ([]QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, table_name, record_id, operation, data, created_at, retry_count, last_error
		FROM sync_queue WHERE retry_count < ? ORDER BY id ASC`, maxRetry)
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible items: %w", err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		var it QueueItem
		var data []byte
		if err := rows.Scan(&it.ID, &it.TableName, &it.RecordID, &it.Operation,
			&data, &it.CreatedAt, &it.RetryCount, &it.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		it.Data = data
		items = append(items, it)
	}
	return items, rows.Err()
}

// queueItemByID reloads one outbox row. The push loop re-reads each
// item right before sending it, because an earlier item's id-rename
// cascade may have rewritten later rows in place.
func (s *Store) queueItemByID(ctx context.Context, id int64) (*QueueItem, error) {
	var it QueueItem
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, table_name, record_id, operation, data, created_at, retry_count, last_error
		FROM sync_queue WHERE id = ?`, id).
		Scan(&it.ID, &it.TableName, &it.RecordID, &it.Operation,
			&data, &it.CreatedAt, &it.RetryCount, &it.LastError)
	if err != nil {
		return nil, err
	}
	it.Data = data
	return &it, nil
}

// QueueDepth counts items still under the retry limit.
func (s *Store) QueueDepth(ctx context.Context, maxRetry int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_queue WHERE retry_count < ?`, maxRetry).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue items: %w", err)
	}
	return n, nil
}

// RemoveQueueItem deletes an outbox row after a successful push.
func (s *Store) RemoveQueueItem(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove queue item: %w", err)
	}
	return nil
}

// MarkQueueError records a failed push attempt: the retry counter is
// incremented and the error text stored for inspection.
func (s *Store) MarkQueueError(ctx context.Context, id int64, message string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET retry_count = retry_count + 1, last_error = ?
		WHERE id = ?`, message, id); err != nil {
		return fmt.Errorf("failed to mark queue error: %w", err)
	}
	return nil
}

// CleanupFailed discards every item that exhausted its retries. This is
// an explicit caller-invoked operation so permanently-failed mutations
// stay visible until someone decides to drop them.
func (s *Store) CleanupFailed(ctx context.Context, maxRetry int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_queue WHERE retry_count >= ?`, maxRetry)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup failed items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleaned items: %w", err)
	}
	return n, nil
}

// FailedItems returns items that exhausted their retries, for surfacing
// before CleanupFailed discards them.
func (s *Store) FailedItems(ctx context.Context, maxRetry int) ([]QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, table_name, record_id, operation, data, created_at, retry_count, last_error
		FROM sync_queue WHERE retry_count >= ? ORDER BY id ASC`, maxRetry)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed items: %w", err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		var it QueueItem
		var data []byte
		if err := rows.Scan(&it.ID, &it.TableName, &it.RecordID, &it.Operation,
			&data, &it.CreatedAt, &it.RetryCount, &it.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		it.Data = data
		items = append(items, it)
	}
	return items, rows.Err()
}

// nullBytes maps an empty snapshot to NULL so delete entries keep a
// NULL data column.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
