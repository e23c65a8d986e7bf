// Copyright 2025 CNSChanasorn
// SPDX-License-Identifier: Apache-2.0

package aqualite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// pullReconcile fetches the remote store's current state for users,
// records, and analysis results and merges it into the local store in
// one transaction. Locally-pending rows always win over the remote
// read; locally-synced rows absent from the remote set are pruned. Any
// failure rolls the whole pull back, leaving the local store exactly as
// it was.
func (e *Engine) pullReconcile(ctx context.Context) error {
	// Network fetches stay outside the SQLite transaction.
	userDocs, err := e.scanCollection(ctx, TableUsers, "")
	if err != nil {
		return fmt.Errorf("failed to scan users: %w", err)
	}
	recordDocs, err := e.scanCollection(ctx, TableRecords, "created_at")
	if err != nil {
		return fmt.Errorf("failed to scan records: %w", err)
	}
	resultDocs, err := e.scanCollection(ctx, TableResults, "analyzed_at")
	if err != nil {
		return fmt.Errorf("failed to scan analysis results: %w", err)
	}

	tx, err := e.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range userDocs {
		if err := applyRemoteUser(ctx, tx, &userDocs[i]); err != nil {
			return err
		}
	}

	recordIDs, err := applyRemoteRecords(ctx, tx, recordDocs)
	if err != nil {
		return err
	}
	resultIDs, err := applyRemoteResults(ctx, tx, resultDocs)
	if err != nil {
		return err
	}

	if err := pruneRecords(ctx, tx, recordIDs); err != nil {
		return err
	}
	if err := pruneResults(ctx, tx, resultIDs); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pull: %w", err)
	}
	return nil
}

// scanCollection lists a remote collection, falling back to an
// unordered scan plus client-side sort when the store rejects the
// ordered one (e.g. a missing index).
func (e *Engine) scanCollection(ctx context.Context, collection, orderBy string) ([]Document, error) {
	docs, err := e.remote.Scan(ctx, collection, orderBy)
	if orderBy != "" && errors.Is(err, ErrOrderByUnsupported) {
		e.logger.Warn("remote store rejected ordered scan, sorting client-side",
			"collection", collection, "order_by", orderBy)
		docs, err = e.remote.Scan(ctx, collection, "")
		if err != nil {
			return nil, err
		}
		sort.SliceStable(docs, func(i, j int) bool {
			return docString(docs[i].Fields, orderBy, "") < docString(docs[j].Fields, orderBy, "")
		})
		return docs, nil
	}
	return docs, err
}

func applyRemoteUser(ctx context.Context, tx *sql.Tx, doc *Document) error {
	userID := docString(doc.Fields, "user_id", doc.ID)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO users (user_id, username, full_name, email, phone, avatar)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			username  = excluded.username,
			full_name = excluded.full_name,
			email     = excluded.email,
			phone     = excluded.phone,
			avatar    = excluded.avatar`,
		userID,
		docString(doc.Fields, "username", "user_"+userID),
		docString(doc.Fields, "full_name", "user_"+userID),
		docString(doc.Fields, "email", userID+"@placeholder.local"),
		docOptString(doc.Fields, "phone"),
		docOptString(doc.Fields, "avatar"),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", userID, err)
	}
	return nil
}

// ensureUserRow inserts a minimal stand-in profile so records from a
// user whose own profile never reached this device still satisfy the
// foreign key.
func ensureUserRow(ctx context.Context, tx *sql.Tx, userID string) error {
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM users WHERE user_id = ?)`, userID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check user %s: %w", userID, err)
	}
	if exists {
		return nil
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (user_id, username, full_name, email, phone, avatar)
		VALUES (?, ?, ?, ?, NULL, NULL)`,
		userID, "user_"+userID, "user_"+userID, userID+"@placeholder.local")
	if err != nil {
		return fmt.Errorf("failed to insert stand-in user %s: %w", userID, err)
	}
	return nil
}

func applyRemoteRecords(ctx context.Context, tx *sql.Tx, docs []Document) ([]string, error) {
	var kept []string
	for i := range docs {
		doc := &docs[i]
		recordID := docString(doc.Fields, "record_id", doc.ID)
		ownerID := docString(doc.Fields, "owner_id", "")
		if ownerID == "" {
			continue
		}
		if err := ensureUserRow(ctx, tx, ownerID); err != nil {
			return nil, err
		}
		kept = append(kept, recordID)

		// A locally-pending row has an unpushed edit in flight; it wins
		// over this (possibly stale) remote read.
		var status string
		err := tx.QueryRowContext(ctx, `
			SELECT status FROM records WHERE record_id = ?`, recordID).Scan(&status)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to check record %s: %w", recordID, err)
		}
		if err == nil && status == StatusPending {
			continue
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO records (record_id, owner_id, category, weight, size, created_at, status, image_ref)
			VALUES (?, ?, ?, ?, ?, ?, 'synced', ?)
			ON CONFLICT(record_id) DO UPDATE SET
				owner_id   = excluded.owner_id,
				category   = excluded.category,
				weight     = excluded.weight,
				size       = excluded.size,
				created_at = excluded.created_at,
				status     = excluded.status,
				image_ref  = excluded.image_ref`,
			recordID,
			ownerID,
			docString(doc.Fields, "category", "-"),
			docFloat(doc.Fields, "weight"),
			docFloat(doc.Fields, "size"),
			docString(doc.Fields, "created_at", time.Now().UTC().Format(time.RFC3339)),
			docOptString(doc.Fields, "image_ref"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert record %s: %w", recordID, err)
		}
	}
	return kept, nil
}

func applyRemoteResults(ctx context.Context, tx *sql.Tx, docs []Document) ([]string, error) {
	var kept []string
	for i := range docs {
		doc := &docs[i]
		resultID := docString(doc.Fields, "result_id", doc.ID)
		recordID := docString(doc.Fields, "record_id", "")
		if recordID == "" {
			continue
		}

		// Orphaned results are dropped: the referenced record must
		// exist locally after the record pass.
		var hasRecord bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM records WHERE record_id = ?)`, recordID).Scan(&hasRecord)
		if err != nil {
			return nil, fmt.Errorf("failed to check record for result %s: %w", resultID, err)
		}
		if !hasRecord {
			continue
		}
		kept = append(kept, resultID)

		var status string
		err = tx.QueryRowContext(ctx, `
			SELECT status FROM analysis_results WHERE result_id = ?`, resultID).Scan(&status)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to check result %s: %w", resultID, err)
		}
		if err == nil && status == StatusPending {
			continue
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO analysis_results (result_id, record_id, metric_a, metric_b, grade, analyzed_at, status)
			VALUES (?, ?, ?, ?, ?, ?, 'synced')
			ON CONFLICT(result_id) DO UPDATE SET
				record_id   = excluded.record_id,
				metric_a    = excluded.metric_a,
				metric_b    = excluded.metric_b,
				grade       = excluded.grade,
				analyzed_at = excluded.analyzed_at,
				status      = excluded.status`,
			resultID,
			recordID,
			docFloat(doc.Fields, "metric_a"),
			docFloat(doc.Fields, "metric_b"),
			docString(doc.Fields, "grade", "-"),
			docString(doc.Fields, "analyzed_at", time.Now().UTC().Format(time.RFC3339)),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert result %s: %w", resultID, err)
		}
	}
	return kept, nil
}

// pruneRecords deletes locally-synced records absent from the remote
// set, except where a pending analysis result still references the
// record: pruning must never orphan a not-yet-pushed result.
func pruneRecords(ctx context.Context, tx *sql.Tx, remoteIDs []string) error {
	const pendingGuard = `NOT EXISTS (
		SELECT 1 FROM analysis_results ar
		WHERE ar.record_id = records.record_id AND ar.status = 'pending')`

	if len(remoteIDs) == 0 {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE status = 'synced' AND `+pendingGuard)
		if err != nil {
			return fmt.Errorf("failed to prune records: %w", err)
		}
		return nil
	}

	query := fmt.Sprintf(
		`DELETE FROM records WHERE status = 'synced' AND record_id NOT IN (%s) AND `+pendingGuard,
		placeholders(len(remoteIDs)))
	_, err := tx.ExecContext(ctx, query, toArgs(remoteIDs)...)
	if err != nil {
		return fmt.Errorf("failed to prune records: %w", err)
	}
	return nil
}

func pruneResults(ctx context.Context, tx *sql.Tx, remoteIDs []string) error {
	if len(remoteIDs) == 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM analysis_results WHERE status = 'synced'`); err != nil {
			return fmt.Errorf("failed to prune results: %w", err)
		}
		return nil
	}

	query := fmt.Sprintf(
		`DELETE FROM analysis_results WHERE status = 'synced' AND result_id NOT IN (%s)`,
		placeholders(len(remoteIDs)))
	if _, err := tx.ExecContext(ctx, query, toArgs(remoteIDs)...); err != nil {
		return fmt.Errorf("failed to prune results: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
