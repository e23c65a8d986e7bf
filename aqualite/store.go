// Copyright 2025 CNSChanasorn
// SPDX-License-Identifier: Apache-2.0

// Package aqualite provides the offline-first client engine for
// aquascan: a SQLite-backed local store with a durable outbox queue, a
// single-flight push/pull sync engine, and an identifier-collision
// resolver that keeps record ids globally unique across devices.
package aqualite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// Store owns the local SQLite database: the four application tables and
// the sync_queue outbox. All multi-row mutations go through a single
// transaction so a failed batch leaves every table unchanged.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the local database at path, enables WAL and
// foreign-key enforcement, creates the schema, and applies the
// forward-only column migrations. Pass ":memory:" for tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers and keeps :memory:
	// databases from silently forking per connection.
	db.SetMaxOpenConns(1)

	if err := initializeSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for callers that need raw queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

func initializeSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id   TEXT PRIMARY KEY,
			username  TEXT NOT NULL UNIQUE,
			full_name TEXT NOT NULL,
			email     TEXT NOT NULL UNIQUE,
			phone     TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS records (
			record_id  TEXT PRIMARY KEY,
			owner_id   TEXT NOT NULL,
			category   TEXT NOT NULL,
			weight     REAL NOT NULL,
			size       REAL NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			status     TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','synced')),
			FOREIGN KEY (owner_id) REFERENCES users(user_id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS analysis_results (
			result_id   TEXT PRIMARY KEY,
			record_id   TEXT NOT NULL,
			metric_a    REAL NOT NULL,
			metric_b    REAL NOT NULL,
			grade       TEXT NOT NULL,
			analyzed_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			status      TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','synced')),
			FOREIGN KEY (record_id) REFERENCES records(record_id) ON DELETE CASCADE
		)`,

		// Durable outbox: coalesced to one effective row per
		// (table_name, record_id) by Enqueue.
		`CREATE TABLE IF NOT EXISTS sync_queue (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name  TEXT NOT NULL,
			record_id   TEXT NOT NULL,
			operation   TEXT NOT NULL CHECK (operation IN ('create','update','delete')),
			data        TEXT,
			created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error  TEXT
		)`,

		`CREATE INDEX IF NOT EXISTS idx_records_owner_id ON records(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_results_record_id ON analysis_results(record_id)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_key ON sync_queue(table_name, record_id)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	// Forward-only column additions, applied idempotently.
	if err := ensureColumn(db, "users", "avatar", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(db, "records", "image_ref", "TEXT"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if the table does not already carry it.
func ensureColumn(db *sql.DB, table, column, typ string) error {
	rows, err := db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	exists := false
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return fmt.Errorf("failed to scan table info: %w", err)
		}
		if name == column {
			exists = true
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read table info: %w", err)
	}
	rows.Close()

	if exists {
		return nil
	}
	if _, err := db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, typ)); err != nil {
		return fmt.Errorf("failed to add column %s.%s: %w", table, column, err)
	}
	return nil
}

// GetUser returns the user with the given id, or sql.ErrNoRows.
func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT user_id, username, full_name, email, phone, avatar
		FROM users WHERE user_id = ?`, userID))
}

// GetUserByEmail returns the user with the given email, or sql.ErrNoRows.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT user_id, username, full_name, email, phone, avatar
		FROM users WHERE email = ?`, email))
}

// GetUserByUsername returns the user with the given username, or sql.ErrNoRows.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT user_id, username, full_name, email, phone, avatar
		FROM users WHERE username = ?`, username))
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.UserID, &u.Username, &u.FullName, &u.Email, &u.Phone, &u.Avatar); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetRecord returns the record with the given id, or sql.ErrNoRows.
func (s *Store) GetRecord(ctx context.Context, recordID string) (*Record, error) {
	var r Record
	err := s.db.QueryRowContext(ctx, `
		SELECT record_id, owner_id, category, weight, size, created_at, status, image_ref
		FROM records WHERE record_id = ?`, recordID).
		Scan(&r.RecordID, &r.OwnerID, &r.Category, &r.Weight, &r.Size, &r.CreatedAt, &r.Status, &r.ImageRef)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// RecordsByOwner returns the owner's records, newest first.
func (s *Store) RecordsByOwner(ctx context.Context, ownerID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, owner_id, category, weight, size, created_at, status, image_ref
		FROM records WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.RecordID, &r.OwnerID, &r.Category, &r.Weight, &r.Size, &r.CreatedAt, &r.Status, &r.ImageRef); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetResult returns the analysis result with the given id, or sql.ErrNoRows.
func (s *Store) GetResult(ctx context.Context, resultID string) (*AnalysisResult, error) {
	var a AnalysisResult
	err := s.db.QueryRowContext(ctx, `
		SELECT result_id, record_id, metric_a, metric_b, grade, analyzed_at, status
		FROM analysis_results WHERE result_id = ?`, resultID).
		Scan(&a.ResultID, &a.RecordID, &a.MetricA, &a.MetricB, &a.Grade, &a.AnalyzedAt, &a.Status)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ResultByRecord returns the analysis result attached to a record, or
// sql.ErrNoRows when the record has none.
func (s *Store) ResultByRecord(ctx context.Context, recordID string) (*AnalysisResult, error) {
	var a AnalysisResult
	err := s.db.QueryRowContext(ctx, `
		SELECT result_id, record_id, metric_a, metric_b, grade, analyzed_at, status
		FROM analysis_results WHERE record_id = ?`, recordID).
		Scan(&a.ResultID, &a.RecordID, &a.MetricA, &a.MetricB, &a.Grade, &a.AnalyzedAt, &a.Status)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// markSynced flips a row's status after a successful push. Users carry
// no status column, so that table is a no-op.
func (s *Store) markSynced(ctx context.Context, table, recordID string) error {
	switch table {
	case TableRecords:
		_, err := s.db.ExecContext(ctx,
			`UPDATE records SET status = 'synced' WHERE record_id = ?`, recordID)
		return err
	case TableResults:
		_, err := s.db.ExecContext(ctx,
			`UPDATE analysis_results SET status = 'synced' WHERE result_id = ?`, recordID)
		return err
	case TableUsers:
		return nil
	default:
		return fmt.Errorf("unknown table: %s", table)
	}
}
