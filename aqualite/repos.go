// Copyright 2025 CNSChanasorn
// SPDX-License-Identifier: Apache-2.0

package aqualite

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Repositories bundles the UI-facing write layer. Every mutation writes
// the local store first (authoritative for the UI), enqueues the
// corresponding outbox entry, then kicks off a best-effort drain.
type Repositories struct {
	Records *RecordRepo
	Results *ResultRepo
	Users   *UserRepo
}

// NewRepositories creates the three repositories over a shared store
// and engine.
func NewRepositories(store *Store, engine *Engine, logger *slog.Logger) *Repositories {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repositories{
		Records: &RecordRepo{store: store, engine: engine, logger: logger},
		Results: &ResultRepo{store: store, engine: engine, logger: logger},
		Users:   &UserRepo{store: store, engine: engine, logger: logger},
	}
}

func drain(engine *Engine, logger *slog.Logger) {
	go func() {
		if _, err := engine.ProcessQueue(context.Background()); err != nil {
			logger.Warn("background drain failed", "error", err)
		}
	}()
}

// RecordRepo manages collected specimens.
type RecordRepo struct {
	store  *Store
	engine *Engine
	logger *slog.Logger
}

// AddRecordParams are the inputs for RecordRepo.Add. RecordID,
// CreatedAt and ImageRef are optional; a missing RecordID is minted as
// a UUID.
type AddRecordParams struct {
	OwnerID  string
	Category string
	Weight   float64
	Size     float64

	RecordID  string
	CreatedAt string
	ImageRef  string
}

// Add stores a new record locally with status pending, enqueues its
// creation, and triggers a drain. Returns the record id.
func (r *RecordRepo) Add(ctx context.Context, p AddRecordParams) (string, error) {
	recordID := p.RecordID
	if recordID == "" {
		recordID = uuid.NewString()
	}
	createdAt := p.CreatedAt
	if createdAt == "" {
		createdAt = time.Now().UTC().Format(time.RFC3339)
	}

	_, err := r.store.db.ExecContext(ctx, `
		INSERT INTO records (record_id, owner_id, category, weight, size, created_at, status, image_ref)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)`,
		recordID, p.OwnerID, p.Category, p.Weight, p.Size, createdAt, nilIfEmpty(p.ImageRef))
	if err != nil {
		return "", fmt.Errorf("failed to insert record: %w", err)
	}

	err = r.store.Enqueue(ctx, TableRecords, recordID, OpCreate, &RecordPayload{
		RecordID:  recordID,
		OwnerID:   p.OwnerID,
		Category:  p.Category,
		Weight:    p.Weight,
		Size:      p.Size,
		CreatedAt: createdAt,
		ImageRef:  nullable(p.ImageRef),
	})
	if err != nil {
		return "", err
	}

	drain(r.engine, r.logger)
	return recordID, nil
}

// UpdateRecordParams are the inputs for RecordRepo.Update. Empty
// CreatedAt/ImageRef keep the stored values.
type UpdateRecordParams struct {
	Category  string
	Weight    float64
	Size      float64
	CreatedAt string
	ImageRef  string
}

// Update edits a record locally (flipping it back to pending) and
// enqueues the newest snapshot, collapsing against any pending entry.
func (r *RecordRepo) Update(ctx context.Context, recordID string, p UpdateRecordParams) error {
	current, err := r.store.GetRecord(ctx, recordID)
	if err != nil {
		return fmt.Errorf("failed to load record %s: %w", recordID, err)
	}

	createdAt := p.CreatedAt
	if createdAt == "" {
		createdAt = current.CreatedAt
	}
	imageRef := p.ImageRef
	if imageRef == "" && current.ImageRef.Valid {
		imageRef = current.ImageRef.String
	}

	_, err = r.store.db.ExecContext(ctx, `
		UPDATE records
		SET category = ?, weight = ?, size = ?, created_at = ?, image_ref = ?, status = 'pending'
		WHERE record_id = ?`,
		p.Category, p.Weight, p.Size, createdAt, nilIfEmpty(imageRef), recordID)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}

	err = r.store.Enqueue(ctx, TableRecords, recordID, OpUpdate, &RecordPayload{
		RecordID:  recordID,
		OwnerID:   current.OwnerID,
		Category:  p.Category,
		Weight:    p.Weight,
		Size:      p.Size,
		CreatedAt: createdAt,
		ImageRef:  nullable(imageRef),
	})
	if err != nil {
		return err
	}

	drain(r.engine, r.logger)
	return nil
}

// Delete removes the record locally (cascading to its results) and
// enqueues the delete. If a create for the same id was still pending,
// the outbox collapses to nothing.
func (r *RecordRepo) Delete(ctx context.Context, recordID string) error {
	if _, err := r.store.db.ExecContext(ctx,
		`DELETE FROM records WHERE record_id = ?`, recordID); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if err := r.store.Enqueue(ctx, TableRecords, recordID, OpDelete, nil); err != nil {
		return err
	}
	drain(r.engine, r.logger)
	return nil
}

// Get returns one record.
func (r *RecordRepo) Get(ctx context.Context, recordID string) (*Record, error) {
	return r.store.GetRecord(ctx, recordID)
}

// ListByOwner returns the owner's records, newest first.
func (r *RecordRepo) ListByOwner(ctx context.Context, ownerID string) ([]Record, error) {
	return r.store.RecordsByOwner(ctx, ownerID)
}

// ResultRepo manages derived analysis results.
type ResultRepo struct {
	store  *Store
	engine *Engine
	logger *slog.Logger
}

// Add stores a new analysis result for a record and enqueues it.
func (r *ResultRepo) Add(ctx context.Context, recordID string, metricA, metricB float64, grade string) (string, error) {
	resultID := uuid.NewString()
	analyzedAt := time.Now().UTC().Format(time.RFC3339)

	_, err := r.store.db.ExecContext(ctx, `
		INSERT INTO analysis_results (result_id, record_id, metric_a, metric_b, grade, analyzed_at, status)
		VALUES (?, ?, ?, ?, ?, ?, 'pending')`,
		resultID, recordID, metricA, metricB, grade, analyzedAt)
	if err != nil {
		return "", fmt.Errorf("failed to insert result: %w", err)
	}

	err = r.store.Enqueue(ctx, TableResults, resultID, OpCreate, &ResultPayload{
		ResultID:   resultID,
		RecordID:   recordID,
		MetricA:    metricA,
		MetricB:    metricB,
		Grade:      grade,
		AnalyzedAt: analyzedAt,
	})
	if err != nil {
		return "", err
	}

	drain(r.engine, r.logger)
	return resultID, nil
}

// Delete removes a result locally and enqueues the delete.
func (r *ResultRepo) Delete(ctx context.Context, resultID string) error {
	if _, err := r.store.db.ExecContext(ctx,
		`DELETE FROM analysis_results WHERE result_id = ?`, resultID); err != nil {
		return fmt.Errorf("failed to delete result: %w", err)
	}
	if err := r.store.Enqueue(ctx, TableResults, resultID, OpDelete, nil); err != nil {
		return err
	}
	drain(r.engine, r.logger)
	return nil
}

// GetByRecord returns the result attached to a record.
func (r *ResultRepo) GetByRecord(ctx context.Context, recordID string) (*AnalysisResult, error) {
	return r.store.ResultByRecord(ctx, recordID)
}

// ResultWithRecord is a result joined with fields of its record, for
// history views.
type ResultWithRecord struct {
	AnalysisResult
	Category string
	Weight   float64
	Size     float64
	ImageRef *string
}

// ListByOwner returns the owner's results joined with their records,
// newest analysis first.
func (r *ResultRepo) ListByOwner(ctx context.Context, ownerID string) ([]ResultWithRecord, error) {
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT ar.result_id, ar.record_id, ar.metric_a, ar.metric_b, ar.grade, ar.analyzed_at, ar.status,
		       rec.category, rec.weight, rec.size, rec.image_ref
		FROM analysis_results ar
		JOIN records rec ON ar.record_id = rec.record_id
		WHERE rec.owner_id = ?
		ORDER BY ar.analyzed_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var out []ResultWithRecord
	for rows.Next() {
		var rw ResultWithRecord
		var imageRef *string
		if err := rows.Scan(&rw.ResultID, &rw.RecordID, &rw.MetricA, &rw.MetricB,
			&rw.Grade, &rw.AnalyzedAt, &rw.Status,
			&rw.Category, &rw.Weight, &rw.Size, &imageRef); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		rw.ImageRef = imageRef
		out = append(out, rw)
	}
	return out, rows.Err()
}

// UserRepo manages local profiles. User writes go through the outbox
// like every other mutation; they are always pushed and never pruned by
// reconciliation.
type UserRepo struct {
	store  *Store
	engine *Engine
	logger *slog.Logger
}

// Create stores a new profile and enqueues its creation.
func (r *UserRepo) Create(ctx context.Context, userID, username, fullName, email, phone, avatar string) error {
	_, err := r.store.db.ExecContext(ctx, `
		INSERT INTO users (user_id, username, full_name, email, phone, avatar)
		VALUES (?, ?, ?, ?, ?, ?)`,
		userID, username, fullName, email, nilIfEmpty(phone), nilIfEmpty(avatar))
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}

	err = r.store.Enqueue(ctx, TableUsers, userID, OpCreate, &UserPayload{
		UserID:   userID,
		Username: username,
		FullName: fullName,
		Email:    email,
		Phone:    nullable(phone),
		Avatar:   nullable(avatar),
	})
	if err != nil {
		return err
	}

	drain(r.engine, r.logger)
	return nil
}

// Update edits profile fields and enqueues the newest snapshot.
func (r *UserRepo) Update(ctx context.Context, userID, fullName, phone, avatar string) error {
	current, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load user %s: %w", userID, err)
	}

	_, err = r.store.db.ExecContext(ctx, `
		UPDATE users SET full_name = ?, phone = ?, avatar = ? WHERE user_id = ?`,
		fullName, nilIfEmpty(phone), nilIfEmpty(avatar), userID)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}

	err = r.store.Enqueue(ctx, TableUsers, userID, OpUpdate, &UserPayload{
		UserID:   userID,
		Username: current.Username,
		FullName: fullName,
		Email:    current.Email,
		Phone:    nullable(phone),
		Avatar:   nullable(avatar),
	})
	if err != nil {
		return err
	}

	drain(r.engine, r.logger)
	return nil
}

// UpdateAvatar replaces only the avatar reference.
func (r *UserRepo) UpdateAvatar(ctx context.Context, userID, avatar string) error {
	current, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load user %s: %w", userID, err)
	}

	_, err = r.store.db.ExecContext(ctx,
		`UPDATE users SET avatar = ? WHERE user_id = ?`, avatar, userID)
	if err != nil {
		return fmt.Errorf("failed to update avatar: %w", err)
	}

	err = r.store.Enqueue(ctx, TableUsers, userID, OpUpdate, &UserPayload{
		UserID:   userID,
		Username: current.Username,
		FullName: current.FullName,
		Email:    current.Email,
		Phone:    nullToPtr(current.Phone),
		Avatar:   nullable(avatar),
	})
	if err != nil {
		return err
	}

	drain(r.engine, r.logger)
	return nil
}

// Get returns one profile by id.
func (r *UserRepo) Get(ctx context.Context, userID string) (*User, error) {
	return r.store.GetUser(ctx, userID)
}

// GetByEmail returns one profile by email.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*User, error) {
	return r.store.GetUserByEmail(ctx, email)
}

// GetByUsername returns one profile by username.
func (r *UserRepo) GetByUsername(ctx context.Context, username string) (*User, error) {
	return r.store.GetUserByUsername(ctx, username)
}

// nilIfEmpty maps "" to NULL for optional columns.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
