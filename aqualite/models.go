// Copyright 2025 CNSChanasorn
// SPDX-License-Identifier: Apache-2.0

package aqualite

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// Table names used by the local store and the outbox. They match the
// remote collection names one-to-one.
const (
	TableUsers   = "users"
	TableRecords = "records"
	TableResults = "analysis_results"
)

// Record statuses. A pending row has a local edit that has not been
// pushed yet; a synced row mirrors the remote store.
const (
	StatusPending = "pending"
	StatusSynced  = "synced"
)

// Operation is an outbox mutation kind.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// User is a local profile row. Users carry no sync status; user writes
// are always pushed and never pruned by reconciliation.
type User struct {
	UserID   string
	Username string
	FullName string
	Email    string
	Phone    sql.NullString
	Avatar   sql.NullString
}

// Record is a collected specimen.
type Record struct {
	RecordID  string
	OwnerID   string
	Category  string
	Weight    float64
	Size      float64
	CreatedAt string
	Status    string
	ImageRef  sql.NullString
}

// AnalysisResult is a measurement derived from a Record.
type AnalysisResult struct {
	ResultID   string
	RecordID   string
	MetricA    float64
	MetricB    float64
	Grade      string
	AnalyzedAt string
	Status     string
}

// QueueItem is one pending outbox mutation. At most one effective item
// exists per (table_name, record_id); Enqueue collapses duplicates.
type QueueItem struct {
	ID         int64
	TableName  string
	RecordID   string
	Operation  Operation
	Data       []byte // serialized payload snapshot, nil for delete
	CreatedAt  string
	RetryCount int
	LastError  sql.NullString
}

// Typed outbox payloads, one schema per table. Keeping the snapshot
// typed lets the id-rename cascade pattern-match on shape instead of
// probing arbitrary JSON fields.

// RecordPayload is the outbox snapshot for a records mutation.
type RecordPayload struct {
	RecordID  string  `json:"record_id"`
	OwnerID   string  `json:"owner_id"`
	Category  string  `json:"category"`
	Weight    float64 `json:"weight"`
	Size      float64 `json:"size"`
	CreatedAt string  `json:"created_at"`
	ImageRef  *string `json:"image_ref"`
}

// ResultPayload is the outbox snapshot for an analysis_results mutation.
type ResultPayload struct {
	ResultID   string  `json:"result_id"`
	RecordID   string  `json:"record_id"`
	MetricA    float64 `json:"metric_a"`
	MetricB    float64 `json:"metric_b"`
	Grade      string  `json:"grade"`
	AnalyzedAt string  `json:"analyzed_at"`
}

// UserPayload is the outbox snapshot for a users mutation.
type UserPayload struct {
	UserID   string  `json:"user_id"`
	Username string  `json:"username"`
	FullName string  `json:"full_name"`
	Email    string  `json:"email"`
	Phone    *string `json:"phone"`
	Avatar   *string `json:"avatar"`
}

// decodePayload deserializes an outbox snapshot into its typed form
// for the given table.
func decodePayload(table string, data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	switch table {
	case TableRecords:
		var p RecordPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to decode record payload: %w", err)
		}
		return &p, nil
	case TableResults:
		var p ResultPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to decode result payload: %w", err)
		}
		return &p, nil
	case TableUsers:
		var p UserPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to decode user payload: %w", err)
		}
		return &p, nil
	default:
		return nil, fmt.Errorf("unknown outbox table: %s", table)
	}
}

// payloadFields flattens a typed payload into the field map sent to the
// remote store on upsert.
func payloadFields(payload any) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to flatten payload: %w", err)
	}
	return fields, nil
}

// nullable converts an optional string to its pointer form used in
// payloads (nil when empty).
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullToPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}
