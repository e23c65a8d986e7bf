// Copyright 2025 CNSChanasorn
// SPDX-License-Identifier: Apache-2.0

package aqualite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Engine orchestrates synchronization: it drains the outbox to the
// remote store when online (push), then pulls the remote state back
// into the local store (pull/reconcile). ProcessQueue is guarded
// against concurrent re-entry; a late caller observes the queue depth
// without starting new work.
type Engine struct {
	store    *Store
	remote   RemoteStore
	monitor  Monitor
	resolver *IDResolver
	logger   *slog.Logger
	config   *Config

	// In-flight switches owned by this engine instance, not process
	// globals, so independent engines (and tests) never share state.
	syncing int32
	pulling int32
}

// Config holds engine tuning.
type Config struct {
	// MaxRetries is the per-item push attempt budget. Items at or past
	// it are excluded from batches until CleanupFailedItems discards
	// them.
	MaxRetries int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config {
	return &Config{MaxRetries: 5}
}

// Summary reports the outcome of one drain cycle.
type Summary struct {
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

// NewEngine creates a sync engine over the given collaborators.
func NewEngine(store *Store, remote RemoteStore, monitor Monitor, config *Config, logger *slog.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if remote == nil {
		return nil, fmt.Errorf("remote store cannot be nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("network monitor cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxRetries <= 0 {
		return nil, fmt.Errorf("config.MaxRetries must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		remote:   remote,
		monitor:  monitor,
		resolver: NewIDResolver(store, remote, logger),
		logger:   logger,
		config:   config,
	}, nil
}

// collectionFor maps a local table to its remote collection. The names
// coincide today; the indirection keeps the wire contract explicit.
func collectionFor(table string) string {
	return table
}

// ProcessQueue runs one push/pull cycle:
//
//  1. bail out if a cycle is already in flight (reporting queue depth)
//  2. bail out when offline (reporting queue depth)
//  3. push every eligible outbox item in insertion order; failures are
//     isolated per item and recorded on the row
//  4. pull-reconcile, even when nothing was pushed or some pushes
//     failed, so this device still converges on remote state
func (e *Engine) ProcessQueue(ctx context.Context) (Summary, error) {
	if !atomic.CompareAndSwapInt32(&e.syncing, 0, 1) {
		remaining, err := e.QueueDepth(ctx)
		if err != nil {
			return Summary{}, err
		}
		return Summary{Remaining: remaining}, nil
	}
	defer atomic.StoreInt32(&e.syncing, 0)

	if !e.monitor.Online(ctx) {
		remaining, err := e.QueueDepth(ctx)
		if err != nil {
			return Summary{}, err
		}
		return Summary{Remaining: remaining}, nil
	}

	items, err := e.store.EligibleItems(ctx, e.config.MaxRetries)
	if err != nil {
		return Summary{}, err
	}

	// Nothing to push: still pull, so devices with no local writes
	// receive remote updates.
	if len(items) == 0 {
		if err := e.pullReconcile(ctx); err != nil {
			return Summary{}, fmt.Errorf("pull after empty batch failed: %w", err)
		}
		return Summary{}, nil
	}

	var summary Summary
	for i := range items {
		// Re-read the row: a rename cascade from an earlier item may
		// have rewritten this one since the batch was loaded.
		item, err := e.store.queueItemByID(ctx, items[i].ID)
		if errors.Is(err, sql.ErrNoRows) {
			// The row was collapsed by a concurrent enqueue after the
			// batch was loaded; whatever superseded it is already
			// queued, so skip without counting a failure.
			continue
		}
		if err != nil {
			return summary, fmt.Errorf("failed to reload queue item: %w", err)
		}
		if err := e.pushItem(ctx, item); err != nil {
			summary.Failed++
			if mErr := e.store.MarkQueueError(ctx, item.ID, err.Error()); mErr != nil {
				return summary, fmt.Errorf("failed to record push error: %w", mErr)
			}
			e.logger.Warn("push failed",
				"table", item.TableName, "record_id", item.RecordID,
				"op", item.Operation, "error", err)
			continue
		}
		if err := e.store.RemoveQueueItem(ctx, item.ID); err != nil {
			return summary, err
		}
		if err := e.store.markSynced(ctx, item.TableName, item.RecordID); err != nil {
			return summary, err
		}
		summary.Synced++
	}

	if err := e.pullReconcile(ctx); err != nil {
		return summary, fmt.Errorf("pull after push batch failed: %w", err)
	}

	remaining, err := e.QueueDepth(ctx)
	if err != nil {
		return summary, err
	}
	summary.Remaining = remaining

	e.logger.Info("sync complete",
		"synced", summary.Synced, "failed", summary.Failed, "remaining", summary.Remaining)
	return summary, nil
}

// pushItem sends one outbox item to the remote store. For record
// creates it first resolves identifier collisions, cascading any rename
// through the local store before the push.
func (e *Engine) pushItem(ctx context.Context, item *QueueItem) error {
	collection := collectionFor(item.TableName)

	switch item.Operation {
	case OpCreate, OpUpdate:
		payload, err := decodePayload(item.TableName, item.Data)
		if err != nil {
			return err
		}

		if item.TableName == TableRecords && item.Operation == OpCreate {
			// The record's own local row exists by now, so only a
			// remote hit means another device claimed the id.
			if e.resolver.IsIDTakenRemotely(ctx, item.RecordID) {
				uniqueID, err := e.resolver.ResolveUniqueID(ctx, item.RecordID)
				if errors.Is(err, ErrCollisionUnresolved) {
					e.logger.Warn("id collision unresolved, pushing last candidate",
						"record_id", item.RecordID, "candidate", uniqueID)
				} else if err != nil {
					return err
				}
				if uniqueID != item.RecordID {
					if err := e.store.RenameRecordID(ctx, item.RecordID, uniqueID); err != nil {
						return err
					}
					item.RecordID = uniqueID
					if p, ok := payload.(*RecordPayload); ok {
						p.RecordID = uniqueID
					}
				}
			}
		}

		fields := map[string]any{}
		if payload != nil {
			fields, err = payloadFields(payload)
			if err != nil {
				return err
			}
		}
		fields["status"] = StatusSynced
		return e.remote.Upsert(ctx, collection, item.RecordID, fields)

	case OpDelete:
		return e.remote.Delete(ctx, collection, item.RecordID)

	default:
		return fmt.Errorf("unknown operation: %s", item.Operation)
	}
}

// SyncFromRemote runs a pull-only reconciliation, guarded by its own
// in-flight switch so a pull and a full cycle never race each other's
// transactions. Offline or already-pulling calls are no-ops.
func (e *Engine) SyncFromRemote(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.pulling, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&e.pulling, 0)

	if !e.monitor.Online(ctx) {
		return nil
	}
	return e.pullReconcile(ctx)
}

// QueueDepth counts outbox items still eligible for pushing.
func (e *Engine) QueueDepth(ctx context.Context) (int, error) {
	return e.store.QueueDepth(ctx, e.config.MaxRetries)
}

// CleanupFailedItems discards outbox items that exhausted their
// retries. Explicitly caller-invoked so the failures can be surfaced
// (via FailedItems) before being dropped.
func (e *Engine) CleanupFailedItems(ctx context.Context) (int64, error) {
	return e.store.CleanupFailed(ctx, e.config.MaxRetries)
}

// FailedItems lists outbox items that exhausted their retries.
func (e *Engine) FailedItems(ctx context.Context) ([]QueueItem, error) {
	return e.store.FailedItems(ctx, e.config.MaxRetries)
}
