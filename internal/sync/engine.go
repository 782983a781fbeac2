// Package sync implements the coordinator that drains the mutation queue
// against the remote API, routes server responses to the right outcome
// (apply, retry, conflict, reject) and exposes the local mutation surface
// used by the rest of the application.
package sync

import (
	"context"
	"database/sql"
	stdsync "sync"
	"time"

	"github.com/planbookhq/backend/internal/db"
	apperrors "github.com/planbookhq/backend/internal/errors"
	"github.com/planbookhq/backend/internal/logging"
	"github.com/planbookhq/backend/internal/models"
	"github.com/planbookhq/backend/internal/network"
	"github.com/planbookhq/backend/internal/remote"
	"github.com/planbookhq/backend/internal/store"
	"github.com/planbookhq/backend/internal/sync/conflict"
	"github.com/planbookhq/backend/internal/sync/queue"
	"github.com/planbookhq/backend/internal/uuid"
)

// Config holds engine tunables.
type Config struct {
	// ApplyTimeout bounds a single remote delivery. Defaults to 30 seconds.
	ApplyTimeout time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{ApplyTimeout: 30 * time.Second}
}

// FatalError describes a server-rejected mutation surfaced to the caller.
type FatalError struct {
	EntryID    string            `json:"entry_id"`
	Collection models.Collection `json:"collection"`
	RecordID   string            `json:"record_id"`
	Reason     string            `json:"reason"`
}

// Result summarizes one sync cycle.
type Result struct {
	Applied   int           `json:"applied"`
	Conflicts int           `json:"conflicts"`
	Transient int           `json:"transient"`
	Fatal     []FatalError  `json:"fatal,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Engine is the sync coordinator. All local mutations flow through it so the
// store and the queue stay consistent; Sync drains the queue against the
// remote API. At most one cycle runs at a time.
type Engine struct {
	db      *db.DB
	store   *store.Store
	queue   *queue.Queue
	remote  remote.API
	network network.Monitor
	cfg     *Config
	handler EventHandler
	now     func() time.Time

	mu         stdsync.Mutex
	syncing    bool
	lastResult *Result
}

// New creates an engine. The database handle is the one the store and queue
// were built on; mutations span both and commit in a single transaction.
// cfg may be nil for defaults.
func New(database *db.DB, st *store.Store, q *queue.Queue, api remote.API, mon network.Monitor, cfg *Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 30 * time.Second
	}
	return &Engine{
		db:      database,
		store:   st,
		queue:   q,
		remote:  api,
		network: mon,
		cfg:     cfg,
		now:     time.Now,
	}
}

// SetEventHandler installs the sink for lifecycle events. Must be called
// before the first cycle; events are delivered on the syncing goroutine.
func (e *Engine) SetEventHandler(h EventHandler) {
	e.handler = h
}

func (e *Engine) emit(ev Event) {
	if e.handler != nil {
		e.handler.HandleSyncEvent(ev)
	}
}

// Create stores a new record and enqueues its creation. An empty id gets a
// generated one. The record is immediately visible to reads.
func (e *Engine) Create(collection models.Collection, id string, payload models.Payload) (*models.Record, error) {
	if id == "" {
		id = uuid.New()
	}
	if existing, err := e.store.Get(collection, id); err == nil && !existing.IsDeleted {
		return nil, apperrors.New(apperrors.ErrInvalid, "record already exists")
	} else if err != nil && !apperrors.IsNotFound(err) {
		return nil, err
	}

	rec := &models.Record{
		ID:           id,
		Collection:   collection,
		Payload:      payload.Clone(),
		Version:      1,
		LastModified: e.now().Unix(),
		NeedsSync:    true,
	}
	err := e.db.WithTx(func(tx *sql.Tx) error {
		if err := e.store.PutTx(tx, rec); err != nil {
			return err
		}
		_, err := e.queue.EnqueueTx(tx, models.ActionCreate, collection, id, rec.Payload, 0)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Update applies a full payload replacement to an existing record and
// enqueues it. Records with an unresolved conflict reject further writes.
func (e *Engine) Update(collection models.Collection, id string, payload models.Payload) (*models.Record, error) {
	rec, err := e.store.Get(collection, id)
	if err != nil {
		return nil, err
	}
	if rec.IsDeleted {
		return nil, apperrors.New(apperrors.ErrNotFound, "record is deleted")
	}
	if rec.InConflict() {
		return nil, apperrors.New(apperrors.ErrSyncUnresolved, "record has an unresolved conflict")
	}

	baseVersion := rec.Version
	rec.Payload = payload.Clone()
	rec.Touch(e.now())
	rec.NeedsSync = true
	err = e.db.WithTx(func(tx *sql.Tx) error {
		if err := e.store.PutTx(tx, rec); err != nil {
			return err
		}
		_, err := e.queue.EnqueueTx(tx, models.ActionUpdate, collection, id, rec.Payload, baseVersion)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete tombstones a record and enqueues the deletion. The physical row is
// purged once the server acknowledges it.
func (e *Engine) Delete(collection models.Collection, id string) error {
	rec, err := e.store.Get(collection, id)
	if err != nil {
		return err
	}
	if rec.IsDeleted {
		return apperrors.New(apperrors.ErrNotFound, "record is deleted")
	}
	if rec.InConflict() {
		return apperrors.New(apperrors.ErrSyncUnresolved, "record has an unresolved conflict")
	}

	baseVersion := rec.Version
	rec.IsDeleted = true
	rec.Touch(e.now())
	rec.NeedsSync = true
	return e.db.WithTx(func(tx *sql.Tx) error {
		if err := e.store.PutTx(tx, rec); err != nil {
			return err
		}
		_, err := e.queue.EnqueueTx(tx, models.ActionDelete, collection, id, nil, baseVersion)
		return err
	})
}

// Get returns a live record.
func (e *Engine) Get(collection models.Collection, id string) (*models.Record, error) {
	rec, err := e.store.Get(collection, id)
	if err != nil {
		return nil, err
	}
	if rec.IsDeleted {
		return nil, apperrors.New(apperrors.ErrNotFound, "record is deleted")
	}
	return rec, nil
}

// List returns all live records in a collection.
func (e *Engine) List(collection models.Collection) ([]*models.Record, error) {
	return e.store.GetAll(collection)
}

// Sync drains the entries currently due and delivers them in order. It is a
// no-op returning (nil, nil) when offline or when a cycle is already running.
// Per-entry failures never abort the cycle; the returned Result counts them.
func (e *Engine) Sync(ctx context.Context) (*Result, error) {
	if !e.network.Online() {
		logging.Debug("sync skipped, network offline")
		return nil, nil
	}
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return nil, nil
	}
	e.syncing = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.mu.Unlock()
	}()

	started := e.now()
	entries, err := e.queue.ListPending()
	if err != nil {
		return nil, err
	}

	res := &Result{}
	e.emit(Event{Type: EventCycleStarted})
	logging.Info("sync cycle started", map[string]interface{}{"pending": len(entries)})

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		e.applyEntry(ctx, entry, res)
	}

	if res.Applied > 0 || len(entries) == 0 {
		if err := e.store.SetLastSyncTime(e.now()); err != nil {
			logging.Error("failed to record last sync time", err)
		}
	}

	res.Duration = e.now().Sub(started)
	e.mu.Lock()
	e.lastResult = res
	e.mu.Unlock()

	e.emit(Event{Type: EventCycleCompleted, Result: res})
	logging.Info("sync cycle completed", map[string]interface{}{
		"applied":   res.Applied,
		"conflicts": res.Conflicts,
		"transient": res.Transient,
		"fatal":     len(res.Fatal),
	})
	return res, ctx.Err()
}

func (e *Engine) applyEntry(ctx context.Context, entry *models.MutationEntry, res *Result) {
	applyCtx, cancel := context.WithTimeout(ctx, e.cfg.ApplyTimeout)
	outcome, err := e.remote.Apply(applyCtx, entry)
	cancel()
	if err != nil {
		e.handleTransient(entry, err.Error(), res)
		return
	}

	switch outcome.Status {
	case remote.StatusAck:
		e.handleAck(entry, outcome, res)
	case remote.StatusConflict:
		e.handleConflict(entry, outcome, res)
	case remote.StatusTransient:
		e.handleTransient(entry, outcome.Reason, res)
	case remote.StatusFatal:
		e.handleFatal(entry, outcome, res)
	default:
		e.handleTransient(entry, "unrecognized remote status", res)
	}
}

func (e *Engine) handleAck(entry *models.MutationEntry, outcome *remote.Result, res *Result) {
	// Dequeue and record confirmation commit together, and only if the
	// entry is still the snapshot that was delivered. An edit that collapsed
	// in while the delivery was in flight keeps its entry and its dirty
	// record, and goes out on the next cycle.
	superseded := false
	err := e.db.WithTx(func(tx *sql.Tx) error {
		removed, err := e.queue.RemoveIfUnchangedTx(tx, entry.ID, entry.Revision)
		if err != nil {
			return err
		}
		if !removed {
			superseded = true
			return nil
		}

		if entry.Action == models.ActionDelete {
			if err := e.store.DeleteTx(tx, entry.Collection, entry.RecordID); err != nil && !apperrors.IsNotFound(err) {
				return err
			}
			return nil
		}

		rec, err := e.store.GetTx(tx, entry.Collection, entry.RecordID)
		if err != nil {
			return err
		}
		rec.Version = outcome.Version
		rec.LastModified = outcome.Timestamp
		rec.NeedsSync = false
		return e.store.PutTx(tx, rec)
	})
	if err != nil {
		logging.Error("failed to confirm acked entry", err, map[string]interface{}{"entry_id": entry.ID})
		return
	}
	if superseded {
		logging.Debug("ack was for a superseded snapshot, newer mutation stays queued", map[string]interface{}{
			"entry_id": entry.ID,
		})
		return
	}

	res.Applied++
	e.emit(Event{
		Type:       EventEntryAcked,
		Collection: entry.Collection,
		RecordID:   entry.RecordID,
		EntryID:    entry.ID,
	})
}

func (e *Engine) handleConflict(entry *models.MutationEntry, outcome *remote.Result, res *Result) {
	// Same guard as handleAck: a conflict against a superseded snapshot is
	// not parked; the collapsed entry re-delivers the newer payload and the
	// server gets to judge that one instead.
	superseded := false
	var rec *models.Record
	err := e.db.WithTx(func(tx *sql.Tx) error {
		removed, err := e.queue.RemoveIfUnchangedTx(tx, entry.ID, entry.Revision)
		if err != nil {
			return err
		}
		if !removed {
			superseded = true
			return nil
		}

		rec, err = e.store.GetTx(tx, entry.Collection, entry.RecordID)
		if err != nil {
			return err
		}
		rec.Conflict = conflict.Detect(rec, conflict.ServerState{
			Payload:   outcome.ServerPayload,
			Version:   outcome.ServerVersion,
			Timestamp: outcome.ServerTimestamp,
		})
		rec.NeedsSync = false
		return e.store.PutTx(tx, rec)
	})
	if err != nil {
		logging.Error("failed to store conflict", err, map[string]interface{}{"record_id": entry.RecordID})
		return
	}
	if superseded {
		logging.Debug("conflict was against a superseded snapshot, newer mutation stays queued", map[string]interface{}{
			"entry_id": entry.ID,
		})
		return
	}

	res.Conflicts++
	e.emit(Event{
		Type:       EventConflictDetected,
		Collection: entry.Collection,
		RecordID:   entry.RecordID,
		EntryID:    entry.ID,
	})
	logging.Warn("conflict detected", map[string]interface{}{
		"collection": string(entry.Collection),
		"record_id":  entry.RecordID,
		"fields":     rec.Conflict.ConflictingFields,
	})
}

func (e *Engine) handleTransient(entry *models.MutationEntry, reason string, res *Result) {
	exhausted, err := e.queue.MarkFailed(entry.ID, apperrors.New(apperrors.ErrSyncTransient, reason))
	if err != nil {
		logging.Error("failed to schedule retry", err, map[string]interface{}{"entry_id": entry.ID})
		return
	}
	res.Transient++
	e.emit(Event{
		Type:       EventRetryScheduled,
		Collection: entry.Collection,
		RecordID:   entry.RecordID,
		EntryID:    entry.ID,
		Reason:     reason,
		RetryCount: entry.RetryCount + 1,
	})
	if exhausted {
		logging.ErrorWithCode("mutation retries exhausted", string(apperrors.ErrSyncExhausted), nil, map[string]interface{}{
			"entry_id":  entry.ID,
			"record_id": entry.RecordID,
		})
	}
}

func (e *Engine) handleFatal(entry *models.MutationEntry, outcome *remote.Result, res *Result) {
	removed, err := e.queue.RemoveIfUnchanged(entry.ID, entry.Revision)
	if err != nil {
		logging.Error("failed to dequeue rejected entry", err, map[string]interface{}{"entry_id": entry.ID})
		return
	}
	if !removed {
		logging.Debug("rejection was for a superseded snapshot, newer mutation stays queued", map[string]interface{}{
			"entry_id": entry.ID,
		})
		return
	}
	// The record keeps needs_sync set: the divergence stays visible even
	// though no replay is scheduled.
	res.Fatal = append(res.Fatal, FatalError{
		EntryID:    entry.ID,
		Collection: entry.Collection,
		RecordID:   entry.RecordID,
		Reason:     outcome.Reason,
	})
	e.emit(Event{
		Type:       EventEntryRejected,
		Collection: entry.Collection,
		RecordID:   entry.RecordID,
		EntryID:    entry.ID,
		Reason:     outcome.Reason,
	})
	logging.ErrorWithCode("mutation rejected by server", string(apperrors.ErrSyncRejected), nil, map[string]interface{}{
		"entry_id":  entry.ID,
		"record_id": entry.RecordID,
		"reason":    outcome.Reason,
	})
}

// ResolveConflict applies a resolution strategy to a conflicted record. For
// local and merge outcomes the result is re-enqueued based on the server
// version; for the server outcome any pending entry is discarded.
func (e *Engine) ResolveConflict(collection models.Collection, id string, strategy conflict.Strategy, overrides models.Payload) (*models.Record, error) {
	rec, err := e.store.Get(collection, id)
	if err != nil {
		return nil, err
	}
	if !rec.InConflict() {
		return nil, apperrors.New(apperrors.ErrInvalid, "record has no conflict to resolve")
	}

	resolved, err := conflict.Resolve(rec.Conflict, strategy, overrides, e.now())
	if err != nil {
		return nil, err
	}
	serverVersion := rec.Conflict.ServerVersion
	err = e.db.WithTx(func(tx *sql.Tx) error {
		if err := e.store.PutTx(tx, resolved); err != nil {
			return err
		}
		if !resolved.NeedsSync {
			return e.queue.RemoveByRecordTx(tx, collection, id)
		}
		action := models.ActionUpdate
		payload := resolved.Payload
		if resolved.IsDeleted {
			action = models.ActionDelete
			payload = nil
		}
		_, err := e.queue.EnqueueTx(tx, action, collection, id, payload, serverVersion)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.emit(Event{
		Type:       EventConflictResolved,
		Collection: collection,
		RecordID:   id,
		Reason:     string(strategy),
	})
	return resolved, nil
}

// Conflicts returns the records waiting on resolution.
func (e *Engine) Conflicts() ([]*models.Record, error) {
	return e.store.ListConflicted()
}

// PendingCount returns the number of live queue entries.
func (e *Engine) PendingCount() (int, error) {
	return e.queue.Count()
}

// QueueStats returns the queue breakdown.
func (e *Engine) QueueStats() (*queue.Stats, error) {
	return e.queue.GetStats()
}

// RetryExhausted re-arms entries that ran out of retries.
func (e *Engine) RetryExhausted() (int, error) {
	return e.queue.RetryExhausted()
}

// LastSyncTime returns the completion time of the last cycle that made
// progress, if any.
func (e *Engine) LastSyncTime() (time.Time, bool, error) {
	return e.store.LastSyncTime()
}

// Syncing reports whether a cycle is currently running.
func (e *Engine) Syncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

// LastResult returns the summary of the most recent cycle, if one ran.
func (e *Engine) LastResult() *Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastResult
}

// Online reports the network monitor's current state.
func (e *Engine) Online() bool {
	return e.network.Online()
}
