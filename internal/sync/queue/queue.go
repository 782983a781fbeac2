// Package queue provides the durable mutation queue: an ordered list of
// pending create/update/delete operations not yet acknowledged by the server,
// with exponential backoff and retry bookkeeping.
package queue

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/planbookhq/backend/internal/db"
	apperrors "github.com/planbookhq/backend/internal/errors"
	"github.com/planbookhq/backend/internal/logging"
	"github.com/planbookhq/backend/internal/models"
)

const metaSequenceKey = "mutation_seq"

// Config holds queue tuning parameters.
type Config struct {
	MaxRetries  int           // retries before an entry is marked exhausted
	BackoffBase time.Duration // first retry delay; doubles per retry
	BackoffCap  time.Duration // upper bound on the retry delay
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:  5,
		BackoffBase: 30 * time.Second,
		BackoffCap:  time.Hour,
	}
}

// Queue manages pending mutation entries, persisted in SQLite so queued
// offline work survives restarts.
type Queue struct {
	db  *db.DB
	cfg Config
	now func() time.Time
}

// New creates a Queue on an opened, migrated database. A nil config uses
// defaults; a nil clock uses time.Now.
func New(database *db.DB, cfg *Config, clock func() time.Time) *Queue {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Queue{db: database, cfg: *cfg, now: clock}
}

// Enqueue records a mutation for a target record. If the record already has a
// pending entry, the new mutation collapses into it: the payload snapshot and
// timestamp are replaced, retry bookkeeping resets, and the entry id is kept
// so replays carry the same idempotency key. A fresh entry gets an id derived
// from the target record and a monotonic counter.
func (q *Queue) Enqueue(action models.MutationAction, collection models.Collection, recordID string,
	payload models.Payload, baseVersion int64) (*models.MutationEntry, error) {

	tx, err := q.db.Begin()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to begin enqueue transaction", err)
	}
	defer tx.Rollback()

	entry, err := q.EnqueueTx(tx, action, collection, recordID, payload, baseVersion)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to commit enqueue", err)
	}
	return entry, nil
}

// EnqueueTx is Enqueue inside a caller-owned transaction, so the record
// write and its queue entry can land atomically.
func (q *Queue) EnqueueTx(tx *sql.Tx, action models.MutationAction, collection models.Collection,
	recordID string, payload models.Payload, baseVersion int64) (*models.MutationEntry, error) {

	if recordID == "" || collection == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "mutation requires collection and record id")
	}

	encoded, err := payload.Encode()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "mutation payload is not serializable", err)
	}

	now := q.now().Unix()

	existing, err := q.getByRecordTx(tx, collection, recordID)
	if err != nil && !apperrors.IsNotFound(err) {
		return nil, err
	}

	var entry *models.MutationEntry
	if existing != nil {
		entry = existing
		entry.Action = collapseAction(existing.Action, action)
		entry.Payload = payload
		entry.BaseVersion = baseVersion
		entry.EnqueuedAt = now
		entry.RetryCount = 0
		entry.NextRetryAt = 0
		entry.Status = models.EntryStatusPending
		entry.LastError = ""
		entry.Revision++

		_, err = tx.Exec(`
			UPDATE mutation_queue
			SET action = ?, payload = ?, base_version = ?, enqueued_at = ?,
			    retry_count = 0, next_retry_at = 0, status = ?, last_error = '',
			    revision = revision + 1
			WHERE id = ?`,
			entry.Action, string(encoded), entry.BaseVersion, entry.EnqueuedAt,
			entry.Status, entry.ID)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to collapse queue entry", err)
		}

		logging.Debug("Collapsed mutation into pending entry", map[string]interface{}{
			"entry_id": entry.ID,
			"action":   string(entry.Action),
		})
	} else {
		seq, err := nextSequenceTx(tx)
		if err != nil {
			return nil, err
		}

		entry = &models.MutationEntry{
			ID:          models.NewEntryID(collection, recordID, seq),
			Action:      action,
			Collection:  collection,
			RecordID:    recordID,
			Payload:     payload,
			BaseVersion: baseVersion,
			EnqueuedAt:  now,
			MaxRetries:  q.cfg.MaxRetries,
			Status:      models.EntryStatusPending,
		}

		_, err = tx.Exec(`
			INSERT INTO mutation_queue
				(id, collection, record_id, action, payload, base_version, enqueued_at,
				 retry_count, max_retries, next_retry_at, status, last_error)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, 0, ?, '')`,
			entry.ID, entry.Collection, entry.RecordID, entry.Action, string(encoded),
			entry.BaseVersion, entry.EnqueuedAt, entry.MaxRetries, entry.Status)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to enqueue mutation", err)
		}

		logging.Debug("Enqueued mutation", map[string]interface{}{
			"entry_id": entry.ID,
			"action":   string(entry.Action),
		})
	}

	return entry, nil
}

// collapseAction combines a pending action with a newer one for the same
// record. A record the server has never seen must stay a create; a create
// after a pending delete becomes an update, since the server may still hold
// the old row.
func collapseAction(pending, next models.MutationAction) models.MutationAction {
	switch {
	case pending == models.ActionCreate && next == models.ActionUpdate:
		return models.ActionCreate
	case pending == models.ActionDelete && next == models.ActionCreate:
		return models.ActionUpdate
	default:
		return next
	}
}

// ListPending returns entries eligible for a sync cycle: pending status with
// their backoff window elapsed, in enqueue order.
func (q *Queue) ListPending() ([]*models.MutationEntry, error) {
	now := q.now().Unix()
	rows, err := q.db.Query(`
		SELECT id, collection, record_id, action, payload, base_version, enqueued_at,
		       retry_count, max_retries, next_retry_at, status, last_error, revision
		FROM mutation_queue
		WHERE status = ? AND next_retry_at <= ?
		ORDER BY enqueued_at, id`,
		models.EntryStatusPending, now)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to list pending entries", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// List returns every entry in the queue, including scheduled and exhausted
// ones, in enqueue order.
func (q *Queue) List() ([]*models.MutationEntry, error) {
	rows, err := q.db.Query(`
		SELECT id, collection, record_id, action, payload, base_version, enqueued_at,
		       retry_count, max_retries, next_retry_at, status, last_error, revision
		FROM mutation_queue
		ORDER BY enqueued_at, id`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to list queue entries", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Get returns an entry by id.
func (q *Queue) Get(entryID string) (*models.MutationEntry, error) {
	row := q.db.QueryRow(`
		SELECT id, collection, record_id, action, payload, base_version, enqueued_at,
		       retry_count, max_retries, next_retry_at, status, last_error, revision
		FROM mutation_queue WHERE id = ?`, entryID)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("queue entry %s not found", entryID))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read queue entry", err)
	}
	return entry, nil
}

// GetByRecord returns the live entry targeting a record, if any.
func (q *Queue) GetByRecord(collection models.Collection, recordID string) (*models.MutationEntry, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to begin read transaction", err)
	}
	defer tx.Rollback()
	return q.getByRecordTx(tx, collection, recordID)
}

func (q *Queue) getByRecordTx(tx *sql.Tx, collection models.Collection, recordID string) (*models.MutationEntry, error) {
	row := tx.QueryRow(`
		SELECT id, collection, record_id, action, payload, base_version, enqueued_at,
		       retry_count, max_retries, next_retry_at, status, last_error, revision
		FROM mutation_queue WHERE collection = ? AND record_id = ?`,
		collection, recordID)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound,
			fmt.Sprintf("no queue entry for %s/%s", collection, recordID))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read queue entry", err)
	}
	return entry, nil
}

// Remove deletes an entry from the queue.
func (q *Queue) Remove(entryID string) error {
	res, err := q.db.Exec("DELETE FROM mutation_queue WHERE id = ?", entryID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to remove queue entry", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("queue entry %s not found", entryID))
	}
	return nil
}

// RemoveIfUnchanged deletes an entry only if its revision still matches the
// given snapshot. It reports false when the entry has been collapsed into (or
// removed) since the snapshot was taken; the live entry is left untouched so
// the newer mutation still reaches the server.
func (q *Queue) RemoveIfUnchanged(entryID string, revision int64) (bool, error) {
	return q.removeIfUnchanged(q.db, entryID, revision)
}

// RemoveIfUnchangedTx is RemoveIfUnchanged inside a caller-owned transaction.
func (q *Queue) RemoveIfUnchangedTx(tx *sql.Tx, entryID string, revision int64) (bool, error) {
	return q.removeIfUnchanged(tx, entryID, revision)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (q *Queue) removeIfUnchanged(e execer, entryID string, revision int64) (bool, error) {
	res, err := e.Exec("DELETE FROM mutation_queue WHERE id = ? AND revision = ?",
		entryID, revision)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrStorage, "failed to remove queue entry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrStorage, "failed to confirm entry removal", err)
	}
	return n > 0, nil
}

// RemoveByRecord deletes the live entry targeting a record, if one exists.
// Removing a record with no pending entry is not an error.
func (q *Queue) RemoveByRecord(collection models.Collection, recordID string) error {
	_, err := q.db.Exec("DELETE FROM mutation_queue WHERE collection = ? AND record_id = ?",
		collection, recordID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to remove queue entry", err)
	}
	return nil
}

// RemoveByRecordTx is RemoveByRecord inside a caller-owned transaction.
func (q *Queue) RemoveByRecordTx(tx *sql.Tx, collection models.Collection, recordID string) error {
	_, err := tx.Exec("DELETE FROM mutation_queue WHERE collection = ? AND record_id = ?",
		collection, recordID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to remove queue entry", err)
	}
	return nil
}

// MarkFailed records a failed delivery attempt: the retry count increments
// and the next attempt is scheduled with exponential backoff. Once the retry
// limit is reached the entry is marked exhausted but stays in the queue;
// pending work is never silently dropped.
func (q *Queue) MarkFailed(entryID string, cause error) (exhausted bool, err error) {
	entry, err := q.Get(entryID)
	if err != nil {
		return false, err
	}

	entry.RetryCount++
	entry.LastError = cause.Error()

	if entry.RetryCount >= entry.MaxRetries {
		entry.Status = models.EntryStatusExhausted
		entry.NextRetryAt = 0
	} else {
		delay := backoffDelay(entry.RetryCount, q.cfg.BackoffBase, q.cfg.BackoffCap)
		entry.NextRetryAt = q.now().Add(delay).Unix()
	}

	_, err = q.db.Exec(`
		UPDATE mutation_queue
		SET retry_count = ?, next_retry_at = ?, status = ?, last_error = ?
		WHERE id = ?`,
		entry.RetryCount, entry.NextRetryAt, entry.Status, entry.LastError, entry.ID)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrStorage, "failed to mark entry failed", err)
	}

	if entry.Exhausted() {
		logging.Warn("Queue entry exhausted retries", map[string]interface{}{
			"entry_id":    entry.ID,
			"retry_count": entry.RetryCount,
			"last_error":  entry.LastError,
		})
		return true, nil
	}

	logging.Debug("Queue entry scheduled for retry", map[string]interface{}{
		"entry_id":      entry.ID,
		"retry_count":   entry.RetryCount,
		"next_retry_at": entry.NextRetryAt,
	})
	return false, nil
}

// backoffDelay computes the exponential backoff delay for a retry attempt.
func backoffDelay(retryCount int, base, cap time.Duration) time.Duration {
	delay := base << uint(retryCount-1)
	if delay > cap || delay <= 0 {
		delay = cap
	}
	return delay
}

// RetryExhausted resets exhausted entries to pending with a clean retry
// budget. Returns the number of entries requeued.
func (q *Queue) RetryExhausted() (int, error) {
	res, err := q.db.Exec(`
		UPDATE mutation_queue
		SET status = ?, retry_count = 0, next_retry_at = 0, last_error = ''
		WHERE status = ?`,
		models.EntryStatusPending, models.EntryStatusExhausted)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to requeue exhausted entries", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to count requeued entries", err)
	}
	if n > 0 {
		logging.Info("Requeued exhausted entries", map[string]interface{}{"count": n})
	}
	return int(n), nil
}

// Count returns the total number of queued entries.
func (q *Queue) Count() (int, error) {
	var count int
	if err := q.db.QueryRow("SELECT COUNT(*) FROM mutation_queue").Scan(&count); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to count queue entries", err)
	}
	return count, nil
}

// Stats summarizes the queue by delivery state.
type Stats struct {
	Total     int `json:"total"`
	Ready     int `json:"ready"`     // pending, backoff elapsed
	Scheduled int `json:"scheduled"` // pending, waiting out backoff
	Exhausted int `json:"exhausted"`
}

// GetStats returns queue statistics.
func (q *Queue) GetStats() (*Stats, error) {
	entries, err := q.List()
	if err != nil {
		return nil, err
	}

	now := q.now().Unix()
	stats := &Stats{Total: len(entries)}
	for _, entry := range entries {
		switch {
		case entry.Exhausted():
			stats.Exhausted++
		case entry.NextRetryAt > now:
			stats.Scheduled++
		default:
			stats.Ready++
		}
	}
	return stats, nil
}

// nextSequenceTx increments and returns the monotonic entry counter.
func nextSequenceTx(tx *sql.Tx) (int64, error) {
	var value string
	err := tx.QueryRow("SELECT value FROM sync_meta WHERE key = ?", metaSequenceKey).Scan(&value)
	if err != nil && err != sql.ErrNoRows {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to read mutation counter", err)
	}

	var seq int64
	if err == nil {
		seq, err = strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, apperrors.Wrap(apperrors.ErrStorage, "corrupt mutation counter", err)
		}
	}
	seq++

	_, err = tx.Exec(`
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		metaSequenceKey, strconv.FormatInt(seq, 10))
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to advance mutation counter", err)
	}
	return seq, nil
}

func scanEntries(rows *sql.Rows) ([]*models.MutationEntry, error) {
	var entries []*models.MutationEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to scan queue entry", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to iterate queue entries", err)
	}
	return entries, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*models.MutationEntry, error) {
	var entry models.MutationEntry
	var payload sql.NullString

	err := row.Scan(&entry.ID, &entry.Collection, &entry.RecordID, &entry.Action,
		&payload, &entry.BaseVersion, &entry.EnqueuedAt, &entry.RetryCount,
		&entry.MaxRetries, &entry.NextRetryAt, &entry.Status, &entry.LastError,
		&entry.Revision)
	if err != nil {
		return nil, err
	}

	if payload.Valid {
		entry.Payload, err = models.DecodePayload([]byte(payload.String))
		if err != nil {
			return nil, err
		}
	}
	return &entry, nil
}
