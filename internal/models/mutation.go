// Package models provides data model definitions for the Planbook sync core.
package models

import (
	"fmt"
	"time"
)

// MutationAction is the kind of change a queue entry carries.
type MutationAction string

const (
	ActionCreate MutationAction = "create"
	ActionUpdate MutationAction = "update"
	ActionDelete MutationAction = "delete"
)

// EntryStatus is the queue-level state of a mutation entry.
type EntryStatus string

const (
	// EntryStatusPending entries are eligible for the next sync cycle once
	// their backoff window has passed.
	EntryStatusPending EntryStatus = "pending"
	// EntryStatusExhausted entries have hit their retry limit. They stay in
	// the queue until the caller requeues or removes them.
	EntryStatusExhausted EntryStatus = "exhausted"
)

// MutationEntry is a durable, pending create/update/delete operation not yet
// acknowledged by the server. At most one live entry exists per record; a new
// local edit collapses into the existing entry instead of appending a second.
type MutationEntry struct {
	ID          string         `db:"id" json:"id"`
	Action      MutationAction `db:"action" json:"action"`
	Collection  Collection     `db:"collection" json:"collection"`
	RecordID    string         `db:"record_id" json:"record_id"`
	Payload     Payload        `db:"payload" json:"payload"` // snapshot at enqueue time
	BaseVersion int64          `db:"base_version" json:"base_version"`
	EnqueuedAt  int64          `db:"enqueued_at" json:"enqueued_at"`
	RetryCount  int            `db:"retry_count" json:"retry_count"`
	MaxRetries  int            `db:"max_retries" json:"max_retries"`
	NextRetryAt int64          `db:"next_retry_at" json:"next_retry_at"`
	Status      EntryStatus    `db:"status" json:"status"`
	LastError   string         `db:"last_error" json:"last_error,omitempty"`
	// Revision increments every time a newer mutation collapses into this
	// entry. A dequeue carries the revision it snapshotted, so an ack for an
	// older payload never removes an entry that has since changed.
	Revision int64 `db:"revision" json:"revision"`
}

// TableName returns the table name for MutationEntry.
func (MutationEntry) TableName() string {
	return "mutation_queue"
}

// NewEntryID derives a stable entry id from the target record and a monotonic
// counter. The id survives collapsing, so replaying the same entry after a
// crash or duplicate trigger carries the same idempotency key to the server.
func NewEntryID(collection Collection, recordID string, seq int64) string {
	return fmt.Sprintf("%s:%s:%d", collection, recordID, seq)
}

// EnqueuedAtTime returns EnqueuedAt as time.Time.
func (e *MutationEntry) EnqueuedAtTime() time.Time {
	return time.Unix(e.EnqueuedAt, 0)
}

// Exhausted reports whether the entry has used up its retries.
func (e *MutationEntry) Exhausted() bool {
	return e.Status == EntryStatusExhausted
}
