// Package models provides data model definitions for the Planbook sync core.
package models

import "time"

// ConflictRecord captures a local-vs-server divergence for one record. It is
// created by the conflict detector when the server reports an independent
// version, and destroyed by the resolver once a strategy has been applied.
type ConflictRecord struct {
	ID              string     `db:"id" json:"id"`
	Collection      Collection `db:"collection" json:"collection"`
	LocalPayload    Payload    `db:"local_payload" json:"local_payload"`
	ServerPayload   Payload    `db:"server_payload" json:"server_payload"`
	LocalTimestamp  int64      `db:"local_timestamp" json:"local_timestamp"`
	ServerTimestamp int64      `db:"server_timestamp" json:"server_timestamp"`
	ServerVersion   int64      `db:"server_version" json:"server_version"`
	// ConflictingFields holds, in sorted order, the names of fields present
	// on both sides with differing values at detection time.
	ConflictingFields []string `db:"conflicting_fields" json:"conflicting_fields"`
	// LocalDeleted records that the local intent was a deletion, so keeping
	// the local side at resolution time re-syncs the delete instead of
	// resurrecting the record as an update.
	LocalDeleted bool `db:"local_deleted" json:"local_deleted,omitempty"`
}

// LocalTime returns the local modification timestamp as time.Time.
func (c *ConflictRecord) LocalTime() time.Time {
	return time.Unix(c.LocalTimestamp, 0)
}

// ServerTime returns the server modification timestamp as time.Time.
func (c *ConflictRecord) ServerTime() time.Time {
	return time.Unix(c.ServerTimestamp, 0)
}
