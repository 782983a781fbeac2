// Package models provides data model definitions for the Planbook sync core.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Collection identifies a logical table of records. The sync core treats
// record payloads as opaque, so collections are just namespaces.
type Collection string

const (
	CollectionLessonPlans Collection = "lesson_plans"
	CollectionResources   Collection = "resources"
	CollectionStudents    Collection = "students"
)

// Payload is the domain-defined content of a record: field name to value.
type Payload map[string]any

// Clone returns a shallow copy of the payload. Nested values are shared;
// callers that mutate nested structures must copy them first.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Encode serializes the payload to canonical JSON. encoding/json emits map
// keys in sorted order, so equal payloads always encode to identical bytes.
func (p Payload) Encode() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}

// DecodePayload deserializes a payload from JSON.
func DecodePayload(data []byte) (Payload, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return p, nil
}

// Record is the unit of storage: a versioned, per-collection object.
type Record struct {
	ID           string          `db:"id" json:"id"`
	Collection   Collection      `db:"collection" json:"collection"`
	Payload      Payload         `db:"payload" json:"payload"`
	Version      int64           `db:"version" json:"version"`
	LastModified int64           `db:"last_modified" json:"last_modified"`
	IsDeleted    bool            `db:"is_deleted" json:"is_deleted"`
	NeedsSync    bool            `db:"needs_sync" json:"needs_sync"`
	Conflict     *ConflictRecord `db:"conflict_data" json:"conflict_data,omitempty"`
}

// TableName returns the table name for Record.
func (Record) TableName() string {
	return "records"
}

// Touch bumps the version and stamps the modification time.
func (r *Record) Touch(now time.Time) {
	r.LastModified = now.Unix()
	r.Version++
}

// InConflict reports whether the record is waiting on conflict resolution.
func (r *Record) InConflict() bool {
	return r.Conflict != nil
}

// LastModifiedTime returns LastModified as time.Time.
func (r *Record) LastModifiedTime() time.Time {
	return time.Unix(r.LastModified, 0)
}
