// Package conflict provides conflict detection and resolution for
// local-vs-server record divergence. Conflicts are resolved at the
// granularity of whole top-level fields; nested structures are compared and
// carried as opaque values.
package conflict

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/planbookhq/backend/internal/models"
)

// ServerState is the server's independent version of a record, as reported
// alongside a conflict response.
type ServerState struct {
	Payload   models.Payload
	Version   int64
	Timestamp int64
}

// Detect compares a local record against the server's current version of the
// same record and produces a structured diff. A field present on both sides
// with differing values is conflicting; a field present on only one side is
// not a conflict; that side's value simply carries into the merge candidate.
//
// Detect is pure: no side effects, and deterministic given its two inputs.
func Detect(local *models.Record, server ServerState) *models.ConflictRecord {
	conflicting := make([]string, 0)
	for field, localValue := range local.Payload {
		serverValue, ok := server.Payload[field]
		if !ok {
			continue
		}
		if !valuesEqual(localValue, serverValue) {
			conflicting = append(conflicting, field)
		}
	}
	sort.Strings(conflicting)

	return &models.ConflictRecord{
		ID:                local.ID,
		Collection:        local.Collection,
		LocalPayload:      local.Payload.Clone(),
		ServerPayload:     server.Payload.Clone(),
		LocalTimestamp:    local.LastModified,
		ServerTimestamp:   server.Timestamp,
		ServerVersion:     server.Version,
		ConflictingFields: conflicting,
		LocalDeleted:      local.IsDeleted,
	}
}

// valuesEqual compares two payload values through their canonical JSON
// encoding, so nested structures and numeric representations compare the way
// they round-trip through storage and the wire.
func valuesEqual(a, b any) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}
