package conflict

import (
	"time"

	apperrors "github.com/planbookhq/backend/internal/errors"
	"github.com/planbookhq/backend/internal/logging"
	"github.com/planbookhq/backend/internal/models"
)

// Strategy selects how a detected conflict is resolved.
type Strategy string

const (
	// StrategyUseLocal keeps the full local payload and re-syncs it as the
	// new canonical value.
	StrategyUseLocal Strategy = "local"
	// StrategyUseServer adopts the full server payload; no re-sync needed.
	StrategyUseServer Strategy = "server"
	// StrategyMerge resolves field by field: for each conflicting field the
	// side with the later timestamp wins; non-conflicting fields keep the
	// local value, since local is authoritative for edits the server never
	// saw. Optional overrides force specific field values.
	StrategyMerge Strategy = "merge"
)

// Resolve applies a resolution strategy to a conflict and produces the new
// record version. It is a pure function of its inputs (the clock only stamps
// the modification time), so identical inputs always produce an identical
// payload, which replays must reproduce byte for byte.
//
// The returned record's NeedsSync reports whether the caller must re-enqueue
// it: true for useLocal and merge, false for useServer.
func Resolve(c *models.ConflictRecord, strategy Strategy, overrides models.Payload, now time.Time) (*models.Record, error) {
	if c == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "conflict record is required")
	}

	rec := &models.Record{
		ID:         c.ID,
		Collection: c.Collection,
	}

	switch strategy {
	case StrategyUseLocal:
		rec.Payload = c.LocalPayload.Clone()
		// Strictly above the server's version so re-sync is accepted as the
		// new canonical value.
		rec.Version = c.ServerVersion + 1
		rec.LastModified = now.Unix()
		// A conflicted deletion stays a deletion; the tombstone re-syncs
		// instead of resurrecting the record as an update.
		rec.IsDeleted = c.LocalDeleted
		rec.NeedsSync = true

	case StrategyUseServer:
		rec.Payload = c.ServerPayload.Clone()
		rec.Version = c.ServerVersion
		rec.LastModified = c.ServerTimestamp
		rec.NeedsSync = false

	case StrategyMerge:
		rec.Payload = mergePayloads(c, overrides)
		rec.Version = c.ServerVersion + 1
		rec.LastModified = now.Unix()
		rec.NeedsSync = true

	default:
		return nil, apperrors.New(apperrors.ErrInvalid, "unknown resolution strategy: "+string(strategy))
	}

	logging.Info("Conflict resolved", map[string]interface{}{
		"collection":       string(c.Collection),
		"record_id":        c.ID,
		"strategy":         string(strategy),
		"local_timestamp":  c.LocalTimestamp,
		"server_timestamp": c.ServerTimestamp,
		"needs_sync":       rec.NeedsSync,
	})

	return rec, nil
}

// mergePayloads builds the merged payload: local values as the base, fields
// present only on the server carried over, conflicting fields decided by the
// later of the two timestamps (local wins ties), overrides applied last.
func mergePayloads(c *models.ConflictRecord, overrides models.Payload) models.Payload {
	merged := c.LocalPayload.Clone()
	if merged == nil {
		merged = models.Payload{}
	}

	for field, value := range c.ServerPayload {
		if _, ok := merged[field]; !ok {
			merged[field] = value
		}
	}

	serverWins := c.ServerTimestamp > c.LocalTimestamp
	for _, field := range c.ConflictingFields {
		if serverWins {
			merged[field] = c.ServerPayload[field]
		} else {
			merged[field] = c.LocalPayload[field]
		}
	}

	for field, value := range overrides {
		merged[field] = value
	}

	return merged
}
