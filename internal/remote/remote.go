// Package remote defines the contract with the server-side sync collaborator.
// The sync coordinator makes no assumption about transport; any implementation
// of API (HTTP, WebSocket, in-process test double) can serve it.
package remote

import (
	"context"

	"github.com/planbookhq/backend/internal/models"
)

// Status classifies the outcome of delivering one mutation entry.
type Status int

const (
	// StatusAck: the server applied the mutation. Version and Timestamp
	// carry the server-confirmed values.
	StatusAck Status = iota
	// StatusConflict: the server holds its own independent version of the
	// record. ServerPayload/ServerVersion/ServerTimestamp describe it.
	StatusConflict
	// StatusTransient: network, timeout or 5xx-class failure; the entry
	// stays queued and is retried with backoff.
	StatusTransient
	// StatusFatal: validation or other non-conflict rejection; the entry is
	// not retried. Reason carries the server's explanation.
	StatusFatal
)

// String returns a readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusAck:
		return "ack"
	case StatusConflict:
		return "conflict"
	case StatusTransient:
		return "transient"
	case StatusFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Result is the server's response to one mutation entry.
type Result struct {
	Status Status

	// Ack fields
	Version   int64
	Timestamp int64

	// Conflict fields
	ServerPayload   models.Payload
	ServerVersion   int64
	ServerTimestamp int64

	// Fatal fields
	Reason string
}

// API is the sole network-facing contract of the sync core. Apply delivers
// one mutation entry; repeated deliveries of the same entry id must be
// treated as no-ops by the server, which is what makes crash-replay safe.
//
// A non-nil error means the delivery outcome is unknown (transport failure)
// and is treated as transient by the coordinator.
type API interface {
	Apply(ctx context.Context, entry *models.MutationEntry) (*Result, error)
}
