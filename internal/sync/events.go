package sync

import "github.com/planbookhq/backend/internal/models"

// EventType identifies a sync lifecycle notification.
type EventType string

const (
	EventCycleStarted     EventType = "cycle_started"
	EventCycleCompleted   EventType = "cycle_completed"
	EventEntryAcked       EventType = "entry_acked"
	EventEntryRejected    EventType = "entry_rejected"
	EventRetryScheduled   EventType = "retry_scheduled"
	EventConflictDetected EventType = "conflict_detected"
	EventConflictResolved EventType = "conflict_resolved"
)

// Event is emitted synchronously during a sync cycle and on conflict
// resolution. Fields beyond Type are populated where they apply.
type Event struct {
	Type       EventType         `json:"type"`
	Collection models.Collection `json:"collection,omitempty"`
	RecordID   string            `json:"record_id,omitempty"`
	EntryID    string            `json:"entry_id,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	RetryCount int               `json:"retry_count,omitempty"`
	Result     *Result           `json:"result,omitempty"`
}

// EventHandler receives engine events. Handlers run on the sync goroutine
// and must not call back into the engine.
type EventHandler interface {
	HandleSyncEvent(Event)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(Event)

func (f EventHandlerFunc) HandleSyncEvent(ev Event) { f(ev) }
