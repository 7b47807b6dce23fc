// -----------------------------------------------------------------------
// Event - One immutable fact in a run's event log
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"strings"
	"time"

	"encoding/json"
)

// Persisted run-event types. The ledger stores these; the stream delivers
// them. Heartbeats are a stream-level frame and are never persisted.
const (
	EventRunStarted   = "run.started"
	EventRunWaiting   = "run.waiting"
	EventRunDeferred  = "run.deferred"
	EventRunResumed   = "run.resumed"
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"

	EventStepStarted   = "step.started"
	EventStepCompleted = "step.completed"

	EventJobSpawned   = "job.spawned"
	EventJobStarted   = "job.started"
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
	EventJobTimeout   = "job.timeout"

	EventBarrierCreated  = "barrier.created"
	EventBarrierReset    = "barrier.reset"
	EventBarrierResuming = "barrier.resuming"
	EventBarrierFailed   = "barrier.failed"

	EventTokenDelta = "token.delta"
	EventToolResult = "tool.result"

	EventContinuationTriggered = "continuation.triggered"
	EventError                 = "error"
)

// tokenEventPrefix groups the high-frequency incremental event types that
// include_tokens=false filters out of replay and live delivery.
const tokenEventPrefix = "token."

// IsTokenEventType returns true for high-volume incremental event types
func IsTokenEventType(eventType string) bool {
	return strings.HasPrefix(eventType, tokenEventPrefix)
}

// IsTerminalEventType returns true for the event types that end a run's
// stream (the run reached a terminal status).
func IsTerminalEventType(eventType string) bool {
	return eventType == EventRunCompleted || eventType == EventRunFailed
}

// Event is one immutable fact in the event log. ID is a per-run sequence:
// strictly increasing for a given run under arbitrary concurrent appenders.
// Events are never mutated; they are deleted only by cascading run deletion.
type Event struct {
	Key       string          `json:"-" badgerhold:"key"` // <runID>_%020d, orders replay scans
	ID        uint64          `json:"id"`
	RunID     string          `json:"run_id" badgerhold:"index"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventKey builds the composite storage key for an event
func EventKey(runID string, id uint64) string {
	return fmt.Sprintf("%s_%020d", runID, id)
}

// NewEvent creates an event row for an already-assigned id. Payload must be
// pre-marshaled; id assignment and insertion happen in one transaction in
// the storage layer.
func NewEvent(runID string, id uint64, eventType string, payload json.RawMessage) *Event {
	return &Event{
		Key:       EventKey(runID, id),
		ID:        id,
		RunID:     runID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// EventSeq is the per-run id counter row, bumped inside the same
// transaction that inserts the event it numbers.
type EventSeq struct {
	RunID string `json:"run_id" badgerhold:"key"`
	Next  uint64 `json:"next"`
}
