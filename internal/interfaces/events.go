package interfaces

import "context"

// EventType represents different event types on the in-process bus
type EventType string

const (
	// EventRunEventAppended fires for every event persisted to a run's
	// ledger. Payload is *models.Event. This is the stream broker's live
	// feed.
	EventRunEventAppended EventType = "run_event_appended"

	// EventRunStatusChanged fires on run status transitions.
	// Payload is map[string]interface{} with run_id and status.
	EventRunStatusChanged EventType = "run_status_changed"

	// EventJobQueued fires when worker jobs become visible for dispatch.
	// Payload is map[string]interface{} with run_id and job_ids.
	EventJobQueued EventType = "job_queued"

	// EventJobStatusChanged fires on worker job status transitions.
	// Payload is map[string]interface{} with job_id, run_id and status.
	EventJobStatusChanged EventType = "job_status_changed"

	// EventAppStatusChanged fires when the service-level state moves
	// between idle and running. Payload is map[string]interface{} with
	// state and metadata.
	EventAppStatusChanged EventType = "app_status_changed"
)

// Event represents a system event on the bus
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages the in-process pub/sub event bus
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Unsubscribe from an event type
	Unsubscribe(eventType EventType, handler EventHandler) error

	// Publish an event to all subscribers
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
