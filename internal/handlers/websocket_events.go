package handlers

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/converge/internal/common"
	"github.com/ternarybob/converge/internal/interfaces"
	"github.com/ternarybob/converge/internal/models"
)

// EventSubscriber bridges the bus onto the WebSocket: run events, run and
// job status transitions, and service state changes, with config-driven
// filtering and throttling
type EventSubscriber struct {
	handler       *WebSocketHandler
	eventService  interfaces.EventService
	logger        arbor.ILogger
	allowedEvents map[string]bool          // Whitelist of events to broadcast (empty = allow all)
	throttlers    map[string]*rate.Limiter // Rate limiters for high-frequency events
	config        *common.WebSocketConfig
}

// NewEventSubscriber creates and initializes an event subscriber
// Automatically subscribes to all run lifecycle events with config-driven filtering and throttling
func NewEventSubscriber(handler *WebSocketHandler, eventService interfaces.EventService, logger arbor.ILogger, config *common.WebSocketConfig) *EventSubscriber {
	s := &EventSubscriber{
		handler:      handler,
		eventService: eventService,
		logger:       logger,
		config:       config,
	}

	// Initialize allowedEvents map (whitelist pattern)
	// Empty list means allow all events
	s.allowedEvents = make(map[string]bool)
	if config != nil && len(config.AllowedEvents) > 0 {
		for _, eventType := range config.AllowedEvents {
			s.allowedEvents[eventType] = true
		}
	}

	// Initialize throttlers for high-frequency events
	s.throttlers = make(map[string]*rate.Limiter)
	if config != nil && len(config.ThrottleIntervals) > 0 {
		for eventType, intervalStr := range config.ThrottleIntervals {
			if duration, err := time.ParseDuration(intervalStr); err == nil {
				// Create rate limiter: 1 event per interval (burst=1)
				limiter := rate.NewLimiter(rate.Every(duration), 1)
				s.throttlers[eventType] = limiter
				logger.Debug().
					Str("event_type", eventType).
					Str("interval", intervalStr).
					Msg("Throttler initialized for event type")
			} else {
				logger.Warn().
					Err(err).
					Str("event_type", eventType).
					Str("interval", intervalStr).
					Msg("Failed to parse throttle interval - skipping throttler")
			}
		}
	}

	// Check for nil eventService
	if eventService == nil {
		logger.Warn().Msg("EventSubscriber created with nil eventService - subscriptions will be skipped")
		return s
	}

	// Subscribe to all run lifecycle events
	s.SubscribeAll()

	return s
}

// SubscribeAll registers subscriptions for all run lifecycle events
func (s *EventSubscriber) SubscribeAll() {
	// Early return if eventService is nil
	if s.eventService == nil {
		s.logger.Warn().Msg("Cannot subscribe to events - eventService is nil")
		return
	}

	// Subscribe to persisted run events
	s.eventService.Subscribe(interfaces.EventRunEventAppended, s.handleRunEventAppended)

	// Subscribe to run status transitions
	s.eventService.Subscribe(interfaces.EventRunStatusChanged, s.handleRunStatusChanged)

	// Subscribe to job dispatch events
	s.eventService.Subscribe(interfaces.EventJobQueued, s.handleJobQueued)

	// Subscribe to worker job status transitions
	s.eventService.Subscribe(interfaces.EventJobStatusChanged, s.handleJobStatusChanged)

	// Subscribe to service state changes
	s.eventService.Subscribe(interfaces.EventAppStatusChanged, s.handleAppStatusChanged)

	s.logger.Info().Msg("EventSubscriber registered for run lifecycle events (run events, run status, job queued, job status, app status)")
}

// shouldBroadcastEvent checks if an event should be broadcast based on whitelist and throttling
func (s *EventSubscriber) shouldBroadcastEvent(eventType string) bool {
	// Check whitelist (empty allowedEvents = allow all)
	if len(s.allowedEvents) > 0 && !s.allowedEvents[eventType] {
		return false
	}

	// Check throttling
	if limiter, ok := s.throttlers[eventType]; ok {
		if !limiter.Allow() {
			s.logger.Debug().
				Str("event_type", eventType).
				Msg("Event throttled - rate limit exceeded")
			return false
		}
	}

	return true
}

// handleRunEventAppended mirrors one persisted run event onto the socket.
// The payload is the typed event row, not a map: the ledger publishes the
// same *models.Event it stored.
func (s *EventSubscriber) handleRunEventAppended(ctx context.Context, event interfaces.Event) error {
	if !s.shouldBroadcastEvent(string(interfaces.EventRunEventAppended)) {
		return nil
	}

	evt, ok := event.Payload.(*models.Event)
	if !ok {
		s.logger.Warn().Msg("Invalid run event payload type")
		return nil
	}

	s.handler.BroadcastRunEvent(RunEventUpdate{
		RunID:     evt.RunID,
		EventID:   evt.ID,
		EventType: evt.Type,
		Payload:   evt.Payload,
		Timestamp: evt.CreatedAt,
	})
	return nil
}

func (s *EventSubscriber) handleRunStatusChanged(ctx context.Context, event interfaces.Event) error {
	if !s.shouldBroadcastEvent(string(interfaces.EventRunStatusChanged)) {
		return nil
	}

	payload, ok := event.Payload.(map[string]interface{})
	if !ok {
		s.logger.Warn().Msg("Invalid run status event payload type")
		return nil
	}

	s.handler.BroadcastRunStatusChange(RunStatusUpdate{
		RunID:     getString(payload, "run_id"),
		Status:    getString(payload, "status"),
		Timestamp: getTimestamp(payload),
	})
	return nil
}

func (s *EventSubscriber) handleJobQueued(ctx context.Context, event interfaces.Event) error {
	if !s.shouldBroadcastEvent(string(interfaces.EventJobQueued)) {
		return nil
	}

	payload, ok := event.Payload.(map[string]interface{})
	if !ok {
		s.logger.Warn().Msg("Invalid job queued event payload type")
		return nil
	}

	s.handler.BroadcastJobQueued(JobQueuedUpdate{
		RunID:     getString(payload, "run_id"),
		JobIDs:    getStringSlice(payload, "job_ids"),
		Timestamp: getTimestamp(payload),
	})
	return nil
}

func (s *EventSubscriber) handleJobStatusChanged(ctx context.Context, event interfaces.Event) error {
	if !s.shouldBroadcastEvent(string(interfaces.EventJobStatusChanged)) {
		return nil
	}

	payload, ok := event.Payload.(map[string]interface{})
	if !ok {
		s.logger.Warn().Msg("Invalid job status event payload type")
		return nil
	}

	s.handler.BroadcastJobStatusChange(JobStatusUpdate{
		JobID:     getString(payload, "job_id"),
		RunID:     getString(payload, "run_id"),
		Status:    getString(payload, "status"),
		WorkerID:  getString(payload, "worker_id"),
		Error:     getString(payload, "error"),
		Timestamp: getTimestamp(payload),
	})
	return nil
}

func (s *EventSubscriber) handleAppStatusChanged(ctx context.Context, event interfaces.Event) error {
	if !s.shouldBroadcastEvent(string(interfaces.EventAppStatusChanged)) {
		return nil
	}

	payload, ok := event.Payload.(map[string]interface{})
	if !ok {
		s.logger.Warn().Msg("Invalid app status event payload type")
		return nil
	}

	update := AppStatusUpdate{
		State:     getString(payload, "state"),
		Metadata:  make(map[string]interface{}),
		Timestamp: getTimestamp(payload),
	}
	if metadata, ok := payload["metadata"].(map[string]interface{}); ok {
		update.Metadata = metadata
	}

	s.handler.BroadcastAppStatus(update)
	return nil
}

// getTimestamp reads the payload's timestamp, falling back to time.Now().
// Bus payloads carry native time.Time values; externally decoded payloads
// carry RFC3339 strings.
func getTimestamp(payload map[string]interface{}) time.Time {
	switch ts := payload["timestamp"].(type) {
	case time.Time:
		return ts
	case string:
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			return parsed
		}
	}
	return time.Now()
}
