package events

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/converge/internal/interfaces"
	"github.com/ternarybob/converge/internal/models"
)

// NewLoggerSubscriber creates an event handler that logs bus traffic.
// Run-event payloads are logged at trace level because token deltas can
// arrive in the hundreds per second.
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		if evt, ok := event.Payload.(*models.Event); ok {
			logger.Trace().
				Str("event_type", string(event.Type)).
				Str("run_id", evt.RunID).
				Int64("event_id", int64(evt.ID)).
				Str("run_event_type", evt.Type).
				Msg("Run event appended")
			return nil
		}

		var runID, jobID, status string
		if payload, ok := event.Payload.(map[string]interface{}); ok {
			if id, ok := payload["run_id"].(string); ok {
				runID = id
			}
			if id, ok := payload["job_id"].(string); ok {
				jobID = id
			}
			if s, ok := payload["status"].(string); ok {
				status = s
			}
		}

		logEvent := logger.Debug().
			Str("event_type", string(event.Type))

		if runID != "" {
			logEvent = logEvent.Str("run_id", runID)
		}
		if jobID != "" {
			logEvent = logEvent.Str("job_id", jobID)
		}
		if status != "" {
			logEvent = logEvent.Str("status", status)
		}

		logEvent.Msg("Event published")
		return nil
	}
}
