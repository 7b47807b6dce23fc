// -----------------------------------------------------------------------
// Ledger Service - Append-only run event log over storage plus live feed
// -----------------------------------------------------------------------

package ledger

import (
	"context"
	"encoding/json"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/converge/internal/interfaces"
	"github.com/ternarybob/converge/internal/models"
)

// Service implements LedgerService. Append marshals the payload before
// touching storage: a payload that cannot be represented as JSON fails
// with SerializationError and writes nothing. Every persisted event is
// also published on the in-process bus for live subscribers.
type Service struct {
	storage interfaces.EventStorage
	bus     interfaces.EventService
	logger  arbor.ILogger
}

// NewService creates a ledger service
func NewService(storage interfaces.EventStorage, bus interfaces.EventService, logger arbor.ILogger) interfaces.LedgerService {
	return &Service{
		storage: storage,
		bus:     bus,
		logger:  logger,
	}
}

// Append assigns the run's next event id, persists the event and publishes
// it. Returns the assigned id.
func (s *Service) Append(ctx context.Context, runID, eventType string, payload interface{}) (uint64, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, &models.SerializationError{RunID: runID, EventType: eventType, Err: err}
		}
		raw = data
	}

	event, err := s.storage.Append(ctx, runID, eventType, raw)
	if err != nil {
		return 0, err
	}

	if s.bus != nil {
		if err := s.bus.Publish(ctx, interfaces.Event{
			Type:    interfaces.EventRunEventAppended,
			Payload: event,
		}); err != nil {
			s.logger.Warn().
				Err(err).
				Str("run_id", runID).
				Str("event_type", eventType).
				Msg("Failed to publish appended event")
		}
	}

	return event.ID, nil
}

// GetEventsAfter returns the run's events with id > afterID in ascending
// order. afterID = 0 replays from the beginning. include_tokens=false
// drops high-frequency incremental events.
func (s *Service) GetEventsAfter(ctx context.Context, runID string, afterID uint64, includeTokens bool) ([]*models.Event, error) {
	return s.storage.GetEventsAfter(ctx, runID, afterID, includeTokens)
}

// GetLatestEventID returns the highest id assigned for the run, 0 if none
func (s *Service) GetLatestEventID(ctx context.Context, runID string) (uint64, error) {
	return s.storage.GetLatestEventID(ctx, runID)
}

// GetEventCount returns the run's event count, optionally for one type
func (s *Service) GetEventCount(ctx context.Context, runID, eventType string) (int, error) {
	return s.storage.GetEventCount(ctx, runID, eventType)
}

// DeleteEventsForRun removes the run's events and its id counter
func (s *Service) DeleteEventsForRun(ctx context.Context, runID string) (int, error) {
	return s.storage.DeleteEventsForRun(ctx, runID)
}
