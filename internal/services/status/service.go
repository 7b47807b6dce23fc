package status

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/converge/internal/interfaces"
	"github.com/ternarybob/converge/internal/models"
)

// AppState represents the service-level state
type AppState string

const (
	StateIdle    AppState = "idle"
	StateRunning AppState = "running"
	StateOffline AppState = "offline"
)

// Service derives the service-level state from run activity
type Service struct {
	state        AppState
	mu           sync.RWMutex
	eventService interfaces.EventService
	logger       arbor.ILogger
	metadata     map[string]interface{}
	activeRuns   map[string]struct{}
}

// NewService creates a new StatusService
func NewService(eventService interfaces.EventService, logger arbor.ILogger) *Service {
	return &Service{
		state:        StateIdle,
		eventService: eventService,
		logger:       logger,
		metadata:     make(map[string]interface{}),
		activeRuns:   make(map[string]struct{}),
	}
}

// GetState returns the current service state (thread-safe)
func (s *Service) GetState() AppState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState updates the service state and broadcasts the change
func (s *Service) SetState(state AppState, metadata map[string]interface{}) {
	s.mu.Lock()
	oldState := s.state
	s.state = state
	if metadata != nil {
		s.metadata = metadata
	} else {
		s.metadata = make(map[string]interface{})
	}
	s.mu.Unlock()

	if oldState == state {
		return
	}

	s.logger.Info().
		Str("old_state", string(oldState)).
		Str("new_state", string(state)).
		Msg("Service state changed")

	payload := map[string]interface{}{
		"state":     string(state),
		"metadata":  metadata,
		"timestamp": time.Now(),
	}
	event := interfaces.Event{
		Type:    interfaces.EventAppStatusChanged,
		Payload: payload,
	}
	s.eventService.Publish(context.Background(), event)
}

// GetStatus returns the current state with metadata and timestamp
func (s *Service) GetStatus() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Deep copy metadata to avoid concurrent modification
	metadataCopy := make(map[string]interface{})
	for k, v := range s.metadata {
		metadataCopy[k] = v
	}

	return map[string]interface{}{
		"state":     string(s.state),
		"metadata":  metadataCopy,
		"timestamp": time.Now(),
	}
}

// SubscribeToRunEvents derives the service state from run status
// transitions. Running and waiting runs count as active; a deferred run
// does not, since its work continues outside this process until an
// external trigger re-enters it.
func (s *Service) SubscribeToRunEvents() {
	s.eventService.Subscribe(interfaces.EventRunStatusChanged, func(ctx context.Context, event interfaces.Event) error {
		payload, ok := event.Payload.(map[string]interface{})
		if !ok {
			return nil
		}

		runID, _ := payload["run_id"].(string)
		status, _ := payload["status"].(string)
		if runID == "" || status == "" {
			return nil
		}

		s.mu.Lock()
		switch models.RunStatus(status) {
		case models.RunStatusRunning, models.RunStatusWaiting:
			s.activeRuns[runID] = struct{}{}
		default:
			delete(s.activeRuns, runID)
		}
		active := len(s.activeRuns)
		s.mu.Unlock()

		if active > 0 {
			s.SetState(StateRunning, map[string]interface{}{
				"active_runs": active,
			})
		} else {
			s.SetState(StateIdle, nil)
		}
		return nil
	})

	s.logger.Info().Msg("StatusService subscribed to run events")
}
