// -----------------------------------------------------------------------
// Event Storage - Append-only per-run event ledger
// -----------------------------------------------------------------------

package badger

import (
	"context"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/converge/internal/interfaces"
	"github.com/ternarybob/converge/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// EventStorage implements the EventStorage interface for Badger.
//
// Event ids are per-run sequences. The id is taken from the run's counter
// row and the event inserted in the same transaction, so concurrent
// appenders to one run serialize on the counter: a conflicting append
// retries and draws the next id. Ids for a run are therefore strictly
// increasing with no duplicates, whatever the appender interleaving.
type EventStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewEventStorage creates a new EventStorage instance
func NewEventStorage(db *BadgerDB, logger arbor.ILogger) interfaces.EventStorage {
	return &EventStorage{
		db:     db,
		logger: logger,
	}
}

// Append assigns the run's next event id and inserts the event row in one
// transaction. Payload must be valid JSON already; marshaling (and the
// not-serializable rejection) happens before this layer so a failed append
// writes nothing.
func (s *EventStorage) Append(ctx context.Context, runID, eventType string, payload []byte) (*models.Event, error) {
	if runID == "" {
		return nil, fmt.Errorf("run ID is required")
	}
	if eventType == "" {
		return nil, fmt.Errorf("event type is required")
	}

	var inserted *models.Event

	err := s.db.RunTxn("eventseq:"+runID, func(tx *badgerdb.Txn) error {
		seq := models.EventSeq{RunID: runID, Next: 1}
		err := s.db.Store().TxGet(tx, runID, &seq)
		if err != nil && err != badgerhold.ErrNotFound {
			return fmt.Errorf("failed to read event sequence: %w", err)
		}

		assigned := seq.Next
		seq.Next++
		if err := s.db.Store().TxUpsert(tx, runID, &seq); err != nil {
			return fmt.Errorf("failed to bump event sequence: %w", err)
		}

		event := models.NewEvent(runID, assigned, eventType, payload)
		if err := s.db.Store().TxInsert(tx, event.Key, event); err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
		inserted = event
		return nil
	})
	if err != nil {
		return nil, err
	}

	return inserted, nil
}

func (s *EventStorage) GetEventsAfter(ctx context.Context, runID string, afterID uint64, includeTokens bool) ([]*models.Event, error) {
	var events []models.Event
	query := badgerhold.Where("RunID").Eq(runID).And("ID").Gt(afterID).SortBy("ID")
	if err := s.db.Store().Find(&events, query); err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}

	result := make([]*models.Event, 0, len(events))
	for i := range events {
		if !includeTokens && models.IsTokenEventType(events[i].Type) {
			continue
		}
		result = append(result, &events[i])
	}
	return result, nil
}

// GetLatestEventID reads the run's counter row; the latest assigned id is
// one behind Next. Returns 0 for a run with no events.
func (s *EventStorage) GetLatestEventID(ctx context.Context, runID string) (uint64, error) {
	var seq models.EventSeq
	err := s.db.Store().Get(runID, &seq)
	if err == badgerhold.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read event sequence: %w", err)
	}
	if seq.Next == 0 {
		return 0, nil
	}
	return seq.Next - 1, nil
}

func (s *EventStorage) GetEventCount(ctx context.Context, runID, eventType string) (int, error) {
	query := badgerhold.Where("RunID").Eq(runID)
	if eventType != "" {
		query = query.And("Type").Eq(eventType)
	}

	count, err := s.db.Store().Count(&models.Event{}, query)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return int(count), nil
}

func (s *EventStorage) DeleteEventsForRun(ctx context.Context, runID string) (int, error) {
	count, err := s.GetEventCount(ctx, runID, "")
	if err != nil {
		return 0, err
	}

	if err := s.db.Store().DeleteMatching(&models.Event{}, badgerhold.Where("RunID").Eq(runID)); err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}

	// Counter row goes with the events; a recreated run id starts from 1
	if err := s.db.Store().Delete(runID, &models.EventSeq{}); err != nil && err != badgerhold.ErrNotFound {
		return count, fmt.Errorf("failed to delete event sequence: %w", err)
	}

	return count, nil
}
