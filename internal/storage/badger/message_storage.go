package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/converge/internal/interfaces"
	"github.com/ternarybob/converge/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// MessageStorage implements the MessageStorage interface for Badger
type MessageStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewMessageStorage creates a new MessageStorage instance
func NewMessageStorage(db *BadgerDB, logger arbor.ILogger) interfaces.MessageStorage {
	return &MessageStorage{
		db:     db,
		logger: logger,
	}
}

func (s *MessageStorage) SaveMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("message ID is required")
	}
	if msg.ThreadID == "" {
		return fmt.Errorf("message thread ID is required")
	}

	if err := s.db.Store().Upsert(msg.ID, msg); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func (s *MessageStorage) GetMessagesByThread(ctx context.Context, threadID string) ([]*models.Message, error) {
	var messages []models.Message
	query := badgerhold.Where("ThreadID").Eq(threadID).SortBy("CreatedAt")
	if err := s.db.Store().Find(&messages, query); err != nil {
		return nil, fmt.Errorf("failed to get thread messages: %w", err)
	}

	result := make([]*models.Message, len(messages))
	for i := range messages {
		result[i] = &messages[i]
	}
	return result, nil
}

func (s *MessageStorage) DeleteMessagesForRun(ctx context.Context, runID string) (int, error) {
	var messages []models.Message
	if err := s.db.Store().Find(&messages, badgerhold.Where("RunID").Eq(runID)); err != nil {
		return 0, fmt.Errorf("failed to find run messages: %w", err)
	}

	if err := s.db.Store().DeleteMatching(&models.Message{}, badgerhold.Where("RunID").Eq(runID)); err != nil {
		return 0, fmt.Errorf("failed to delete run messages: %w", err)
	}

	return len(messages), nil
}
