package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/converge/internal/common"
	"github.com/ternarybob/converge/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db      *BadgerDB
	run     interfaces.RunStorage
	job     interfaces.JobStorage
	barrier interfaces.BarrierStorage
	event   interfaces.EventStorage
	message interfaces.MessageStorage
	kv      interfaces.KeyValueStorage
	logger  arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:      db,
		run:     NewRunStorage(db, logger),
		job:     NewJobStorage(db, logger),
		barrier: NewBarrierStorage(db, logger),
		event:   NewEventStorage(db, logger),
		message: NewMessageStorage(db, logger),
		kv:      NewKVStorage(db, logger),
		logger:  logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// SetTxnRetries forwards the configured conflict-retry cap to the connection
func (m *Manager) SetTxnRetries(n int) {
	if m.db != nil {
		m.db.SetTxnRetries(n)
	}
}

// RunStorage returns the Run storage interface
func (m *Manager) RunStorage() interfaces.RunStorage {
	return m.run
}

// JobStorage returns the Job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// BarrierStorage returns the Barrier storage interface
func (m *Manager) BarrierStorage() interfaces.BarrierStorage {
	return m.barrier
}

// EventStorage returns the Event storage interface
func (m *Manager) EventStorage() interfaces.EventStorage {
	return m.event
}

// MessageStorage returns the Message storage interface
func (m *Manager) MessageStorage() interfaces.MessageStorage {
	return m.message
}

// KeyValueStorage returns the KeyValue storage interface
func (m *Manager) KeyValueStorage() interfaces.KeyValueStorage {
	return m.kv
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
