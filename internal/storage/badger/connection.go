package badger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/converge/internal/common"
	"github.com/ternarybob/converge/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// defaultTxnRetries bounds optimistic-transaction retries when the caller
// doesn't configure a cap.
const defaultTxnRetries = 8

// BadgerDB manages the Badger database connection
type BadgerDB struct {
	store      *badgerhold.Store
	logger     arbor.ILogger
	config     *common.BadgerConfig
	txnRetries int
}

// NewBadgerDB creates a new Badger database connection
func NewBadgerDB(logger arbor.ILogger, config *common.BadgerConfig) (*BadgerDB, error) {
	// If reset_on_startup is enabled, delete the existing database
	if config.ResetOnStartup {
		if _, err := os.Stat(config.Path); err == nil {
			logger.Debug().Str("path", config.Path).Msg("Deleting existing database (reset_on_startup=true)")
			if err := os.RemoveAll(config.Path); err != nil {
				logger.Warn().Err(err).Str("path", config.Path).Msg("Failed to delete database directory")
			}
		}
	}

	// Ensure the directory exists
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	logger.Debug().Str("path", config.Path).Msg("Opening Badger database connection")

	options := badgerhold.DefaultOptions
	options.Dir = config.Path
	options.ValueDir = config.Path
	options.Logger = nil // Disable default badger logger to use arbor

	store, err := badgerhold.Open(options)
	if err != nil {
		logger.Fatal().Err(err).Str("path", config.Path).Msg("BadgerDB: Failed to open database")
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Debug().Str("path", config.Path).Msg("Badger database initialized")

	return &BadgerDB{
		store:      store,
		logger:     logger,
		config:     config,
		txnRetries: defaultTxnRetries,
	}, nil
}

// Store returns the underlying badgerhold store
func (b *BadgerDB) Store() *badgerhold.Store {
	return b.store
}

// SetTxnRetries overrides the optimistic-transaction retry cap
func (b *BadgerDB) SetTxnRetries(n int) {
	if n > 0 {
		b.txnRetries = n
	}
}

// RunTxn executes fn in a single read-write transaction. Badger detects
// write conflicts at commit; conflicting transactions are retried from
// scratch, so fn must be safe to re-run. When retries are exhausted a
// ConcurrencyConflictError carrying key is returned.
func (b *BadgerDB) RunTxn(key string, fn func(tx *badgerdb.Txn) error) error {
	retries := b.txnRetries
	if retries <= 0 {
		retries = defaultTxnRetries
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		err := b.store.Badger().Update(fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badgerdb.ErrConflict) {
			return err
		}
		lastErr = err
		if b.logger != nil {
			b.logger.Debug().
				Str("key", key).
				Int("attempt", attempt).
				Msg("Transaction conflict, retrying")
		}
	}
	return &models.ConcurrencyConflictError{Key: key, Attempts: retries, Err: lastErr}
}

// Close closes the database connection
func (b *BadgerDB) Close() error {
	if b.store != nil {
		return b.store.Close()
	}
	return nil
}
