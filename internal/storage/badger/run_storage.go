package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/converge/internal/interfaces"
	"github.com/ternarybob/converge/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// RunStorage implements the RunStorage interface for Badger
type RunStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewRunStorage creates a new RunStorage instance
func NewRunStorage(db *BadgerDB, logger arbor.ILogger) interfaces.RunStorage {
	return &RunStorage{
		db:     db,
		logger: logger,
	}
}

func (s *RunStorage) SaveRun(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run ID is required")
	}
	if err := run.Validate(); err != nil {
		return err
	}

	if err := s.db.Store().Upsert(run.ID, run); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (s *RunStorage) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var run models.Run
	if err := s.db.Store().Get(id, &run); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("run %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

func (s *RunStorage) UpdateRun(ctx context.Context, run *models.Run) error {
	return s.SaveRun(ctx, run)
}

func (s *RunStorage) ListRuns(ctx context.Context, opts *interfaces.RunListOptions) ([]*models.Run, error) {
	query := badgerhold.Where("ID").Ne("")

	if opts != nil {
		if opts.Status != "" {
			query = query.And("Status").Eq(models.RunStatus(opts.Status))
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
	}
	query = query.SortBy("CreatedAt").Reverse()

	var runs []models.Run
	if err := s.db.Store().Find(&runs, query); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	result := make([]*models.Run, len(runs))
	for i := range runs {
		result[i] = &runs[i]
	}
	return result, nil
}

func (s *RunStorage) CountRuns(ctx context.Context, status string) (int, error) {
	var query *badgerhold.Query
	if status != "" {
		query = badgerhold.Where("Status").Eq(models.RunStatus(status))
	}

	count, err := s.db.Store().Count(&models.Run{}, query)
	if err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return int(count), nil
}

func (s *RunStorage) DeleteRun(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.Run{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("run %s: %w", id, models.ErrNotFound)
		}
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return nil
}
