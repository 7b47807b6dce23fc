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

// JobStorage implements the JobStorage interface for Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) SaveJob(ctx context.Context, job *models.WorkerJob) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, id string) (*models.WorkerJob, error) {
	var job models.WorkerJob
	if err := s.db.Store().Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStorage) UpdateJob(ctx context.Context, job *models.WorkerJob) error {
	return s.SaveJob(ctx, job)
}

func (s *JobStorage) GetJobsByRun(ctx context.Context, runID string) ([]*models.WorkerJob, error) {
	var jobs []models.WorkerJob
	if err := s.db.Store().Find(&jobs, badgerhold.Where("RunID").Eq(runID).SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to get jobs for run: %w", err)
	}

	result := make([]*models.WorkerJob, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStorage) GetQueuedJobs(ctx context.Context, limit int) ([]*models.WorkerJob, error) {
	query := badgerhold.Where("Status").Eq(models.JobStatusQueued).
		And("External").Eq(false).
		SortBy("CreatedAt")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var jobs []models.WorkerJob
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to get queued jobs: %w", err)
	}

	result := make([]*models.WorkerJob, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

// ClaimJob moves a queued job to running for the given worker. The
// read-check-write runs in one transaction so two workers polling the same
// queue never both claim a job.
func (s *JobStorage) ClaimJob(ctx context.Context, jobID, workerID string) (*models.WorkerJob, error) {
	var claimed *models.WorkerJob

	err := s.db.RunTxn(jobID, func(tx *badgerdb.Txn) error {
		var job models.WorkerJob
		if err := s.db.Store().TxGet(tx, jobID, &job); err != nil {
			if err == badgerhold.ErrNotFound {
				return fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
			}
			return fmt.Errorf("failed to get job: %w", err)
		}

		if job.Status != models.JobStatusQueued {
			return fmt.Errorf("job %s is %s, not queued: %w", jobID, job.Status, models.ErrNotFound)
		}

		job.MarkStarted(workerID)
		if err := s.db.Store().TxUpdate(tx, jobID, &job); err != nil {
			return fmt.Errorf("failed to claim job: %w", err)
		}

		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *JobStorage) CountJobs(ctx context.Context, status string) (int, error) {
	var query *badgerhold.Query
	if status != "" {
		query = badgerhold.Where("Status").Eq(models.JobStatus(status))
	}

	count, err := s.db.Store().Count(&models.WorkerJob{}, query)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return int(count), nil
}

func (s *JobStorage) DeleteJobsForRun(ctx context.Context, runID string) (int, error) {
	jobs, err := s.GetJobsByRun(ctx, runID)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, job := range jobs {
		if err := s.db.Store().Delete(job.ID, &models.WorkerJob{}); err != nil && err != badgerhold.ErrNotFound {
			return deleted, fmt.Errorf("failed to delete job %s: %w", job.ID, err)
		}
		deleted++
	}
	return deleted, nil
}
