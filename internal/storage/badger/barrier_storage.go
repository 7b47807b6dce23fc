// -----------------------------------------------------------------------
// Barrier Storage - Atomic fan-in bookkeeping for run barriers
// -----------------------------------------------------------------------

package badger

import (
	"context"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/converge/internal/interfaces"
	"github.com/ternarybob/converge/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// BarrierStorage implements the BarrierStorage interface for Badger.
//
// The completion check is the contended path: every worker finishing a job
// lands here, and exactly one caller per round may observe the count reach
// expected_count. Badger transactions give serializable semantics with
// conflict detection at commit, so the read-increment-write runs as one
// transaction and losers retry against fresh state.
type BarrierStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewBarrierStorage creates a new BarrierStorage instance
func NewBarrierStorage(db *BadgerDB, logger arbor.ILogger) interfaces.BarrierStorage {
	return &BarrierStorage{
		db:     db,
		logger: logger,
	}
}

func (s *BarrierStorage) SaveBarrier(ctx context.Context, barrier *models.Barrier) error {
	if err := barrier.Validate(); err != nil {
		return err
	}
	if err := s.db.Store().Upsert(barrier.ID, barrier); err != nil {
		return fmt.Errorf("failed to save barrier: %w", err)
	}
	return nil
}

func (s *BarrierStorage) GetBarrier(ctx context.Context, id string) (*models.Barrier, error) {
	var barrier models.Barrier
	if err := s.db.Store().Get(id, &barrier); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("barrier %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get barrier: %w", err)
	}
	return &barrier, nil
}

func (s *BarrierStorage) GetBarrierByRun(ctx context.Context, runID string) (*models.Barrier, error) {
	var barriers []models.Barrier
	if err := s.db.Store().Find(&barriers, badgerhold.Where("RunID").Eq(runID)); err != nil {
		return nil, fmt.Errorf("failed to find barrier for run: %w", err)
	}
	if len(barriers) == 0 {
		return nil, fmt.Errorf("barrier for run %s: %w", runID, models.ErrNotFound)
	}
	// One barrier per run; its ID is stable across round resets
	return &barriers[0], nil
}

func (s *BarrierStorage) UpdateBarrier(ctx context.Context, barrier *models.Barrier) error {
	return s.SaveBarrier(ctx, barrier)
}

func (s *BarrierStorage) SaveBarrierJobs(ctx context.Context, jobs []*models.BarrierJob) error {
	for _, job := range jobs {
		if err := s.db.Store().Upsert(job.Key, job); err != nil {
			return fmt.Errorf("failed to save barrier job %s: %w", job.Key, err)
		}
	}
	return nil
}

func (s *BarrierStorage) GetBarrierJobs(ctx context.Context, barrierID string, round int) ([]*models.BarrierJob, error) {
	var jobs []models.BarrierJob
	query := badgerhold.Where("BarrierID").Eq(barrierID).And("Round").Eq(round).SortBy("CreatedAt")
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to get barrier jobs: %w", err)
	}

	result := make([]*models.BarrierJob, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

// RegisterRound writes the barrier (fresh or reset) and its round's job
// rows in one transaction, so a completion trigger arriving mid-register
// sees either nothing or the full round.
func (s *BarrierStorage) RegisterRound(ctx context.Context, barrier *models.Barrier, jobs []*models.BarrierJob) error {
	if err := barrier.Validate(); err != nil {
		return err
	}

	return s.db.RunTxn(barrier.ID, func(tx *badgerdb.Txn) error {
		if err := s.db.Store().TxUpsert(tx, barrier.ID, barrier); err != nil {
			return fmt.Errorf("failed to write barrier: %w", err)
		}
		for _, job := range jobs {
			if err := s.db.Store().TxUpsert(tx, job.Key, job); err != nil {
				return fmt.Errorf("failed to write barrier job %s: %w", job.Key, err)
			}
		}
		return nil
	})
}

// CompleteJob records one job's result against the run's current barrier
// round and performs the row-exclusive increment. Outcomes:
//
//	resume           - this increment reached expected_count; the caller owns the resume
//	waiting_for_more - counted, round still short
//	skipped          - barrier already left waiting (another caller resumed, or it failed)
//	ignored          - job is not part of the current waiting round, or already counted
//
// The barrier row is re-read inside the transaction; a concurrent winner
// invalidates this transaction at commit and the retry observes the new
// state.
func (s *BarrierStorage) CompleteJob(ctx context.Context, runID, jobID, result string) (models.CompletionOutcome, *models.Barrier, error) {
	// Resolve the run's barrier identity outside the transaction (stable
	// across rounds); all state checks happen on the tracked re-read inside.
	existing, err := s.GetBarrierByRun(ctx, runID)
	if err != nil {
		return "", nil, err
	}
	barrierID := existing.ID

	var outcome models.CompletionOutcome
	var snapshot *models.Barrier

	err = s.db.RunTxn(barrierID, func(tx *badgerdb.Txn) error {
		var barrier models.Barrier
		if err := s.db.Store().TxGet(tx, barrierID, &barrier); err != nil {
			if err == badgerhold.ErrNotFound {
				return fmt.Errorf("barrier %s: %w", barrierID, models.ErrNotFound)
			}
			return fmt.Errorf("failed to get barrier: %w", err)
		}

		if !barrier.IsWaiting() {
			outcome = models.OutcomeSkipped
			snapshot = &barrier
			return nil
		}

		// Membership check against the current round's job set. Late
		// completions from earlier rounds miss this key and are ignored.
		jobKey := models.BarrierJobKey(barrierID, barrier.Round, jobID)
		var barrierJob models.BarrierJob
		if err := s.db.Store().TxGet(tx, jobKey, &barrierJob); err != nil {
			if err == badgerhold.ErrNotFound {
				outcome = models.OutcomeIgnored
				snapshot = &barrier
				return nil
			}
			return fmt.Errorf("failed to get barrier job: %w", err)
		}

		if barrierJob.Status != models.BarrierJobQueued {
			// Duplicate completion of the same job in the same round
			outcome = models.OutcomeIgnored
			snapshot = &barrier
			return nil
		}

		barrierJob.MarkCompleted(result)
		if err := s.db.Store().TxUpdate(tx, jobKey, &barrierJob); err != nil {
			return fmt.Errorf("failed to update barrier job: %w", err)
		}

		barrier.CompletedCount++
		if barrier.CompletedCount >= barrier.ExpectedCount {
			barrier.MarkResuming()
			outcome = models.OutcomeResume
		} else {
			barrier.UpdatedAt = time.Now()
			outcome = models.OutcomeWaitingForMore
		}

		if err := s.db.Store().TxUpdate(tx, barrierID, &barrier); err != nil {
			return fmt.Errorf("failed to update barrier: %w", err)
		}

		snapshot = &barrier
		return nil
	})
	if err != nil {
		return "", nil, err
	}

	return outcome, snapshot, nil
}

// ExpireBarrier resolves a past-deadline round: every still-queued job row
// of the current round is marked timeout and the barrier flips to resuming.
// Runs in one transaction against the same barrier row CompleteJob mutates,
// so a racing final completion and the sweep cannot both win.
func (s *BarrierStorage) ExpireBarrier(ctx context.Context, barrierID string) (*models.Barrier, error) {
	var snapshot *models.Barrier

	err := s.db.RunTxn(barrierID, func(tx *badgerdb.Txn) error {
		var barrier models.Barrier
		if err := s.db.Store().TxGet(tx, barrierID, &barrier); err != nil {
			if err == badgerhold.ErrNotFound {
				return fmt.Errorf("barrier %s: %w", barrierID, models.ErrNotFound)
			}
			return fmt.Errorf("failed to get barrier: %w", err)
		}

		if !barrier.IsWaiting() {
			// Already resolved between the sweep's listing and now
			return fmt.Errorf("barrier %s is %s, not waiting: %w", barrierID, barrier.Status, models.ErrNotFound)
		}

		var jobs []models.BarrierJob
		query := badgerhold.Where("BarrierID").Eq(barrierID).And("Round").Eq(barrier.Round)
		if err := s.db.Store().TxFind(tx, &jobs, query); err != nil {
			return fmt.Errorf("failed to find barrier jobs: %w", err)
		}

		for i := range jobs {
			if jobs[i].Status != models.BarrierJobQueued {
				continue
			}
			jobs[i].MarkTimeout()
			if err := s.db.Store().TxUpdate(tx, jobs[i].Key, &jobs[i]); err != nil {
				return fmt.Errorf("failed to mark barrier job timeout: %w", err)
			}
		}

		barrier.MarkResuming()
		if err := s.db.Store().TxUpdate(tx, barrierID, &barrier); err != nil {
			return fmt.Errorf("failed to update barrier: %w", err)
		}

		snapshot = &barrier
		return nil
	})
	if err != nil {
		return nil, err
	}

	return snapshot, nil
}

func (s *BarrierStorage) GetExpiredWaiting(ctx context.Context, now time.Time) ([]*models.Barrier, error) {
	var barriers []models.Barrier
	query := badgerhold.Where("Status").Eq(models.BarrierStatusWaiting).And("DeadlineAt").Lt(now)
	if err := s.db.Store().Find(&barriers, query); err != nil {
		return nil, fmt.Errorf("failed to find expired barriers: %w", err)
	}

	result := make([]*models.Barrier, len(barriers))
	for i := range barriers {
		result[i] = &barriers[i]
	}
	return result, nil
}

func (s *BarrierStorage) DeleteBarrierForRun(ctx context.Context, runID string) (int, error) {
	barrier, err := s.GetBarrierByRun(ctx, runID)
	if err != nil {
		if models.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}

	deleted := 0

	// Barrier job rows across all rounds
	var jobs []models.BarrierJob
	if err := s.db.Store().Find(&jobs, badgerhold.Where("BarrierID").Eq(barrier.ID)); err != nil {
		return 0, fmt.Errorf("failed to find barrier jobs: %w", err)
	}
	for i := range jobs {
		if err := s.db.Store().Delete(jobs[i].Key, &models.BarrierJob{}); err != nil && err != badgerhold.ErrNotFound {
			return deleted, fmt.Errorf("failed to delete barrier job: %w", err)
		}
		deleted++
	}

	if err := s.db.Store().Delete(barrier.ID, &models.Barrier{}); err != nil && err != badgerhold.ErrNotFound {
		return deleted, fmt.Errorf("failed to delete barrier: %w", err)
	}
	deleted++

	return deleted, nil
}
