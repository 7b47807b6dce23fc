// -----------------------------------------------------------------------
// Run Service - Run queries, event listing and cascade deletion
// -----------------------------------------------------------------------

package runs

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/converge/internal/common"
	"github.com/ternarybob/converge/internal/interfaces"
	"github.com/ternarybob/converge/internal/models"
)

const defaultReplayLimit = 500

// Service is the read/delete surface the HTTP layer works against. Run
// creation and state transitions belong to the supervisor; this service
// never mutates a live run.
type Service struct {
	runs     interfaces.RunStorage
	jobs     interfaces.JobStorage
	barriers interfaces.BarrierStorage
	messages interfaces.MessageStorage
	ledger   interfaces.LedgerService
	logger   arbor.ILogger

	replayLimit int
}

// NewService creates a run service over the storage manager's stores
func NewService(
	runs interfaces.RunStorage,
	jobs interfaces.JobStorage,
	barriers interfaces.BarrierStorage,
	messages interfaces.MessageStorage,
	ledger interfaces.LedgerService,
	config *common.StreamConfig,
	logger arbor.ILogger,
) *Service {
	s := &Service{
		runs:        runs,
		jobs:        jobs,
		barriers:    barriers,
		messages:    messages,
		ledger:      ledger,
		logger:      logger,
		replayLimit: defaultReplayLimit,
	}
	if config != nil && config.ReplayLimit > 0 {
		s.replayLimit = config.ReplayLimit
	}
	return s
}

// GetRun returns a run by id
func (s *Service) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	return s.runs.GetRun(ctx, runID)
}

// ListRuns returns runs matching the options, newest first
func (s *Service) ListRuns(ctx context.Context, opts *interfaces.RunListOptions) ([]*models.Run, error) {
	return s.runs.ListRuns(ctx, opts)
}

// CountRuns returns the number of runs in the given status, or all runs
// when status is empty
func (s *Service) CountRuns(ctx context.Context, status models.RunStatus) (int, error) {
	return s.runs.CountRuns(ctx, string(status))
}

// GetRunJobs returns the worker jobs spawned by a run
func (s *Service) GetRunJobs(ctx context.Context, runID string) ([]*models.WorkerJob, error) {
	if _, err := s.runs.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.jobs.GetJobsByRun(ctx, runID)
}

// ListEvents returns a page of the run's persisted events with id greater
// than afterID, ascending. A non-positive limit falls back to the
// configured replay limit.
func (s *Service) ListEvents(ctx context.Context, runID string, afterID uint64, includeTokens bool, limit int) ([]*models.Event, error) {
	if _, err := s.runs.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	events, err := s.ledger.GetEventsAfter(ctx, runID, afterID, includeTokens)
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = s.replayLimit
	}
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// DeleteRun removes a run and everything it owns: events, barrier and its
// round rows, worker jobs, thread messages attributed to the run, then the
// run row itself. The run row goes last so a partially failed cascade
// stays visible and can be retried.
func (s *Service) DeleteRun(ctx context.Context, runID string) error {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.IsActive() {
		s.logger.Warn().
			Str("run_id", runID).
			Str("status", string(run.Status)).
			Msg("Deleting a run that is still active")
	}

	eventCount, err := s.ledger.DeleteEventsForRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to delete events for run %s: %w", runID, err)
	}

	barrierRowCount, err := s.barriers.DeleteBarrierForRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to delete barrier for run %s: %w", runID, err)
	}

	jobCount, err := s.jobs.DeleteJobsForRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to delete jobs for run %s: %w", runID, err)
	}

	messageCount, err := s.messages.DeleteMessagesForRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to delete messages for run %s: %w", runID, err)
	}

	if err := s.runs.DeleteRun(ctx, runID); err != nil {
		return fmt.Errorf("failed to delete run %s: %w", runID, err)
	}

	s.logger.Info().
		Str("run_id", runID).
		Int("events", eventCount).
		Int("barrier_rows", barrierRowCount).
		Int("jobs", jobCount).
		Int("messages", messageCount).
		Msg("Run deleted")
	return nil
}
