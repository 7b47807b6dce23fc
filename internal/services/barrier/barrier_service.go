// -----------------------------------------------------------------------
// Barrier Service - Fan-out/fan-in with at-most-once resume per round
// -----------------------------------------------------------------------

package barrier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/converge/internal/common"
	"github.com/ternarybob/converge/internal/interfaces"
	"github.com/ternarybob/converge/internal/models"
)

const defaultRoundDeadline = 5 * time.Minute

// Service implements BarrierService. The storage layer guarantees the
// atomic increment; this service owns the two-phase job registration, the
// resume invocation and the failure bookkeeping around it.
type Service struct {
	storage interfaces.BarrierStorage
	jobs    interfaces.JobStorage
	runs    interfaces.RunStorage
	ledger  interfaces.LedgerService
	bus     interfaces.EventService
	logger  arbor.ILogger

	roundDeadline time.Duration

	mu      sync.RWMutex
	resumer interfaces.SupervisorResumer
}

var _ interfaces.BarrierService = (*Service)(nil)

// NewService creates a barrier service. The supervisor-resume capability
// is injected later via SetResumer because the supervisor itself needs
// this service to register rounds.
func NewService(storage interfaces.BarrierStorage, jobs interfaces.JobStorage, runs interfaces.RunStorage, ledgerSvc interfaces.LedgerService, bus interfaces.EventService, config *common.BarrierConfig, logger arbor.ILogger) *Service {
	deadline := defaultRoundDeadline
	if config != nil && config.DefaultDeadline != "" {
		if d, err := time.ParseDuration(config.DefaultDeadline); err == nil && d > 0 {
			deadline = d
		}
	}

	return &Service{
		storage:       storage,
		jobs:          jobs,
		runs:          runs,
		ledger:        ledgerSvc,
		bus:           bus,
		logger:        logger,
		roundDeadline: deadline,
	}
}

// SetResumer injects the supervisor-resume capability
func (s *Service) SetResumer(resumer interfaces.SupervisorResumer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumer = resumer
}

func (s *Service) getResumer() interfaces.SupervisorResumer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resumer
}

// RegisterRound creates (or reuses) the run's barrier for one round of
// parallel jobs. Worker jobs are written in the created state first, the
// barrier and its round rows committed, and only then are the jobs made
// visible for dispatch. A fast worker can therefore never complete a job
// whose round the barrier does not know about.
func (s *Service) RegisterRound(ctx context.Context, run *models.Run, specs []models.JobSpec, deadline time.Time) (*models.Barrier, error) {
	if len(specs) == 0 {
		return nil, &models.ValidationError{Message: "a barrier round needs at least one job"}
	}
	if deadline.IsZero() {
		deadline = time.Now().Add(s.roundDeadline)
	}

	workerJobs := make([]*models.WorkerJob, 0, len(specs))
	for _, spec := range specs {
		job := models.NewWorkerJob(run.ID, spec)
		if err := s.jobs.SaveJob(ctx, job); err != nil {
			return nil, fmt.Errorf("failed to create worker job: %w", err)
		}
		workerJobs = append(workerJobs, job)
	}

	barrier, err := s.storage.GetBarrierByRun(ctx, run.ID)
	isFirstRound := false
	switch {
	case models.IsNotFound(err):
		barrier = models.NewBarrier(run.ID, len(specs), deadline)
		isFirstRound = true
	case err != nil:
		return nil, err
	default:
		barrier.Reset(len(specs), deadline)
	}

	rows := make([]*models.BarrierJob, 0, len(workerJobs))
	for _, job := range workerJobs {
		rows = append(rows, models.NewBarrierJob(barrier.ID, barrier.Round, job.ID, job.ToolCallID))
	}

	if err := s.storage.RegisterRound(ctx, barrier, rows); err != nil {
		return nil, fmt.Errorf("failed to register barrier round: %w", err)
	}

	barrierEvent := models.EventBarrierReset
	if isFirstRound {
		barrierEvent = models.EventBarrierCreated
	}
	s.appendEvent(ctx, run.ID, barrierEvent, map[string]interface{}{
		"barrier_id":     barrier.ID,
		"round":          barrier.Round,
		"expected_count": barrier.ExpectedCount,
		"deadline_at":    barrier.DeadlineAt,
	})

	// Visibility flip: queued jobs become eligible for dispatch
	jobIDs := make([]string, 0, len(workerJobs))
	for _, job := range workerJobs {
		job.MarkQueued()
		if err := s.jobs.UpdateJob(ctx, job); err != nil {
			return nil, fmt.Errorf("failed to queue worker job %s: %w", job.ID, err)
		}
		jobIDs = append(jobIDs, job.ID)

		s.appendEvent(ctx, run.ID, models.EventJobSpawned, map[string]interface{}{
			"job_id":       job.ID,
			"type":         job.Type,
			"name":         job.Name,
			"tool_call_id": job.ToolCallID,
			"external":     job.External,
		})
	}

	s.publish(ctx, interfaces.EventJobQueued, map[string]interface{}{
		"run_id":  run.ID,
		"job_ids": jobIDs,
	})

	s.logger.Info().
		Str("run_id", run.ID).
		Str("barrier_id", barrier.ID).
		Int("round", barrier.Round).
		Int("expected_count", barrier.ExpectedCount).
		Msg("Barrier round registered")

	return barrier, nil
}

// CheckAndResumeIfComplete runs the atomic completion check for one job.
// The caller whose increment reaches expected_count invokes the resume
// path before this method returns; every other caller just learns what it
// observed.
func (s *Service) CheckAndResumeIfComplete(ctx context.Context, runID, jobID string, completion models.JobCompletion) (models.CompletionOutcome, error) {
	result := completion.Result
	if completion.Error != "" {
		result = completion.Error
	}

	outcome, barrier, err := s.storage.CompleteJob(ctx, runID, jobID, result)
	if err != nil {
		return "", err
	}

	switch outcome {
	case models.OutcomeIgnored:
		s.logger.Debug().
			Str("run_id", runID).
			Str("job_id", jobID).
			Msg("Completion ignored: job is not part of the current round")
		return outcome, nil

	case models.OutcomeSkipped:
		s.logger.Debug().
			Str("run_id", runID).
			Str("job_id", jobID).
			Msg("Completion skipped: barrier already left waiting")
		return outcome, nil
	}

	eventType := models.EventJobCompleted
	if completion.Status == string(models.JobStatusFailed) {
		eventType = models.EventJobFailed
	}
	s.appendEvent(ctx, runID, eventType, map[string]interface{}{
		"job_id":          jobID,
		"worker_id":       completion.WorkerID,
		"status":          completion.Status,
		"completed_count": barrier.CompletedCount,
		"expected_count":  barrier.ExpectedCount,
	})

	if outcome == models.OutcomeResume {
		if err := s.finishRound(ctx, barrier); err != nil {
			return outcome, err
		}
	}

	return outcome, nil
}

// Reap force-completes an expired waiting barrier: still-queued jobs are
// marked timeout and the normal resume path runs with partial results.
func (s *Service) Reap(ctx context.Context, barrier *models.Barrier) error {
	expired, err := s.storage.ExpireBarrier(ctx, barrier.ID)
	if models.IsNotFound(err) {
		// Already resolved between the sweep query and now
		return nil
	}
	if err != nil {
		return err
	}

	rows, err := s.storage.GetBarrierJobs(ctx, expired.ID, expired.Round)
	if err == nil {
		for _, row := range rows {
			if row.Status != models.BarrierJobTimeout {
				continue
			}
			s.appendEvent(ctx, expired.RunID, models.EventJobTimeout, map[string]interface{}{
				"job_id":     row.JobID,
				"barrier_id": expired.ID,
				"round":      expired.Round,
			})
			s.markWorkerJobTimeout(ctx, row.JobID)
		}
	}

	s.logger.Warn().
		Str("run_id", expired.RunID).
		Str("barrier_id", expired.ID).
		Int("round", expired.Round).
		Int("completed", expired.CompletedCount).
		Int("expected", expired.ExpectedCount).
		Msg("Barrier expired, resuming with partial results")

	return s.finishRound(ctx, expired)
}

// finishRound invokes the supervisor-resume capability with the round's
// collected results. Exactly one caller per round gets here: the completion
// whose increment reached expected_count, or the reaper's expiry.
func (s *Service) finishRound(ctx context.Context, barrier *models.Barrier) error {
	run, err := s.runs.GetRun(ctx, barrier.RunID)
	if err != nil {
		return s.failRound(ctx, barrier, nil, fmt.Errorf("run lookup failed: %w", err))
	}

	rows, err := s.storage.GetBarrierJobs(ctx, barrier.ID, barrier.Round)
	if err != nil {
		return s.failRound(ctx, barrier, run, fmt.Errorf("barrier job lookup failed: %w", err))
	}

	results := make([]models.JobResult, 0, len(rows))
	for _, row := range rows {
		results = append(results, models.ResultFromBarrierJob(row))
	}

	s.appendEvent(ctx, barrier.RunID, models.EventBarrierResuming, map[string]interface{}{
		"barrier_id": barrier.ID,
		"round":      barrier.Round,
		"results":    len(results),
	})

	resumer := s.getResumer()
	if resumer == nil {
		return s.failRound(ctx, barrier, run, fmt.Errorf("no supervisor-resume capability configured"))
	}

	outcome, err := resumer.Resume(ctx, run, results)
	if err != nil {
		return s.failRound(ctx, barrier, run, err)
	}

	// A resume that spawned another round has already reset the barrier
	// through RegisterRound; only a finished run closes it out here.
	if outcome != nil && outcome.Finished {
		barrier.MarkCompleted()
		if err := s.storage.UpdateBarrier(ctx, barrier); err != nil {
			s.logger.Warn().Err(err).Str("barrier_id", barrier.ID).Msg("Failed to mark barrier completed")
		}
	}

	return nil
}

// failRound records a resume failure: the barrier and the run are both
// marked failed and the round is not retried.
func (s *Service) failRound(ctx context.Context, barrier *models.Barrier, run *models.Run, cause error) error {
	s.logger.Error().
		Err(cause).
		Str("run_id", barrier.RunID).
		Str("barrier_id", barrier.ID).
		Int("round", barrier.Round).
		Msg("Barrier resume failed")

	barrier.MarkFailed(cause.Error())
	if err := s.storage.UpdateBarrier(ctx, barrier); err != nil {
		s.logger.Error().Err(err).Str("barrier_id", barrier.ID).Msg("Failed to mark barrier failed")
	}

	s.appendEvent(ctx, barrier.RunID, models.EventBarrierFailed, map[string]interface{}{
		"barrier_id": barrier.ID,
		"round":      barrier.Round,
		"error":      cause.Error(),
	})

	if run != nil {
		run.MarkFailed(cause.Error())
		if err := s.runs.UpdateRun(ctx, run); err != nil {
			s.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to mark run failed")
		}
		// Terminal event last: the stream closes on it
		s.appendEvent(ctx, run.ID, models.EventRunFailed, map[string]interface{}{
			"error": cause.Error(),
		})
		s.publish(ctx, interfaces.EventRunStatusChanged, map[string]interface{}{
			"run_id": run.ID,
			"status": string(models.RunStatusFailed),
		})
	}

	return &models.ResumeFailureError{RunID: barrier.RunID, BarrierID: barrier.ID, Err: cause}
}

func (s *Service) markWorkerJobTimeout(ctx context.Context, jobID string) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	if job.IsTerminal() {
		return
	}
	job.MarkTimeout()
	if err := s.jobs.UpdateJob(ctx, job); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to mark worker job timeout")
	}
}

// appendEvent writes a ledger event, logging rather than failing the
// barrier operation when the append cannot be made.
func (s *Service) appendEvent(ctx context.Context, runID, eventType string, payload map[string]interface{}) {
	if s.ledger == nil {
		return
	}
	if _, err := s.ledger.Append(ctx, runID, eventType, payload); err != nil {
		s.logger.Warn().
			Err(err).
			Str("run_id", runID).
			Str("event_type", eventType).
			Msg("Failed to append barrier event")
	}
}

func (s *Service) publish(ctx context.Context, eventType interfaces.EventType, payload map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		s.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish event")
	}
}
