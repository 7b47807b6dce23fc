// -----------------------------------------------------------------------
// Continuation Service - Re-enters deferred runs from external triggers
// -----------------------------------------------------------------------

package continuation

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/converge/internal/interfaces"
	"github.com/ternarybob/converge/internal/models"
	api "github.com/ternarybob/converge/pkg/models"
)

// Service re-enters a supervisor run whose original process context is
// gone. A deferred run has a barrier round in flight but nobody waiting
// on it; the external trigger carries the missing completion and the
// coordinator rebuilds enough context from storage to invoke the
// supervisor again in a fresh run.
type Service struct {
	runs       interfaces.RunStorage
	jobs       interfaces.JobStorage
	messages   interfaces.MessageStorage
	ledger     interfaces.LedgerService
	supervisor interfaces.SupervisorService
	logger     arbor.ILogger
}

// NewService creates a continuation coordinator
func NewService(
	runs interfaces.RunStorage,
	jobs interfaces.JobStorage,
	messages interfaces.MessageStorage,
	ledger interfaces.LedgerService,
	supervisor interfaces.SupervisorService,
	logger arbor.ILogger,
) *Service {
	return &Service{
		runs:       runs,
		jobs:       jobs,
		messages:   messages,
		ledger:     ledger,
		supervisor: supervisor,
		logger:     logger,
	}
}

// Continue handles an external continuation trigger for the given run.
// Unknown runs return models.ErrNotFound. Runs in any status other than
// deferred are skipped, which is a normal outcome rather than an error:
// the trigger may race a run that is still actively executing.
func (s *Service) Continue(ctx context.Context, runID string, trigger *api.ContinuationTrigger) (*api.ContinuationResponse, error) {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	if run.Status != models.RunStatusDeferred {
		s.logger.Info().
			Str("run_id", runID).
			Str("status", string(run.Status)).
			Str("job_id", trigger.JobID).
			Msg("Continuation trigger skipped, run is not deferred")
		return &api.ContinuationResponse{
			Status:        api.ContinuationSkipped,
			OriginalRunID: run.ID,
			Message:       fmt.Sprintf("run is not deferred (status %s)", run.Status),
		}, nil
	}

	// The synthetic tool result lands in the original thread first, so
	// the continuation run's supervisor step sees it as history.
	toolCallID := s.resolveToolCallID(ctx, trigger.JobID)
	msg := models.NewToolResultMessage(run.ThreadID, run.ID, toolCallID, s.resultContent(trigger))
	if err := s.messages.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to inject tool result for run %s: %w", runID, err)
	}

	next := models.NewContinuationRun(run, continuationTask(run, trigger))
	if err := s.runs.SaveRun(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to create continuation run for %s: %w", runID, err)
	}

	if _, err := s.ledger.Append(ctx, run.ID, models.EventContinuationTriggered, map[string]interface{}{
		"continuation_run_id": next.ID,
		"job_id":              trigger.JobID,
		"worker_id":           trigger.WorkerID,
		"status":              trigger.Status,
	}); err != nil {
		s.logger.Warn().Err(err).
			Str("run_id", run.ID).
			Msg("Failed to append continuation event")
	}

	s.logger.Info().
		Str("run_id", run.ID).
		Str("continuation_run_id", next.ID).
		Str("thread_id", run.ThreadID).
		Str("job_id", trigger.JobID).
		Msg("Continuation triggered")

	if err := s.supervisor.ExecuteRun(ctx, next); err != nil {
		// The continuation run records its own failure; the trigger
		// itself still succeeded in re-entering the supervisor.
		s.logger.Error().Err(err).
			Str("run_id", next.ID).
			Msg("Continuation run failed")
	}

	return &api.ContinuationResponse{
		Status:          api.ContinuationTriggered,
		OriginalRunID:   run.ID,
		ContinuationRun: next.ID,
	}, nil
}

// resolveToolCallID recovers the tool-call identity the original
// supervisor step assigned to the job. External triggers only know the
// job id; falling back to it keeps the synthetic message well-formed
// when the job row is gone.
func (s *Service) resolveToolCallID(ctx context.Context, jobID string) string {
	if jobID == "" {
		return ""
	}
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil || job.ToolCallID == "" {
		return jobID
	}
	return job.ToolCallID
}

func (s *Service) resultContent(trigger *api.ContinuationTrigger) string {
	if trigger.ResultSummary != "" {
		return trigger.ResultSummary
	}
	return fmt.Sprintf("worker %s reported status %s", trigger.WorkerID, trigger.Status)
}

func continuationTask(run *models.Run, trigger *api.ContinuationTrigger) string {
	return fmt.Sprintf(
		"[CONTINUATION] Worker job %s finished with status %s while the run was deferred. "+
			"Use the tool result now in the thread to finish the original task: %s",
		trigger.JobID, trigger.Status, run.Task,
	)
}
