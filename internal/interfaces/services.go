package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/converge/internal/models"
)

// LedgerService is the append-only per-run event log. Append marshals the
// payload before any write and returns a *models.SerializationError (with
// no row written) when it cannot be represented.
type LedgerService interface {
	Append(ctx context.Context, runID, eventType string, payload interface{}) (uint64, error)
	GetEventsAfter(ctx context.Context, runID string, afterID uint64, includeTokens bool) ([]*models.Event, error)
	GetLatestEventID(ctx context.Context, runID string) (uint64, error)
	GetEventCount(ctx context.Context, runID, eventType string) (int, error)
	DeleteEventsForRun(ctx context.Context, runID string) (int, error)
}

// BarrierService is the fan-out/fan-in primitive: it registers rounds of
// parallel work and guarantees at-most-one resume per round.
type BarrierService interface {
	// RegisterRound creates (or reuses) the run's barrier for a round of
	// parallel jobs: worker jobs are created in the pre-visibility state,
	// barrier job rows written, then the jobs made visible for dispatch.
	RegisterRound(ctx context.Context, run *models.Run, specs []models.JobSpec, deadline time.Time) (*models.Barrier, error)

	// CheckAndResumeIfComplete runs the atomic completion check for one
	// job. Exactly one caller per round observes OutcomeResume and invokes
	// the supervisor-resume capability before returning.
	CheckAndResumeIfComplete(ctx context.Context, runID, jobID string, completion models.JobCompletion) (models.CompletionOutcome, error)

	// Reap force-completes an expired waiting barrier: still-queued jobs
	// are marked timeout and the same resume path runs with partial
	// results plus explicit timeout markers.
	Reap(ctx context.Context, barrier *models.Barrier) error
}

// SupervisorResumer is the injected supervisor-resume capability the
// barrier invokes when a round completes.
type SupervisorResumer interface {
	Resume(ctx context.Context, run *models.Run, results []models.JobResult) (*models.ResumeOutcome, error)
}

// StartRunRequest carries a new task for the supervisor
type StartRunRequest struct {
	Task     string
	ThreadID string
	Model    string
	Profile  string
}

// SupervisorService runs supervisor steps: an opaque "run a step, either
// finish or spawn more workers" capability built on an LLM provider.
type SupervisorService interface {
	SupervisorResumer

	// StartRun creates a run and executes its first step.
	StartRun(ctx context.Context, req *StartRunRequest) (*models.Run, error)

	// ExecuteRun executes the first step of an already-created run
	// (continuations re-enter here).
	ExecuteRun(ctx context.Context, run *models.Run) error
}
