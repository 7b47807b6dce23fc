// -----------------------------------------------------------------------
// Last Modified: Tuesday, 18th August 2026 4:42:17 pm
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/converge/internal/models"
)

// RunListOptions filters run listings
type RunListOptions struct {
	Status string
	Limit  int
	Offset int
}

// RunStorage - interface for supervisor run persistence
type RunStorage interface {
	SaveRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	UpdateRun(ctx context.Context, run *models.Run) error
	ListRuns(ctx context.Context, opts *RunListOptions) ([]*models.Run, error)
	CountRuns(ctx context.Context, status string) (int, error)
	DeleteRun(ctx context.Context, id string) error
}

// JobStorage - interface for worker job persistence
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.WorkerJob) error
	GetJob(ctx context.Context, id string) (*models.WorkerJob, error)
	UpdateJob(ctx context.Context, job *models.WorkerJob) error
	GetJobsByRun(ctx context.Context, runID string) ([]*models.WorkerJob, error)
	// GetQueuedJobs returns dispatchable jobs: status queued and not
	// external, oldest first.
	GetQueuedJobs(ctx context.Context, limit int) ([]*models.WorkerJob, error)
	// ClaimJob atomically moves a queued job to running for the given
	// worker. Returns models.ErrNotFound if the job was already claimed.
	ClaimJob(ctx context.Context, jobID, workerID string) (*models.WorkerJob, error)
	CountJobs(ctx context.Context, status string) (int, error)
	DeleteJobsForRun(ctx context.Context, runID string) (int, error)
}

// BarrierStorage - interface for barrier and barrier job persistence.
// Mutators that must be exclusive against concurrent updates to the same
// barrier row run inside a single serializable transaction.
type BarrierStorage interface {
	SaveBarrier(ctx context.Context, barrier *models.Barrier) error
	GetBarrier(ctx context.Context, id string) (*models.Barrier, error)
	GetBarrierByRun(ctx context.Context, runID string) (*models.Barrier, error)
	UpdateBarrier(ctx context.Context, barrier *models.Barrier) error

	SaveBarrierJobs(ctx context.Context, jobs []*models.BarrierJob) error
	GetBarrierJobs(ctx context.Context, barrierID string, round int) ([]*models.BarrierJob, error)

	// RegisterRound resets (or initializes) the barrier for a new round and
	// writes its barrier job rows in one transaction.
	RegisterRound(ctx context.Context, barrier *models.Barrier, jobs []*models.BarrierJob) error

	// CompleteJob performs the barrier's atomic completion check: mark the
	// round's job row completed with its result, increment completed_count,
	// and flip the barrier to resuming when the increment reaches
	// expected_count. The whole check runs in one serializable transaction
	// retried on conflict; outcome reports what this caller observed.
	CompleteJob(ctx context.Context, runID, jobID, result string) (models.CompletionOutcome, *models.Barrier, error)

	// ExpireBarrier marks every queued job row of the barrier's current
	// round timeout and flips the barrier to resuming, in one transaction.
	// Returns models.ErrNotFound if the barrier is no longer waiting.
	ExpireBarrier(ctx context.Context, barrierID string) (*models.Barrier, error)

	// GetExpiredWaiting returns barriers with status waiting and
	// deadline_at before now.
	GetExpiredWaiting(ctx context.Context, now time.Time) ([]*models.Barrier, error)

	DeleteBarrierForRun(ctx context.Context, runID string) (int, error)
}

// EventStorage - interface for the append-only per-run event ledger.
// Requires ordered replay on (run_id, id).
type EventStorage interface {
	// Append assigns the run's next event id and inserts the row in one
	// transaction, returning the persisted event. Payload must already be
	// marshaled.
	Append(ctx context.Context, runID, eventType string, payload []byte) (*models.Event, error)
	GetEventsAfter(ctx context.Context, runID string, afterID uint64, includeTokens bool) ([]*models.Event, error)
	GetLatestEventID(ctx context.Context, runID string) (uint64, error)
	GetEventCount(ctx context.Context, runID, eventType string) (int, error)
	DeleteEventsForRun(ctx context.Context, runID string) (int, error)
}

// MessageStorage - interface for conversation thread persistence
type MessageStorage interface {
	SaveMessage(ctx context.Context, msg *models.Message) error
	GetMessagesByThread(ctx context.Context, threadID string) ([]*models.Message, error)
	DeleteMessagesForRun(ctx context.Context, runID string) (int, error)
}

// KeyValueStorage - interface for small operational values (API keys)
type KeyValueStorage interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// StorageManager provides access to all storage interfaces
type StorageManager interface {
	RunStorage() RunStorage
	JobStorage() JobStorage
	BarrierStorage() BarrierStorage
	EventStorage() EventStorage
	MessageStorage() MessageStorage
	KeyValueStorage() KeyValueStorage
	Close() error
}
