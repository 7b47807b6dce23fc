// -----------------------------------------------------------------------
// Barrier - Fan-in gate for one round of parallel work on a run
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"time"
)

// BarrierStatus represents the state of a barrier
type BarrierStatus string

const (
	BarrierStatusWaiting   BarrierStatus = "waiting"
	BarrierStatusResuming  BarrierStatus = "resuming"
	BarrierStatusCompleted BarrierStatus = "completed"
	BarrierStatusFailed    BarrierStatus = "failed"
)

// BarrierJobStatus represents the state of one job within a barrier round
type BarrierJobStatus string

const (
	BarrierJobQueued    BarrierJobStatus = "queued"
	BarrierJobCompleted BarrierJobStatus = "completed"
	BarrierJobTimeout   BarrierJobStatus = "timeout"
)

// CompletionOutcome is the result of a barrier completion check
type CompletionOutcome string

const (
	// OutcomeResume: this caller's increment reached expected_count and it
	// must invoke the supervisor-resume capability.
	OutcomeResume CompletionOutcome = "resume"
	// OutcomeSkipped: the barrier already left waiting, another caller won.
	OutcomeSkipped CompletionOutcome = "skipped"
	// OutcomeWaitingForMore: counted, but the round is not complete yet.
	OutcomeWaitingForMore CompletionOutcome = "waiting_for_more"
	// OutcomeIgnored: the job does not belong to the current waiting round
	// (late completion from a previous round).
	OutcomeIgnored CompletionOutcome = "ignored"
)

// Barrier tracks expected vs completed worker counts for one supervisor
// run. There is exactly one barrier per run; its ID is stable across rounds
// of reuse. Invariant: CompletedCount <= ExpectedCount; status moves
// waiting -> resuming exactly once per round.
type Barrier struct {
	ID             string        `json:"id" badgerhold:"key"`
	RunID          string        `json:"run_id" badgerhold:"index"`
	Round          int           `json:"round"`
	ExpectedCount  int           `json:"expected_count"`
	CompletedCount int           `json:"completed_count"`
	Status         BarrierStatus `json:"status" badgerhold:"index"`
	DeadlineAt     time.Time     `json:"deadline_at"`
	Error          string        `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewBarrier creates a barrier for a run's first round of parallel work
func NewBarrier(runID string, expectedCount int, deadline time.Time) *Barrier {
	now := time.Now()
	return &Barrier{
		ID:            NewBarrierID(),
		RunID:         runID,
		Round:         1,
		ExpectedCount: expectedCount,
		Status:        BarrierStatusWaiting,
		DeadlineAt:    deadline,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Reset reuses the barrier for a new round of parallel work. Identity (ID)
// is preserved so late completions from the previous round cannot be
// confused with the new one.
func (b *Barrier) Reset(expectedCount int, deadline time.Time) {
	b.Round++
	b.ExpectedCount = expectedCount
	b.CompletedCount = 0
	b.Status = BarrierStatusWaiting
	b.DeadlineAt = deadline
	b.Error = ""
	b.UpdatedAt = time.Now()
}

// MarkResuming flips the barrier out of waiting. The caller whose increment
// reached ExpectedCount performs this inside the same transaction as the
// increment.
func (b *Barrier) MarkResuming() {
	b.Status = BarrierStatusResuming
	b.UpdatedAt = time.Now()
}

// MarkCompleted marks the round resolved without a further round
func (b *Barrier) MarkCompleted() {
	b.Status = BarrierStatusCompleted
	b.UpdatedAt = time.Now()
}

// MarkFailed records a resume failure on the barrier
func (b *Barrier) MarkFailed(errorMsg string) {
	b.Status = BarrierStatusFailed
	b.Error = errorMsg
	b.UpdatedAt = time.Now()
}

// IsWaiting returns true while the barrier accepts completions
func (b *Barrier) IsWaiting() bool {
	return b.Status == BarrierStatusWaiting
}

// IsExpired returns true if the barrier deadline has passed
func (b *Barrier) IsExpired(now time.Time) bool {
	return now.After(b.DeadlineAt)
}

// Validate validates barrier invariants
func (b *Barrier) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("barrier ID is required")
	}
	if b.RunID == "" {
		return fmt.Errorf("barrier run ID is required")
	}
	if b.ExpectedCount < 1 {
		return fmt.Errorf("barrier expected count must be at least 1")
	}
	if b.CompletedCount > b.ExpectedCount {
		return fmt.Errorf("barrier completed count %d exceeds expected count %d", b.CompletedCount, b.ExpectedCount)
	}
	return nil
}

// BarrierJob is the join row between a barrier round and a worker job.
// Rows from previous rounds persist as history; only the terminal status
// write mutates a row after its round resolves.
type BarrierJob struct {
	Key        string           `json:"key" badgerhold:"key"` // <barrierID>_<round>_<jobID>
	BarrierID  string           `json:"barrier_id" badgerhold:"index"`
	Round      int              `json:"round"`
	JobID      string           `json:"job_id" badgerhold:"index"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Status     BarrierJobStatus `json:"status"`
	Result     string           `json:"result,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// BarrierJobKey builds the composite key for one job in one round
func BarrierJobKey(barrierID string, round int, jobID string) string {
	return fmt.Sprintf("%s_%d_%s", barrierID, round, jobID)
}

// NewBarrierJob registers a worker job with a barrier round
func NewBarrierJob(barrierID string, round int, jobID, toolCallID string) *BarrierJob {
	return &BarrierJob{
		Key:        BarrierJobKey(barrierID, round, jobID),
		BarrierID:  barrierID,
		Round:      round,
		JobID:      jobID,
		ToolCallID: toolCallID,
		Status:     BarrierJobQueued,
		CreatedAt:  time.Now(),
	}
}

// MarkCompleted records the job's result for this round
func (bj *BarrierJob) MarkCompleted(result string) {
	bj.Status = BarrierJobCompleted
	bj.Result = result
	now := time.Now()
	bj.CompletedAt = &now
}

// MarkTimeout records that the job never reported before the deadline
func (bj *BarrierJob) MarkTimeout() {
	bj.Status = BarrierJobTimeout
	now := time.Now()
	bj.CompletedAt = &now
}

// JobResult is what the supervisor-resume capability receives per job of a
// resolved round. Timed-out jobs carry an explicit marker, never a silent
// omission.
type JobResult struct {
	JobID      string `json:"job_id"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Status     string `json:"status"`
	Result     string `json:"result,omitempty"`
	TimedOut   bool   `json:"timed_out,omitempty"`
}

// ResultFromBarrierJob converts a resolved barrier job row to a JobResult
func ResultFromBarrierJob(bj *BarrierJob) JobResult {
	res := JobResult{
		JobID:      bj.JobID,
		ToolCallID: bj.ToolCallID,
		Status:     string(bj.Status),
		Result:     bj.Result,
	}
	if bj.Status == BarrierJobTimeout {
		res.TimedOut = true
		res.Result = "did not complete before deadline"
	}
	return res
}
