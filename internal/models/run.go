// -----------------------------------------------------------------------
// Run - One supervisor execution for a conversation/task
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// RunStatus represents the state of a supervisor run
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusWaiting  RunStatus = "waiting"
	RunStatusDeferred RunStatus = "deferred"
	RunStatusSuccess  RunStatus = "success"
	RunStatusFailed   RunStatus = "failed"
)

// Run represents one supervisor execution. A run is created when a task is
// submitted, moves to waiting/deferred while a barrier round is in flight,
// and is terminal once success or failed.
//
// Run Lifecycle:
//  1. running  - supervisor step is executing
//  2. waiting  - a barrier round is in flight, local workers will call back
//  3. deferred - a barrier round is in flight but the original process
//     context is gone; an external trigger re-enters via continuation
//  4. success/failed - terminal
//
// ContinuationOfRunID forms a linked list of continuations: a deferred run
// that is continued produces a new Run pointing back at the original.
type Run struct {
	ID                  string    `json:"id" badgerhold:"key"`
	ThreadID            string    `json:"thread_id" badgerhold:"index"`
	TraceID             string    `json:"trace_id,omitempty"`
	Model               string    `json:"model,omitempty"`
	Profile             string    `json:"profile,omitempty"`
	Task                string    `json:"task"`
	Status              RunStatus `json:"status" badgerhold:"index"`
	ContinuationOfRunID string    `json:"continuation_of_run_id,omitempty"`
	Output              string    `json:"output,omitempty"`
	Error               string    `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewRun creates a new run in running status
func NewRun(threadID, task string) *Run {
	now := time.Now()
	return &Run{
		ID:        NewRunID(),
		ThreadID:  threadID,
		TraceID:   NewTraceID(),
		Task:      task,
		Status:    RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
		StartedAt: &now,
	}
}

// NewContinuationRun creates a run that continues a deferred original.
// Thread, model, profile and trace identity are inherited so the new run
// participates in the same logical conversation.
func NewContinuationRun(original *Run, task string) *Run {
	run := NewRun(original.ThreadID, task)
	run.Model = original.Model
	run.Profile = original.Profile
	run.TraceID = original.TraceID
	run.ContinuationOfRunID = original.ID
	return run
}

// MarkWaiting marks the run as waiting on a barrier round
func (r *Run) MarkWaiting() {
	r.Status = RunStatusWaiting
	r.UpdatedAt = time.Now()
}

// MarkDeferred marks the run as deferred: the wait survives in durable
// state only, to be re-entered by an external trigger.
func (r *Run) MarkDeferred() {
	r.Status = RunStatusDeferred
	r.UpdatedAt = time.Now()
}

// MarkResumed moves the run back to running when a barrier resume fires
func (r *Run) MarkResumed() {
	r.Status = RunStatusRunning
	r.UpdatedAt = time.Now()
}

// MarkCompleted marks the run successful with its final output
func (r *Run) MarkCompleted(output string) {
	r.Status = RunStatusSuccess
	r.Output = output
	now := time.Now()
	r.UpdatedAt = now
	r.CompletedAt = &now
}

// MarkFailed marks the run failed with an error message
func (r *Run) MarkFailed(errorMsg string) {
	r.Status = RunStatusFailed
	r.Error = errorMsg
	now := time.Now()
	r.UpdatedAt = now
	r.CompletedAt = &now
}

// IsTerminal returns true if the run reached success or failed
func (r *Run) IsTerminal() bool {
	return r.Status == RunStatusSuccess || r.Status == RunStatusFailed
}

// IsActive returns true while the run is running, waiting or deferred
func (r *Run) IsActive() bool {
	return !r.IsTerminal()
}

// IsContinuation returns true if this run continues an earlier deferred run
func (r *Run) IsContinuation() bool {
	return r.ContinuationOfRunID != ""
}

// ToJSON serializes the run
func (r *Run) ToJSON() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run: %w", err)
	}
	return data, nil
}

// RunFromJSON deserializes a run
func RunFromJSON(data []byte) (*Run, error) {
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &run, nil
}

// Validate validates required run fields
func (r *Run) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("run ID is required")
	}
	if r.ThreadID == "" {
		return fmt.Errorf("run thread ID is required")
	}
	if r.Task == "" {
		return fmt.Errorf("run task is required")
	}
	if r.Status == "" {
		return fmt.Errorf("run status is required")
	}
	return nil
}
