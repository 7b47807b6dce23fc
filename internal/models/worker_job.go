// -----------------------------------------------------------------------
// Worker Job - One unit of parallel work spawned by a run
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the state of a worker job
type JobStatus string

const (
	// JobStatusCreated is the pre-visibility phase: the row exists but is
	// not eligible for dispatch until its barrier round has registered it.
	// This prevents a fast-starting worker from racing the barrier's own
	// creation.
	JobStatusCreated   JobStatus = "created"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusTimeout   JobStatus = "timeout"
)

// Built-in worker job types. External jobs may carry any type string; the
// dispatcher only executes types registered with it.
const (
	JobTypeLLM      = "llm"
	JobTypeWebFetch = "web_fetch"
	JobTypeEcho     = "echo"
)

// JobSpec describes a worker job to spawn for a barrier round
type JobSpec struct {
	Type       string                 `json:"type"`
	Name       string                 `json:"name,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	// External jobs are executed outside this process and report back via
	// the worker-completion trigger; the dispatcher never picks them up.
	External bool `json:"external,omitempty"`
}

// WorkerJob represents one unit of spawned work owned by a run. Jobs are
// deleted only via cascading run deletion.
type WorkerJob struct {
	ID         string                 `json:"id" badgerhold:"key"`
	RunID      string                 `json:"run_id" badgerhold:"index"`
	Type       string                 `json:"type"`
	Name       string                 `json:"name,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	Status     JobStatus              `json:"status" badgerhold:"index"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Result     string                 `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
	WorkerID   string                 `json:"worker_id,omitempty"`
	External   bool                   `json:"external"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewWorkerJob creates a worker job from a spec in the created
// (pre-visibility) state.
func NewWorkerJob(runID string, spec JobSpec) *WorkerJob {
	now := time.Now()
	name := spec.Name
	if name == "" {
		name = spec.Type
	}
	return &WorkerJob{
		ID:         NewJobID(),
		RunID:      runID,
		Type:       spec.Type,
		Name:       name,
		ToolCallID: spec.ToolCallID,
		Status:     JobStatusCreated,
		Payload:    spec.Payload,
		External:   spec.External,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// MarkQueued makes the job visible for dispatch. Called once its barrier
// round has been registered.
func (j *WorkerJob) MarkQueued() {
	j.Status = JobStatusQueued
	j.UpdatedAt = time.Now()
}

// MarkStarted marks the job as claimed by a worker
func (j *WorkerJob) MarkStarted(workerID string) {
	j.Status = JobStatusRunning
	j.WorkerID = workerID
	now := time.Now()
	j.UpdatedAt = now
	j.StartedAt = &now
}

// MarkCompleted marks the job completed with its result
func (j *WorkerJob) MarkCompleted(result string) {
	j.Status = JobStatusCompleted
	j.Result = result
	now := time.Now()
	j.UpdatedAt = now
	j.CompletedAt = &now
}

// MarkFailed marks the job failed with an error message
func (j *WorkerJob) MarkFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.Error = errorMsg
	now := time.Now()
	j.UpdatedAt = now
	j.CompletedAt = &now
}

// MarkTimeout marks the job timed out. Set by the reaper when the owning
// barrier round expires before the job reports.
func (j *WorkerJob) MarkTimeout() {
	j.Status = JobStatusTimeout
	now := time.Now()
	j.UpdatedAt = now
	j.CompletedAt = &now
}

// IsTerminal returns true if the job is in a terminal state
func (j *WorkerJob) IsTerminal() bool {
	return j.Status == JobStatusCompleted ||
		j.Status == JobStatusFailed ||
		j.Status == JobStatusTimeout
}

// ToJSON serializes the worker job
func (j *WorkerJob) ToJSON() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal worker job: %w", err)
	}
	return data, nil
}

// WorkerJobFromJSON deserializes a worker job
func WorkerJobFromJSON(data []byte) (*WorkerJob, error) {
	var job WorkerJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal worker job: %w", err)
	}
	return &job, nil
}

// GetPayloadString retrieves a string value from the job payload
func (j *WorkerJob) GetPayloadString(key string) (string, bool) {
	val, ok := j.Payload[key]
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

// GetPayloadInt retrieves an int value from the job payload
func (j *WorkerJob) GetPayloadInt(key string) (int, bool) {
	val, ok := j.Payload[key]
	if !ok {
		return 0, false
	}

	// JSON unmarshaling converts numbers to float64
	switch v := val.(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// GetPayloadBool retrieves a bool value from the job payload
func (j *WorkerJob) GetPayloadBool(key string) (bool, bool) {
	val, ok := j.Payload[key]
	if !ok {
		return false, false
	}
	b, ok := val.(bool)
	return b, ok
}
