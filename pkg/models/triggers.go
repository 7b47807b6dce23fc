// -----------------------------------------------------------------------
// Trigger Shapes - External callbacks that re-enter a run
// Validated with go-playground/validator tags
// -----------------------------------------------------------------------

package models

import "github.com/go-playground/validator/v10"

// TriggerWorkerComplete is the trigger value external workers send when
// they finish. Other trigger values are reserved.
const TriggerWorkerComplete = "worker_complete"

// WorkerCompletion is the body of POST /api/runs/{id}/jobs/{job_id}/complete.
// Local workers report through the dispatcher; external workers (webhooks,
// remote agents) report through this endpoint instead.
type WorkerCompletion struct {
	WorkerID string `json:"worker_id" validate:"required"`
	Status   string `json:"status" validate:"required,oneof=completed failed"`
	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Validate checks the completion payload
func (w *WorkerCompletion) Validate() error {
	return validator.New().Struct(w)
}

// ContinuationTrigger is the body of POST /api/runs/{id}/continue: an
// external signal that a deferred run's outstanding work has finished and
// the supervisor should be re-entered.
type ContinuationTrigger struct {
	Trigger       string `json:"trigger" validate:"required,oneof=worker_complete"`
	JobID         string `json:"job_id" validate:"required"`
	WorkerID      string `json:"worker_id" validate:"required"`
	Status        string `json:"status" validate:"required,oneof=completed failed"`
	ResultSummary string `json:"result_summary,omitempty"`
}

// Validate checks the trigger payload
func (t *ContinuationTrigger) Validate() error {
	return validator.New().Struct(t)
}

// Continuation response statuses
const (
	ContinuationTriggered = "continuation_triggered"
	ContinuationSkipped   = "skipped"
)

// ContinuationResponse reports what the coordinator did with a trigger.
// A skipped trigger is a normal outcome, not an error: the run may
// legitimately still be running when the external signal arrives.
type ContinuationResponse struct {
	Status          string `json:"status"`
	OriginalRunID   string `json:"original_run_id"`
	ContinuationRun string `json:"continuation_run_id,omitempty"`
	Message         string `json:"message,omitempty"`
}
