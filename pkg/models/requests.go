// -----------------------------------------------------------------------
// Request Shapes - Run lifecycle API bodies
// -----------------------------------------------------------------------

package models

import "github.com/go-playground/validator/v10"

// StartRunRequest is the body of POST /api/runs
type StartRunRequest struct {
	Task     string `json:"task" validate:"required"`
	ThreadID string `json:"thread_id,omitempty"`
	Model    string `json:"model,omitempty"`
	Profile  string `json:"profile,omitempty"`
}

// Validate checks the request payload
func (r *StartRunRequest) Validate() error {
	return validator.New().Struct(r)
}

// StartRunResponse returns the created run's identity. Callers follow up
// on GET /api/stream/runs/{run_id} for progress.
type StartRunResponse struct {
	RunID    string `json:"run_id"`
	ThreadID string `json:"thread_id"`
	TraceID  string `json:"trace_id,omitempty"`
	Status   string `json:"status"`
}

// ErrorResponse is the uniform error body for non-2xx responses
type ErrorResponse struct {
	Error string `json:"error"`
}
