package models

import (
	"github.com/google/uuid"
)

// NewRunID generates a unique run ID with the "run_" prefix
// Format: run_<uuid>
func NewRunID() string {
	return "run_" + uuid.New().String()
}

// NewJobID generates a unique worker job ID with the "job_" prefix
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewBarrierID generates a unique barrier ID with the "bar_" prefix
func NewBarrierID() string {
	return "bar_" + uuid.New().String()
}

// NewMessageID generates a unique message ID with the "msg_" prefix
func NewMessageID() string {
	return "msg_" + uuid.New().String()
}

// NewThreadID generates a unique thread ID with the "thr_" prefix
func NewThreadID() string {
	return "thr_" + uuid.New().String()
}

// NewToolCallID generates a unique tool call ID with the "call_" prefix.
// Tool call ids tie a spawned job's result back to the supervisor turn
// that requested it.
func NewToolCallID() string {
	return "call_" + uuid.New().String()
}

// NewTraceID generates a unique trace ID with the "trc_" prefix
func NewTraceID() string {
	return "trc_" + uuid.New().String()
}
