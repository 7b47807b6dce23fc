package ledger

import (
	"context"

	"github.com/ternarybob/converge/internal/interfaces"
	"github.com/ternarybob/converge/internal/models"
)

// Emitter binds one event producer (the supervisor step, or one worker)
// to its run's ledger. Every producer is handed its own emitter when it is
// created; event identity never travels through ambient context, so
// concurrent workers cannot stamp each other's events.
type Emitter struct {
	ledger interfaces.LedgerService
	runID  string
	source string
}

// NewSupervisorEmitter creates the emitter for a run's supervisor steps
func NewSupervisorEmitter(ledger interfaces.LedgerService, runID string) *Emitter {
	return &Emitter{ledger: ledger, runID: runID, source: "supervisor"}
}

// NewWorkerEmitter creates the emitter for one worker job
func NewWorkerEmitter(ledger interfaces.LedgerService, runID, jobID string) *Emitter {
	return &Emitter{ledger: ledger, runID: runID, source: "worker:" + jobID}
}

// RunID returns the run this emitter appends to
func (e *Emitter) RunID() string {
	return e.runID
}

// Emit appends an event with the producer's source stamped into the
// payload. fields may be nil for events that carry no data.
func (e *Emitter) Emit(ctx context.Context, eventType string, fields map[string]interface{}) (uint64, error) {
	payload := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	payload["source"] = e.source
	return e.ledger.Append(ctx, e.runID, eventType, payload)
}

// EmitTokenDelta appends one incremental output chunk. These are the
// high-volume events include_tokens=false filters out.
func (e *Emitter) EmitTokenDelta(ctx context.Context, text string) (uint64, error) {
	return e.Emit(ctx, models.EventTokenDelta, map[string]interface{}{"text": text})
}

// EmitToolResult appends a tool invocation result
func (e *Emitter) EmitToolResult(ctx context.Context, toolCallID, result string) (uint64, error) {
	return e.Emit(ctx, models.EventToolResult, map[string]interface{}{
		"tool_call_id": toolCallID,
		"result":       result,
	})
}

// EmitError appends an error event
func (e *Emitter) EmitError(ctx context.Context, message string) (uint64, error) {
	return e.Emit(ctx, models.EventError, map[string]interface{}{"message": message})
}
