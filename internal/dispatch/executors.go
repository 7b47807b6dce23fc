// -----------------------------------------------------------------------
// Executors - Built-in worker job types
// -----------------------------------------------------------------------

package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/converge/internal/interfaces"
	"github.com/ternarybob/converge/internal/models"
	"github.com/ternarybob/converge/internal/services/ledger"
)

// LLMExecutor runs llm jobs: one provider completion per job. Token deltas
// stream into the run's ledger through the worker's emitter, so their
// source field distinguishes them from supervisor output.
type LLMExecutor struct {
	provider interfaces.LLMProvider
	logger   arbor.ILogger
}

// NewLLMExecutor creates the executor for llm worker jobs
func NewLLMExecutor(provider interfaces.LLMProvider, logger arbor.ILogger) *LLMExecutor {
	return &LLMExecutor{provider: provider, logger: logger}
}

// Execute runs the job's prompt against the provider and returns the
// accumulated response text.
func (e *LLMExecutor) Execute(ctx context.Context, job *models.WorkerJob, emitter *ledger.Emitter) (string, error) {
	prompt, ok := job.GetPayloadString("prompt")
	if !ok || strings.TrimSpace(prompt) == "" {
		return "", &models.ValidationError{Message: "llm job payload needs a prompt"}
	}

	request := &interfaces.ContentRequest{
		Messages: []interfaces.Message{{Role: "user", Content: prompt}},
	}
	if system, ok := job.GetPayloadString("system"); ok {
		request.SystemInstruction = system
	}
	if model, ok := job.GetPayloadString("model"); ok {
		request.Model = model
	}
	if maxTokens, ok := job.GetPayloadInt("max_tokens"); ok {
		request.MaxTokens = maxTokens
	}

	response, err := e.provider.GenerateContentStream(ctx, request, func(text string) error {
		if _, emitErr := emitter.EmitTokenDelta(ctx, text); emitErr != nil {
			e.logger.Debug().Err(emitErr).Str("job_id", job.ID).Msg("Failed to append worker token delta")
		}
		// A failed token append must not abort the stream; the full
		// response lands in the job result either way.
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("llm job failed: %w", err)
	}

	return response.Text, nil
}

// EchoExecutor returns the job payload message unchanged. Deterministic,
// so tests and pipeline smoke checks use it to drive the full dispatch and
// barrier path without a provider.
type EchoExecutor struct{}

// NewEchoExecutor creates the executor for echo worker jobs
func NewEchoExecutor() *EchoExecutor {
	return &EchoExecutor{}
}

// Execute returns the payload message, or the job name when no message is
// set. A "fail" payload flag forces an error and "delay_ms" holds the
// response, both for exercising failure and timeout paths.
func (e *EchoExecutor) Execute(ctx context.Context, job *models.WorkerJob, emitter *ledger.Emitter) (string, error) {
	if delayMS, ok := job.GetPayloadInt("delay_ms"); ok && delayMS > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(delayMS) * time.Millisecond):
		}
	}

	if fail, ok := job.GetPayloadBool("fail"); ok && fail {
		return "", fmt.Errorf("echo job %s instructed to fail", job.ID)
	}

	if message, ok := job.GetPayloadString("message"); ok {
		return message, nil
	}
	return job.Name, nil
}
