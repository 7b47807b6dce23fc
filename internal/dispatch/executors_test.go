package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/converge/internal/common"
	"github.com/ternarybob/converge/internal/interfaces"
	"github.com/ternarybob/converge/internal/models"
	"github.com/ternarybob/converge/internal/services/ledger"
	"github.com/ternarybob/converge/internal/storage/badger"
)

// stubProvider plays back one canned response, streaming it in small
// chunks, and records the requests it saw
type stubProvider struct {
	mu       sync.Mutex
	response string
	err      error
	requests []*interfaces.ContentRequest
}

func (p *stubProvider) record(request *interfaces.ContentRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, request)
	if p.err != nil {
		return "", p.err
	}
	return p.response, nil
}

func (p *stubProvider) GenerateContent(ctx context.Context, request *interfaces.ContentRequest) (*interfaces.ContentResponse, error) {
	text, err := p.record(request)
	if err != nil {
		return nil, err
	}
	return &interfaces.ContentResponse{Text: text, Provider: "stub", Model: request.Model}, nil
}

func (p *stubProvider) GenerateContentStream(ctx context.Context, request *interfaces.ContentRequest, onToken interfaces.TokenCallback) (*interfaces.ContentResponse, error) {
	text, err := p.record(request)
	if err != nil {
		return nil, err
	}
	if onToken != nil {
		remaining := text
		for len(remaining) > 0 {
			size := 8
			if size > len(remaining) {
				size = len(remaining)
			}
			if err := onToken(remaining[:size]); err != nil {
				return nil, err
			}
			remaining = remaining[size:]
		}
	}
	return &interfaces.ContentResponse{Text: text, Provider: "stub", Model: request.Model}, nil
}

func (p *stubProvider) Close() error { return nil }

func (p *stubProvider) lastRequest(t *testing.T) *interfaces.ContentRequest {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		t.Fatal("provider was never called")
	}
	return p.requests[len(p.requests)-1]
}

func newTestLedger(t *testing.T) interfaces.LedgerService {
	t.Helper()
	logger := arbor.NewLogger()

	manager, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { manager.Close() })

	return ledger.NewService(manager.EventStorage(), nil, logger)
}

func echoJob(payload map[string]interface{}) *models.WorkerJob {
	return models.NewWorkerJob("run_echo", models.JobSpec{
		Type:    models.JobTypeEcho,
		Name:    "echo",
		Payload: payload,
	})
}

func TestEchoExecutor_ReturnsMessage(t *testing.T) {
	executor := NewEchoExecutor()

	result, err := executor.Execute(context.Background(), echoJob(map[string]interface{}{"message": "ping"}), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result != "ping" {
		t.Errorf("result = %q, want %q", result, "ping")
	}
}

func TestEchoExecutor_FallsBackToJobName(t *testing.T) {
	executor := NewEchoExecutor()

	result, err := executor.Execute(context.Background(), echoJob(nil), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result != "echo" {
		t.Errorf("result = %q, want job name %q", result, "echo")
	}
}

func TestEchoExecutor_FailFlagErrors(t *testing.T) {
	executor := NewEchoExecutor()

	_, err := executor.Execute(context.Background(), echoJob(map[string]interface{}{"fail": true}), nil)
	if err == nil {
		t.Fatal("Execute() error = nil, want failure")
	}
}

func TestEchoExecutor_DelayHonorsContext(t *testing.T) {
	executor := NewEchoExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err := executor.Execute(ctx, echoJob(map[string]interface{}{"delay_ms": 10000, "message": "slow"}), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() error = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("cancelled delay did not return promptly")
	}
}

func TestLLMExecutor_ReturnsTextAndStreamsTokens(t *testing.T) {
	led := newTestLedger(t)
	provider := &stubProvider{response: "worker answer text"}
	executor := NewLLMExecutor(provider, arbor.NewLogger())

	job := models.NewWorkerJob("run_llm", models.JobSpec{
		Type:    models.JobTypeLLM,
		Name:    "subtask",
		Payload: map[string]interface{}{"prompt": "summarize the findings"},
	})
	emitter := ledger.NewWorkerEmitter(led, job.RunID, job.ID)

	result, err := executor.Execute(context.Background(), job, emitter)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result != "worker answer text" {
		t.Errorf("result = %q, want %q", result, "worker answer text")
	}

	request := provider.lastRequest(t)
	if len(request.Messages) != 1 || request.Messages[0].Content != "summarize the findings" {
		t.Errorf("request messages = %+v", request.Messages)
	}

	evts, err := led.GetEventsAfter(context.Background(), job.RunID, 0, true)
	if err != nil {
		t.Fatal(err)
	}

	var streamed string
	for _, evt := range evts {
		if evt.Type != models.EventTokenDelta {
			continue
		}
		var payload map[string]interface{}
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			t.Fatal(err)
		}
		if source, _ := payload["source"].(string); source != "worker:"+job.ID {
			t.Errorf("token source = %q, want %q", source, "worker:"+job.ID)
		}
		text, _ := payload["text"].(string)
		streamed += text
	}
	if streamed != "worker answer text" {
		t.Errorf("streamed tokens = %q, want full response", streamed)
	}
}

func TestLLMExecutor_MissingPromptFails(t *testing.T) {
	executor := NewLLMExecutor(&stubProvider{response: "unused"}, arbor.NewLogger())

	job := models.NewWorkerJob("run_llm", models.JobSpec{Type: models.JobTypeLLM})
	_, err := executor.Execute(context.Background(), job, nil)
	if !models.IsValidationError(err) {
		t.Fatalf("Execute() error = %v, want validation error", err)
	}
}

func TestLLMExecutor_PayloadOverridesRequest(t *testing.T) {
	led := newTestLedger(t)
	provider := &stubProvider{response: "ok"}
	executor := NewLLMExecutor(provider, arbor.NewLogger())

	job := models.NewWorkerJob("run_llm", models.JobSpec{
		Type: models.JobTypeLLM,
		Payload: map[string]interface{}{
			"prompt":     "the prompt",
			"system":     "be terse",
			"model":      "claude-haiku-3-5-20241022",
			"max_tokens": 256,
		},
	})
	emitter := ledger.NewWorkerEmitter(led, job.RunID, job.ID)

	if _, err := executor.Execute(context.Background(), job, emitter); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	request := provider.lastRequest(t)
	if request.SystemInstruction != "be terse" {
		t.Errorf("system = %q", request.SystemInstruction)
	}
	if request.Model != "claude-haiku-3-5-20241022" {
		t.Errorf("model = %q", request.Model)
	}
	if request.MaxTokens != 256 {
		t.Errorf("max_tokens = %d", request.MaxTokens)
	}
}

func TestLLMExecutor_ProviderErrorFails(t *testing.T) {
	led := newTestLedger(t)
	provider := &stubProvider{err: errors.New("rate limited")}
	executor := NewLLMExecutor(provider, arbor.NewLogger())

	job := models.NewWorkerJob("run_llm", models.JobSpec{
		Type:    models.JobTypeLLM,
		Payload: map[string]interface{}{"prompt": "anything"},
	})
	emitter := ledger.NewWorkerEmitter(led, job.RunID, job.ID)

	_, err := executor.Execute(context.Background(), job, emitter)
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("Execute() error = %v, want provider failure", err)
	}
}
