package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/converge/internal/common"
	"github.com/ternarybob/converge/internal/interfaces"
	"github.com/ternarybob/converge/internal/models"
	"github.com/ternarybob/converge/internal/services/ledger"
	"github.com/ternarybob/converge/internal/services/runs"
	"github.com/ternarybob/converge/internal/storage/badger"
	api "github.com/ternarybob/converge/pkg/models"
)

// stubSupervisor hands back a canned run without touching an LLM
type stubSupervisor struct {
	mu      sync.Mutex
	started []*interfaces.StartRunRequest
	err     error
}

func (s *stubSupervisor) StartRun(ctx context.Context, req *interfaces.StartRunRequest) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, req)
	if s.err != nil {
		return nil, s.err
	}
	run := models.NewRun(req.ThreadID, req.Task)
	run.Model = req.Model
	run.Profile = req.Profile
	return run, nil
}

func (s *stubSupervisor) ExecuteRun(ctx context.Context, run *models.Run) error { return nil }

func (s *stubSupervisor) Resume(ctx context.Context, run *models.Run, results []models.JobResult) (*models.ResumeOutcome, error) {
	return nil, errors.New("not used")
}

// stubBarrier records the completion it was handed and returns a canned outcome
type stubBarrier struct {
	outcome    models.CompletionOutcome
	err        error
	runID      string
	jobID      string
	completion models.JobCompletion
}

func (b *stubBarrier) RegisterRound(ctx context.Context, run *models.Run, specs []models.JobSpec, deadline time.Time) (*models.Barrier, error) {
	return nil, errors.New("not used")
}

func (b *stubBarrier) CheckAndResumeIfComplete(ctx context.Context, runID, jobID string, completion models.JobCompletion) (models.CompletionOutcome, error) {
	b.runID, b.jobID, b.completion = runID, jobID, completion
	return b.outcome, b.err
}

func (b *stubBarrier) Reap(ctx context.Context, barrier *models.Barrier) error {
	return errors.New("not used")
}

type runHandlerFixture struct {
	handler    *RunHandler
	manager    interfaces.StorageManager
	ledger     *ledger.Service
	supervisor *stubSupervisor
	barrier    *stubBarrier
}

func newRunHandlerFixture(t *testing.T) *runHandlerFixture {
	t.Helper()
	logger := arbor.NewLogger()

	manager, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { manager.Close() })

	led := ledger.NewService(manager.EventStorage(), nil, logger)
	runService := runs.NewService(
		manager.RunStorage(),
		manager.JobStorage(),
		manager.BarrierStorage(),
		manager.MessageStorage(),
		led,
		nil,
		logger,
	)
	supervisor := &stubSupervisor{}
	barrier := &stubBarrier{}
	return &runHandlerFixture{
		handler:    NewRunHandler(supervisor, runService, barrier, logger),
		manager:    manager,
		ledger:     led,
		supervisor: supervisor,
		barrier:    barrier,
	}
}

func (f *runHandlerFixture) saveRun(t *testing.T, task string) *models.Run {
	t.Helper()
	run := models.NewRun("thr-1", task)
	if err := f.manager.RunStorage().SaveRun(context.Background(), run); err != nil {
		t.Fatal(err)
	}
	return run
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp api.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return resp.Error
}

func TestStartRunHandler(t *testing.T) {
	f := newRunHandlerFixture(t)

	body := `{"task":"index the repo","thread_id":"thr-9","model":"claude-haiku-3-5-20241022","profile":"research"}`
	req := httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(body))
	rec := httptest.NewRecorder()

	f.handler.StartRunHandler(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}

	var resp api.StartRunResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.RunID == "" {
		t.Error("response lost the run id")
	}
	if resp.ThreadID != "thr-9" {
		t.Errorf("thread_id = %s, want thr-9", resp.ThreadID)
	}
	if resp.Status != string(models.RunStatusRunning) {
		t.Errorf("status = %s, want running", resp.Status)
	}

	if len(f.supervisor.started) != 1 {
		t.Fatalf("supervisor started %d runs, want 1", len(f.supervisor.started))
	}
	got := f.supervisor.started[0]
	if got.Task != "index the repo" || got.Profile != "research" {
		t.Errorf("supervisor request = %+v, lost fields", got)
	}
}

func TestStartRunHandler_InvalidBody(t *testing.T) {
	f := newRunHandlerFixture(t)

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{"task":`},
		{"missing task", `{"thread_id":"thr-1"}`},
		{"empty task", `{"task":""}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()

			f.handler.StartRunHandler(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if len(f.supervisor.started) != 0 {
				t.Error("invalid request must not reach the supervisor")
			}
		})
	}
}

func TestGetRunHandler(t *testing.T) {
	f := newRunHandlerFixture(t)
	run := f.saveRun(t, "inspect me")

	req := httptest.NewRequest(http.MethodGet, "/api/runs/"+run.ID, nil)
	rec := httptest.NewRecorder()

	f.handler.GetRunHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got models.Run
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode run: %v", err)
	}
	if got.ID != run.ID || got.Task != run.Task {
		t.Errorf("got run %s/%q, want %s/%q", got.ID, got.Task, run.ID, run.Task)
	}
}

func TestGetRunHandler_NotFound(t *testing.T) {
	f := newRunHandlerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/runs/run-missing", nil)
	rec := httptest.NewRecorder()

	f.handler.GetRunHandler(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if msg := decodeError(t, rec); msg != "Run not found" {
		t.Errorf("error = %q, want run not found", msg)
	}
}

func TestListRunsHandler(t *testing.T) {
	f := newRunHandlerFixture(t)
	ctx := context.Background()

	f.saveRun(t, "first")
	second := f.saveRun(t, "second")
	second.MarkWaiting()
	if err := f.manager.RunStorage().SaveRun(ctx, second); err != nil {
		t.Fatal(err)
	}

	var listing struct {
		Runs  []*models.Run `json:"runs"`
		Count int           `json:"count"`
	}

	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	rec := httptest.NewRecorder()
	f.handler.ListRunsHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if err := json.NewDecoder(rec.Body).Decode(&listing); err != nil {
		t.Fatal(err)
	}
	if listing.Count != 2 {
		t.Errorf("unfiltered count = %d, want 2", listing.Count)
	}

	// Status filter narrows the listing
	req = httptest.NewRequest(http.MethodGet, "/api/runs?status=waiting", nil)
	rec = httptest.NewRecorder()
	f.handler.ListRunsHandler(rec, req)

	if err := json.NewDecoder(rec.Body).Decode(&listing); err != nil {
		t.Fatal(err)
	}
	if listing.Count != 1 || listing.Runs[0].ID != second.ID {
		t.Errorf("filtered listing = %d runs, want just the waiting one", listing.Count)
	}

	// Limit caps the page
	req = httptest.NewRequest(http.MethodGet, "/api/runs?limit=1", nil)
	rec = httptest.NewRecorder()
	f.handler.ListRunsHandler(rec, req)

	if err := json.NewDecoder(rec.Body).Decode(&listing); err != nil {
		t.Fatal(err)
	}
	if listing.Count != 1 {
		t.Errorf("limited listing = %d runs, want 1", listing.Count)
	}
}

func TestDeleteRunHandler(t *testing.T) {
	f := newRunHandlerFixture(t)
	run := f.saveRun(t, "delete me")

	req := httptest.NewRequest(http.MethodDelete, "/api/runs/"+run.ID, nil)
	rec := httptest.NewRecorder()

	f.handler.DeleteRunHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if _, err := f.manager.RunStorage().GetRun(context.Background(), run.ID); !models.IsNotFound(err) {
		t.Errorf("run still present after delete: %v", err)
	}

	// Second delete finds nothing
	rec = httptest.NewRecorder()
	f.handler.DeleteRunHandler(rec, httptest.NewRequest(http.MethodDelete, "/api/runs/"+run.ID, nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("repeat delete status = %d, want 404", rec.Code)
	}
}

func TestListRunEventsHandler(t *testing.T) {
	f := newRunHandlerFixture(t)
	ctx := context.Background()
	run := f.saveRun(t, "with events")

	for i := 0; i < 5; i++ {
		if _, err := f.ledger.Append(ctx, run.ID, models.EventStepCompleted, map[string]interface{}{"step": i + 1}); err != nil {
			t.Fatal(err)
		}
	}

	var listing struct {
		RunID  string          `json:"run_id"`
		Events []*models.Event `json:"events"`
		Count  int             `json:"count"`
	}

	req := httptest.NewRequest(http.MethodGet, "/api/runs/"+run.ID+"/events?after_event_id=2&limit=2", nil)
	rec := httptest.NewRecorder()
	f.handler.ListRunEventsHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if err := json.NewDecoder(rec.Body).Decode(&listing); err != nil {
		t.Fatal(err)
	}
	if listing.Count != 2 {
		t.Fatalf("page = %d events, want 2", listing.Count)
	}
	if listing.Events[0].ID != 3 || listing.Events[1].ID != 4 {
		t.Errorf("page ids = %d,%d, want 3,4", listing.Events[0].ID, listing.Events[1].ID)
	}
}

func TestListRunEventsHandler_TokenFilter(t *testing.T) {
	f := newRunHandlerFixture(t)
	ctx := context.Background()
	run := f.saveRun(t, "token stream")

	for _, eventType := range []string{models.EventRunStarted, models.EventTokenDelta, models.EventRunCompleted} {
		if _, err := f.ledger.Append(ctx, run.ID, eventType, map[string]interface{}{}); err != nil {
			t.Fatal(err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/runs/"+run.ID+"/events?include_tokens=false", nil)
	rec := httptest.NewRecorder()
	f.handler.ListRunEventsHandler(rec, req)

	var listing struct {
		Events []*models.Event `json:"events"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&listing); err != nil {
		t.Fatal(err)
	}
	for _, evt := range listing.Events {
		if models.IsTokenEventType(evt.Type) {
			t.Errorf("token event %d leaked through include_tokens=false", evt.ID)
		}
	}
	if len(listing.Events) != 2 {
		t.Errorf("filtered listing = %d events, want 2", len(listing.Events))
	}
}

func TestListRunJobsHandler(t *testing.T) {
	f := newRunHandlerFixture(t)
	ctx := context.Background()
	run := f.saveRun(t, "with jobs")

	job := models.NewWorkerJob(run.ID, models.JobSpec{Type: models.JobTypeEcho, Name: "echo", ToolCallID: "call-1"})
	if err := f.manager.JobStorage().SaveJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/runs/"+run.ID+"/jobs", nil)
	rec := httptest.NewRecorder()
	f.handler.ListRunJobsHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var listing struct {
		Jobs  []*models.WorkerJob `json:"jobs"`
		Count int                 `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&listing); err != nil {
		t.Fatal(err)
	}
	if listing.Count != 1 || listing.Jobs[0].ID != job.ID {
		t.Errorf("listing = %d jobs, want the seeded one", listing.Count)
	}

	rec = httptest.NewRecorder()
	f.handler.ListRunJobsHandler(rec, httptest.NewRequest(http.MethodGet, "/api/runs/run-missing/jobs", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown run status = %d, want 404", rec.Code)
	}
}

func completeRequest(runID, jobID, body string) *http.Request {
	url := "/api/runs/" + runID + "/jobs/" + jobID + "/complete"
	return httptest.NewRequest(http.MethodPost, url, strings.NewReader(body))
}

func TestCompleteJobHandler(t *testing.T) {
	f := newRunHandlerFixture(t)
	f.barrier.outcome = models.OutcomeWaitingForMore

	body := `{"worker_id":"remote-1","status":"completed","result":"4 pages scraped"}`
	rec := httptest.NewRecorder()
	f.handler.CompleteJobHandler(rec, completeRequest("run-1", "job-1", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	var resp struct {
		RunID   string `json:"run_id"`
		JobID   string `json:"job_id"`
		Outcome string `json:"outcome"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Outcome != string(models.OutcomeWaitingForMore) {
		t.Errorf("outcome = %s, want waiting_for_more", resp.Outcome)
	}
	if resp.RunID != "run-1" || resp.JobID != "job-1" {
		t.Errorf("response ids = %s/%s, want run-1/job-1", resp.RunID, resp.JobID)
	}

	// The barrier received the decoded completion
	if f.barrier.runID != "run-1" || f.barrier.jobID != "job-1" {
		t.Errorf("barrier saw %s/%s, want run-1/job-1", f.barrier.runID, f.barrier.jobID)
	}
	if f.barrier.completion.WorkerID != "remote-1" || f.barrier.completion.Status != "completed" {
		t.Errorf("barrier completion = %+v, lost fields", f.barrier.completion)
	}
}

func TestCompleteJobHandler_NoBarrier(t *testing.T) {
	f := newRunHandlerFixture(t)
	f.barrier.err = models.ErrNotFound

	rec := httptest.NewRecorder()
	f.handler.CompleteJobHandler(rec, completeRequest("run-1", "job-1", `{"worker_id":"w","status":"completed"}`))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestCompleteJobHandler_ResumeFailure(t *testing.T) {
	f := newRunHandlerFixture(t)
	f.barrier.outcome = models.OutcomeResume
	f.barrier.err = &models.ResumeFailureError{RunID: "run-1", BarrierID: "bar-1", Err: errors.New("llm unavailable")}

	rec := httptest.NewRecorder()
	f.handler.CompleteJobHandler(rec, completeRequest("run-1", "job-1", `{"worker_id":"w","status":"completed"}`))

	// The completion itself was counted, so the trigger succeeds
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Outcome string `json:"outcome"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Outcome != string(models.OutcomeResume) {
		t.Errorf("outcome = %s, want resume", resp.Outcome)
	}
	if resp.Message == "" {
		t.Error("resume failure should carry an explanation")
	}
}

func TestCompleteJobHandler_InvalidPayload(t *testing.T) {
	f := newRunHandlerFixture(t)

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{"worker_id":`},
		{"missing worker", `{"status":"completed"}`},
		{"bad status", `{"worker_id":"w","status":"done"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			f.handler.CompleteJobHandler(rec, completeRequest("run-1", "job-1", tc.body))

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if f.barrier.runID != "" {
				t.Error("invalid payload must not reach the barrier")
			}
		})
	}
}

func TestCompleteJobHandler_MissingIDs(t *testing.T) {
	f := newRunHandlerFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/runs//jobs//complete", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	f.handler.CompleteJobHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
