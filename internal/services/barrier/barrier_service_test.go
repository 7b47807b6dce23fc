package barrier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/converge/internal/common"
	"github.com/ternarybob/converge/internal/interfaces"
	"github.com/ternarybob/converge/internal/models"
	"github.com/ternarybob/converge/internal/storage/badger"
)

// mockResumer records supervisor-resume invocations
type mockResumer struct {
	mu       sync.Mutex
	calls    int
	results  []models.JobResult
	outcome  *models.ResumeOutcome
	err      error
	onResume func(ctx context.Context, run *models.Run, results []models.JobResult)
}

func (m *mockResumer) Resume(ctx context.Context, run *models.Run, results []models.JobResult) (*models.ResumeOutcome, error) {
	m.mu.Lock()
	m.calls++
	m.results = results
	hook := m.onResume
	m.mu.Unlock()

	if hook != nil {
		hook(ctx, run, results)
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.outcome, nil
}

func (m *mockResumer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockResumer) lastResults() []models.JobResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results
}

type testBarrier struct {
	svc     *Service
	manager interfaces.StorageManager
	resumer *mockResumer
	run     *models.Run
}

func newTestBarrier(t *testing.T) *testBarrier {
	t.Helper()
	logger := arbor.NewLogger()

	manager, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { manager.Close() })

	run := models.NewRun("thr-1", "fan out some work")
	if err := manager.RunStorage().SaveRun(context.Background(), run); err != nil {
		t.Fatal(err)
	}

	svc := NewService(
		manager.BarrierStorage(),
		manager.JobStorage(),
		manager.RunStorage(),
		nil,
		nil,
		&common.BarrierConfig{DefaultDeadline: "1m"},
		logger,
	)
	resumer := &mockResumer{outcome: &models.ResumeOutcome{Finished: true, Output: "done"}}
	svc.SetResumer(resumer)

	return &testBarrier{svc: svc, manager: manager, resumer: resumer, run: run}
}

func echoSpecs(n int) []models.JobSpec {
	specs := make([]models.JobSpec, 0, n)
	for i := 1; i <= n; i++ {
		specs = append(specs, models.JobSpec{
			Type:       models.JobTypeEcho,
			Name:       fmt.Sprintf("echo-%d", i),
			ToolCallID: fmt.Sprintf("call-%d", i),
			Payload:    map[string]interface{}{"text": fmt.Sprintf("payload %d", i)},
		})
	}
	return specs
}

func completed(result string) models.JobCompletion {
	return models.JobCompletion{
		WorkerID: "worker-test",
		Status:   string(models.JobStatusCompleted),
		Result:   result,
	}
}

func TestRegisterRound_CreatesBarrierAndQueuesJobs(t *testing.T) {
	tb := newTestBarrier(t)
	ctx := context.Background()

	barrier, err := tb.svc.RegisterRound(ctx, tb.run, echoSpecs(3), time.Time{})
	if err != nil {
		t.Fatalf("RegisterRound() error = %v", err)
	}

	if barrier.Round != 1 || barrier.ExpectedCount != 3 || barrier.CompletedCount != 0 {
		t.Errorf("barrier = round %d, expected %d, completed %d; want 1/3/0",
			barrier.Round, barrier.ExpectedCount, barrier.CompletedCount)
	}
	if !barrier.IsWaiting() {
		t.Errorf("barrier status = %s, want waiting", barrier.Status)
	}
	if barrier.DeadlineAt.Before(time.Now()) {
		t.Error("default deadline should be in the future")
	}

	// All jobs finished the two-phase flip: visible for dispatch
	queued, err := tb.manager.JobStorage().GetQueuedJobs(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 3 {
		t.Errorf("dispatchable jobs = %d, want 3", len(queued))
	}

	rows, err := tb.manager.BarrierStorage().GetBarrierJobs(ctx, barrier.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("round rows = %d, want 3", len(rows))
	}
	for _, row := range rows {
		if row.Status != models.BarrierJobQueued {
			t.Errorf("row %s status = %s, want queued", row.JobID, row.Status)
		}
	}
}

func TestRegisterRound_RequiresJobs(t *testing.T) {
	tb := newTestBarrier(t)

	_, err := tb.svc.RegisterRound(context.Background(), tb.run, nil, time.Time{})
	if !models.IsValidationError(err) {
		t.Errorf("RegisterRound(no specs) error = %v, want validation error", err)
	}
}

func TestCheckAndResume_LastCompletionTriggersResume(t *testing.T) {
	tb := newTestBarrier(t)
	ctx := context.Background()

	barrier, err := tb.svc.RegisterRound(ctx, tb.run, echoSpecs(3), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	rows, err := tb.manager.BarrierStorage().GetBarrierJobs(ctx, barrier.ID, 1)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		outcome, err := tb.svc.CheckAndResumeIfComplete(ctx, tb.run.ID, rows[i].JobID, completed(fmt.Sprintf("r%d", i+1)))
		if err != nil {
			t.Fatalf("completion %d error = %v", i+1, err)
		}
		if outcome != models.OutcomeWaitingForMore {
			t.Errorf("completion %d outcome = %s, want waiting_for_more", i+1, outcome)
		}
	}
	if tb.resumer.callCount() != 0 {
		t.Fatalf("resume invoked after %d of 3 completions", 2)
	}

	outcome, err := tb.svc.CheckAndResumeIfComplete(ctx, tb.run.ID, rows[2].JobID, completed("r3"))
	if err != nil {
		t.Fatalf("final completion error = %v", err)
	}
	if outcome != models.OutcomeResume {
		t.Errorf("final completion outcome = %s, want resume", outcome)
	}
	if tb.resumer.callCount() != 1 {
		t.Fatalf("resume invoked %d times, want exactly 1", tb.resumer.callCount())
	}

	results := tb.resumer.lastResults()
	if len(results) != 3 {
		t.Fatalf("resume received %d results, want 3", len(results))
	}
	for _, res := range results {
		if res.TimedOut {
			t.Errorf("job %s marked timed out in a fully completed round", res.JobID)
		}
		if res.ToolCallID == "" {
			t.Errorf("job %s lost its tool_call_id", res.JobID)
		}
	}

	// Finished outcome closes the barrier out
	final, err := tb.manager.BarrierStorage().GetBarrier(ctx, barrier.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != models.BarrierStatusCompleted {
		t.Errorf("barrier status = %s, want completed", final.Status)
	}
}

func TestCheckAndResume_ConcurrentCompletionsResumeOnce(t *testing.T) {
	tb := newTestBarrier(t)
	ctx := context.Background()

	barrier, err := tb.svc.RegisterRound(ctx, tb.run, echoSpecs(5), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	rows, err := tb.manager.BarrierStorage().GetBarrierJobs(ctx, barrier.ID, 1)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	outcomes := make(chan models.CompletionOutcome, len(rows))
	errs := make(chan error, len(rows))

	for i, row := range rows {
		wg.Add(1)
		go func(i int, jobID string) {
			defer wg.Done()
			outcome, err := tb.svc.CheckAndResumeIfComplete(ctx, tb.run.ID, jobID, completed(fmt.Sprintf("r%d", i)))
			if err != nil {
				errs <- err
				return
			}
			outcomes <- outcome
		}(i, row.JobID)
	}
	wg.Wait()
	close(outcomes)
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent completion error = %v", err)
	}

	resumes := 0
	for outcome := range outcomes {
		if outcome == models.OutcomeResume {
			resumes++
		}
	}
	if resumes != 1 {
		t.Fatalf("%d completions observed resume, want exactly 1", resumes)
	}
	if tb.resumer.callCount() != 1 {
		t.Fatalf("resume invoked %d times, want exactly 1", tb.resumer.callCount())
	}
}

func TestCheckAndResume_DuplicateFinalCompletionSkipped(t *testing.T) {
	tb := newTestBarrier(t)
	ctx := context.Background()

	barrier, err := tb.svc.RegisterRound(ctx, tb.run, echoSpecs(1), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	rows, err := tb.manager.BarrierStorage().GetBarrierJobs(ctx, barrier.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	jobID := rows[0].JobID

	first, err := tb.svc.CheckAndResumeIfComplete(ctx, tb.run.ID, jobID, completed("r1"))
	if err != nil {
		t.Fatal(err)
	}
	if first != models.OutcomeResume {
		t.Fatalf("first completion outcome = %s, want resume", first)
	}

	second, err := tb.svc.CheckAndResumeIfComplete(ctx, tb.run.ID, jobID, completed("r1 again"))
	if err != nil {
		t.Fatal(err)
	}
	if second != models.OutcomeSkipped {
		t.Errorf("duplicate completion outcome = %s, want skipped", second)
	}
	if tb.resumer.callCount() != 1 {
		t.Errorf("resume invoked %d times, want exactly 1", tb.resumer.callCount())
	}
}

func TestCheckAndResume_UnknownRun(t *testing.T) {
	tb := newTestBarrier(t)

	_, err := tb.svc.CheckAndResumeIfComplete(context.Background(), "run-missing", "job-1", completed("r"))
	if !models.IsNotFound(err) {
		t.Errorf("completion for unknown run error = %v, want not found", err)
	}
}

func TestResume_FailureMarksBarrierAndRunFailed(t *testing.T) {
	tb := newTestBarrier(t)
	ctx := context.Background()
	tb.resumer.err = errors.New("supervisor step blew up")

	barrier, err := tb.svc.RegisterRound(ctx, tb.run, echoSpecs(1), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	rows, err := tb.manager.BarrierStorage().GetBarrierJobs(ctx, barrier.ID, 1)
	if err != nil {
		t.Fatal(err)
	}

	_, err = tb.svc.CheckAndResumeIfComplete(ctx, tb.run.ID, rows[0].JobID, completed("r1"))
	var resumeErr *models.ResumeFailureError
	if !errors.As(err, &resumeErr) {
		t.Fatalf("completion error = %v, want ResumeFailureError", err)
	}

	failedBarrier, err := tb.manager.BarrierStorage().GetBarrier(ctx, barrier.ID)
	if err != nil {
		t.Fatal(err)
	}
	if failedBarrier.Status != models.BarrierStatusFailed {
		t.Errorf("barrier status = %s, want failed", failedBarrier.Status)
	}
	if failedBarrier.Error == "" {
		t.Error("barrier lost the failure message")
	}

	failedRun, err := tb.manager.RunStorage().GetRun(ctx, tb.run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if failedRun.Status != models.RunStatusFailed {
		t.Errorf("run status = %s, want failed", failedRun.Status)
	}
	if failedRun.Error == "" {
		t.Error("run lost the failure message")
	}
}

func TestResume_SpawnedRoundReusesBarrier(t *testing.T) {
	tb := newTestBarrier(t)
	ctx := context.Background()

	// The resume spawns two more jobs instead of finishing, the way a
	// supervisor step does when it needs another round of parallel work.
	tb.resumer.outcome = &models.ResumeOutcome{Finished: false}
	tb.resumer.onResume = func(ctx context.Context, run *models.Run, results []models.JobResult) {
		if _, err := tb.svc.RegisterRound(ctx, run, echoSpecs(2), time.Time{}); err != nil {
			t.Errorf("RegisterRound from resume error = %v", err)
		}
	}

	barrier, err := tb.svc.RegisterRound(ctx, tb.run, echoSpecs(1), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	round1, err := tb.manager.BarrierStorage().GetBarrierJobs(ctx, barrier.ID, 1)
	if err != nil {
		t.Fatal(err)
	}

	outcome, err := tb.svc.CheckAndResumeIfComplete(ctx, tb.run.ID, round1[0].JobID, completed("r1"))
	if err != nil {
		t.Fatal(err)
	}
	if outcome != models.OutcomeResume {
		t.Fatalf("outcome = %s, want resume", outcome)
	}

	reused, err := tb.manager.BarrierStorage().GetBarrier(ctx, barrier.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reused.ID != barrier.ID {
		t.Errorf("barrier identity changed across rounds: %s -> %s", barrier.ID, reused.ID)
	}
	if reused.Round != 2 || reused.ExpectedCount != 2 || reused.CompletedCount != 0 {
		t.Errorf("reused barrier = round %d, expected %d, completed %d; want 2/2/0",
			reused.Round, reused.ExpectedCount, reused.CompletedCount)
	}
	if !reused.IsWaiting() {
		t.Errorf("reused barrier status = %s, want waiting", reused.Status)
	}

	round2, err := tb.manager.BarrierStorage().GetBarrierJobs(ctx, barrier.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(round2) != 2 {
		t.Fatalf("round 2 rows = %d, want 2", len(round2))
	}
	for _, row := range round2 {
		if row.Status != models.BarrierJobQueued {
			t.Errorf("round 2 row %s status = %s, want queued", row.JobID, row.Status)
		}
	}

	// A straggler from round 1 cannot disturb round 2
	late, err := tb.svc.CheckAndResumeIfComplete(ctx, tb.run.ID, round1[0].JobID, completed("stale"))
	if err != nil {
		t.Fatal(err)
	}
	if late != models.OutcomeIgnored {
		t.Errorf("stale completion outcome = %s, want ignored", late)
	}
	if tb.resumer.callCount() != 1 {
		t.Errorf("resume invoked %d times, want exactly 1", tb.resumer.callCount())
	}
}

func TestReap_ResumesWithPartialResults(t *testing.T) {
	tb := newTestBarrier(t)
	ctx := context.Background()

	barrier, err := tb.svc.RegisterRound(ctx, tb.run, echoSpecs(3), time.Now().Add(-time.Second))
	if err != nil {
		t.Fatal(err)
	}
	rows, err := tb.manager.BarrierStorage().GetBarrierJobs(ctx, barrier.ID, 1)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if _, err := tb.svc.CheckAndResumeIfComplete(ctx, tb.run.ID, rows[i].JobID, completed(fmt.Sprintf("r%d", i+1))); err != nil {
			t.Fatal(err)
		}
	}

	if err := tb.svc.Reap(ctx, barrier); err != nil {
		t.Fatalf("Reap() error = %v", err)
	}
	if tb.resumer.callCount() != 1 {
		t.Fatalf("resume invoked %d times, want exactly 1", tb.resumer.callCount())
	}

	results := tb.resumer.lastResults()
	if len(results) != 3 {
		t.Fatalf("resume received %d results, want all 3", len(results))
	}
	timedOut := 0
	for _, res := range results {
		if res.TimedOut {
			timedOut++
			if res.Result == "" {
				t.Error("timed-out job has no explicit marker")
			}
		}
	}
	if timedOut != 1 {
		t.Errorf("%d results marked timed out, want 1", timedOut)
	}

	// The straggler's worker job is closed out too
	job, err := tb.manager.JobStorage().GetJob(ctx, rows[2].JobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobStatusTimeout {
		t.Errorf("worker job status = %s, want timeout", job.Status)
	}
}

func TestReap_ResolvedBarrierIsNoOp(t *testing.T) {
	tb := newTestBarrier(t)
	ctx := context.Background()

	barrier, err := tb.svc.RegisterRound(ctx, tb.run, echoSpecs(1), time.Now().Add(-time.Second))
	if err != nil {
		t.Fatal(err)
	}
	rows, err := tb.manager.BarrierStorage().GetBarrierJobs(ctx, barrier.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tb.svc.CheckAndResumeIfComplete(ctx, tb.run.ID, rows[0].JobID, completed("r1")); err != nil {
		t.Fatal(err)
	}
	callsAfterResume := tb.resumer.callCount()

	if err := tb.svc.Reap(ctx, barrier); err != nil {
		t.Fatalf("Reap() on resolved barrier error = %v", err)
	}
	if tb.resumer.callCount() != callsAfterResume {
		t.Error("reap re-invoked resume on a resolved barrier")
	}
}
