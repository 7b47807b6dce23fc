package badger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/converge/internal/interfaces"
	"github.com/ternarybob/converge/internal/models"
)

// registerTestRound creates a barrier with n queued jobs and returns it with
// the job ids.
func registerTestRound(t *testing.T, storage interfaces.BarrierStorage, runID string, n int, deadline time.Time) (*models.Barrier, []string) {
	t.Helper()

	barrier := models.NewBarrier(runID, n, deadline)
	jobIDs := make([]string, n)
	jobs := make([]*models.BarrierJob, n)
	for i := 0; i < n; i++ {
		jobIDs[i] = fmt.Sprintf("%s-job-%d", runID, i)
		jobs[i] = models.NewBarrierJob(barrier.ID, barrier.Round, jobIDs[i], fmt.Sprintf("call-%d", i))
	}

	if err := storage.RegisterRound(context.Background(), barrier, jobs); err != nil {
		t.Fatalf("RegisterRound() error = %v", err)
	}
	return barrier, jobIDs
}

func TestCompleteJob_CountsTowardsRound(t *testing.T) {
	db := newTestDB(t)
	storage := NewBarrierStorage(db, arbor.NewLogger())
	ctx := context.Background()

	_, jobIDs := registerTestRound(t, storage, "run-1", 3, time.Now().Add(time.Minute))

	outcome, barrier, err := storage.CompleteJob(ctx, "run-1", jobIDs[0], `"first result"`)
	if err != nil {
		t.Fatalf("CompleteJob() error = %v", err)
	}
	if outcome != models.OutcomeWaitingForMore {
		t.Errorf("outcome = %s, want waiting_for_more", outcome)
	}
	if barrier.CompletedCount != 1 {
		t.Errorf("CompletedCount = %d, want 1", barrier.CompletedCount)
	}
	if !barrier.IsWaiting() {
		t.Errorf("barrier status = %s, want waiting", barrier.Status)
	}
}

func TestCompleteJob_FinalCompletionWinsResume(t *testing.T) {
	db := newTestDB(t)
	storage := NewBarrierStorage(db, arbor.NewLogger())
	ctx := context.Background()

	_, jobIDs := registerTestRound(t, storage, "run-1", 2, time.Now().Add(time.Minute))

	if _, _, err := storage.CompleteJob(ctx, "run-1", jobIDs[0], "a"); err != nil {
		t.Fatal(err)
	}
	outcome, barrier, err := storage.CompleteJob(ctx, "run-1", jobIDs[1], "b")
	if err != nil {
		t.Fatal(err)
	}
	if outcome != models.OutcomeResume {
		t.Errorf("final completion outcome = %s, want resume", outcome)
	}
	if barrier.Status != models.BarrierStatusResuming {
		t.Errorf("barrier status = %s, want resuming", barrier.Status)
	}
	if barrier.CompletedCount != 2 {
		t.Errorf("CompletedCount = %d, want 2", barrier.CompletedCount)
	}
}

func TestCompleteJob_ConcurrentCompletions_OneWinner(t *testing.T) {
	db := newTestDB(t)
	storage := NewBarrierStorage(db, arbor.NewLogger())
	ctx := context.Background()

	const n = 5
	_, jobIDs := registerTestRound(t, storage, "run-race", n, time.Now().Add(time.Minute))

	var wg sync.WaitGroup
	outcomes := make(chan models.CompletionOutcome, n)
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			outcome, _, err := storage.CompleteJob(ctx, "run-race", jobID, "done")
			if err != nil {
				errs <- err
				return
			}
			outcomes <- outcome
		}(jobIDs[i])
	}
	wg.Wait()
	close(outcomes)
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent CompleteJob() error = %v", err)
	}

	resumes := 0
	waiting := 0
	for outcome := range outcomes {
		switch outcome {
		case models.OutcomeResume:
			resumes++
		case models.OutcomeWaitingForMore:
			waiting++
		default:
			t.Errorf("unexpected outcome %s", outcome)
		}
	}
	if resumes != 1 {
		t.Fatalf("resume observed by %d callers, want exactly 1", resumes)
	}
	if waiting != n-1 {
		t.Errorf("waiting_for_more observed by %d callers, want %d", waiting, n-1)
	}

	barrier, err := storage.GetBarrierByRun(ctx, "run-race")
	if err != nil {
		t.Fatal(err)
	}
	if barrier.CompletedCount != n {
		t.Errorf("CompletedCount = %d, want %d", barrier.CompletedCount, n)
	}
	if barrier.Status != models.BarrierStatusResuming {
		t.Errorf("barrier status = %s, want resuming", barrier.Status)
	}
}

func TestCompleteJob_DuplicateIgnored(t *testing.T) {
	db := newTestDB(t)
	storage := NewBarrierStorage(db, arbor.NewLogger())
	ctx := context.Background()

	_, jobIDs := registerTestRound(t, storage, "run-1", 2, time.Now().Add(time.Minute))

	if _, _, err := storage.CompleteJob(ctx, "run-1", jobIDs[0], "first"); err != nil {
		t.Fatal(err)
	}

	// Same job reporting again must not double-count
	outcome, barrier, err := storage.CompleteJob(ctx, "run-1", jobIDs[0], "again")
	if err != nil {
		t.Fatal(err)
	}
	if outcome != models.OutcomeIgnored {
		t.Errorf("duplicate completion outcome = %s, want ignored", outcome)
	}
	if barrier.CompletedCount != 1 {
		t.Errorf("CompletedCount = %d, want 1 (duplicate must not increment)", barrier.CompletedCount)
	}
}

func TestCompleteJob_LateCompletionFromOldRound(t *testing.T) {
	db := newTestDB(t)
	storage := NewBarrierStorage(db, arbor.NewLogger())
	ctx := context.Background()

	barrier, oldJobIDs := registerTestRound(t, storage, "run-1", 1, time.Now().Add(time.Minute))

	// Round 1 resolves and the barrier is reused for round 2 with new jobs
	if _, _, err := storage.CompleteJob(ctx, "run-1", oldJobIDs[0], "round 1 done"); err != nil {
		t.Fatal(err)
	}
	barrier.Reset(2, time.Now().Add(time.Minute))
	newJobs := []*models.BarrierJob{
		models.NewBarrierJob(barrier.ID, barrier.Round, "new-job-a", ""),
		models.NewBarrierJob(barrier.ID, barrier.Round, "new-job-b", ""),
	}
	if err := storage.RegisterRound(ctx, barrier, newJobs); err != nil {
		t.Fatal(err)
	}

	// A straggler from round 1 reports after the reset
	outcome, current, err := storage.CompleteJob(ctx, "run-1", oldJobIDs[0], "stale")
	if err != nil {
		t.Fatal(err)
	}
	if outcome != models.OutcomeIgnored {
		t.Errorf("old-round completion outcome = %s, want ignored", outcome)
	}
	if current.CompletedCount != 0 {
		t.Errorf("round 2 CompletedCount = %d, want 0", current.CompletedCount)
	}
	if current.Round != 2 {
		t.Errorf("Round = %d, want 2", current.Round)
	}
}

func TestCompleteJob_SkippedAfterResume(t *testing.T) {
	db := newTestDB(t)
	storage := NewBarrierStorage(db, arbor.NewLogger())
	ctx := context.Background()

	_, jobIDs := registerTestRound(t, storage, "run-1", 1, time.Now().Add(time.Minute))

	outcome, _, err := storage.CompleteJob(ctx, "run-1", jobIDs[0], "done")
	if err != nil {
		t.Fatal(err)
	}
	if outcome != models.OutcomeResume {
		t.Fatalf("outcome = %s, want resume", outcome)
	}

	// Any further completion while resuming is skipped, not counted
	outcome, _, err = storage.CompleteJob(ctx, "run-1", "some-other-job", "late")
	if err != nil {
		t.Fatal(err)
	}
	if outcome != models.OutcomeSkipped {
		t.Errorf("post-resume outcome = %s, want skipped", outcome)
	}
}

func TestCompleteJob_UnknownRun(t *testing.T) {
	db := newTestDB(t)
	storage := NewBarrierStorage(db, arbor.NewLogger())

	_, _, err := storage.CompleteJob(context.Background(), "run-missing", "job-1", "x")
	if !models.IsNotFound(err) {
		t.Errorf("CompleteJob(unknown run) error = %v, want not found", err)
	}
}

func TestExpireBarrier(t *testing.T) {
	db := newTestDB(t)
	storage := NewBarrierStorage(db, arbor.NewLogger())
	ctx := context.Background()

	barrier, jobIDs := registerTestRound(t, storage, "run-1", 3, time.Now().Add(-time.Minute))

	// One job made it before the deadline
	if _, _, err := storage.CompleteJob(ctx, "run-1", jobIDs[0], "made it"); err != nil {
		t.Fatal(err)
	}

	expired, err := storage.ExpireBarrier(ctx, barrier.ID)
	if err != nil {
		t.Fatalf("ExpireBarrier() error = %v", err)
	}
	if expired.Status != models.BarrierStatusResuming {
		t.Errorf("barrier status = %s, want resuming", expired.Status)
	}

	jobs, err := storage.GetBarrierJobs(ctx, barrier.ID, expired.Round)
	if err != nil {
		t.Fatal(err)
	}
	completed, timedOut := 0, 0
	for _, job := range jobs {
		switch job.Status {
		case models.BarrierJobCompleted:
			completed++
		case models.BarrierJobTimeout:
			timedOut++
		}
	}
	if completed != 1 {
		t.Errorf("completed rows = %d, want 1 (finished work survives expiry)", completed)
	}
	if timedOut != 2 {
		t.Errorf("timeout rows = %d, want 2", timedOut)
	}

	// Second expiry of the same barrier reports not found (already resolved)
	if _, err := storage.ExpireBarrier(ctx, barrier.ID); !models.IsNotFound(err) {
		t.Errorf("second ExpireBarrier() error = %v, want not found", err)
	}
}

func TestGetExpiredWaiting(t *testing.T) {
	db := newTestDB(t)
	storage := NewBarrierStorage(db, arbor.NewLogger())
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	expired, _ := registerTestRound(t, storage, "run-expired", 1, past)
	registerTestRound(t, storage, "run-live", 1, future)

	// A resolved barrier past its deadline must not be swept again
	resolved, resolvedJobs := registerTestRound(t, storage, "run-resolved", 1, past)
	if _, _, err := storage.CompleteJob(ctx, "run-resolved", resolvedJobs[0], "done"); err != nil {
		t.Fatal(err)
	}
	_ = resolved

	found, err := storage.GetExpiredWaiting(ctx, time.Now())
	if err != nil {
		t.Fatalf("GetExpiredWaiting() error = %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("GetExpiredWaiting() = %d barriers, want 1", len(found))
	}
	if found[0].ID != expired.ID {
		t.Errorf("GetExpiredWaiting() returned %s, want %s", found[0].ID, expired.ID)
	}
}

func TestRegisterRound_ReusesBarrierIdentity(t *testing.T) {
	db := newTestDB(t)
	storage := NewBarrierStorage(db, arbor.NewLogger())
	ctx := context.Background()

	barrier, jobIDs := registerTestRound(t, storage, "run-1", 1, time.Now().Add(time.Minute))
	originalID := barrier.ID

	if _, _, err := storage.CompleteJob(ctx, "run-1", jobIDs[0], "done"); err != nil {
		t.Fatal(err)
	}

	barrier.Reset(3, time.Now().Add(time.Minute))
	jobs := []*models.BarrierJob{
		models.NewBarrierJob(barrier.ID, barrier.Round, "r2-a", ""),
		models.NewBarrierJob(barrier.ID, barrier.Round, "r2-b", ""),
		models.NewBarrierJob(barrier.ID, barrier.Round, "r2-c", ""),
	}
	if err := storage.RegisterRound(ctx, barrier, jobs); err != nil {
		t.Fatalf("RegisterRound(reset) error = %v", err)
	}

	current, err := storage.GetBarrierByRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if current.ID != originalID {
		t.Errorf("barrier ID changed across reset: %s -> %s", originalID, current.ID)
	}
	if current.Round != 2 {
		t.Errorf("Round = %d, want 2", current.Round)
	}
	if current.ExpectedCount != 3 || current.CompletedCount != 0 {
		t.Errorf("counts = %d/%d, want 0/3", current.CompletedCount, current.ExpectedCount)
	}
	if !current.IsWaiting() {
		t.Errorf("status = %s, want waiting", current.Status)
	}

	// Round 1 history is preserved
	oldRows, err := storage.GetBarrierJobs(ctx, originalID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(oldRows) != 1 || oldRows[0].Status != models.BarrierJobCompleted {
		t.Errorf("round 1 history lost: %d rows", len(oldRows))
	}
}

func TestDeleteBarrierForRun(t *testing.T) {
	db := newTestDB(t)
	storage := NewBarrierStorage(db, arbor.NewLogger())
	ctx := context.Background()

	barrier, _ := registerTestRound(t, storage, "run-del", 2, time.Now().Add(time.Minute))

	deleted, err := storage.DeleteBarrierForRun(ctx, "run-del")
	if err != nil {
		t.Fatalf("DeleteBarrierForRun() error = %v", err)
	}
	if deleted != 3 { // 2 job rows + the barrier
		t.Errorf("DeleteBarrierForRun() = %d rows, want 3", deleted)
	}

	if _, err := storage.GetBarrier(ctx, barrier.ID); !models.IsNotFound(err) {
		t.Errorf("barrier still present after delete: %v", err)
	}

	// Deleting again is a no-op
	deleted, err = storage.DeleteBarrierForRun(ctx, "run-del")
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 0 {
		t.Errorf("second delete removed %d rows, want 0", deleted)
	}
}
