package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/converge/internal/common"
	"github.com/ternarybob/converge/internal/interfaces"
	"github.com/ternarybob/converge/internal/models"
	"github.com/ternarybob/converge/internal/services/events"
	"github.com/ternarybob/converge/internal/services/ledger"
	"github.com/ternarybob/converge/internal/services/runs"
	"github.com/ternarybob/converge/internal/services/status"
	"github.com/ternarybob/converge/internal/storage/badger"
)

type statusFixture struct {
	handler *StatusHandler
	manager interfaces.StorageManager
	status  *status.Service
}

func newStatusFixture(t *testing.T) *statusFixture {
	t.Helper()
	logger := arbor.NewLogger()

	manager, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { manager.Close() })

	bus := events.NewService(logger)
	led := ledger.NewService(manager.EventStorage(), bus, logger)
	runService := runs.NewService(
		manager.RunStorage(),
		manager.JobStorage(),
		manager.BarrierStorage(),
		manager.MessageStorage(),
		led,
		nil,
		logger,
	)
	statusService := status.NewService(bus, logger)

	return &statusFixture{
		handler: NewStatusHandler(statusService, runService, manager.JobStorage(), logger),
		manager: manager,
		status:  statusService,
	}
}

func (f *statusFixture) getStatus(t *testing.T) map[string]interface{} {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	f.handler.GetStatusHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	return body
}

func TestGetStatusHandler(t *testing.T) {
	f := newStatusFixture(t)

	body := f.getStatus(t)

	if body["state"] != string(status.StateIdle) {
		t.Errorf("state = %v, want idle", body["state"])
	}
	for _, key := range []string{"version", "uptime", "runs", "queue", "timestamp"} {
		if _, ok := body[key]; !ok {
			t.Errorf("status body missing %q", key)
		}
	}
}

func TestGetStatusHandler_CountsRunsAndJobs(t *testing.T) {
	f := newStatusFixture(t)
	ctx := context.Background()

	running := models.NewRun("thr-1", "busy")
	if err := f.manager.RunStorage().SaveRun(ctx, running); err != nil {
		t.Fatal(err)
	}
	finished := models.NewRun("thr-1", "done")
	finished.MarkCompleted("output")
	if err := f.manager.RunStorage().SaveRun(ctx, finished); err != nil {
		t.Fatal(err)
	}

	job := models.NewWorkerJob(running.ID, models.JobSpec{Type: models.JobTypeEcho, Name: "echo", ToolCallID: "call-1"})
	job.Status = models.JobStatusQueued
	if err := f.manager.JobStorage().SaveJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	body := f.getStatus(t)

	runCounts, ok := body["runs"].(map[string]interface{})
	if !ok {
		t.Fatalf("runs counts missing: %v", body["runs"])
	}
	if runCounts[string(models.RunStatusRunning)] != float64(1) {
		t.Errorf("running count = %v, want 1", runCounts[string(models.RunStatusRunning)])
	}
	if runCounts[string(models.RunStatusSuccess)] != float64(1) {
		t.Errorf("success count = %v, want 1", runCounts[string(models.RunStatusSuccess)])
	}

	queueCounts, ok := body["queue"].(map[string]interface{})
	if !ok {
		t.Fatalf("queue counts missing: %v", body["queue"])
	}
	if queueCounts[string(models.JobStatusQueued)] != float64(1) {
		t.Errorf("queued count = %v, want 1", queueCounts[string(models.JobStatusQueued)])
	}
}

func TestGetStatusHandler_ReflectsServiceState(t *testing.T) {
	f := newStatusFixture(t)

	f.status.SetState(status.StateRunning, map[string]interface{}{"active_runs": 2})

	body := f.getStatus(t)
	if body["state"] != string(status.StateRunning) {
		t.Errorf("state = %v, want running", body["state"])
	}
	metadata, ok := body["metadata"].(map[string]interface{})
	if !ok || metadata["active_runs"] != float64(2) {
		t.Errorf("metadata = %v, want active_runs 2", body["metadata"])
	}
}

func TestGetStatusHandler_MethodNotAllowed(t *testing.T) {
	f := newStatusFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/status", nil)
	rec := httptest.NewRecorder()
	f.handler.GetStatusHandler(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}
