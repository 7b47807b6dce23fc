// -----------------------------------------------------------------------
// Run Handler - Run lifecycle API: start, inspect, delete, complete jobs
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/converge/internal/interfaces"
	"github.com/ternarybob/converge/internal/models"
	"github.com/ternarybob/converge/internal/services/runs"
	api "github.com/ternarybob/converge/pkg/models"
)

const defaultEventPageLimit = 500

// RunHandler handles run lifecycle API requests
type RunHandler struct {
	supervisor interfaces.SupervisorService
	runs       *runs.Service
	barriers   interfaces.BarrierService
	logger     arbor.ILogger
}

// NewRunHandler creates a new RunHandler
func NewRunHandler(supervisor interfaces.SupervisorService, runService *runs.Service, barriers interfaces.BarrierService, logger arbor.ILogger) *RunHandler {
	return &RunHandler{
		supervisor: supervisor,
		runs:       runService,
		barriers:   barriers,
		logger:     logger,
	}
}

// StartRunHandler starts a new supervisor run
// POST /api/runs
func (h *RunHandler) StartRunHandler(w http.ResponseWriter, r *http.Request) {
	var req api.StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	defer r.Body.Close()

	if err := req.Validate(); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid run request: "+err.Error())
		return
	}

	run, err := h.supervisor.StartRun(r.Context(), &interfaces.StartRunRequest{
		Task:     req.Task,
		ThreadID: req.ThreadID,
		Model:    req.Model,
		Profile:  req.Profile,
	})
	if err != nil {
		if models.IsValidationError(err) {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error().Err(err).Msg("Failed to start run")
		WriteError(w, http.StatusInternalServerError, "Failed to start run")
		return
	}

	h.logger.Info().
		Str("run_id", run.ID).
		Str("thread_id", run.ThreadID).
		Msg("Run started")

	// The first step executes in the background; callers follow the stream.
	WriteJSON(w, http.StatusAccepted, api.StartRunResponse{
		RunID:    run.ID,
		ThreadID: run.ThreadID,
		TraceID:  run.TraceID,
		Status:   string(run.Status),
	})
}

// ListRunsHandler lists runs with optional status filter and paging
// GET /api/runs?status=&limit=&offset=
func (h *RunHandler) ListRunsHandler(w http.ResponseWriter, r *http.Request) {
	opts := &interfaces.RunListOptions{
		Status: r.URL.Query().Get("status"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}

	list, err := h.runs.ListRuns(r.Context(), opts)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list runs")
		WriteError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  list,
		"count": len(list),
	})
}

// GetRunHandler returns one run
// GET /api/runs/{id}
func (h *RunHandler) GetRunHandler(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.runIDFromPath(w, r)
	if !ok {
		return
	}

	run, err := h.runs.GetRun(r.Context(), runID)
	if err != nil {
		if models.IsNotFound(err) {
			WriteError(w, http.StatusNotFound, "Run not found")
			return
		}
		h.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to get run")
		WriteError(w, http.StatusInternalServerError, "Failed to get run")
		return
	}

	WriteJSON(w, http.StatusOK, run)
}

// DeleteRunHandler deletes a run and everything it owns
// DELETE /api/runs/{id}
func (h *RunHandler) DeleteRunHandler(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.runIDFromPath(w, r)
	if !ok {
		return
	}

	if err := h.runs.DeleteRun(r.Context(), runID); err != nil {
		if models.IsNotFound(err) {
			WriteError(w, http.StatusNotFound, "Run not found")
			return
		}
		h.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to delete run")
		WriteError(w, http.StatusInternalServerError, "Failed to delete run")
		return
	}

	h.logger.Info().Str("run_id", runID).Msg("Run deleted")

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":  runID,
		"message": "Run deleted successfully",
	})
}

// ListRunEventsHandler returns a page of persisted run events
// GET /api/runs/{id}/events?after_event_id=&include_tokens=&limit=
func (h *RunHandler) ListRunEventsHandler(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.runIDFromPath(w, r)
	if !ok {
		return
	}

	afterID, _ := queryUint64(r, "after_event_id")
	includeTokens := queryBool(r, "include_tokens", true)
	limit := queryInt(r, "limit", defaultEventPageLimit)

	events, err := h.runs.ListEvents(r.Context(), runID, afterID, includeTokens, limit)
	if err != nil {
		if models.IsNotFound(err) {
			WriteError(w, http.StatusNotFound, "Run not found")
			return
		}
		h.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to list run events")
		WriteError(w, http.StatusInternalServerError, "Failed to list run events")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"run_id": runID,
		"events": events,
		"count":  len(events),
	})
}

// ListRunJobsHandler returns the run's worker jobs
// GET /api/runs/{id}/jobs
func (h *RunHandler) ListRunJobsHandler(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.runIDFromPath(w, r)
	if !ok {
		return
	}

	jobs, err := h.runs.GetRunJobs(r.Context(), runID)
	if err != nil {
		if models.IsNotFound(err) {
			WriteError(w, http.StatusNotFound, "Run not found")
			return
		}
		h.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to list run jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to list run jobs")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"run_id": runID,
		"jobs":   jobs,
		"count":  len(jobs),
	})
}

// CompleteJobHandler is the worker-completion trigger for external workers.
// Local workers report through the dispatcher; remote agents and webhooks
// land here and feed the same barrier check.
// POST /api/runs/{id}/jobs/{job_id}/complete
func (h *RunHandler) CompleteJobHandler(w http.ResponseWriter, r *http.Request) {
	// Path: /api/runs/{id}/jobs/{job_id}/complete
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) < 6 {
		WriteError(w, http.StatusBadRequest, "Run ID and job ID are required")
		return
	}
	runID, jobID := pathParts[2], pathParts[4]
	if runID == "" || jobID == "" {
		WriteError(w, http.StatusBadRequest, "Run ID and job ID are required")
		return
	}

	var completion api.WorkerCompletion
	if err := json.NewDecoder(r.Body).Decode(&completion); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	defer r.Body.Close()

	if err := completion.Validate(); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid completion payload: "+err.Error())
		return
	}

	outcome, err := h.barriers.CheckAndResumeIfComplete(r.Context(), runID, jobID, models.JobCompletion{
		WorkerID: completion.WorkerID,
		Status:   completion.Status,
		Result:   completion.Result,
		Error:    completion.Error,
	})
	if err != nil {
		if models.IsNotFound(err) {
			WriteError(w, http.StatusNotFound, "Run not found or has no barrier")
			return
		}
		var resumeErr *models.ResumeFailureError
		if errors.As(err, &resumeErr) {
			// The completion was counted. The resume step raised, which
			// already marked the barrier and the run failed.
			h.logger.Error().Err(err).Str("run_id", runID).Str("job_id", jobID).Msg("Resume failed after completion")
			WriteJSON(w, http.StatusOK, map[string]interface{}{
				"run_id":  runID,
				"job_id":  jobID,
				"outcome": string(outcome),
				"message": "Completion recorded, but the run failed during resume",
			})
			return
		}
		h.logger.Error().Err(err).Str("run_id", runID).Str("job_id", jobID).Msg("Completion check failed")
		WriteError(w, http.StatusInternalServerError, "Completion check failed")
		return
	}

	h.logger.Debug().
		Str("run_id", runID).
		Str("job_id", jobID).
		Str("worker_id", completion.WorkerID).
		Str("outcome", string(outcome)).
		Msg("External completion processed")

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":  runID,
		"job_id":  jobID,
		"outcome": string(outcome),
	})
}

// runIDFromPath extracts the run id from /api/runs/{id}[/...]
func (h *RunHandler) runIDFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) < 3 || pathParts[2] == "" {
		WriteError(w, http.StatusBadRequest, "Run ID is required")
		return "", false
	}
	return pathParts[2], true
}
