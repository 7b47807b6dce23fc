package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/converge/internal/common"
	"github.com/ternarybob/converge/internal/interfaces"
	"github.com/ternarybob/converge/internal/models"
	"github.com/ternarybob/converge/internal/services/runs"
	"github.com/ternarybob/converge/internal/services/status"
)

// StatusHandler handles HTTP requests for service status
type StatusHandler struct {
	statusService *status.Service
	runs          *runs.Service
	jobs          interfaces.JobStorage
	logger        arbor.ILogger
	startTime     time.Time
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(statusService *status.Service, runService *runs.Service, jobs interfaces.JobStorage, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		statusService: statusService,
		runs:          runService,
		jobs:          jobs,
		logger:        logger,
		startTime:     time.Now(),
	}
}

// GetStatusHandler handles GET /api/status
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	status := h.statusService.GetStatus()
	status["version"] = common.GetVersion()
	status["build"] = common.GetBuild()
	status["uptime"] = time.Since(h.startTime).Round(time.Second).String()

	runCounts := make(map[string]int)
	for _, s := range []models.RunStatus{
		models.RunStatusRunning,
		models.RunStatusWaiting,
		models.RunStatusDeferred,
		models.RunStatusSuccess,
		models.RunStatusFailed,
	} {
		count, _ := h.runs.CountRuns(r.Context(), s)
		runCounts[string(s)] = count
	}
	status["runs"] = runCounts

	queueCounts := make(map[string]int)
	for _, s := range []models.JobStatus{
		models.JobStatusQueued,
		models.JobStatusRunning,
		models.JobStatusCompleted,
		models.JobStatusFailed,
		models.JobStatusTimeout,
	} {
		count, _ := h.jobs.CountJobs(r.Context(), string(s))
		queueCounts[string(s)] = count
	}
	status["queue"] = queueCounts

	WriteJSON(w, http.StatusOK, status)
}
