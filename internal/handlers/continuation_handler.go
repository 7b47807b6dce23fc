package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/converge/internal/models"
	"github.com/ternarybob/converge/internal/services/continuation"
	api "github.com/ternarybob/converge/pkg/models"
)

// ContinuationHandler handles external continuation triggers
type ContinuationHandler struct {
	continuation *continuation.Service
	logger       arbor.ILogger
}

// NewContinuationHandler creates a new ContinuationHandler
func NewContinuationHandler(service *continuation.Service, logger arbor.ILogger) *ContinuationHandler {
	return &ContinuationHandler{
		continuation: service,
		logger:       logger,
	}
}

// ContinueRunHandler re-enters a deferred run from an external trigger
// POST /api/runs/{id}/continue
func (h *ContinuationHandler) ContinueRunHandler(w http.ResponseWriter, r *http.Request) {
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) < 4 || pathParts[2] == "" {
		WriteError(w, http.StatusBadRequest, "Run ID is required")
		return
	}
	runID := pathParts[2]

	var trigger api.ContinuationTrigger
	if err := json.NewDecoder(r.Body).Decode(&trigger); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	defer r.Body.Close()

	if err := trigger.Validate(); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid continuation trigger: "+err.Error())
		return
	}

	resp, err := h.continuation.Continue(r.Context(), runID, &trigger)
	if err != nil {
		if models.IsNotFound(err) {
			WriteError(w, http.StatusNotFound, "Run not found")
			return
		}
		h.logger.Error().Err(err).Str("run_id", runID).Msg("Continuation failed")
		WriteError(w, http.StatusInternalServerError, "Continuation failed")
		return
	}

	WriteJSON(w, http.StatusOK, resp)
}
