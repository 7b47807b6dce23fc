// -----------------------------------------------------------------------
// Stream Handler - Server-Sent Events endpoint for resumable run streams
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/converge/internal/models"
	"github.com/ternarybob/converge/internal/services/stream"
)

// StreamHandler handles SSE streaming of run events
type StreamHandler struct {
	broker *stream.Broker
	logger arbor.ILogger
}

// sseHeartbeat is the payload of a heartbeat frame
type sseHeartbeat struct {
	Timestamp time.Time `json:"timestamp"`
}

// sseError is the payload of an error frame
type sseError struct {
	Error string `json:"error"`
}

// NewStreamHandler creates a new StreamHandler
func NewStreamHandler(broker *stream.Broker, logger arbor.ILogger) *StreamHandler {
	return &StreamHandler{
		broker: broker,
		logger: logger,
	}
}

// StreamRunHandler streams a run's events as Server-Sent Events
// GET /api/stream/runs/{id}?after_event_id=&after_sequence=&include_tokens=
//
// Resumption: the after_event_id query parameter wins, after_sequence is
// an accepted alias, and the standard Last-Event-ID header applies when
// neither parameter is present. Replayed and live events past the resume
// point arrive exactly once, each frame carrying the event id for the
// client's next resume. Heartbeat frames carry no id.
func (h *StreamHandler) StreamRunHandler(w http.ResponseWriter, r *http.Request) {
	// Path: /api/stream/runs/{id}
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) < 4 || pathParts[3] == "" {
		WriteError(w, http.StatusBadRequest, "Run ID is required")
		return
	}
	runID := pathParts[3]

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	lastSeenID := h.resumePoint(r)
	includeTokens := queryBool(r, "include_tokens", true)

	sub, err := h.broker.Subscribe(r.Context(), runID, lastSeenID, includeTokens)
	if err != nil {
		if models.IsNotFound(err) {
			WriteError(w, http.StatusNotFound, "Run not found")
			return
		}
		h.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to open stream subscription")
		WriteError(w, http.StatusInternalServerError, "Failed to open stream")
		return
	}
	defer sub.Close()

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	// Flush headers immediately to trigger the client's EventSource.onopen.
	// From here on errors travel as event frames, not HTTP status codes.
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return

		case delivery, open := <-sub.Events():
			if !open {
				return
			}
			switch {
			case delivery.Err != nil:
				h.logger.Warn().Err(delivery.Err).Str("run_id", runID).Msg("Run stream failed")
				h.sendError(w, flusher, delivery.Err)
				return
			case delivery.Heartbeat:
				h.sendHeartbeat(w, flusher)
			case delivery.Event != nil:
				h.sendEvent(w, flusher, delivery.Event)
			}
		}
	}
}

// resumePoint resolves where the stream picks up. Explicit query
// parameters take precedence over the Last-Event-ID header.
func (h *StreamHandler) resumePoint(r *http.Request) uint64 {
	if id, ok := queryUint64(r, "after_event_id"); ok {
		return id
	}
	if id, ok := queryUint64(r, "after_sequence"); ok {
		return id
	}
	if header := r.Header.Get("Last-Event-ID"); header != "" {
		var id uint64
		if _, err := fmt.Sscanf(header, "%d", &id); err == nil {
			return id
		}
	}
	return 0
}

// sendEvent writes one run event as an SSE frame with its id for resumption
func (h *StreamHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, evt *models.Event) {
	jsonData, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error().Err(err).Str("run_id", evt.RunID).Msg("Failed to marshal stream event")
		return
	}

	fmt.Fprintf(w, "id: %d\n", evt.ID)
	fmt.Fprintf(w, "event: %s\n", evt.Type)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()
}

// sendHeartbeat writes a heartbeat frame. Heartbeats are never persisted,
// so the frame carries no id and does not advance the client's resume point.
func (h *StreamHandler) sendHeartbeat(w http.ResponseWriter, flusher http.Flusher) {
	jsonData, err := json.Marshal(sseHeartbeat{Timestamp: time.Now()})
	if err != nil {
		return
	}

	fmt.Fprintf(w, "event: heartbeat\n")
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()
}

// sendError writes a terminal error frame. The connection is already
// committed as 200 OK, so mid-stream failures travel in-band.
func (h *StreamHandler) sendError(w http.ResponseWriter, flusher http.Flusher, streamErr error) {
	jsonData, err := json.Marshal(sseError{Error: streamErr.Error()})
	if err != nil {
		return
	}

	fmt.Fprintf(w, "event: error\n")
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()
}
