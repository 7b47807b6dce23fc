// -----------------------------------------------------------------------
// Routes - HTTP route table for the run orchestration API
// -----------------------------------------------------------------------

package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route - lifecycle event firehose for all runs
	mux.HandleFunc("/ws/events", s.app.WSHandler.HandleWebSocket)

	// API routes - Runs
	mux.HandleFunc("/api/runs", s.handleRunsRoute) // GET (list), POST (start)
	mux.HandleFunc("/api/runs/", s.handleRunRoutes) // GET/DELETE /{id} and subresources

	// API routes - SSE run streams (resumable via after_event_id or Last-Event-ID)
	mux.HandleFunc("/api/stream/runs/", s.app.StreamHandler.StreamRunHandler)

	// API routes - System
	mux.HandleFunc("/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/api/status", s.app.StatusHandler.GetStatusHandler)
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/shutdown", s.ShutdownHandler) // Graceful shutdown endpoint (dev mode)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleRunsRoute routes /api/runs requests (list and start)
func (s *Server) handleRunsRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		s.app.RunHandler.ListRunsHandler(w, r)
	case "POST":
		s.app.RunHandler.StartRunHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRunRoutes routes /api/runs/{id} requests and their subresources.
// The handlers parse the ids out of the path themselves, so dispatch here
// only discriminates on method and suffix.
func (s *Server) handleRunRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	// POST /api/runs/{id}/jobs/{job_id}/complete
	if r.Method == "POST" && strings.HasSuffix(path, "/complete") {
		s.app.RunHandler.CompleteJobHandler(w, r)
		return
	}

	// POST /api/runs/{id}/continue
	if r.Method == "POST" && strings.HasSuffix(path, "/continue") {
		s.app.ContinuationHandler.ContinueRunHandler(w, r)
		return
	}

	// GET /api/runs/{id}/events
	if r.Method == "GET" && strings.HasSuffix(path, "/events") {
		s.app.RunHandler.ListRunEventsHandler(w, r)
		return
	}

	// GET /api/runs/{id}/jobs
	if r.Method == "GET" && strings.HasSuffix(path, "/jobs") {
		s.app.RunHandler.ListRunJobsHandler(w, r)
		return
	}

	// GET /api/runs/{id}
	if r.Method == "GET" {
		s.app.RunHandler.GetRunHandler(w, r)
		return
	}

	// DELETE /api/runs/{id}
	if r.Method == "DELETE" {
		s.app.RunHandler.DeleteRunHandler(w, r)
		return
	}

	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}
