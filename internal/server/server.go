// -----------------------------------------------------------------------
// Server - HTTP server wiring routes, middleware, and graceful shutdown
// -----------------------------------------------------------------------

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/converge/internal/app"
)

// Server manages the HTTP server and routes
type Server struct {
	app          *app.App
	router       *http.ServeMux
	server       *http.Server
	shutdownChan chan struct{}
}

// New creates a new HTTP server with the given app
func New(application *app.App) *Server {
	s := &Server{
		app: application,
	}

	// Setup routes
	s.router = s.setupRoutes()

	// Create HTTP server. WriteTimeout stays zero: SSE run streams are
	// long-lived and would be cut off by any fixed write deadline.
	addr := fmt.Sprintf("%s:%d", application.Config.Server.Host, application.Config.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withConditionalMiddleware(s.router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// SetShutdownChannel wires the channel the shutdown endpoint signals.
// main owns the channel and waits on it alongside OS signals.
func (s *Server) SetShutdownChannel(ch chan struct{}) {
	s.shutdownChan = ch
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.app.Config.Server.Host, s.app.Config.Server.Port)

	s.app.Logger.Info().
		Str("address", addr).
		Msg("HTTP server starting")

	s.app.Logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", s.app.Config.Server.Host, s.app.Config.Server.Port)).
		Msg("Run API available")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.app.Logger.Info().Msg("Shutting down HTTP server...")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.app.Logger.Info().Msg("HTTP server stopped")
	return nil
}

// ShutdownHandler triggers a graceful process shutdown via the channel
// main is waiting on. The acknowledgment is written before signalling so
// the caller sees a response before the listener goes away.
func (s *Server) ShutdownHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.app.Logger.Info().Str("remote", r.RemoteAddr).Msg("Shutdown requested via API")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "shutting_down"})

	if s.shutdownChan != nil {
		// Non-blocking send: a second shutdown request is a no-op
		select {
		case s.shutdownChan <- struct{}{}:
		default:
		}
	}
}
