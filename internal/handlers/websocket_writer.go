package handlers

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"
	arborlevels "github.com/ternarybob/arbor/levels"
	arbormodels "github.com/ternarybob/arbor/models"

	"github.com/ternarybob/converge/internal/common"
)

// logChannelBuffer is the batch buffer between arbor and the broadcast loop.
const logChannelBuffer = 10

// WebSocketWriter drains arbor's context log channel and broadcasts entries to
// connected WebSocket clients. Attach it with Logger.SetChannel("context",
// writer.Channel()) so every context-aware log line reaches the UI.
type WebSocketWriter struct {
	handler         *WebSocketHandler
	logger          arbor.ILogger
	channel         chan []arbormodels.LogEvent
	minLevel        arborlevels.LogLevel
	excludePatterns []string
	quit            chan struct{}
	wg              sync.WaitGroup
	closeOnce       sync.Once
}

// NewWebSocketWriter creates a WebSocket log broadcaster and starts its
// consumer goroutine. A nil wsConfig falls back to info level with the
// standard noise filters.
func NewWebSocketWriter(handler *WebSocketHandler, wsConfig *common.WebSocketConfig, logger arbor.ILogger) *WebSocketWriter {
	minLevel := arborlevels.InfoLevel
	var excludePatterns []string

	if wsConfig != nil {
		minLevel = parseLogLevel(wsConfig.MinLevel)
		excludePatterns = wsConfig.ExcludePatterns
	}
	if len(excludePatterns) == 0 {
		// Feedback loop guard: broadcasting a log about broadcasting logs
		// would generate another log.
		excludePatterns = []string{
			"WebSocket client connected",
			"WebSocket client disconnected",
			"HTTP request",
			"HTTP response",
			"Publishing event",
		}
	}

	w := &WebSocketWriter{
		handler:         handler,
		logger:          logger,
		channel:         make(chan []arbormodels.LogEvent, logChannelBuffer),
		minLevel:        minLevel,
		excludePatterns: excludePatterns,
		quit:            make(chan struct{}),
	}

	w.wg.Add(1)
	go w.consume()

	return w
}

// Channel returns the batch channel arbor publishes log events to.
func (w *WebSocketWriter) Channel() chan []arbormodels.LogEvent {
	return w.channel
}

// consume processes log batches until Close is called or the channel closes.
func (w *WebSocketWriter) consume() {
	defer w.wg.Done()

	defer func() {
		if r := recover(); r != nil {
			// Log without correlation ID to avoid recursing into the channel
			w.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("WebSocket log writer panic recovered")
		}
	}()

	for {
		select {
		case batch, ok := <-w.channel:
			if !ok {
				return
			}
			for _, event := range batch {
				w.broadcast(event)
			}
		case <-w.quit:
			return
		}
	}
}

// broadcast applies the level and pattern filters, then pushes the entry to
// all connected clients.
func (w *WebSocketWriter) broadcast(event arbormodels.LogEvent) {
	level := arborlevels.FromLogLevel(event.Level)
	if level < w.minLevel {
		return
	}

	for _, pattern := range w.excludePatterns {
		if strings.Contains(event.Message, pattern) {
			return
		}
	}

	w.handler.BroadcastLog(LogEntry{
		Timestamp: event.Timestamp.Format("15:04:05"),
		Level:     mapLevel(level),
		Message:   event.Message,
	})
}

// Close stops the consumer goroutine and waits for it to drain.
func (w *WebSocketWriter) Close() error {
	w.closeOnce.Do(func() {
		close(w.quit)
	})
	w.wg.Wait()
	return nil
}

// parseLogLevel converts a config log level string to an arbor level
func parseLogLevel(level string) arborlevels.LogLevel {
	switch strings.ToLower(level) {
	case "error":
		return arborlevels.ErrorLevel
	case "warn", "warning":
		return arborlevels.WarnLevel
	case "info":
		return arborlevels.InfoLevel
	case "debug":
		return arborlevels.DebugLevel
	default:
		return arborlevels.InfoLevel
	}
}

// mapLevel maps arbor log levels to UI strings
func mapLevel(level arborlevels.LogLevel) string {
	switch level {
	case arborlevels.ErrorLevel:
		return "error"
	case arborlevels.WarnLevel:
		return "warn"
	case arborlevels.InfoLevel:
		return "info"
	case arborlevels.DebugLevel:
		return "debug"
	default:
		return "info"
	}
}
