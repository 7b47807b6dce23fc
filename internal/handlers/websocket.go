// -----------------------------------------------------------------------
// WebSocket Handler - Live event fan-out to connected dashboard clients
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/converge/internal/common"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WebSocketHandler fans broadcast messages out to every connected client.
// Event filtering and throttling happen upstream in the EventSubscriber;
// this handler only manages connections and writes.
type WebSocketHandler struct {
	logger           arbor.ILogger
	clients          map[*websocket.Conn]bool
	clientMutex      map[*websocket.Conn]*sync.Mutex
	mu               sync.RWMutex
	serverInstanceID string // Unique ID generated on startup - clients use to detect server restart
}

func NewWebSocketHandler(logger arbor.ILogger) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		clients:          make(map[*websocket.Conn]bool),
		clientMutex:      make(map[*websocket.Conn]*sync.Mutex),
		serverInstanceID: uuid.New().String(),
	}

	logger.Info().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket handler initialized with server instance ID")

	return h
}

// Message types
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type StatusUpdate struct {
	Service          string `json:"service"`
	Status           string `json:"status"`
	Version          string `json:"version"`
	ServerInstanceID string `json:"serverInstanceId"` // Unique ID per server startup - clients clear state on change
}

// LogEntry is one service log line pushed to clients by the log writer
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// RunEventUpdate mirrors one persisted run event onto the socket
type RunEventUpdate struct {
	RunID     string          `json:"run_id"`
	EventID   uint64          `json:"event_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type RunStatusUpdate struct {
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type JobStatusUpdate struct {
	JobID     string    `json:"job_id"`
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type JobQueuedUpdate struct {
	RunID     string    `json:"run_id"`
	JobIDs    []string  `json:"job_ids"`
	Timestamp time.Time `json:"timestamp"`
}

type AppStatusUpdate struct {
	State     string                 `json:"state"`
	Metadata  map[string]interface{} `json:"metadata"`
	Timestamp time.Time              `json:"timestamp"`
}

// HandleWebSocket handles WebSocket connections
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = &sync.Mutex{}
	h.mu.Unlock()

	h.logger.Debug().Msgf("WebSocket client connected (total: %d)", h.ClientCount())

	// Send initial status
	h.sendStatus(conn)

	// Handle client disconnection
	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		clientCount := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Msgf("WebSocket client disconnected (remaining: %d)", clientCount)
	}()

	// Read messages from client (keep connection alive)
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast marshals a message once and writes it to every client. Writes
// to one connection are serialized by that connection's mutex; a failed
// write is logged and the read loop handles the disconnect.
func (h *WebSocketHandler) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range clients {
		mutex := mutexes[i]
		mutex.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			h.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to send message to client")
		}
	}
}

// BroadcastStatus sends service status updates to all connected clients
func (h *WebSocketHandler) BroadcastStatus(status StatusUpdate) {
	status.ServerInstanceID = h.serverInstanceID
	h.broadcast(WSMessage{Type: "status", Payload: status})
}

// BroadcastLog sends a service log line to all connected clients
func (h *WebSocketHandler) BroadcastLog(entry LogEntry) {
	h.broadcast(WSMessage{Type: "log", Payload: entry})
}

// SendLog broadcasts a log message with the current timestamp
func (h *WebSocketHandler) SendLog(level, message string) {
	h.BroadcastLog(LogEntry{
		Timestamp: time.Now().Format("15:04:05"),
		Level:     strings.ToLower(level),
		Message:   message,
	})
}

// BroadcastRunEvent mirrors a persisted run event to all connected clients
func (h *WebSocketHandler) BroadcastRunEvent(update RunEventUpdate) {
	h.broadcast(WSMessage{Type: "run_event", Payload: update})
}

// BroadcastRunStatusChange sends run status transitions to all connected clients
func (h *WebSocketHandler) BroadcastRunStatusChange(update RunStatusUpdate) {
	h.broadcast(WSMessage{Type: "run_status_change", Payload: update})
}

// BroadcastJobStatusChange sends worker job transitions to all connected clients
func (h *WebSocketHandler) BroadcastJobStatusChange(update JobStatusUpdate) {
	h.broadcast(WSMessage{Type: "job_status_change", Payload: update})
}

// BroadcastJobQueued announces newly dispatched worker jobs
func (h *WebSocketHandler) BroadcastJobQueued(update JobQueuedUpdate) {
	h.broadcast(WSMessage{Type: "job_queued", Payload: update})
}

// BroadcastAppStatus sends service state updates to all connected clients
func (h *WebSocketHandler) BroadcastAppStatus(status AppStatusUpdate) {
	h.broadcast(WSMessage{Type: "app_status", Payload: status})
}

// sendStatus sends current status to a specific client
func (h *WebSocketHandler) sendStatus(conn *websocket.Conn) {
	msg := WSMessage{
		Type: "status",
		Payload: StatusUpdate{
			Service:          "ONLINE",
			Status:           "ONLINE",
			Version:          common.GetVersion(),
			ServerInstanceID: h.serverInstanceID,
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal initial status")
		return
	}

	h.mu.RLock()
	mutex := h.clientMutex[conn]
	h.mu.RUnlock()

	if mutex != nil {
		mutex.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			h.logger.Warn().Err(err).Msg("Failed to send initial status")
		}
	}
}

// Helper functions for safe type conversion from map[string]interface{}
func getString(m map[string]interface{}, key string) string {
	if val, ok := m[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func getStringSlice(m map[string]interface{}, key string) []string {
	if val, ok := m[key]; ok {
		// Try to convert from []interface{} (JSON arrays)
		if arr, ok := val.([]interface{}); ok {
			result := make([]string, 0, len(arr))
			for _, item := range arr {
				if str, ok := item.(string); ok {
					result = append(result, str)
				}
			}
			return result
		}
		// Try direct []string type assertion
		if arr, ok := val.([]string); ok {
			return arr
		}
	}
	return []string{}
}
