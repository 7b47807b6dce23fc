package models

import "time"

// Message roles in a conversation thread
const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
	MessageRoleSystem    = "system"
	MessageRoleTool      = "tool"
)

// Message is one entry in a conversation thread. Supervisor runs on the
// same thread share history; a continuation injects a synthetic tool-result
// message here before the new run executes.
type Message struct {
	ID         string    `json:"id" badgerhold:"key"`
	ThreadID   string    `json:"thread_id" badgerhold:"index"`
	RunID      string    `json:"run_id,omitempty" badgerhold:"index"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewMessage creates a thread message
func NewMessage(threadID, runID, role, content string) *Message {
	return &Message{
		ID:        NewMessageID(),
		ThreadID:  threadID,
		RunID:     runID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// NewToolResultMessage creates the synthetic tool-result message a
// continuation injects to summarize an external worker's outcome.
func NewToolResultMessage(threadID, runID, toolCallID, content string) *Message {
	msg := NewMessage(threadID, runID, MessageRoleTool, content)
	msg.ToolCallID = toolCallID
	return msg
}
