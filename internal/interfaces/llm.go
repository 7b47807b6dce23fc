package interfaces

import "context"

// Message represents a single message in a chat conversation sent to an
// LLM provider
type Message struct {
	// Role identifies the message sender: "user", "assistant", "system"
	// or "tool"
	Role string

	// Content contains the text content of the message
	Content string
}

// ContentRequest is a provider-agnostic content generation request
type ContentRequest struct {
	Messages          []Message
	Model             string
	Temperature       float32
	MaxTokens         int
	SystemInstruction string
	ThinkingLevel     string                 // For providers that support extended thinking
	OutputSchema      map[string]interface{} // JSON schema for structured output (Gemini only)
}

// ContentResponse is a provider-agnostic content generation response
type ContentResponse struct {
	Text     string
	Provider string
	Model    string
}

// TokenCallback receives text chunks as a streaming completion produces
// them. Returning an error stops the stream.
type TokenCallback func(text string) error

// LLMProvider generates content from conversation history. Streaming and
// non-streaming calls return the same accumulated response shape.
type LLMProvider interface {
	GenerateContent(ctx context.Context, request *ContentRequest) (*ContentResponse, error)
	GenerateContentStream(ctx context.Context, request *ContentRequest, onToken TokenCallback) (*ContentResponse, error)
	Close() error
}
