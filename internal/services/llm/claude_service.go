// -----------------------------------------------------------------------
// Claude Service - Anthropic completions with streaming token delivery
// -----------------------------------------------------------------------

package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/converge/internal/common"
	"github.com/ternarybob/converge/internal/interfaces"
)

// ClaudeService generates supervisor steps and worker completions using
// the Anthropic API.
type ClaudeService struct {
	config    *common.ClaudeConfig
	logger    arbor.ILogger
	client    anthropic.Client
	timeout   time.Duration
	maxTokens int
}

var _ interfaces.LLMProvider = (*ClaudeService)(nil)

// convertMessagesToClaude converts []interfaces.Message to Claude
// MessageParam format. System messages are extracted for the System
// parameter; tool results become user turns since the conversation
// protocol here is plain text.
func convertMessagesToClaude(messages []interfaces.Message) ([]anthropic.MessageParam, string, error) {
	if len(messages) == 0 {
		return nil, "", fmt.Errorf("messages cannot be empty")
	}

	hasUserMessage := false
	for _, msg := range messages {
		if msg.Role == "user" {
			hasUserMessage = true
			break
		}
	}
	if !hasUserMessage {
		return nil, "", fmt.Errorf("at least one message must have role 'user'")
	}

	claudeMessages := make([]anthropic.MessageParam, 0, len(messages))
	var systemText string
	for _, msg := range messages {
		if msg.Role == "system" {
			if systemText == "" {
				systemText = msg.Content
			}
			continue
		}

		switch msg.Role {
		case "assistant":
			claudeMessages = append(claudeMessages, anthropic.NewAssistantMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		case "tool":
			claudeMessages = append(claudeMessages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(fmt.Sprintf("Tool result:\n\n%s", msg.Content)),
			))
		default:
			claudeMessages = append(claudeMessages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	return claudeMessages, systemText, nil
}

// NewClaudeService creates a new Claude provider. The API key resolves
// environment-first, then KV store, then config.
func NewClaudeService(ctx context.Context, claudeConfig *common.ClaudeConfig, kvStorage interfaces.KeyValueStorage, logger arbor.ILogger) (*ClaudeService, error) {
	apiKey, err := common.ResolveAPIKey(ctx, kvStorage, "anthropic_api_key", claudeConfig.APIKey)
	if err != nil {
		return nil, fmt.Errorf("Anthropic API key is required (set ANTHROPIC_API_KEY, CONVERGE_CLAUDE_API_KEY, or claude.api_key in config): %w", err)
	}

	if claudeConfig.Model == "" {
		claudeConfig.Model = "claude-haiku-3-5-20241022"
	}

	timeout, err := time.ParseDuration(claudeConfig.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid timeout duration '%s': %w", claudeConfig.Timeout, err)
	}

	maxTokens := claudeConfig.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	service := &ClaudeService{
		config:    claudeConfig,
		logger:    logger,
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		timeout:   timeout,
		maxTokens: maxTokens,
	}

	logger.Debug().
		Str("model", claudeConfig.Model).
		Dur("timeout", timeout).
		Int("max_tokens", maxTokens).
		Msg("Claude LLM service initialized")

	return service, nil
}

// GenerateContent generates a completion, retrying rate-limited calls
// with backoff
func (s *ClaudeService) GenerateContent(ctx context.Context, request *interfaces.ContentRequest) (*interfaces.ContentResponse, error) {
	params, model, err := s.buildParams(request)
	if err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var resp *anthropic.Message
	var apiErr error
	retryConfig := NewDefaultRetryConfig()

	for attempt := 0; attempt <= retryConfig.MaxRetries; attempt++ {
		resp, apiErr = s.client.Messages.New(timeoutCtx, params)
		if apiErr == nil {
			break
		}
		if attempt == retryConfig.MaxRetries {
			break
		}

		backoff := time.Duration(attempt+1) * 2 * time.Second
		if IsRateLimitError(apiErr) {
			backoff = retryConfig.CalculateBackoff(attempt, ExtractRetryDelay(apiErr))
		}

		s.logger.Warn().
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Err(apiErr).
			Msg("Retrying Claude API call")

		select {
		case <-timeoutCtx.Done():
			return nil, timeoutCtx.Err()
		case <-time.After(backoff):
		}
	}

	if apiErr != nil {
		return nil, fmt.Errorf("Claude API call failed after %d retries: %w", retryConfig.MaxRetries, apiErr)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("empty response from Claude API")
	}

	return &interfaces.ContentResponse{
		Text:     text.String(),
		Provider: string(ProviderClaude),
		Model:    model,
	}, nil
}

// GenerateContentStream generates a completion, delivering text deltas to
// onToken as they arrive. The stream is not retried once tokens have been
// delivered; a failed handoff surfaces as an error with partial tokens
// already emitted.
func (s *ClaudeService) GenerateContentStream(ctx context.Context, request *interfaces.ContentRequest, onToken interfaces.TokenCallback) (*interfaces.ContentResponse, error) {
	params, model, err := s.buildParams(request)
	if err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stream := s.client.Messages.NewStreaming(timeoutCtx, params)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("failed to accumulate Claude stream event: %w", err)
		}

		switch eventVariant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch deltaVariant := eventVariant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if onToken != nil && deltaVariant.Text != "" {
					if err := onToken(deltaVariant.Text); err != nil {
						return nil, fmt.Errorf("token callback aborted Claude stream: %w", err)
					}
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("Claude stream failed: %w", err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("empty streamed response from Claude API")
	}

	return &interfaces.ContentResponse{
		Text:     text.String(),
		Provider: string(ProviderClaude),
		Model:    model,
	}, nil
}

// Close releases the client
func (s *ClaudeService) Close() error {
	s.client = anthropic.Client{}
	return nil
}

// buildParams assembles request parameters with config defaults applied
func (s *ClaudeService) buildParams(request *interfaces.ContentRequest) (anthropic.MessageNewParams, string, error) {
	claudeMessages, systemText, err := convertMessagesToClaude(request.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, "", fmt.Errorf("failed to convert messages: %w", err)
	}
	if request.SystemInstruction != "" {
		systemText = request.SystemInstruction
	}

	model := request.Model
	if model == "" {
		model = s.config.Model
	}

	maxTokens := request.MaxTokens
	if maxTokens <= 0 {
		maxTokens = s.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  claudeMessages,
	}

	temp := request.Temperature
	if temp <= 0 {
		temp = s.config.Temperature
	}
	if temp > 0 {
		params.Temperature = anthropic.Float(float64(temp))
	}

	if systemText != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemText},
		}
	}

	return params, model, nil
}
