// -----------------------------------------------------------------------
// Gemini Service - Google completions with streaming token delivery
// -----------------------------------------------------------------------

package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"google.golang.org/genai"

	"github.com/ternarybob/converge/internal/common"
	"github.com/ternarybob/converge/internal/interfaces"
)

// GeminiService generates supervisor steps and worker completions using
// the Google Gemini API.
type GeminiService struct {
	config  *common.GeminiConfig
	logger  arbor.ILogger
	client  *genai.Client
	timeout time.Duration
}

var _ interfaces.LLMProvider = (*GeminiService)(nil)

// convertMessagesToGemini converts []interfaces.Message to Gemini Content
// format. System messages are extracted for the SystemInstruction config;
// tool results become user turns.
func convertMessagesToGemini(messages []interfaces.Message) ([]*genai.Content, string, error) {
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

	contents := make([]*genai.Content, 0, len(messages))
	var systemText string
	for _, msg := range messages {
		if msg.Role == "system" {
			if systemText == "" {
				systemText = msg.Content
			}
			continue
		}

		var geminiRole string
		text := msg.Content
		switch msg.Role {
		case "assistant":
			geminiRole = genai.RoleModel
		case "tool":
			geminiRole = genai.RoleUser
			text = fmt.Sprintf("Tool result:\n\n%s", msg.Content)
		default:
			geminiRole = genai.RoleUser
		}

		contents = append(contents, &genai.Content{
			Role:  geminiRole,
			Parts: []*genai.Part{genai.NewPartFromText(text)},
		})
	}

	return contents, systemText, nil
}

// NewGeminiService creates a new Gemini provider. The API key resolves
// environment-first, then KV store, then config.
func NewGeminiService(ctx context.Context, geminiConfig *common.GeminiConfig, kvStorage interfaces.KeyValueStorage, logger arbor.ILogger) (*GeminiService, error) {
	apiKey, err := common.ResolveAPIKey(ctx, kvStorage, "gemini_api_key", geminiConfig.APIKey)
	if err != nil {
		return nil, fmt.Errorf("Gemini API key is required (set GEMINI_API_KEY, CONVERGE_GEMINI_API_KEY, or gemini.api_key in config): %w", err)
	}

	if geminiConfig.Model == "" {
		geminiConfig.Model = "gemini-3-flash-preview"
	}

	timeout, err := time.ParseDuration(geminiConfig.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid timeout duration '%s': %w", geminiConfig.Timeout, err)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	service := &GeminiService{
		config:  geminiConfig,
		logger:  logger,
		client:  client,
		timeout: timeout,
	}

	logger.Debug().
		Str("model", geminiConfig.Model).
		Dur("timeout", timeout).
		Msg("Gemini LLM service initialized")

	return service, nil
}

// GenerateContent generates a completion, retrying rate-limited calls
// with the API-suggested backoff
func (s *GeminiService) GenerateContent(ctx context.Context, request *interfaces.ContentRequest) (*interfaces.ContentResponse, error) {
	contents, config, model, err := s.buildRequest(request)
	if err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var resp *genai.GenerateContentResponse
	var apiErr error
	retryConfig := NewDefaultRetryConfig()

	for attempt := 0; attempt <= retryConfig.MaxRetries; attempt++ {
		resp, apiErr = s.client.Models.GenerateContent(timeoutCtx, model, contents, config)
		if apiErr == nil {
			break
		}
		if attempt == retryConfig.MaxRetries {
			break
		}

		var backoff time.Duration
		if IsRateLimitError(apiErr) {
			backoff = retryConfig.CalculateBackoff(attempt, ExtractRetryDelay(apiErr))
		} else {
			backoff = time.Duration(attempt+1) * 2 * time.Second
		}

		s.logger.Warn().
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Err(apiErr).
			Msg("Retrying Gemini API call")

		select {
		case <-timeoutCtx.Done():
			return nil, timeoutCtx.Err()
		case <-time.After(backoff):
		}
	}

	if apiErr != nil {
		return nil, fmt.Errorf("Gemini API call failed after %d retries: %w", retryConfig.MaxRetries, apiErr)
	}

	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("empty response from Gemini API")
	}
	responseText := resp.Text()
	if responseText == "" {
		return nil, fmt.Errorf("empty text in Gemini response")
	}

	return &interfaces.ContentResponse{
		Text:     responseText,
		Provider: string(ProviderGemini),
		Model:    model,
	}, nil
}

// GenerateContentStream generates a completion, delivering text chunks to
// onToken as they arrive
func (s *GeminiService) GenerateContentStream(ctx context.Context, request *interfaces.ContentRequest, onToken interfaces.TokenCallback) (*interfaces.ContentResponse, error) {
	contents, config, model, err := s.buildRequest(request)
	if err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var text strings.Builder
	for chunk, err := range s.client.Models.GenerateContentStream(timeoutCtx, model, contents, config) {
		if err != nil {
			return nil, fmt.Errorf("Gemini stream failed: %w", err)
		}
		piece := chunk.Text()
		if piece == "" {
			continue
		}
		text.WriteString(piece)
		if onToken != nil {
			if err := onToken(piece); err != nil {
				return nil, fmt.Errorf("token callback aborted Gemini stream: %w", err)
			}
		}
	}

	if text.Len() == 0 {
		return nil, fmt.Errorf("empty streamed response from Gemini API")
	}

	return &interfaces.ContentResponse{
		Text:     text.String(),
		Provider: string(ProviderGemini),
		Model:    model,
	}, nil
}

// Close releases the client
func (s *GeminiService) Close() error {
	s.client = nil
	return nil
}

// buildRequest assembles contents and generation config with defaults
func (s *GeminiService) buildRequest(request *interfaces.ContentRequest) ([]*genai.Content, *genai.GenerateContentConfig, string, error) {
	contents, systemText, err := convertMessagesToGemini(request.Messages)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to convert messages: %w", err)
	}
	if request.SystemInstruction != "" {
		systemText = request.SystemInstruction
	}

	model := request.Model
	if model == "" {
		model = s.config.Model
	}

	temp := request.Temperature
	if temp <= 0 {
		temp = s.config.Temperature
	}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(temp),
	}
	if request.MaxTokens > 0 {
		config.MaxOutputTokens = int32(request.MaxTokens)
	} else if s.config.MaxTokens > 0 {
		config.MaxOutputTokens = int32(s.config.MaxTokens)
	}

	if systemText != "" {
		config.SystemInstruction = genai.NewContentFromText(systemText, genai.RoleUser)
	}

	if request.ThinkingLevel != "" {
		if parsedLevel := parseGeminiThinkingLevel(request.ThinkingLevel); parsedLevel != "" {
			config.ThinkingConfig = &genai.ThinkingConfig{
				ThinkingLevel: parsedLevel,
			}
		}
	}

	// A schema forces JSON output shaped to it; directive-style steps use
	// this to skip free-text parsing entirely
	if len(request.OutputSchema) > 0 {
		genaiSchema, err := convertToGenaiSchema(request.OutputSchema)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to convert output schema")
		} else if genaiSchema != nil {
			config.ResponseMIMEType = "application/json"
			config.ResponseSchema = genaiSchema
		}
	}

	return contents, config, model, nil
}

// parseGeminiThinkingLevel converts a string thinking level to genai.ThinkingLevel
func parseGeminiThinkingLevel(level string) genai.ThinkingLevel {
	switch strings.ToUpper(level) {
	case "MINIMAL":
		return genai.ThinkingLevelMinimal
	case "LOW":
		return genai.ThinkingLevelLow
	case "MEDIUM":
		return genai.ThinkingLevelMedium
	case "HIGH":
		return genai.ThinkingLevelHigh
	default:
		return ""
	}
}

// convertToGenaiSchema converts a map representation of a JSON schema to a
// genai.Schema structure, so schemas can live in YAML profiles.
func convertToGenaiSchema(schemaMap map[string]interface{}) (*genai.Schema, error) {
	if len(schemaMap) == 0 {
		return nil, nil
	}

	schema := &genai.Schema{}

	if typeStr, ok := schemaMap["type"].(string); ok {
		switch strings.ToLower(typeStr) {
		case "object":
			schema.Type = genai.TypeObject
		case "array":
			schema.Type = genai.TypeArray
		case "string":
			schema.Type = genai.TypeString
		case "number":
			schema.Type = genai.TypeNumber
		case "integer":
			schema.Type = genai.TypeInteger
		case "boolean":
			schema.Type = genai.TypeBoolean
		}
	}

	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}

	if enumVals, ok := schemaMap["enum"].([]interface{}); ok {
		for _, v := range enumVals {
			if s, ok := v.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	} else if enumVals, ok := schemaMap["enum"].([]string); ok {
		schema.Enum = enumVals
	}

	if reqVals, ok := schemaMap["required"].([]interface{}); ok {
		for _, v := range reqVals {
			if s, ok := v.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	} else if reqVals, ok := schemaMap["required"].([]string); ok {
		schema.Required = reqVals
	}

	if itemsMap, ok := schemaMap["items"].(map[string]interface{}); ok {
		itemSchema, err := convertToGenaiSchema(itemsMap)
		if err != nil {
			return nil, fmt.Errorf("failed to convert items schema: %w", err)
		}
		schema.Items = itemSchema
	}

	if propsMap, ok := schemaMap["properties"].(map[string]interface{}); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for propName, propVal := range propsMap {
			if propMap, ok := propVal.(map[string]interface{}); ok {
				propSchema, err := convertToGenaiSchema(propMap)
				if err != nil {
					return nil, fmt.Errorf("failed to convert property '%s': %w", propName, err)
				}
				schema.Properties[propName] = propSchema
			}
		}
	}

	return schema, nil
}
