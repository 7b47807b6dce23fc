// -----------------------------------------------------------------------
// Provider Factory - Model-string routing between Claude and Gemini
// -----------------------------------------------------------------------

package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/converge/internal/common"
	"github.com/ternarybob/converge/internal/interfaces"
)

// ProviderType represents the AI provider type
type ProviderType string

const (
	// ProviderGemini uses Google Gemini API
	ProviderGemini ProviderType = "gemini"
	// ProviderClaude uses Anthropic Claude API
	ProviderClaude ProviderType = "claude"
)

// ProviderFactory routes content requests to the provider the model
// string names. Provider clients are created lazily on first use and
// shared by every caller after that.
type ProviderFactory struct {
	geminiConfig *common.GeminiConfig
	claudeConfig *common.ClaudeConfig
	llmConfig    *common.LLMConfig
	kvStorage    interfaces.KeyValueStorage
	logger       arbor.ILogger

	mu     sync.Mutex
	claude *ClaudeService
	gemini *GeminiService
}

var _ interfaces.LLMProvider = (*ProviderFactory)(nil)

// NewProviderFactory creates a new provider factory
func NewProviderFactory(
	geminiConfig *common.GeminiConfig,
	claudeConfig *common.ClaudeConfig,
	llmConfig *common.LLMConfig,
	kvStorage interfaces.KeyValueStorage,
	logger arbor.ILogger,
) *ProviderFactory {
	return &ProviderFactory{
		geminiConfig: geminiConfig,
		claudeConfig: claudeConfig,
		llmConfig:    llmConfig,
		kvStorage:    kvStorage,
		logger:       logger,
	}
}

// DetectProvider determines the provider type from a model string.
// Model strings can be:
// - "claude-haiku-3-5-20241022" -> Claude
// - "claude/claude-haiku-3-5-20241022" -> Claude (with prefix)
// - "gemini-3-flash-preview" -> Gemini
// - "gemini/gemini-3-flash-preview" -> Gemini (with prefix)
// - Empty string -> uses default provider from config
func (f *ProviderFactory) DetectProvider(model string) ProviderType {
	if model == "" {
		return ProviderType(f.llmConfig.DefaultProvider)
	}

	model = strings.ToLower(model)

	if strings.HasPrefix(model, "claude/") || strings.HasPrefix(model, "anthropic/") {
		return ProviderClaude
	}
	if strings.HasPrefix(model, "gemini/") || strings.HasPrefix(model, "google/") {
		return ProviderGemini
	}

	if strings.HasPrefix(model, "claude-") {
		return ProviderClaude
	}
	if strings.HasPrefix(model, "gemini-") {
		return ProviderGemini
	}

	return ProviderType(f.llmConfig.DefaultProvider)
}

// NormalizeModel removes the provider prefix from a model name if present
func (f *ProviderFactory) NormalizeModel(model string) string {
	prefixes := []string{"claude/", "anthropic/", "gemini/", "google/"}
	for _, prefix := range prefixes {
		if strings.HasPrefix(strings.ToLower(model), prefix) {
			return model[len(prefix):]
		}
	}
	return model
}

// GetDefaultModel returns the default model for a provider
func (f *ProviderFactory) GetDefaultModel(provider ProviderType) string {
	switch provider {
	case ProviderClaude:
		return f.claudeConfig.Model
	case ProviderGemini:
		return f.geminiConfig.Model
	default:
		return f.claudeConfig.Model
	}
}

// GenerateContent generates content using the provider the model names
func (f *ProviderFactory) GenerateContent(ctx context.Context, request *interfaces.ContentRequest) (*interfaces.ContentResponse, error) {
	provider, err := f.providerFor(ctx, request.Model)
	if err != nil {
		return nil, err
	}
	req := f.normalized(request)

	f.logger.Debug().
		Str("provider", string(f.DetectProvider(request.Model))).
		Str("model", req.Model).
		Int("message_count", len(req.Messages)).
		Msg("Generating content with provider")

	return provider.GenerateContent(ctx, req)
}

// GenerateContentStream generates content, delivering text chunks to
// onToken as the provider produces them
func (f *ProviderFactory) GenerateContentStream(ctx context.Context, request *interfaces.ContentRequest, onToken interfaces.TokenCallback) (*interfaces.ContentResponse, error) {
	provider, err := f.providerFor(ctx, request.Model)
	if err != nil {
		return nil, err
	}
	req := f.normalized(request)

	f.logger.Debug().
		Str("provider", string(f.DetectProvider(request.Model))).
		Str("model", req.Model).
		Int("message_count", len(req.Messages)).
		Msg("Streaming content with provider")

	return provider.GenerateContentStream(ctx, req, onToken)
}

// Close releases all initialized provider clients
func (f *ProviderFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.claude != nil {
		f.claude.Close()
		f.claude = nil
	}
	if f.gemini != nil {
		f.gemini.Close()
		f.gemini = nil
	}
	return nil
}

// providerFor returns the initialized provider for the model string
func (f *ProviderFactory) providerFor(ctx context.Context, model string) (interfaces.LLMProvider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.DetectProvider(model) {
	case ProviderClaude:
		if f.claude == nil {
			svc, err := NewClaudeService(ctx, f.claudeConfig, f.kvStorage, f.logger)
			if err != nil {
				return nil, fmt.Errorf("failed to initialize Claude provider: %w", err)
			}
			f.claude = svc
		}
		return f.claude, nil
	case ProviderGemini:
		if f.gemini == nil {
			svc, err := NewGeminiService(ctx, f.geminiConfig, f.kvStorage, f.logger)
			if err != nil {
				return nil, fmt.Errorf("failed to initialize Gemini provider: %w", err)
			}
			f.gemini = svc
		}
		return f.gemini, nil
	default:
		return nil, fmt.Errorf("unknown LLM provider for model %q", model)
	}
}

// normalized returns a copy of the request with the provider prefix
// stripped from the model, leaving the caller's request untouched
func (f *ProviderFactory) normalized(request *interfaces.ContentRequest) *interfaces.ContentRequest {
	req := *request
	req.Model = f.NormalizeModel(request.Model)
	return &req
}
