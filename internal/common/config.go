package common

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/ternarybob/converge/internal/interfaces"
)

// Config represents the application configuration
type Config struct {
	Environment string           `toml:"environment"` // "development" or "production" - controls local URL validation for fetch jobs
	Server      ServerConfig     `toml:"server"`
	Storage     StorageConfig    `toml:"storage"`
	Logging     LoggingConfig    `toml:"logging"`
	Stream      StreamConfig     `toml:"stream"`
	Barrier     BarrierConfig    `toml:"barrier"`
	Reaper      ReaperConfig     `toml:"reaper"`
	WebSocket   WebSocketConfig  `toml:"websocket"`
	Workers     WorkersConfig    `toml:"workers"`
	Fetch       FetchConfig      `toml:"fetch"`
	Supervisor  SupervisorConfig `toml:"supervisor"`
	Gemini      GeminiConfig     `toml:"gemini"`
	Claude      ClaudeConfig     `toml:"claude"`
	LLM         LLMConfig        `toml:"llm"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Type   string       `toml:"type"` // Storage backend (only "badger" is supported)
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level         string   `toml:"level"`           // "debug", "info", "warn", "error"
	Format        string   `toml:"format"`          // "json" or "text"
	Output        []string `toml:"output"`          // "stdout", "file"
	TimeFormat    string   `toml:"time_format"`     // Time format for logs (default: "15:04:05.000")
	MinEventLevel string   `toml:"min_event_level"` // Minimum log level to publish as events to UI ("debug", "info", "warn", "error")
}

// StreamConfig contains configuration for SSE run streams
type StreamConfig struct {
	BufferSize        int    `toml:"buffer_size"`        // Per-subscription live buffer before the stream falls behind (default: 256)
	HeartbeatInterval string `toml:"heartbeat_interval"` // Comment ping interval as duration string (default: "15s")
	ReplayLimit       int    `toml:"replay_limit"`       // Default cap on events returned per listing call (default: 500)
}

// BarrierConfig contains configuration for run barriers
type BarrierConfig struct {
	DefaultDeadline    string `toml:"default_deadline"`     // Deadline applied when a round doesn't set one (default: "5m")
	MaxConflictRetries int    `toml:"max_conflict_retries"` // Transaction retry cap before surfacing a conflict error (default: 8)
}

// ReaperConfig contains configuration for the deadline sweeper
type ReaperConfig struct {
	Enabled  bool   `toml:"enabled"`  // Run the sweeper loop (default: true)
	Interval string `toml:"interval"` // Sweep interval as duration string (default: "30s")
	Limit    int    `toml:"limit"`    // Max expired barriers handled per sweep (default: 100)
}

// WebSocketConfig contains configuration for WebSocket log streaming
type WebSocketConfig struct {
	MinLevel        string   `toml:"min_level"`        // Minimum log level to broadcast ("debug", "info", "warn", "error")
	ExcludePatterns []string `toml:"exclude_patterns"` // Log message patterns to exclude from broadcasting
	// Whitelist of event types to broadcast via WebSocket. Empty list allows all events.
	// Example: ["run_event_appended", "job_status_changed"]
	AllowedEvents []string `toml:"allowed_events"`
	// Throttle intervals for high-frequency events. Map of event type to duration string.
	// Example: {"run_event_appended": "250ms"}
	ThrottleIntervals map[string]string `toml:"throttle_intervals"`
}

// WorkersConfig contains configuration for the dispatch pool
type WorkersConfig struct {
	Concurrency  int    `toml:"concurrency"`   // Number of concurrent job workers (default: 4)
	PollInterval string `toml:"poll_interval"` // e.g., "500ms" - how often workers poll for queued jobs
	Debug        bool   `toml:"debug"`         // Enable worker debug metadata (timing, attempt counts)
}

// FetchConfig contains configuration for web fetch jobs
type FetchConfig struct {
	UserAgent       string        `toml:"user_agent"`        // Default user agent string
	RequestTimeout  time.Duration `toml:"request_timeout"`   // HTTP request timeout
	MaxBodySize     int           `toml:"max_body_size"`     // Maximum response body size in bytes
	PerHostInterval string        `toml:"per_host_interval"` // Minimum delay between requests to the same host (default: "500ms")
	PerHostBurst    int           `toml:"per_host_burst"`    // Rate limiter burst per host (default: 2)
}

// SupervisorConfig contains configuration for the supervisor loop
type SupervisorConfig struct {
	ProfilesDir    string `toml:"profiles_dir"`    // Directory containing supervisor profile files (YAML)
	DefaultProfile string `toml:"default_profile"` // Profile used when a run doesn't name one (default: "default")
	MaxRounds      int    `toml:"max_rounds"`      // Maximum barrier rounds per run before the run fails (default: 8)
}

// GeminiConfig contains Google Gemini API configuration
type GeminiConfig struct {
	APIKey      string  `toml:"api_key"`     // Google Gemini API key
	Model       string  `toml:"model"`       // Model for supervisor and worker calls (default: "gemini-3-flash-preview")
	MaxTokens   int     `toml:"max_tokens"`  // Maximum tokens in response (default: 8192)
	Timeout     string  `toml:"timeout"`     // Operation timeout as duration string (default: "5m")
	RateLimit   string  `toml:"rate_limit"`  // Rate limit duration string (default: "4s" for 15 RPM)
	Temperature float32 `toml:"temperature"` // Completion temperature (default: 0.7)
}

// ClaudeConfig contains Anthropic Claude API configuration
type ClaudeConfig struct {
	APIKey      string  `toml:"api_key"`     // Anthropic API key (ANTHROPIC_API_KEY or config)
	Model       string  `toml:"model"`       // Model for supervisor and worker calls (default: "claude-haiku-3-5-20241022")
	MaxTokens   int     `toml:"max_tokens"`  // Maximum tokens in response (default: 8192)
	Timeout     string  `toml:"timeout"`     // Operation timeout as duration string (default: "5m")
	RateLimit   string  `toml:"rate_limit"`  // Rate limit duration string (default: "1s")
	Temperature float32 `toml:"temperature"` // Completion temperature (default: 0.7)
}

// LLMProvider represents the AI provider type
type LLMProvider string

const (
	// LLMProviderGemini uses Google Gemini API
	LLMProviderGemini LLMProvider = "gemini"
	// LLMProviderClaude uses Anthropic Claude API
	LLMProviderClaude LLMProvider = "claude"
)

// LLMConfig contains unified configuration for all AI providers
type LLMConfig struct {
	DefaultProvider LLMProvider `toml:"default_provider"` // Default provider: "gemini" or "claude" (default: "claude")
}

// NewDefaultConfig creates a configuration with default values
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in converge.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development", // Default to development mode - allows localhost fetch targets
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Type: "badger",
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Logging: LoggingConfig{
			Level:         "info",                     // Info level for production (debug|info|warn|error)
			Format:        "text",                     // Human-readable text format (text|json)
			Output:        []string{"stdout", "file"}, // Log to both console and file
			MinEventLevel: "info",                     // Publish info and above as events to UI
		},
		Stream: StreamConfig{
			BufferSize:        256,
			HeartbeatInterval: "15s",
			ReplayLimit:       500,
		},
		Barrier: BarrierConfig{
			DefaultDeadline:    "5m",
			MaxConflictRetries: 8,
		},
		Reaper: ReaperConfig{
			Enabled:  true,
			Interval: "30s",
			Limit:    100,
		},
		WebSocket: WebSocketConfig{
			MinLevel: "info", // Default: info level and above
			ExcludePatterns: []string{
				"WebSocket client connected",
				"WebSocket client disconnected",
				"HTTP request",
				"HTTP response",
				"Publishing Event",
			},
			// Empty AllowedEvents allows all events
			AllowedEvents: []string{},
			// Throttle high-frequency events so token deltas don't flood the socket
			ThrottleIntervals: map[string]string{
				"run_event_appended": "250ms", // Max 4 ledger notifications per second per socket
			},
		},
		Workers: WorkersConfig{
			Concurrency:  4,
			PollInterval: "500ms",
			Debug:        false, // Disabled by default - zero overhead in production
		},
		Fetch: FetchConfig{
			UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			RequestTimeout:  30 * time.Second,
			MaxBodySize:     10 * 1024 * 1024, // 10MB
			PerHostInterval: "500ms",
			PerHostBurst:    2,
		},
		Supervisor: SupervisorConfig{
			ProfilesDir:    "./profiles",
			DefaultProfile: "default",
			MaxRounds:      8,
		},
		Gemini: GeminiConfig{
			APIKey:      "",                       // User must provide API key (no fallback)
			Model:       "gemini-3-flash-preview", // Model for AI operations
			MaxTokens:   8192,
			Timeout:     "5m", // 5 minutes for operations
			RateLimit:   "4s", // Default to 4s (15 RPM) for free tier
			Temperature: 0.7,  // Default temperature
		},
		Claude: ClaudeConfig{
			APIKey:      "",                          // User must provide API key (ANTHROPIC_API_KEY or config)
			Model:       "claude-haiku-3-5-20241022", // Model for AI operations
			MaxTokens:   8192,                        // Default max tokens
			Timeout:     "5m",                        // 5 minutes for operations
			RateLimit:   "1s",                        // Default rate limit
			Temperature: 0.7,                         // Default temperature
		},
		LLM: LLMConfig{
			DefaultProvider: LLMProviderClaude, // Claude handles the supervisor directive format best
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env -> CLI
// Priority system: CLI flags > Environment variables > Config file > Defaults
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env -> CLI
// Later files override earlier files. Priority system: CLI flags > Environment variables > Last config file > ... > First config file > Defaults
// Example: LoadFromFiles("base.toml", "override.toml") - override.toml settings take precedence over base.toml
func LoadFromFiles(paths ...string) (*Config, error) {
	// Start with defaults
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier files)
	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal into config (merges with existing values, later values override)
		err = toml.Unmarshal(data, config)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	// Apply environment variables (overrides all file configs)
	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	// Environment configuration (highest priority: CONVERGE_ENV, fallback: GO_ENV)
	if env := os.Getenv("CONVERGE_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("CONVERGE_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("CONVERGE_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage configuration
	if badgerPath := os.Getenv("CONVERGE_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Logging configuration
	if level := os.Getenv("CONVERGE_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("CONVERGE_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("CONVERGE_LOG_OUTPUT"); output != "" {
		// Split comma-separated output types
		outputs := []string{}
		for _, o := range splitString(output, ",") {
			trimmed := trimSpace(o)
			if trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
	if minEventLevel := os.Getenv("CONVERGE_LOG_MIN_EVENT_LEVEL"); minEventLevel != "" {
		config.Logging.MinEventLevel = minEventLevel
	}

	// Stream configuration
	if bufferSize := os.Getenv("CONVERGE_STREAM_BUFFER_SIZE"); bufferSize != "" {
		if bs, err := strconv.Atoi(bufferSize); err == nil && bs > 0 {
			config.Stream.BufferSize = bs
		}
	}
	if heartbeat := os.Getenv("CONVERGE_STREAM_HEARTBEAT_INTERVAL"); heartbeat != "" {
		if _, err := time.ParseDuration(heartbeat); err == nil {
			config.Stream.HeartbeatInterval = heartbeat
		}
	}
	if replayLimit := os.Getenv("CONVERGE_STREAM_REPLAY_LIMIT"); replayLimit != "" {
		if rl, err := strconv.Atoi(replayLimit); err == nil && rl > 0 {
			config.Stream.ReplayLimit = rl
		}
	}

	// Barrier configuration
	if deadline := os.Getenv("CONVERGE_BARRIER_DEFAULT_DEADLINE"); deadline != "" {
		if _, err := time.ParseDuration(deadline); err == nil {
			config.Barrier.DefaultDeadline = deadline
		}
	}
	if retries := os.Getenv("CONVERGE_BARRIER_MAX_CONFLICT_RETRIES"); retries != "" {
		if r, err := strconv.Atoi(retries); err == nil && r > 0 {
			config.Barrier.MaxConflictRetries = r
		}
	}

	// Reaper configuration
	if enabled := os.Getenv("CONVERGE_REAPER_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Reaper.Enabled = e
		}
	}
	if interval := os.Getenv("CONVERGE_REAPER_INTERVAL"); interval != "" {
		config.Reaper.Interval = interval
	}
	if limit := os.Getenv("CONVERGE_REAPER_LIMIT"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 {
			config.Reaper.Limit = l
		}
	}

	// WebSocket configuration
	if minLevel := os.Getenv("CONVERGE_WEBSOCKET_MIN_LEVEL"); minLevel != "" {
		config.WebSocket.MinLevel = minLevel
	}
	if excludePatterns := os.Getenv("CONVERGE_WEBSOCKET_EXCLUDE_PATTERNS"); excludePatterns != "" {
		// Split comma-separated patterns
		patterns := []string{}
		for _, p := range splitString(excludePatterns, ",") {
			trimmed := trimSpace(p)
			if trimmed != "" {
				patterns = append(patterns, trimmed)
			}
		}
		if len(patterns) > 0 {
			config.WebSocket.ExcludePatterns = patterns
		}
	}
	if allowedEvents := os.Getenv("CONVERGE_WEBSOCKET_ALLOWED_EVENTS"); allowedEvents != "" {
		// Split comma-separated event types
		events := []string{}
		for _, e := range splitString(allowedEvents, ",") {
			trimmed := trimSpace(e)
			if trimmed != "" {
				events = append(events, trimmed)
			}
		}
		if len(events) > 0 {
			config.WebSocket.AllowedEvents = events
		}
	}
	if eventThrottle := os.Getenv("CONVERGE_WEBSOCKET_THROTTLE_RUN_EVENTS"); eventThrottle != "" {
		// Parse duration string (e.g., "2s", "1500ms")
		if _, err := time.ParseDuration(eventThrottle); err == nil {
			if config.WebSocket.ThrottleIntervals == nil {
				config.WebSocket.ThrottleIntervals = make(map[string]string)
			}
			config.WebSocket.ThrottleIntervals["run_event_appended"] = eventThrottle
		}
	}

	// Workers configuration
	if concurrency := os.Getenv("CONVERGE_WORKERS_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil && c > 0 {
			config.Workers.Concurrency = c
		}
	}
	if pollInterval := os.Getenv("CONVERGE_WORKERS_POLL_INTERVAL"); pollInterval != "" {
		if _, err := time.ParseDuration(pollInterval); err == nil {
			config.Workers.PollInterval = pollInterval
		}
	}
	if debug := os.Getenv("CONVERGE_WORKERS_DEBUG"); debug != "" {
		if d, err := strconv.ParseBool(debug); err == nil {
			config.Workers.Debug = d
		}
	}

	// Fetch configuration
	if userAgent := os.Getenv("CONVERGE_FETCH_USER_AGENT"); userAgent != "" {
		config.Fetch.UserAgent = userAgent
	}
	if requestTimeout := os.Getenv("CONVERGE_FETCH_REQUEST_TIMEOUT"); requestTimeout != "" {
		if rt, err := time.ParseDuration(requestTimeout); err == nil {
			config.Fetch.RequestTimeout = rt
		}
	}
	if maxBodySize := os.Getenv("CONVERGE_FETCH_MAX_BODY_SIZE"); maxBodySize != "" {
		if mbs, err := strconv.Atoi(maxBodySize); err == nil {
			config.Fetch.MaxBodySize = mbs
		}
	}
	if perHostInterval := os.Getenv("CONVERGE_FETCH_PER_HOST_INTERVAL"); perHostInterval != "" {
		if _, err := time.ParseDuration(perHostInterval); err == nil {
			config.Fetch.PerHostInterval = perHostInterval
		}
	}

	// Supervisor configuration
	if profilesDir := os.Getenv("CONVERGE_SUPERVISOR_PROFILES_DIR"); profilesDir != "" {
		config.Supervisor.ProfilesDir = profilesDir
	}
	if defaultProfile := os.Getenv("CONVERGE_SUPERVISOR_DEFAULT_PROFILE"); defaultProfile != "" {
		config.Supervisor.DefaultProfile = defaultProfile
	}
	if maxRounds := os.Getenv("CONVERGE_SUPERVISOR_MAX_ROUNDS"); maxRounds != "" {
		if mr, err := strconv.Atoi(maxRounds); err == nil && mr > 0 {
			config.Supervisor.MaxRounds = mr
		}
	}

	// Gemini configuration
	if apiKey := os.Getenv("CONVERGE_GEMINI_API_KEY"); apiKey != "" {
		config.Gemini.APIKey = apiKey
	} else if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		config.Gemini.APIKey = apiKey
	}
	if model := os.Getenv("CONVERGE_GEMINI_MODEL"); model != "" {
		config.Gemini.Model = model
	}
	if maxTokens := os.Getenv("CONVERGE_GEMINI_MAX_TOKENS"); maxTokens != "" {
		if mt, err := strconv.Atoi(maxTokens); err == nil {
			config.Gemini.MaxTokens = mt
		}
	}
	if timeout := os.Getenv("CONVERGE_GEMINI_TIMEOUT"); timeout != "" {
		config.Gemini.Timeout = timeout
	}
	if rateLimit := os.Getenv("CONVERGE_GEMINI_RATE_LIMIT"); rateLimit != "" {
		config.Gemini.RateLimit = rateLimit
	}
	if temperature := os.Getenv("CONVERGE_GEMINI_TEMPERATURE"); temperature != "" {
		if t, err := strconv.ParseFloat(temperature, 32); err == nil {
			config.Gemini.Temperature = float32(t)
		}
	}

	// Claude configuration
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		config.Claude.APIKey = apiKey
	}
	if apiKey := os.Getenv("CONVERGE_CLAUDE_API_KEY"); apiKey != "" {
		config.Claude.APIKey = apiKey // CONVERGE_ prefix takes priority
	}
	if model := os.Getenv("CONVERGE_CLAUDE_MODEL"); model != "" {
		config.Claude.Model = model
	}
	if maxTokens := os.Getenv("CONVERGE_CLAUDE_MAX_TOKENS"); maxTokens != "" {
		if mt, err := strconv.Atoi(maxTokens); err == nil {
			config.Claude.MaxTokens = mt
		}
	}
	if timeout := os.Getenv("CONVERGE_CLAUDE_TIMEOUT"); timeout != "" {
		config.Claude.Timeout = timeout
	}
	if rateLimit := os.Getenv("CONVERGE_CLAUDE_RATE_LIMIT"); rateLimit != "" {
		config.Claude.RateLimit = rateLimit
	}
	if temperature := os.Getenv("CONVERGE_CLAUDE_TEMPERATURE"); temperature != "" {
		if t, err := strconv.ParseFloat(temperature, 32); err == nil {
			config.Claude.Temperature = float32(t)
		}
	}

	// LLM provider configuration
	if provider := os.Getenv("CONVERGE_LLM_DEFAULT_PROVIDER"); provider != "" {
		config.LLM.DefaultProvider = LLMProvider(provider)
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	// Command-line flags have highest priority
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// ResolveAPIKey resolves an API key by name with environment variable priority
// Resolution order: environment variables → KV store → config fallback → error
// This ensures CONVERGE_* environment variables always take precedence
func ResolveAPIKey(ctx context.Context, kvStorage interfaces.KeyValueStorage, name string, configFallback string) (string, error) {
	// Map of KV store key names to environment variable names
	keyToEnvMapping := map[string][]string{
		"gemini_api_key":    {"CONVERGE_GEMINI_API_KEY", "GEMINI_API_KEY"},
		"anthropic_api_key": {"CONVERGE_CLAUDE_API_KEY"},
		"claude_api_key":    {"CONVERGE_CLAUDE_API_KEY"},
	}

	// For Claude, also check the standard ANTHROPIC_API_KEY env var
	if name == "anthropic_api_key" || name == "claude_api_key" {
		if envValue := os.Getenv("ANTHROPIC_API_KEY"); envValue != "" {
			return envValue, nil
		}
	}

	// Check environment variables (highest priority)
	if envVarNames, hasMappedEnv := keyToEnvMapping[name]; hasMappedEnv {
		for _, envVarName := range envVarNames {
			if envValue := os.Getenv(envVarName); envValue != "" {
				return envValue, nil
			}
		}
	}

	// Try to resolve from KV store (medium priority - operator-provided values)
	if kvStorage != nil {
		apiKey, err := kvStorage.Get(ctx, name)
		if err == nil && apiKey != "" {
			return apiKey, nil
		}
	}

	// Fallback to config value (lowest priority)
	if configFallback != "" {
		return configFallback, nil
	}

	return "", fmt.Errorf("API key '%s' not found in environment, KV store, or config", name)
}

// Helper functions for string manipulation
func splitString(s, sep string) []string {
	result := []string{}
	start := 0
	for i := 0; i < len(s); i++ {
		if i+len(sep) <= len(s) && s[i:i+len(sep)] == sep {
			result = append(result, s[start:i])
			start = i + len(sep)
			i = start - 1
		}
	}
	result = append(result, s[start:])
	return result
}

func trimSpace(s string) string {
	start := 0
	end := len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t' || s[start] == '\n' || s[start] == '\r') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t' || s[end-1] == '\n' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
}

// ValidateSweepInterval validates a reaper interval and enforces a 1-second floor.
// Sub-second sweeps hammer the store without improving deadline precision.
func ValidateSweepInterval(interval string) error {
	d, err := time.ParseDuration(interval)
	if err != nil {
		return fmt.Errorf("invalid sweep interval: %w", err)
	}
	if d < time.Second {
		return fmt.Errorf("sweep interval must be at least 1 second, got %s", d)
	}
	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// AllowTestURLs returns true if test URLs (localhost, 127.0.0.1, etc.) are allowed
// Test URLs are only allowed in development mode
func (c *Config) AllowTestURLs() bool {
	return !c.IsProduction()
}

// BarrierDeadline returns the configured default barrier deadline as a duration,
// falling back to 5 minutes when the value doesn't parse.
func (c *Config) BarrierDeadline() time.Duration {
	d, err := time.ParseDuration(c.Barrier.DefaultDeadline)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// StreamHeartbeat returns the configured SSE heartbeat interval as a duration,
// falling back to 15 seconds when the value doesn't parse.
func (c *Config) StreamHeartbeat() time.Duration {
	d, err := time.ParseDuration(c.Stream.HeartbeatInterval)
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}
