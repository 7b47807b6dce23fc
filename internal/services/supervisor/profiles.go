// -----------------------------------------------------------------------
// Profiles - Supervisor behavior presets loaded from YAML/TOML files
// -----------------------------------------------------------------------

package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/converge/internal/common"
)

// DefaultProfileName is the builtin profile used when a run names none
const DefaultProfileName = "default"

// defaultSystemPrompt teaches the model the directive protocol. Profile
// files may replace it entirely; most extend it with task-specific rules
// via their own system field.
const defaultSystemPrompt = `You coordinate a long-running task by working in steps. After each step reply with exactly one JSON directive and nothing else.

To finish the task:
{"action": "finish", "output": "<final answer>"}

To fan work out to parallel workers and wait for all of them:
{"action": "spawn", "jobs": [{"type": "llm", "name": "<short label>", "payload": {"prompt": "..."}}], "deadline_seconds": 300}

To hand off work that outlives this session (the run pauses until an external trigger reports back):
{"action": "defer", "jobs": [{"type": "llm", "external": true, "payload": {"prompt": "..."}}], "reason": "<why this must wait>"}

Job types and payloads:
- "llm": {"prompt": "..."} runs a worker model call
- "web_fetch": {"url": "https://..."} fetches a page as markdown
- "echo": {"message": "..."} returns the message unchanged

Worker results arrive as tool messages in the conversation. Read them and decide the next step.`

// Profile is one supervisor behavior preset: the system prompt plus model
// and round parameters for runs that select it.
type Profile struct {
	Name          string                 `yaml:"name" toml:"name"`
	System        string                 `yaml:"system" toml:"system"`
	Model         string                 `yaml:"model" toml:"model"`
	Temperature   float32                `yaml:"temperature" toml:"temperature"`
	MaxTokens     int                    `yaml:"max_tokens" toml:"max_tokens"`
	ThinkingLevel string                 `yaml:"thinking_level" toml:"thinking_level"`
	MaxRounds     int                    `yaml:"max_rounds" toml:"max_rounds"`
	RoundDeadline string                 `yaml:"round_deadline" toml:"round_deadline"`
	OutputSchema  map[string]interface{} `yaml:"output_schema" toml:"output_schema"`
}

// Validate checks required profile fields
func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	if p.System == "" {
		return fmt.Errorf("profile %s has no system prompt", p.Name)
	}
	return nil
}

// ProfileStore holds the builtin default profile plus any loaded from the
// profiles directory. Lookups fall back to the default so a run naming a
// missing profile still executes.
type ProfileStore struct {
	mu          sync.RWMutex
	profiles    map[string]*Profile
	defaultName string
	logger      arbor.ILogger
}

// NewProfileStore creates a store seeded with the builtin default profile
// and loads any profile files from the configured directory.
func NewProfileStore(config *common.SupervisorConfig, logger arbor.ILogger) *ProfileStore {
	store := &ProfileStore{
		profiles:    make(map[string]*Profile),
		defaultName: DefaultProfileName,
		logger:      logger,
	}

	store.profiles[DefaultProfileName] = &Profile{
		Name:   DefaultProfileName,
		System: defaultSystemPrompt,
	}

	if config != nil {
		if config.DefaultProfile != "" {
			store.defaultName = config.DefaultProfile
		}
		if config.ProfilesDir != "" {
			if err := store.LoadDir(config.ProfilesDir); err != nil {
				logger.Warn().Err(err).Str("path", config.ProfilesDir).Msg("Failed to load supervisor profiles")
			}
		}
	}

	return store
}

// LoadDir loads profile files from a directory. YAML and TOML files are
// accepted; files that fail to parse or validate are skipped with a
// warning so one bad profile never blocks startup.
func (s *ProfileStore) LoadDir(dirPath string) error {
	if _, err := os.Stat(dirPath); os.IsNotExist(err) {
		s.logger.Debug().Str("path", dirPath).Msg("Profiles directory not found, using builtin default only")
		return nil
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return fmt.Errorf("failed to read profiles directory: %w", err)
	}

	loadedCount := 0
	skippedCount := 0

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filePath := filepath.Join(dirPath, entry.Name())
		ext := filepath.Ext(entry.Name())

		var profile *Profile

		switch ext {
		case ".yaml", ".yml":
			profile, err = loadProfileYAML(filePath)
		case ".toml":
			profile, err = loadProfileTOML(filePath)
		default:
			s.logger.Debug().Str("file", entry.Name()).Msg("Skipping non-profile file")
			skippedCount++
			continue
		}

		if err != nil {
			s.logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to load profile file")
			skippedCount++
			continue
		}

		if profile.Name == "" {
			// File name stands in for a missing name field
			profile.Name = entry.Name()[:len(entry.Name())-len(ext)]
		}
		if profile.System == "" {
			profile.System = defaultSystemPrompt
		}

		if err := profile.Validate(); err != nil {
			s.logger.Warn().Err(err).Str("file", entry.Name()).Msg("Profile validation failed")
			skippedCount++
			continue
		}

		s.mu.Lock()
		s.profiles[profile.Name] = profile
		s.mu.Unlock()

		s.logger.Info().
			Str("profile", profile.Name).
			Str("file", entry.Name()).
			Msg("Loaded supervisor profile")

		loadedCount++
	}

	s.logger.Info().
		Int("loaded", loadedCount).
		Int("skipped", skippedCount).
		Msg("Finished loading supervisor profiles")

	return nil
}

// Get returns the named profile, falling back to the default for an empty
// or unknown name
func (s *ProfileStore) Get(name string) *Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if name == "" {
		name = s.defaultName
	}
	if profile, ok := s.profiles[name]; ok {
		return profile
	}

	s.logger.Warn().Str("profile", name).Msg("Unknown supervisor profile, using default")
	if profile, ok := s.profiles[s.defaultName]; ok {
		return profile
	}
	return s.profiles[DefaultProfileName]
}

// Names returns the loaded profile names
func (s *ProfileStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		names = append(names, name)
	}
	return names
}

func loadProfileYAML(filePath string) (*Profile, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return &profile, nil
}

func loadProfileTOML(filePath string) (*Profile, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var profile Profile
	if err := toml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}

	return &profile, nil
}
