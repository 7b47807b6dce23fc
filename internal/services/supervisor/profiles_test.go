package supervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/converge/internal/common"
)

func writeProfileFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestProfileStore_BuiltinDefault(t *testing.T) {
	store := NewProfileStore(nil, arbor.NewLogger())

	profile := store.Get("")
	if profile == nil {
		t.Fatal("no default profile")
	}
	if profile.Name != DefaultProfileName {
		t.Errorf("default profile name = %s", profile.Name)
	}
	if profile.System == "" {
		t.Error("default profile has no system prompt")
	}
}

func TestProfileStore_LoadsYAMLAndTOML(t *testing.T) {
	dir := t.TempDir()
	writeProfileFile(t, dir, "researcher.yaml", `
name: researcher
system: You research topics by fetching sources in parallel.
model: claude-sonnet-4-5
temperature: 0.2
max_rounds: 4
round_deadline: 10m
`)
	writeProfileFile(t, dir, "sprinter.toml", `
name = "sprinter"
system = "Answer in one step, never spawn workers."
max_tokens = 512
`)
	writeProfileFile(t, dir, "notes.txt", "not a profile")

	store := NewProfileStore(&common.SupervisorConfig{ProfilesDir: dir}, arbor.NewLogger())

	researcher := store.Get("researcher")
	if researcher.Model != "claude-sonnet-4-5" {
		t.Errorf("researcher model = %q", researcher.Model)
	}
	if researcher.Temperature != 0.2 {
		t.Errorf("researcher temperature = %v", researcher.Temperature)
	}
	if researcher.MaxRounds != 4 || researcher.RoundDeadline != "10m" {
		t.Errorf("researcher rounds = %d/%s", researcher.MaxRounds, researcher.RoundDeadline)
	}

	sprinter := store.Get("sprinter")
	if sprinter.MaxTokens != 512 {
		t.Errorf("sprinter max_tokens = %d", sprinter.MaxTokens)
	}
	if sprinter.System == "" {
		t.Error("sprinter lost its system prompt")
	}
}

func TestProfileStore_NameDefaultsToFileName(t *testing.T) {
	dir := t.TempDir()
	writeProfileFile(t, dir, "tersely.yaml", "model: gemini-3-flash-preview\n")

	store := NewProfileStore(&common.SupervisorConfig{ProfilesDir: dir}, arbor.NewLogger())

	profile := store.Get("tersely")
	if profile.Name != "tersely" {
		t.Errorf("profile name = %q, want tersely (from file name)", profile.Name)
	}
	// Missing system prompt falls back to the builtin protocol prompt
	if profile.System == "" {
		t.Error("profile has no system prompt")
	}
}

func TestProfileStore_BadFileSkipped(t *testing.T) {
	dir := t.TempDir()
	writeProfileFile(t, dir, "broken.yaml", "name: [not valid yaml\n\tsystem:")
	writeProfileFile(t, dir, "good.yaml", "name: good\nsystem: works\n")

	store := NewProfileStore(&common.SupervisorConfig{ProfilesDir: dir}, arbor.NewLogger())

	if got := store.Get("good"); got.Name != "good" {
		t.Errorf("good profile not loaded, got %q", got.Name)
	}
	// The broken file must not shadow the default fallback
	if got := store.Get("broken"); got.Name != DefaultProfileName {
		t.Errorf("broken profile resolved to %q, want default fallback", got.Name)
	}
}

func TestProfileStore_UnknownFallsBackToDefault(t *testing.T) {
	store := NewProfileStore(&common.SupervisorConfig{}, arbor.NewLogger())

	profile := store.Get("no-such-profile")
	if profile.Name != DefaultProfileName {
		t.Errorf("fallback profile = %q, want %s", profile.Name, DefaultProfileName)
	}
}

func TestProfileStore_MissingDirIsFine(t *testing.T) {
	store := NewProfileStore(&common.SupervisorConfig{ProfilesDir: filepath.Join(t.TempDir(), "absent")}, arbor.NewLogger())

	if profile := store.Get(""); profile == nil || profile.System == "" {
		t.Fatal("builtin default lost when profiles dir is missing")
	}
}
