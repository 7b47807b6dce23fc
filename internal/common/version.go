package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Version information (set via -ldflags during build)
var (
	Version   = "dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

// GetVersion returns the current version string
func GetVersion() string {
	return Version
}

// GetBuild returns the build timestamp
func GetBuild() string {
	return Build
}

// GetGitCommit returns the git commit hash
func GetGitCommit() string {
	return GitCommit
}

// GetFullVersion returns version with build info
func GetFullVersion() string {
	return fmt.Sprintf("%s (build: %s, commit: %s)", Version, Build, GitCommit)
}

// LoadVersionFromFile reads version from a .version file next to the executable.
// The file is either a bare version string or "key:value" lines with a
// version entry (the deploy scripts write the latter form).
func LoadVersionFromFile() string {
	exePath, err := os.Executable()
	if err != nil {
		return Version
	}

	exeDir := filepath.Dir(exePath)
	versionFile := filepath.Join(exeDir, ".version")

	data, err := os.ReadFile(versionFile)
	if err != nil {
		return Version
	}

	content := strings.TrimSpace(string(data))
	if content == "" {
		return Version
	}

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "version:"); ok {
			if v = strings.TrimSpace(v); v != "" {
				Version = v
			}
			return Version
		}
	}

	if !strings.Contains(content, "\n") && !strings.Contains(content, ":") {
		Version = content
	}

	return Version
}
