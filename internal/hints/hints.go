// Package hints provides actionable error hints for common failure scenarios.
// Hints are formatted consistently as "\n  hint: <text>" for appending to error messages.
package hints

import (
	"errors"
	"os"
	"strings"

	officeconvert "github.com/alnah/go-officeconvert"
	"github.com/alnah/go-officeconvert/internal/config"
	"github.com/alnah/go-officeconvert/internal/fileutil"
)

// IsInContainer detects if running inside a Docker container or similar.
// Checks for /.dockerenv file which Docker creates automatically.
var IsInContainer = func() bool {
	return fileutil.FileExists("/.dockerenv")
}

func inCI() bool {
	return os.Getenv("CI") != "" ||
		os.Getenv("GITHUB_ACTIONS") != "" ||
		os.Getenv("GITLAB_CI") != "" ||
		os.Getenv("JENKINS_URL") != ""
}

// ForError returns a hint for an error seen by the client CLI, or "".
func ForError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, officeconvert.ErrNoBackends):
		return format("pass --backend URL or set OFFICECONVERT_BACKENDS")
	case errors.Is(err, config.ErrConfigNotFound):
		return ForConfigNotFound()
	case errors.Is(err, officeconvert.ErrBusy):
		return format("every backend stayed busy; add replicas or raise waitBudget in the client config")
	case errors.Is(err, officeconvert.ErrBackendUnreachable):
		return format("check that the servers are up with: officeconvert status")
	case errors.Is(err, officeconvert.ErrResourceUnavailable):
		return format("backends are shutting down or failing; retry once they restart")
	default:
		return ""
	}
}

// ForEngineStart returns hints for an engine that failed to start.
func ForEngineStart(cfg config.EngineConfig) string {
	switch cfg.Kind {
	case config.EngineChrome:
		return ForBrowserConnect(cfg)
	case config.EngineFake:
		return ""
	default:
		if cfg.Path != "" {
			return format("no soffice found under " + cfg.Path + "; point --engine-path at the LibreOffice program directory")
		}
		return format("install LibreOffice or set LIBREOFFICE_SDK_PATH to its program directory")
	}
}

// ForBrowserConnect returns hints for browser launch errors.
// Detects CI/Docker environment and suggests the relevant flags.
func ForBrowserConnect(cfg config.EngineConfig) string {
	var hints []string

	if (inCI() || IsInContainer()) && !cfg.NoSandbox {
		hints = append(hints, "pass --no-sandbox for Docker/CI")
	}
	if cfg.Path == "" {
		hints = append(hints, "set --engine-path to use a custom Chrome")
	}

	return formatHints(hints)
}

// ForListen returns hints for a listener that could not bind.
func ForListen(address string) string {
	return format(address + " may be in use; choose another with --address")
}

// ForConfigNotFound returns hints for config file not found errors.
func ForConfigNotFound() string {
	return format("use --config /path/to/file.yaml or drop the flag to run on defaults")
}

// ForOutputDirectory returns hints for output directory creation errors.
func ForOutputDirectory() string {
	return format("check parent directory exists and is writable")
}

// format creates a single hint string with consistent formatting.
func format(hint string) string {
	if hint == "" {
		return ""
	}
	return "\n  hint: " + hint
}

// formatHints joins multiple hints with consistent formatting.
func formatHints(hints []string) string {
	if len(hints) == 0 {
		return ""
	}
	return format(strings.Join(hints, "; "))
}
