package main

import (
	"errors"
	"os"

	"github.com/alnah/go-officeconvert/internal/config"
	"github.com/alnah/go-officeconvert/internal/engine"
)

// Exit codes for officeconvert-server.
// Follows Unix conventions: 0=success, 1=general, 2=usage, and custom codes < 126.
const (
	ExitSuccess     = 0 // Clean shutdown
	ExitGeneral     = 1 // General/unexpected error
	ExitUsage       = 2 // Invalid flags, config, or environment
	ExitListen      = 3 // Listen address unavailable
	ExitEngine      = 4 // Engine could not be started
	ExitEngineFatal = 5 // Engine failed while running; restart the replica
)

// exitCodeFor returns the appropriate exit code for a startup error.
func exitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}
	if errors.Is(err, engine.ErrFatal) {
		return ExitEngine
	}
	if errors.Is(err, config.ErrConfigNotFound) ||
		errors.Is(err, config.ErrConfigParse) ||
		errors.Is(err, config.ErrInvalidConfig) ||
		errors.Is(err, os.ErrNotExist) {
		return ExitUsage
	}
	return ExitGeneral
}
