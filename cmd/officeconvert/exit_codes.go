package main

import (
	"errors"
	"os"

	officeconvert "github.com/alnah/go-officeconvert"
	"github.com/alnah/go-officeconvert/internal/config"
)

// Exit codes for the officeconvert CLI.
// Follows Unix conventions: 0=success, 1=general, 2=usage, and custom codes < 126.
const (
	ExitSuccess     = 0 // Every request succeeded
	ExitGeneral     = 1 // General/unexpected error
	ExitUsage       = 2 // Invalid flags, config, or environment
	ExitIO          = 3 // Input not readable or output not writable
	ExitRejected    = 4 // A backend rejected the document
	ExitUnavailable = 5 // No backend could serve the request
)

// exitCodeFor returns the appropriate exit code for an error.
func exitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}

	if errors.Is(err, config.ErrConfigNotFound) ||
		errors.Is(err, config.ErrConfigParse) ||
		errors.Is(err, config.ErrInvalidConfig) ||
		errors.Is(err, officeconvert.ErrNoBackends) ||
		errors.Is(err, ErrNoInput) {
		return ExitUsage
	}

	if errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, os.ErrPermission) ||
		errors.Is(err, ErrReadDocument) ||
		errors.Is(err, ErrWritePDF) {
		return ExitIO
	}

	if errors.Is(err, officeconvert.ErrInvalidInput) ||
		errors.Is(err, officeconvert.ErrUnsupported) ||
		errors.Is(err, officeconvert.ErrEngineFailure) {
		return ExitRejected
	}

	if errors.Is(err, officeconvert.ErrBusy) ||
		errors.Is(err, officeconvert.ErrResourceUnavailable) ||
		errors.Is(err, officeconvert.ErrBackendUnreachable) {
		return ExitUnavailable
	}

	return ExitGeneral
}
