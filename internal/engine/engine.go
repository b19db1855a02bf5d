// Package engine defines the contract of the native rendering engine the
// conversion queue owns, and the engines the server can be built with.
//
// An Engine is not reentrant. Callers outside internal/queue never touch one
// directly; the queue's single worker is the only goroutine that calls it.
package engine

import (
	"context"
	"errors"

	officeconvert "github.com/alnah/go-officeconvert"
)

// ErrFatal marks a failure after which the engine cannot be used again in this
// process. The server exits on it and relies on its supervisor to restart.
var ErrFatal = errors.New("engine failed fatally")

// Engine is a single, non-reentrant rendering engine instance.
//
// Convert returns errors wrapping officeconvert.ErrInvalidInput or
// officeconvert.ErrEngineFailure for per-document failures, and ErrFatal when
// the engine itself is gone. VersionInfo and SupportedFormats return
// officeconvert.ErrUnsupported when the engine cannot answer.
type Engine interface {
	Convert(ctx context.Context, document []byte) ([]byte, error)
	CollectGarbage(ctx context.Context) error
	VersionInfo(ctx context.Context) (officeconvert.VersionInfo, error)
	SupportedFormats(ctx context.Context) ([]officeconvert.SupportedFormat, error)
	Close() error
}

// Compile-time interface implementation checks.
var (
	_ Engine = (*Chrome)(nil)
	_ Engine = (*Soffice)(nil)
	_ Engine = (*Fake)(nil)
	_ Engine = (*Checked)(nil)
)

// Kind names an engine implementation in configuration.
type Kind string

const (
	KindChrome  Kind = "chrome"
	KindSoffice Kind = "soffice"
	KindFake    Kind = "fake"
)
