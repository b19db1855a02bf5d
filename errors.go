package officeconvert

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors shared by the server and the client.
var (
	// ErrInvalidInput reports a malformed or unsupported document.
	ErrInvalidInput = errors.New("invalid input document")

	// ErrEngineFailure reports a non-fatal rendering failure inside the engine.
	ErrEngineFailure = errors.New("conversion engine failure")

	// ErrResourceUnavailable reports a queue that is shutting down or a
	// backend pool with no eligible replica left.
	ErrResourceUnavailable = errors.New("conversion resource unavailable")

	// ErrBackendUnreachable reports a transport-level failure reaching a replica.
	ErrBackendUnreachable = errors.New("backend unreachable")

	// ErrBusy reports that no backend became available within the wait budget.
	ErrBusy = errors.New("no backend available before wait budget expired")

	// ErrUnsupported reports an operation the engine version cannot answer.
	ErrUnsupported = errors.New("operation not supported by engine")

	ErrInvalidResponse = errors.New("invalid response from server")
	ErrNoBackends      = errors.New("no backends configured")
)

// ResponseError is an error status returned by a conversion server.
// It unwraps to the taxonomy sentinel matching the status code.
type ResponseError struct {
	StatusCode int
	Reason     string
	Backtrace  string
}

func (e *ResponseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("server responded %d", e.StatusCode)
	}
	return fmt.Sprintf("server responded %d: %s", e.StatusCode, e.Reason)
}

func (e *ResponseError) Unwrap() error {
	return KindForStatus(e.StatusCode)
}

// KindForStatus maps an HTTP error status to its taxonomy sentinel.
func KindForStatus(code int) error {
	switch {
	case code == http.StatusNotFound:
		return ErrUnsupported
	case code == http.StatusServiceUnavailable:
		return ErrResourceUnavailable
	case code >= 400 && code < 500:
		return ErrInvalidInput
	case code >= 500:
		return ErrEngineFailure
	default:
		return nil
	}
}

// StatusForError maps a taxonomy error to the HTTP status the server replies with.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnsupported):
		return http.StatusNotFound
	case errors.Is(err, ErrResourceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryable reports whether a failed call may succeed on another replica.
// Per-document errors are final; transport failures and shutdown rejections are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrUnsupported) {
		return false
	}
	return errors.Is(err, ErrBackendUnreachable) || errors.Is(err, ErrResourceUnavailable)
}
