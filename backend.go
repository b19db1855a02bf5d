package officeconvert

import (
	"context"
	"errors"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Observation is the last busy state seen for a backend.
type Observation int

const (
	ObservedUnknown Observation = iota
	ObservedIdle
	ObservedBusy
)

func (o Observation) String() string {
	switch o {
	case ObservedIdle:
		return "idle"
	case ObservedBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// ProbeResult is the outcome of BackendHandle.ProbeStatus.
type ProbeResult int

const (
	ProbeIdle ProbeResult = iota
	ProbeBusy
	ProbeUnreachable
)

func (p ProbeResult) String() string {
	switch p {
	case ProbeIdle:
		return "idle"
	case ProbeBusy:
		return "busy"
	default:
		return "unreachable"
	}
}

// BackendRecord is the local health estimate for one replica.
type BackendRecord struct {
	Endpoint            string
	LastObserved        Observation
	ObservedAt          time.Time
	ConsecutiveFailures int
	LastError           error
	LastFailureAt       time.Time
	// Claimed is set while a local caller is dispatching to the backend.
	Claimed bool
}

// down reports whether the health policy currently excludes the backend.
func (r BackendRecord) down(now time.Time, threshold int, coolDown time.Duration) bool {
	if threshold <= 0 || r.ConsecutiveFailures < threshold {
		return false
	}
	return now.Sub(r.LastFailureAt) < coolDown
}

// BackendHandle wraps a Backend and keeps its BackendRecord current after
// every call. It is safe for concurrent use.
type BackendHandle struct {
	backend Backend
	clock   clock.PassiveClock

	mu     sync.Mutex
	record BackendRecord
}

// NewBackendHandle creates a handle for b. A nil clk uses the wall clock.
func NewBackendHandle(b Backend, clk clock.PassiveClock) *BackendHandle {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &BackendHandle{
		backend: b,
		clock:   clk,
		record:  BackendRecord{Endpoint: b.Endpoint()},
	}
}

func (h *BackendHandle) Endpoint() string {
	return h.record.Endpoint
}

// Record returns a copy of the current health record.
func (h *BackendHandle) Record() BackendRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.record
}

// ProbeStatus asks the replica whether it is busy.
func (h *BackendHandle) ProbeStatus(ctx context.Context) (ProbeResult, error) {
	status, err := h.backend.Status(ctx)
	if err != nil {
		h.observe(err, ObservedUnknown)
		return ProbeUnreachable, err
	}
	if status.IsBusy {
		h.observe(nil, ObservedBusy)
		return ProbeBusy, nil
	}
	h.observe(nil, ObservedIdle)
	return ProbeIdle, nil
}

// SubmitConvert converts document on the replica. A completed call leaves the
// replica recorded as idle.
func (h *BackendHandle) SubmitConvert(ctx context.Context, document []byte) ([]byte, error) {
	pdf, err := h.backend.Convert(ctx, document)
	h.observe(err, ObservedIdle)
	return pdf, err
}

func (h *BackendHandle) SubmitCollectGarbage(ctx context.Context) error {
	err := h.backend.CollectGarbage(ctx)
	h.observe(err, ObservedUnknown)
	return err
}

func (h *BackendHandle) VersionInfo(ctx context.Context) (VersionInfo, error) {
	version, err := h.backend.OfficeVersion(ctx)
	h.observe(err, ObservedUnknown)
	return version, err
}

func (h *BackendHandle) SupportedFormats(ctx context.Context) ([]SupportedFormat, error) {
	formats, err := h.backend.SupportedFormats(ctx)
	h.observe(err, ObservedUnknown)
	return formats, err
}

// observe folds one call outcome into the record. seen is the busy state the
// outcome implies; ObservedUnknown leaves the previous observation in place.
func (h *BackendHandle) observe(err error, seen Observation) {
	if isCancellation(err) {
		return
	}
	now := h.clock.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	if countsAsFailure(err) {
		h.record.ConsecutiveFailures++
		h.record.LastError = err
		h.record.LastFailureAt = now
		h.record.LastObserved = ObservedUnknown
		h.record.ObservedAt = now
		return
	}
	// The replica answered, even if only to reject the document.
	h.record.ConsecutiveFailures = 0
	h.record.LastError = nil
	if seen != ObservedUnknown {
		h.record.LastObserved = seen
		h.record.ObservedAt = now
	}
}

func (h *BackendHandle) tryClaim() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.record.Claimed {
		return false
	}
	h.record.Claimed = true
	return true
}

func (h *BackendHandle) release() {
	h.mu.Lock()
	h.record.Claimed = false
	h.mu.Unlock()
}

func (h *BackendHandle) down(threshold int, coolDown time.Duration) bool {
	now := h.clock.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.record.down(now, threshold, coolDown)
}

// countsAsFailure reports whether err says the replica is unhealthy rather
// than the request being wrong.
func countsAsFailure(err error) bool {
	return errors.Is(err, ErrBackendUnreachable) ||
		errors.Is(err, ErrResourceUnavailable) ||
		errors.Is(err, ErrInvalidResponse)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
