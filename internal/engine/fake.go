package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	officeconvert "github.com/alnah/go-officeconvert"
)

// FakePDF is the document Fake returns when no Output is configured.
var FakePDF = []byte("%PDF-1.4\n% officeconvert fake engine\n%%EOF\n")

// Call records one invocation observed by Fake.
type Call struct {
	Op       string // "convert" or "collect-garbage"
	Document []byte
	Start    time.Time
	End      time.Time
}

// Fake is an in-memory Engine for tests and local replicas. It sleeps for
// Delay on every operation and records each call. Overlapped reports whether
// two operations ever ran at the same time.
type Fake struct {
	Delay   time.Duration
	Output  []byte
	Version *officeconvert.VersionInfo
	Formats []officeconvert.SupportedFormat

	// ConvertFunc, when set, decides the outcome of Convert.
	ConvertFunc func(document []byte) ([]byte, error)
	// OnStart runs inside every operation before the delay.
	OnStart func(op string)

	mu         sync.Mutex
	calls      []Call
	inFlight   atomic.Int32
	overlapped atomic.Bool
	closed     atomic.Bool
}

func (f *Fake) enter(op string) func(document []byte) {
	if f.inFlight.Add(1) > 1 {
		f.overlapped.Store(true)
	}
	start := time.Now()
	if f.OnStart != nil {
		f.OnStart(op)
	}
	if f.Delay > 0 {
		time.Sleep(f.Delay)
	}
	return func(document []byte) {
		end := time.Now()
		f.inFlight.Add(-1)
		f.mu.Lock()
		f.calls = append(f.calls, Call{Op: op, Document: document, Start: start, End: end})
		f.mu.Unlock()
	}
}

func (f *Fake) Convert(_ context.Context, document []byte) ([]byte, error) {
	if f.closed.Load() {
		return nil, fmt.Errorf("%w: engine closed", ErrFatal)
	}
	done := f.enter("convert")
	defer done(document)

	if f.ConvertFunc != nil {
		return f.ConvertFunc(document)
	}
	if len(document) == 0 {
		return nil, fmt.Errorf("%w: empty document", officeconvert.ErrInvalidInput)
	}
	if f.Output != nil {
		return f.Output, nil
	}
	return FakePDF, nil
}

func (f *Fake) CollectGarbage(context.Context) error {
	done := f.enter("collect-garbage")
	defer done(nil)
	return nil
}

func (f *Fake) VersionInfo(context.Context) (officeconvert.VersionInfo, error) {
	if f.Version == nil {
		return officeconvert.VersionInfo{}, officeconvert.ErrUnsupported
	}
	return *f.Version, nil
}

func (f *Fake) SupportedFormats(context.Context) ([]officeconvert.SupportedFormat, error) {
	if f.Formats == nil {
		return nil, officeconvert.ErrUnsupported
	}
	return f.Formats, nil
}

func (f *Fake) Close() error {
	f.closed.Store(true)
	return nil
}

// Calls returns a copy of the recorded invocations in completion order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Overlapped reports whether two operations were ever in flight together.
func (f *Fake) Overlapped() bool {
	return f.overlapped.Load()
}
