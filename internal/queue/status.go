package queue

import officeconvert "github.com/alnah/go-officeconvert"

// BusySource reports whether a job is executing.
type BusySource interface {
	IsBusy() bool
}

var _ BusySource = (*Queue)(nil)

// Reporter derives the externally visible status from a queue. It holds no
// state of its own and is safe for concurrent use.
type Reporter struct {
	src BusySource
}

// NewReporter creates a Reporter over src.
func NewReporter(src BusySource) *Reporter {
	return &Reporter{src: src}
}

// Status returns the current idle/busy snapshot.
func (r *Reporter) Status() officeconvert.Status {
	return officeconvert.Status{IsBusy: r.src.IsBusy()}
}
