package queue

import (
	"time"

	"github.com/go-logr/logr"

	"github.com/alnah/go-officeconvert/internal/metrics"
)

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the queue logger.
func WithLogger(logger logr.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithMetrics records queue activity in m.
func WithMetrics(m *metrics.QueueMetrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// WithJobTimeout bounds the context handed to the engine for each job.
// Zero leaves jobs unbounded.
func WithJobTimeout(d time.Duration) Option {
	return func(q *Queue) {
		q.jobTimeout = d
	}
}

// WithFatalHandler replaces the reaction to an engine.ErrFatal failure.
// The default closes the queue to new submissions.
func WithFatalHandler(fn func(error)) Option {
	return func(q *Queue) {
		q.onFatal = fn
	}
}

func withClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}
