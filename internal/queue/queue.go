// Package queue serializes every operation on the rendering engine through a
// single worker goroutine, in strict submission order.
package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	officeconvert "github.com/alnah/go-officeconvert"
	"github.com/alnah/go-officeconvert/internal/engine"
	"github.com/alnah/go-officeconvert/internal/logging"
	"github.com/alnah/go-officeconvert/internal/metrics"
)

// ErrShuttingDown is returned for submissions after Close and for jobs
// still pending when Close was called.
var ErrShuttingDown = fmt.Errorf("%w: queue is shutting down", officeconvert.ErrResourceUnavailable)

// Queue is the sole owner of an engine.Engine. Any number of goroutines may
// submit jobs; one worker runs them one at a time in arrival order.
//
// The queue is Idle while no job runs and Running while the worker is inside
// the engine. A job that has started always runs to completion.
type Queue struct {
	engine     engine.Engine
	logger     logr.Logger
	metrics    *metrics.QueueMetrics
	jobTimeout time.Duration
	onFatal    func(error)
	now        func() time.Time

	mu      sync.Mutex
	pending *list.List
	running *Job
	closed  bool

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	caps capabilities
}

type capabilities struct {
	ready      chan struct{}
	version    officeconvert.VersionInfo
	versionErr error
	formats    []officeconvert.SupportedFormat
	formatsErr error
}

// New creates a queue that takes ownership of eng and starts its worker.
// The worker first asks the engine for its version and supported formats,
// then serves jobs.
func New(eng engine.Engine, opts ...Option) *Queue {
	q := &Queue{
		engine:  eng,
		logger:  logr.Discard(),
		now:     time.Now,
		pending: list.New(),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		caps:    capabilities{ready: make(chan struct{})},
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.onFatal == nil {
		q.onFatal = q.closeAfterFatal
	}

	go q.run()
	return q
}

// Submit enqueues a job and returns it without waiting. It fails only when
// the queue is shutting down.
func (q *Queue) Submit(kind Kind, document []byte) (*Job, error) {
	job := &Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Document:    document,
		SubmittedAt: q.now(),
		result:      make(chan Result, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.metrics.ObserveJob(kind.String(), metrics.OutcomeRejected, 0)
		return nil, ErrShuttingDown
	}
	job.elem = q.pending.PushBack(job)
	depth := q.pending.Len()
	q.mu.Unlock()

	q.metrics.SetPending(depth)
	q.logger.V(logging.TRACE).Info("job submitted", "job", job.ID, "kind", kind, "pending", depth)

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return job, nil
}

// Await blocks until job completes or ctx is done. A job abandoned while
// still pending is removed and never reaches the engine; a running job is
// left to finish and its result is dropped.
func (q *Queue) Await(ctx context.Context, job *Job) ([]byte, error) {
	select {
	case res := <-job.result:
		return res.PDF, res.Err
	case <-ctx.Done():
		if q.abandon(job) {
			q.logger.V(logging.DEBUG).Info("pending job abandoned", "job", job.ID)
		}
		return nil, ctx.Err()
	}
}

// Convert submits a conversion and waits for its result.
func (q *Queue) Convert(ctx context.Context, document []byte) ([]byte, error) {
	job, err := q.Submit(KindConvert, document)
	if err != nil {
		return nil, err
	}
	return q.Await(ctx, job)
}

// CollectGarbage submits a housekeeping job behind everything already
// pending and waits for its acknowledgment.
func (q *Queue) CollectGarbage(ctx context.Context) error {
	job, err := q.Submit(KindCollectGarbage, nil)
	if err != nil {
		return err
	}
	_, err = q.Await(ctx, job)
	return err
}

// IsBusy reports whether a job is executing against the engine right now.
func (q *Queue) IsBusy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running != nil
}

// Pending returns the number of jobs waiting to run.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// VersionInfo returns the engine version captured when the worker started.
func (q *Queue) VersionInfo(ctx context.Context) (officeconvert.VersionInfo, error) {
	select {
	case <-q.caps.ready:
		return q.caps.version, q.caps.versionErr
	case <-ctx.Done():
		return officeconvert.VersionInfo{}, ctx.Err()
	}
}

// SupportedFormats returns the engine formats captured when the worker started.
func (q *Queue) SupportedFormats(ctx context.Context) ([]officeconvert.SupportedFormat, error) {
	select {
	case <-q.caps.ready:
		return q.caps.formats, q.caps.formatsErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting jobs, fails every pending job with ErrShuttingDown,
// waits for the running job to finish, and closes the engine.
func (q *Queue) Close(ctx context.Context) error {
	aborted := q.shutdown()
	if aborted > 0 {
		q.logger.Info("aborted pending jobs on shutdown", "count", aborted)
	}

	select {
	case <-q.done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for running job: %w", ctx.Err())
	}
	return q.engine.Close()
}

func (q *Queue) shutdown() int {
	q.mu.Lock()
	q.closed = true
	var aborted []*Job
	for e := q.pending.Front(); e != nil; e = e.Next() {
		job := e.Value.(*Job)
		job.elem = nil
		aborted = append(aborted, job)
	}
	q.pending.Init()
	q.mu.Unlock()

	q.stopOnce.Do(func() { close(q.stop) })
	q.metrics.SetPending(0)

	for _, job := range aborted {
		job.result <- Result{Err: ErrShuttingDown}
		q.metrics.ObserveJob(job.Kind.String(), metrics.OutcomeRejected, 0)
	}
	return len(aborted)
}

func (q *Queue) abandon(job *Job) bool {
	q.mu.Lock()
	if job.elem == nil {
		q.mu.Unlock()
		return false
	}
	q.pending.Remove(job.elem)
	job.elem = nil
	depth := q.pending.Len()
	q.mu.Unlock()

	q.metrics.SetPending(depth)
	q.metrics.ObserveJob(job.Kind.String(), metrics.OutcomeAbandoned, 0)
	return true
}

func (q *Queue) closeAfterFatal(err error) {
	q.logger.Error(err, "engine failed fatally, refusing further jobs")
	q.shutdown()
}

func (q *Queue) run() {
	defer close(q.done)

	q.loadCapabilities()

	for {
		job := q.next()
		if job == nil {
			return
		}
		q.execute(job)
	}
}

// next blocks until a job is pending and marks it running, or returns nil
// once the queue is closed.
func (q *Queue) next() *Job {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil
		}
		if front := q.pending.Front(); front != nil {
			job := q.pending.Remove(front).(*Job)
			job.elem = nil
			q.running = job
			depth := q.pending.Len()
			q.mu.Unlock()

			q.metrics.SetPending(depth)
			return job
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.stop:
		}
	}
}

func (q *Queue) execute(job *Job) {
	start := q.now()
	q.metrics.SetBusy(true)
	q.metrics.ObserveStart(job.Kind.String(), start.Sub(job.SubmittedAt))
	log := q.logger.WithValues("job", job.ID, "kind", job.Kind)
	log.V(logging.DEBUG).Info("job started", "waited", start.Sub(job.SubmittedAt))

	ctx := context.Background()
	if q.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.jobTimeout)
		defer cancel()
	}
	res := q.invoke(ctx, job)

	q.mu.Lock()
	q.running = nil
	q.mu.Unlock()
	q.metrics.SetBusy(false)

	took := q.now().Sub(start)
	outcome := metrics.OutcomeSuccess
	if res.Err != nil {
		outcome = metrics.OutcomeError
		log.V(logging.VERBOSE).Info("job failed", "err", res.Err.Error(), "took", took)
	} else {
		log.V(logging.DEBUG).Info("job finished", "took", took, "bytes", len(res.PDF))
	}
	q.metrics.ObserveJob(job.Kind.String(), outcome, took)

	// The server's fatal handler exits before the caller hears back.
	if errors.Is(res.Err, engine.ErrFatal) {
		q.onFatal(res.Err)
	}
	job.result <- res
}

// invoke runs one engine operation. Engine panics are reported to the
// originating caller only.
func (q *Queue) invoke(ctx context.Context, job *Job) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: fmt.Errorf("%w: internal error: %v", officeconvert.ErrEngineFailure, r)}
		}
	}()

	switch job.Kind {
	case KindConvert:
		pdf, err := q.engine.Convert(ctx, job.Document)
		return Result{PDF: pdf, Err: err}
	case KindCollectGarbage:
		return Result{Err: q.engine.CollectGarbage(ctx)}
	default:
		return Result{Err: fmt.Errorf("%w: unknown job kind %d", officeconvert.ErrEngineFailure, job.Kind)}
	}
}

func (q *Queue) loadCapabilities() {
	defer close(q.caps.ready)

	ctx := context.Background()
	if q.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.jobTimeout)
		defer cancel()
	}

	q.caps.version, q.caps.versionErr = q.engine.VersionInfo(ctx)
	q.caps.formats, q.caps.formatsErr = q.engine.SupportedFormats(ctx)

	for _, err := range []error{q.caps.versionErr, q.caps.formatsErr} {
		if errors.Is(err, engine.ErrFatal) {
			q.onFatal(err)
			return
		}
	}
	q.logger.V(logging.VERBOSE).Info("engine ready",
		"version", q.caps.version, "versionErr", errString(q.caps.versionErr),
		"formats", len(q.caps.formats))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
