package officeconvert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/alnah/go-officeconvert/internal/logging"
	"github.com/alnah/go-officeconvert/internal/metrics"
)

// LoadBalancer defaults.
const (
	DefaultFailureThreshold  = 3
	DefaultCoolDown          = 5 * time.Second
	DefaultBusyRecheck       = 5 * time.Second
	DefaultProbeLimit        = 2
	DefaultWaitBudget        = 2 * time.Minute
	DefaultBackoffInitial    = 100 * time.Millisecond
	DefaultBackoffMax        = time.Second
	DefaultBackoffMultiplier = 2.0
)

// errExhausted means every backend is down or excluded for the current request.
var errExhausted = errors.New("no eligible backend left")

// Backoff is a capped exponential delay between selection rounds.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Next returns the delay following prev. A zero prev yields Initial.
func (b Backoff) Next(prev time.Duration) time.Duration {
	if prev <= 0 {
		return b.Initial
	}
	next := time.Duration(float64(prev) * b.Multiplier)
	if next > b.Max || next <= 0 {
		return b.Max
	}
	return next
}

type balancerOptions struct {
	failureThreshold int
	coolDown         time.Duration
	busyRecheck      time.Duration
	probeLimit       int
	waitBudget       time.Duration
	backoff          Backoff
	maxAttempts      int
	clock            clock.Clock
	logger           logr.Logger
	metrics          *metrics.BalancerMetrics
}

// BalancerOption configures a LoadBalancer.
type BalancerOption func(*balancerOptions)

// WithFailureThreshold sets how many consecutive failures mark a backend down.
// Zero never marks backends down.
func WithFailureThreshold(n int) BalancerOption {
	return func(o *balancerOptions) { o.failureThreshold = n }
}

// WithCoolDown sets how long a down backend stays out of selection.
func WithCoolDown(d time.Duration) BalancerOption {
	return func(o *balancerOptions) { o.coolDown = d }
}

// WithBusyRecheck sets how long a busy observation is trusted before the
// backend is probed again.
func WithBusyRecheck(d time.Duration) BalancerOption {
	return func(o *balancerOptions) { o.busyRecheck = d }
}

// WithProbeLimit bounds how many backends one selection round probes. Zero
// probes every candidate.
func WithProbeLimit(n int) BalancerOption {
	return func(o *balancerOptions) { o.probeLimit = n }
}

// WithWaitBudget bounds how long a request may wait for an available backend.
func WithWaitBudget(d time.Duration) BalancerOption {
	return func(o *balancerOptions) { o.waitBudget = d }
}

func WithBackoff(b Backoff) BalancerOption {
	return func(o *balancerOptions) { o.backoff = b }
}

// WithMaxAttempts bounds dispatch attempts per request. Zero allows one
// attempt per backend.
func WithMaxAttempts(n int) BalancerOption {
	return func(o *balancerOptions) { o.maxAttempts = n }
}

func WithClock(clk clock.Clock) BalancerOption {
	return func(o *balancerOptions) { o.clock = clk }
}

func WithBalancerLogger(logger logr.Logger) BalancerOption {
	return func(o *balancerOptions) { o.logger = logger }
}

// WithBalancerMetrics registers balancer collectors with reg.
func WithBalancerMetrics(reg prometheus.Registerer) BalancerOption {
	return func(o *balancerOptions) { o.metrics = metrics.NewBalancerMetrics(reg) }
}

// LoadBalancer spreads conversions over a pool of replicas, each of which
// runs one job at a time. Requests go to an idle replica, wait with backoff
// when none is free, and move to another replica when one cannot be reached.
type LoadBalancer struct {
	handles []*BackendHandle
	opts    balancerOptions

	mu       sync.Mutex
	released chan struct{}
}

// NewLoadBalancer creates a LoadBalancer over backends.
func NewLoadBalancer(backends []Backend, opts ...BalancerOption) *LoadBalancer {
	o := balancerOptions{
		failureThreshold: DefaultFailureThreshold,
		coolDown:         DefaultCoolDown,
		busyRecheck:      DefaultBusyRecheck,
		probeLimit:       DefaultProbeLimit,
		waitBudget:       DefaultWaitBudget,
		backoff: Backoff{
			Initial:    DefaultBackoffInitial,
			Max:        DefaultBackoffMax,
			Multiplier: DefaultBackoffMultiplier,
		},
		clock:  clock.RealClock{},
		logger: logr.Discard(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	lb := &LoadBalancer{
		opts:     o,
		released: make(chan struct{}),
	}
	for _, b := range backends {
		lb.handles = append(lb.handles, NewBackendHandle(b, o.clock))
	}
	return lb
}

// Convert converts document on the first replica that accepts it.
func (lb *LoadBalancer) Convert(ctx context.Context, document []byte) ([]byte, error) {
	var pdf []byte
	err := lb.dispatch(ctx, "convert", func(ctx context.Context, h *BackendHandle) error {
		var err error
		pdf, err = h.SubmitConvert(ctx, document)
		return err
	})
	return pdf, err
}

// CollectGarbage runs housekeeping on one replica.
func (lb *LoadBalancer) CollectGarbage(ctx context.Context) error {
	return lb.dispatch(ctx, "collect-garbage", func(ctx context.Context, h *BackendHandle) error {
		return h.SubmitCollectGarbage(ctx)
	})
}

// CollectGarbageAll queues housekeeping on every replica that is not down.
// Each replica runs it after the work it already has pending.
func (lb *LoadBalancer) CollectGarbageAll(ctx context.Context) error {
	if len(lb.handles) == 0 {
		return ErrNoBackends
	}

	errs := make([]error, len(lb.handles))
	var g errgroup.Group
	for i, h := range lb.handles {
		if h.down(lb.opts.failureThreshold, lb.opts.coolDown) {
			lb.opts.logger.V(logging.VERBOSE).Info("skipping down backend", "backend", h.Endpoint())
			continue
		}
		g.Go(func() error {
			if err := h.SubmitCollectGarbage(ctx); err != nil {
				errs[i] = fmt.Errorf("%s: %w", h.Endpoint(), err)
			}
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	lb.opts.metrics.ObserveRequest("collect-garbage-all", outcomeOf(err))
	return err
}

// Snapshot returns the health record of every backend in pool order.
func (lb *LoadBalancer) Snapshot() []BackendRecord {
	records := make([]BackendRecord, len(lb.handles))
	for i, h := range lb.handles {
		records[i] = h.Record()
	}
	return records
}

// IsExternallyBlocked reports whether every backend is busy with work this
// balancer did not send, or down. No local release can wake a waiter then.
func (lb *LoadBalancer) IsExternallyBlocked() bool {
	now := lb.opts.clock.Now()
	for _, h := range lb.handles {
		rec := h.Record()
		if rec.Claimed {
			return false
		}
		if rec.down(now, lb.opts.failureThreshold, lb.opts.coolDown) {
			continue
		}
		if rec.LastObserved != ObservedBusy {
			return false
		}
	}
	return true
}

func (lb *LoadBalancer) dispatch(ctx context.Context, op string, call func(context.Context, *BackendHandle) error) (err error) {
	defer func() {
		lb.opts.metrics.ObserveRequest(op, outcomeOf(err))
	}()

	if len(lb.handles) == 0 {
		return ErrNoBackends
	}

	start := lb.opts.clock.Now()
	attempts := lb.opts.maxAttempts
	if attempts <= 0 {
		attempts = len(lb.handles)
	}
	excluded := make(map[*BackendHandle]bool)
	var failures []error

	for attempt := 0; attempt < attempts; attempt++ {
		h, probeFailures, err := lb.acquire(ctx, start, excluded)
		failures = append(failures, probeFailures...)
		if errors.Is(err, errExhausted) {
			break
		}
		if err != nil {
			if len(failures) > 0 {
				return fmt.Errorf("%w: %w", err, errors.Join(failures...))
			}
			return err
		}

		log := lb.opts.logger.WithValues("backend", h.Endpoint(), "operation", op, "attempt", attempt+1)
		log.V(logging.DEBUG).Info("dispatching")

		err = call(ctx, h)
		h.release()
		lb.notifyReleased()

		if err == nil {
			lb.opts.metrics.ObserveAttempt(h.Endpoint(), metrics.OutcomeSuccess)
			return nil
		}
		lb.opts.metrics.ObserveAttempt(h.Endpoint(), metrics.OutcomeError)
		if ctx.Err() != nil || !IsRetryable(err) {
			return err
		}
		log.V(logging.VERBOSE).Info("attempt failed, trying another backend", "error", err.Error())
		failures = append(failures, fmt.Errorf("%s: %w", h.Endpoint(), err))
		excluded[h] = true
	}

	if len(failures) == 0 {
		return fmt.Errorf("%w: every backend is down", ErrResourceUnavailable)
	}
	return fmt.Errorf("%w: %s failed on every eligible backend: %w", ErrResourceUnavailable, op, errors.Join(failures...))
}

// acquire returns a claimed idle backend, waiting with backoff until one
// frees up or the wait budget measured from start is spent. Backends whose
// probe fails are added to excluded and their errors returned.
// Busy observations are trusted for busyRecheck on the first pass only; once
// waiting, one older than the last backoff delay is probed again.
func (lb *LoadBalancer) acquire(ctx context.Context, start time.Time, excluded map[*BackendHandle]bool) (*BackendHandle, []error, error) {
	var (
		failures []error
		delay    time.Duration
		waitedAt time.Time
		trust    = lb.opts.busyRecheck
	)
	for {
		released := lb.releasedCh()

		h, unreachable, eligible := lb.pick(ctx, excluded, trust)
		for _, f := range unreachable {
			excluded[f.handle] = true
			failures = append(failures, fmt.Errorf("probing %s: %w", f.handle.Endpoint(), f.err))
		}
		if h != nil {
			if !waitedAt.IsZero() {
				lb.opts.metrics.ObserveWait(lb.opts.clock.Since(waitedAt))
			}
			return h, failures, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, failures, err
		}
		if eligible-len(unreachable) == 0 {
			return nil, failures, errExhausted
		}

		elapsed := lb.opts.clock.Since(start)
		if elapsed >= lb.opts.waitBudget {
			return nil, failures, fmt.Errorf("%w after %s", ErrBusy, lb.opts.waitBudget)
		}
		if waitedAt.IsZero() {
			waitedAt = lb.opts.clock.Now()
		}
		delay = lb.opts.backoff.Next(delay)
		wait := min(delay, lb.opts.waitBudget-elapsed)
		lb.opts.logger.V(logging.DEBUG).Info("no idle backend, waiting",
			"delay", wait, "externallyBlocked", lb.IsExternallyBlocked())

		select {
		case <-ctx.Done():
			return nil, failures, ctx.Err()
		case <-released:
		case <-lb.opts.clock.After(wait):
		}
		trust = min(lb.opts.busyRecheck, delay)
	}
}

type probeFailure struct {
	handle *BackendHandle
	err    error
}

// pick probes up to probeLimit unclaimed candidates and returns the first
// idle one, still claimed. Busy observations younger than trust are skipped.
// eligible counts backends that are neither down nor excluded, claimed or not.
func (lb *LoadBalancer) pick(ctx context.Context, excluded map[*BackendHandle]bool, trust time.Duration) (*BackendHandle, []probeFailure, int) {
	now := lb.opts.clock.Now()
	multiple := len(lb.handles) > 1

	var idle, unknown, stale []*BackendHandle
	eligible := 0
	for _, h := range lb.handles {
		if excluded[h] {
			continue
		}
		rec := h.Record()
		if rec.down(now, lb.opts.failureThreshold, lb.opts.coolDown) {
			continue
		}
		eligible++
		if rec.Claimed {
			continue
		}
		switch rec.LastObserved {
		case ObservedIdle:
			idle = append(idle, h)
		case ObservedBusy:
			// A lone backend is always worth asking again.
			if multiple && now.Sub(rec.ObservedAt) < trust {
				continue
			}
			stale = append(stale, h)
		default:
			unknown = append(unknown, h)
		}
	}

	var claimed []*BackendHandle
	for _, h := range append(append(idle, unknown...), stale...) {
		if lb.opts.probeLimit > 0 && len(claimed) == lb.opts.probeLimit {
			break
		}
		if h.tryClaim() {
			claimed = append(claimed, h)
		}
	}
	if len(claimed) == 0 {
		return nil, nil, eligible
	}

	results := make([]ProbeResult, len(claimed))
	errs := make([]error, len(claimed))
	var g errgroup.Group
	for i, h := range claimed {
		g.Go(func() error {
			results[i], errs[i] = h.ProbeStatus(ctx)
			return nil
		})
	}
	_ = g.Wait()

	var (
		chosen      *BackendHandle
		unreachable []probeFailure
	)
	for i, h := range claimed {
		lb.opts.metrics.ObserveProbe(h.Endpoint(), results[i].String())
		if chosen == nil && results[i] == ProbeIdle {
			chosen = h
			continue
		}
		h.release()
		if results[i] == ProbeUnreachable && !isCancellation(errs[i]) {
			lb.opts.logger.V(logging.VERBOSE).Info("backend unreachable", "backend", h.Endpoint(), "error", errs[i].Error())
			unreachable = append(unreachable, probeFailure{handle: h, err: errs[i]})
		}
	}
	return chosen, unreachable, eligible
}

func (lb *LoadBalancer) releasedCh() <-chan struct{} {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.released
}

// notifyReleased wakes every request waiting for a backend.
func (lb *LoadBalancer) notifyReleased() {
	lb.mu.Lock()
	close(lb.released)
	lb.released = make(chan struct{})
	lb.mu.Unlock()
}

func outcomeOf(err error) string {
	if err != nil {
		return metrics.OutcomeError
	}
	return metrics.OutcomeSuccess
}
