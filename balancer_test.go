package officeconvert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"k8s.io/utils/clock"
	testclock "k8s.io/utils/clock/testing"
)

// simBackend is an in-memory replica whose health the test controls.
type simBackend struct {
	name  string
	delay time.Duration

	mu          sync.Mutex
	busy        bool
	unreachable bool
	convertErr  error
	probes      int
	converts    int
	gcs         int
	inFlight    int
	maxInFlight int
}

func newSim(name string) *simBackend {
	return &simBackend{name: name}
}

func (s *simBackend) Endpoint() string { return "sim://" + s.name }

func (s *simBackend) Status(context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes++
	if s.unreachable {
		return Status{}, fmt.Errorf("%w: %s: connection refused", ErrBackendUnreachable, s.name)
	}
	return Status{IsBusy: s.busy}, nil
}

func (s *simBackend) OfficeVersion(context.Context) (VersionInfo, error) {
	return VersionInfo{}, ErrUnsupported
}

func (s *simBackend) SupportedFormats(context.Context) ([]SupportedFormat, error) {
	return nil, ErrUnsupported
}

func (s *simBackend) Convert(_ context.Context, document []byte) ([]byte, error) {
	s.mu.Lock()
	if s.unreachable {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s: connection reset", ErrBackendUnreachable, s.name)
	}
	if s.convertErr != nil {
		s.mu.Unlock()
		return nil, s.convertErr
	}
	s.inFlight++
	s.maxInFlight = max(s.maxInFlight, s.inFlight)
	s.mu.Unlock()

	time.Sleep(s.delay)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	s.converts++
	return []byte(s.name + ":" + string(document)), nil
}

func (s *simBackend) CollectGarbage(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unreachable {
		return fmt.Errorf("%w: %s", ErrBackendUnreachable, s.name)
	}
	s.gcs++
	return nil
}

func (s *simBackend) set(fn func(*simBackend)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *simBackend) counts() (probes, converts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probes, s.converts
}

func fastBackoff() BalancerOption {
	return WithBackoff(Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2})
}

func backends(sims ...*simBackend) []Backend {
	out := make([]Backend, len(sims))
	for i, s := range sims {
		out[i] = s
	}
	return out
}

func TestLoadBalancer_PrefersIdleBackend(t *testing.T) {
	t.Parallel()

	a, b := newSim("a"), newSim("b")
	a.busy = true
	lb := NewLoadBalancer(backends(a, b))

	got, err := lb.Convert(context.Background(), []byte("doc"))
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	if string(got) != "b:doc" {
		t.Errorf("Convert() = %q, want b:doc", got)
	}
	if _, converts := a.counts(); converts != 0 {
		t.Errorf("busy backend received %d conversions", converts)
	}
}

func TestLoadBalancer_AllBusyExhaustsWaitBudget(t *testing.T) {
	t.Parallel()

	a, b := newSim("a"), newSim("b")
	a.busy, b.busy = true, true
	budget := 100 * time.Millisecond
	lb := NewLoadBalancer(backends(a, b), WithWaitBudget(budget), WithBusyRecheck(0), fastBackoff())

	start := time.Now()
	_, err := lb.Convert(context.Background(), []byte("doc"))
	elapsed := time.Since(start)

	if !errors.Is(err, ErrBusy) {
		t.Fatalf("Convert() error = %v, want ErrBusy", err)
	}
	if elapsed < budget {
		t.Errorf("gave up after %v, before the %v budget", elapsed, budget)
	}
	if probes, _ := a.counts(); probes < 2 {
		t.Errorf("backend a probed %d times, want repeated probes while waiting", probes)
	}
	if !lb.IsExternallyBlocked() {
		t.Error("IsExternallyBlocked() = false with every backend busy")
	}
}

func TestLoadBalancer_BackendFreesBeforeBudget(t *testing.T) {
	t.Parallel()

	a := newSim("a")
	a.busy = true
	budget := 5 * time.Second
	lb := NewLoadBalancer(backends(a), WithWaitBudget(budget), fastBackoff())

	time.AfterFunc(50*time.Millisecond, func() {
		a.set(func(s *simBackend) { s.busy = false })
	})

	start := time.Now()
	got, err := lb.Convert(context.Background(), []byte("doc"))
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	if string(got) != "a:doc" {
		t.Errorf("Convert() = %q, want a:doc", got)
	}
	if elapsed := time.Since(start); elapsed >= budget {
		t.Errorf("took %v, want success before the budget", elapsed)
	}
}

func TestLoadBalancer_WaitingRequestReprobesBusyPool(t *testing.T) {
	t.Parallel()

	a, b := newSim("a"), newSim("b")
	a.busy, b.busy = true, true
	budget := 2 * time.Second
	// The default busy recheck outlasts the budget; waiting must probe anyway.
	lb := NewLoadBalancer(backends(a, b), WithWaitBudget(budget), fastBackoff())

	time.AfterFunc(200*time.Millisecond, func() {
		b.set(func(s *simBackend) { s.busy = false })
	})

	start := time.Now()
	got, err := lb.Convert(context.Background(), []byte("doc"))
	if err != nil {
		t.Fatalf("Convert() error = %v, want success once b frees", err)
	}
	if string(got) != "b:doc" {
		t.Errorf("Convert() = %q, want b:doc", got)
	}
	if elapsed := time.Since(start); elapsed >= budget {
		t.Errorf("took %v, want success before the %v budget", elapsed, budget)
	}
	if probes, _ := b.counts(); probes < 2 {
		t.Errorf("backend b probed %d times, want re-probes while waiting", probes)
	}
}

func TestLoadBalancer_FreshBusyObservationSkipsProbe(t *testing.T) {
	t.Parallel()

	a, b := newSim("a"), newSim("b")
	lb := NewLoadBalancer(backends(a, b), fastBackoff())

	// First request marks a busy without keeping it claimed.
	a.busy = true
	if _, err := lb.Convert(context.Background(), []byte("one")); err != nil {
		t.Fatal(err)
	}
	probesBefore, _ := a.counts()

	if _, err := lb.Convert(context.Background(), []byte("two")); err != nil {
		t.Fatal(err)
	}
	if probes, _ := a.counts(); probes != probesBefore {
		t.Errorf("busy backend a probed again within the recheck window (%d -> %d)", probesBefore, probes)
	}
}

func TestLoadBalancer_RetriesTransportFailureOnAlternate(t *testing.T) {
	t.Parallel()

	a, b := newSim("a"), newSim("b")
	a.convertErr = fmt.Errorf("%w: a: connection reset by peer", ErrBackendUnreachable)
	lb := NewLoadBalancer(backends(a, b))

	got, err := lb.Convert(context.Background(), []byte("doc"))
	if err != nil {
		t.Fatalf("Convert() error = %v, want transparent retry", err)
	}
	if string(got) != "b:doc" {
		t.Errorf("Convert() = %q, want b:doc", got)
	}

	records := lb.Snapshot()
	if records[0].ConsecutiveFailures != 1 || records[0].LastError == nil {
		t.Errorf("backend a record = %+v, want one failure recorded", records[0])
	}
	if records[1].ConsecutiveFailures != 0 || records[1].LastObserved != ObservedIdle {
		t.Errorf("backend b record = %+v, want healthy and idle", records[1])
	}
}

func TestLoadBalancer_DoesNotRetryDocumentErrors(t *testing.T) {
	t.Parallel()

	a, b := newSim("a"), newSim("b")
	a.convertErr = &ResponseError{StatusCode: 400, Reason: "file is corrupt"}
	lb := NewLoadBalancer(backends(a, b))

	_, err := lb.Convert(context.Background(), []byte("doc"))
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Convert() error = %v, want ErrInvalidInput", err)
	}
	if _, converts := b.counts(); converts != 0 {
		t.Error("document error was retried on another backend")
	}
	if rec := lb.Snapshot()[0]; rec.ConsecutiveFailures != 0 {
		t.Errorf("document error counted against backend health: %+v", rec)
	}
}

func TestLoadBalancer_AllUnreachableIsResourceUnavailable(t *testing.T) {
	t.Parallel()

	a, b := newSim("a"), newSim("b")
	a.unreachable, b.unreachable = true, true
	lb := NewLoadBalancer(backends(a, b))

	_, err := lb.Convert(context.Background(), []byte("doc"))
	if !errors.Is(err, ErrResourceUnavailable) {
		t.Fatalf("Convert() error = %v, want ErrResourceUnavailable", err)
	}
	if !errors.Is(err, ErrBackendUnreachable) {
		t.Errorf("aggregate error %v does not carry the transport failures", err)
	}
}

func TestLoadBalancer_DownBackendReturnsAfterCoolDown(t *testing.T) {
	t.Parallel()

	fake := testclock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	a := newSim("a")
	a.unreachable = true
	coolDown := 10 * time.Second
	lb := NewLoadBalancer(backends(a),
		WithClock(fake),
		WithFailureThreshold(2),
		WithCoolDown(coolDown),
	)
	ctx := context.Background()

	for range 2 {
		if _, err := lb.Convert(ctx, []byte("doc")); !errors.Is(err, ErrResourceUnavailable) {
			t.Fatalf("Convert() error = %v, want ErrResourceUnavailable", err)
		}
	}
	probesAtThreshold, _ := a.counts()

	// The replica restarts, but the pool still holds it down.
	a.set(func(s *simBackend) { s.unreachable = false })
	if _, err := lb.Convert(ctx, []byte("doc")); !errors.Is(err, ErrResourceUnavailable) {
		t.Fatalf("Convert() during cool-down error = %v, want ErrResourceUnavailable", err)
	}
	if probes, _ := a.counts(); probes != probesAtThreshold {
		t.Errorf("down backend was probed during cool-down")
	}

	fake.Step(coolDown + time.Second)

	got, err := lb.Convert(ctx, []byte("doc"))
	if err != nil {
		t.Fatalf("Convert() after cool-down error = %v", err)
	}
	if string(got) != "a:doc" {
		t.Errorf("Convert() = %q, want a:doc", got)
	}
	if rec := lb.Snapshot()[0]; rec.ConsecutiveFailures != 0 || rec.LastError != nil {
		t.Errorf("record after recovery = %+v, want failures cleared", rec)
	}
}

func TestLoadBalancer_SerializesLocalCallersPerBackend(t *testing.T) {
	t.Parallel()

	a := newSim("a")
	a.delay = 20 * time.Millisecond
	lb := NewLoadBalancer(backends(a), WithWaitBudget(10*time.Second))

	const callers = 4
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := lb.Convert(context.Background(), []byte(fmt.Sprint(i))); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Convert() error = %v", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.converts != callers {
		t.Errorf("converts = %d, want %d", a.converts, callers)
	}
	if a.maxInFlight != 1 {
		t.Errorf("max concurrent conversions on one backend = %d, want 1", a.maxInFlight)
	}
}

func TestLoadBalancer_CallerCancellation(t *testing.T) {
	t.Parallel()

	a := newSim("a")
	a.busy = true
	lb := NewLoadBalancer(backends(a), fastBackoff())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := lb.Convert(ctx, []byte("doc"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Convert() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestLoadBalancer_NoBackends(t *testing.T) {
	t.Parallel()

	lb := NewLoadBalancer(nil)
	if _, err := lb.Convert(context.Background(), []byte("doc")); !errors.Is(err, ErrNoBackends) {
		t.Errorf("Convert() error = %v, want ErrNoBackends", err)
	}
	if err := lb.CollectGarbageAll(context.Background()); !errors.Is(err, ErrNoBackends) {
		t.Errorf("CollectGarbageAll() error = %v, want ErrNoBackends", err)
	}
}

func TestLoadBalancer_CollectGarbage(t *testing.T) {
	t.Parallel()

	a, b, c := newSim("a"), newSim("b"), newSim("c")
	c.unreachable = true
	lb := NewLoadBalancer(backends(a, b, c))

	if err := lb.CollectGarbage(context.Background()); err != nil {
		t.Fatalf("CollectGarbage() error = %v", err)
	}
	if a.gcs+b.gcs != 1 {
		t.Errorf("CollectGarbage() ran on %d backends, want 1", a.gcs+b.gcs)
	}

	err := lb.CollectGarbageAll(context.Background())
	if !errors.Is(err, ErrBackendUnreachable) {
		t.Errorf("CollectGarbageAll() error = %v, want the unreachable backend reported", err)
	}
	if a.gcs+b.gcs != 3 {
		t.Errorf("reachable backends collected %d times in total, want 3", a.gcs+b.gcs)
	}
}

func TestLoadBalancer_CollectGarbageAllSkipsDownBackends(t *testing.T) {
	t.Parallel()

	a := newSim("a")
	a.unreachable = true
	lb := NewLoadBalancer(backends(a), WithFailureThreshold(1), WithCoolDown(time.Hour))

	_, _ = lb.Convert(context.Background(), []byte("doc"))
	a.set(func(s *simBackend) { s.unreachable = false })

	if err := lb.CollectGarbageAll(context.Background()); err != nil {
		t.Errorf("CollectGarbageAll() error = %v", err)
	}
	if a.gcs != 0 {
		t.Error("down backend received collect-garbage")
	}
}

func TestBackoff_Next(t *testing.T) {
	t.Parallel()

	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}
	tests := []struct {
		prev time.Duration
		want time.Duration
	}{
		{0, 100 * time.Millisecond},
		{100 * time.Millisecond, 200 * time.Millisecond},
		{400 * time.Millisecond, 800 * time.Millisecond},
		{800 * time.Millisecond, time.Second},
		{time.Second, time.Second},
	}

	for _, tt := range tests {
		if got := b.Next(tt.prev); got != tt.want {
			t.Errorf("Next(%v) = %v, want %v", tt.prev, got, tt.want)
		}
	}
}

func TestBackendHandle_RecordsOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		err          error
		wantFailures int
		wantObserved Observation
	}{
		{"success", nil, 0, ObservedIdle},
		{"transport failure", fmt.Errorf("%w: refused", ErrBackendUnreachable), 3, ObservedUnknown},
		{"server shutting down", &ResponseError{StatusCode: 503}, 3, ObservedUnknown},
		{"document error", &ResponseError{StatusCode: 400}, 0, ObservedIdle},
		{"caller gave up", context.Canceled, 2, ObservedUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sim := newSim("x")
			h := NewBackendHandle(sim, clock.RealClock{})
			// Two prior failures.
			h.observe(ErrBackendUnreachable, ObservedUnknown)
			h.observe(ErrBackendUnreachable, ObservedUnknown)

			sim.convertErr = tt.err
			_, _ = h.SubmitConvert(context.Background(), []byte("doc"))

			rec := h.Record()
			if rec.ConsecutiveFailures != tt.wantFailures {
				t.Errorf("ConsecutiveFailures = %d, want %d", rec.ConsecutiveFailures, tt.wantFailures)
			}
			if rec.LastObserved != tt.wantObserved {
				t.Errorf("LastObserved = %v, want %v", rec.LastObserved, tt.wantObserved)
			}
		})
	}
}

func TestBackendHandle_ProbeStatus(t *testing.T) {
	t.Parallel()

	sim := newSim("x")
	h := NewBackendHandle(sim, nil)
	ctx := context.Background()

	if got, err := h.ProbeStatus(ctx); got != ProbeIdle || err != nil {
		t.Errorf("ProbeStatus() = %v, %v; want idle", got, err)
	}
	sim.set(func(s *simBackend) { s.busy = true })
	if got, _ := h.ProbeStatus(ctx); got != ProbeBusy {
		t.Errorf("ProbeStatus() = %v, want busy", got)
	}
	sim.set(func(s *simBackend) { s.unreachable = true })
	if got, err := h.ProbeStatus(ctx); got != ProbeUnreachable || !errors.Is(err, ErrBackendUnreachable) {
		t.Errorf("ProbeStatus() = %v, %v; want unreachable", got, err)
	}
	if rec := h.Record(); rec.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", rec.ConsecutiveFailures)
	}
}

func TestLoadBalancer_MaxAttemptsAndMetrics(t *testing.T) {
	t.Parallel()

	a, b := newSim("a"), newSim("b")
	for _, s := range []*simBackend{a, b} {
		s.convertErr = fmt.Errorf("%w: connection reset", ErrBackendUnreachable)
	}
	reg := prometheus.NewRegistry()
	lb := NewLoadBalancer(backends(a, b),
		WithMaxAttempts(1),
		WithBalancerMetrics(reg),
		fastBackoff(),
	)

	_, err := lb.Convert(context.Background(), []byte("doc"))
	if !errors.Is(err, ErrResourceUnavailable) {
		t.Fatalf("error = %v, want ErrResourceUnavailable", err)
	}

	n, err := testutil.GatherAndCount(reg, "officeconvert_balancer_attempts_total")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("attempt series = %d, want 1 (a single attempt)", n)
	}

	want := `
# HELP officeconvert_balancer_requests_total Balanced requests by operation and outcome.
# TYPE officeconvert_balancer_requests_total counter
officeconvert_balancer_requests_total{operation="convert",outcome="error"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "officeconvert_balancer_requests_total"); err != nil {
		t.Error(err)
	}
}
