package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	officeconvert "github.com/alnah/go-officeconvert"
	"github.com/alnah/go-officeconvert/internal/engine"
	"github.com/alnah/go-officeconvert/internal/logging"
	"github.com/alnah/go-officeconvert/internal/metrics"
)

// newTestQueue creates a queue over eng and closes it when the test ends.
func newTestQueue(t *testing.T, eng engine.Engine, opts ...Option) *Queue {
	t.Helper()

	opts = append([]Option{
		WithLogger(logging.NewTestLogger()),
		WithMetrics(metrics.NewQueueMetrics(prometheus.NewRegistry())),
	}, opts...)
	q := New(eng, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})
	return q
}

// gate blocks the first engine operation until release is called, so tests
// can build up a pending backlog in a known order.
type gate struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) hold(string) {
	g.once.Do(func() {
		close(g.started)
		<-g.release
	})
}

func (g *gate) open() {
	close(g.release)
}

func docs(calls []engine.Call) []string {
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		if c.Op == "collect-garbage" {
			out = append(out, "gc")
			continue
		}
		out = append(out, string(c.Document))
	}
	return out
}

func TestQueue_ConcurrentCallersNeverOverlap(t *testing.T) {
	t.Parallel()

	const callers = 32
	eng := &engine.Fake{Delay: time.Millisecond}
	q := newTestQueue(t, eng)

	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Convert(context.Background(), fmt.Appendf(nil, "doc-%d", i)); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Convert() error = %v", err)
	}
	if got := len(eng.Calls()); got != callers {
		t.Errorf("engine saw %d invocations, want %d", got, callers)
	}
	if eng.Overlapped() {
		t.Error("engine invocations overlapped in time")
	}
	calls := eng.Calls()
	for i := 1; i < len(calls); i++ {
		if calls[i].Start.Before(calls[i-1].End) {
			t.Errorf("call %d started at %v before call %d ended at %v", i, calls[i].Start, i-1, calls[i-1].End)
		}
	}
}

func TestQueue_FIFOOrder(t *testing.T) {
	t.Parallel()

	g := newGate()
	eng := &engine.Fake{OnStart: g.hold}
	q := newTestQueue(t, eng)

	first, err := q.Submit(KindConvert, []byte("j0"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-g.started

	want := []string{"j0"}
	jobs := []*Job{first}
	for i := 1; i <= 8; i++ {
		doc := fmt.Sprintf("j%d", i)
		job, err := q.Submit(KindConvert, []byte(doc))
		if err != nil {
			t.Fatalf("Submit(%s) error = %v", doc, err)
		}
		jobs = append(jobs, job)
		want = append(want, doc)
	}
	g.open()

	for _, job := range jobs {
		if _, err := q.Await(context.Background(), job); err != nil {
			t.Fatalf("Await(%s) error = %v", job.Document, err)
		}
	}

	if diff := cmp.Diff(want, docs(eng.Calls())); diff != "" {
		t.Errorf("execution order mismatch (-want +got):\n%s", diff)
	}
}

func TestQueue_CollectGarbageKeepsItsPlace(t *testing.T) {
	t.Parallel()

	g := newGate()
	eng := &engine.Fake{OnStart: g.hold}
	q := newTestQueue(t, eng)

	j0, _ := q.Submit(KindConvert, []byte("j0"))
	<-g.started

	j1, _ := q.Submit(KindConvert, []byte("j1"))
	gc, err := q.Submit(KindCollectGarbage, nil)
	if err != nil {
		t.Fatalf("Submit(gc) error = %v", err)
	}
	j2, _ := q.Submit(KindConvert, []byte("j2"))
	g.open()

	for _, job := range []*Job{j0, j1, gc, j2} {
		if _, err := q.Await(context.Background(), job); err != nil {
			t.Fatalf("Await() error = %v", err)
		}
	}

	want := []string{"j0", "j1", "gc", "j2"}
	if diff := cmp.Diff(want, docs(eng.Calls())); diff != "" {
		t.Errorf("execution order mismatch (-want +got):\n%s", diff)
	}
}

func TestQueue_CollectGarbageResultIsBareAck(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, &engine.Fake{})
	job, err := q.Submit(KindCollectGarbage, nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	pdf, err := q.Await(context.Background(), job)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if pdf != nil {
		t.Errorf("collect-garbage payload = %q, want nil", pdf)
	}
}

func TestQueue_BusySignal(t *testing.T) {
	t.Parallel()

	var q *Queue
	var busyInside atomic.Bool
	busyInside.Store(true)
	eng := &engine.Fake{
		Delay: 5 * time.Millisecond,
		OnStart: func(string) {
			if !q.IsBusy() {
				busyInside.Store(false)
			}
		},
	}
	q = newTestQueue(t, eng)

	if q.IsBusy() {
		t.Error("IsBusy() = true before any job")
	}

	for range 5 {
		if _, err := q.Convert(context.Background(), []byte("doc")); err != nil {
			t.Fatalf("Convert() error = %v", err)
		}
		if q.IsBusy() {
			t.Error("IsBusy() = true after job completed")
		}
	}
	if !busyInside.Load() {
		t.Error("IsBusy() = false while a job was executing")
	}
}

func TestQueue_RecoverableErrorOnlyHitsItsCaller(t *testing.T) {
	t.Parallel()

	eng := &engine.Fake{
		ConvertFunc: func(doc []byte) ([]byte, error) {
			if string(doc) == "corrupt" {
				return nil, fmt.Errorf("%w: is corrupt and therefore cannot be opened", officeconvert.ErrInvalidInput)
			}
			if string(doc) == "crashy" {
				return nil, officeconvert.ErrEngineFailure
			}
			return []byte("%PDF-" + string(doc)), nil
		},
	}
	q := newTestQueue(t, eng)

	g, _ := q.Submit(KindConvert, []byte("good"))
	bad, _ := q.Submit(KindConvert, []byte("corrupt"))
	crash, _ := q.Submit(KindConvert, []byte("crashy"))
	after, _ := q.Submit(KindConvert, []byte("after"))

	if _, err := q.Await(context.Background(), g); err != nil {
		t.Errorf("good: error = %v", err)
	}
	if _, err := q.Await(context.Background(), bad); !errors.Is(err, officeconvert.ErrInvalidInput) {
		t.Errorf("corrupt: error = %v, want ErrInvalidInput", err)
	}
	if _, err := q.Await(context.Background(), crash); !errors.Is(err, officeconvert.ErrEngineFailure) {
		t.Errorf("crashy: error = %v, want ErrEngineFailure", err)
	}
	pdf, err := q.Await(context.Background(), after)
	if err != nil {
		t.Fatalf("after: error = %v", err)
	}
	if string(pdf) != "%PDF-after" {
		t.Errorf("after: pdf = %q", pdf)
	}
}

func TestQueue_EnginePanicIsEngineFailure(t *testing.T) {
	t.Parallel()

	eng := &engine.Fake{
		ConvertFunc: func(doc []byte) ([]byte, error) {
			if string(doc) == "boom" {
				panic("native code exploded")
			}
			return engine.FakePDF, nil
		},
	}
	q := newTestQueue(t, eng)

	if _, err := q.Convert(context.Background(), []byte("boom")); !errors.Is(err, officeconvert.ErrEngineFailure) {
		t.Errorf("Convert(boom) error = %v, want ErrEngineFailure", err)
	}
	if _, err := q.Convert(context.Background(), []byte("fine")); err != nil {
		t.Errorf("Convert(fine) error = %v after panic", err)
	}
	if q.IsBusy() {
		t.Error("IsBusy() = true after panic recovery")
	}
}

func TestQueue_Serialization_ThreeJobsTakeThreeDurations(t *testing.T) {
	t.Parallel()

	const d = 50 * time.Millisecond
	eng := &engine.Fake{Delay: d}
	q := newTestQueue(t, eng)

	start := time.Now()
	var jobs []*Job
	for i := range 3 {
		job, err := q.Submit(KindConvert, fmt.Appendf(nil, "j%d", i))
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		jobs = append(jobs, job)
	}

	var mu sync.Mutex
	var completed []string
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Await(context.Background(), job); err != nil {
				t.Errorf("Await() error = %v", err)
			}
			mu.Lock()
			completed = append(completed, string(job.Document))
			mu.Unlock()
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	if elapsed < 3*d {
		t.Errorf("elapsed = %v, want at least %v (jobs ran in parallel)", elapsed, 3*d)
	}
	if elapsed > 3*d+d*3/2 {
		t.Logf("elapsed = %v, noticeably above %v", elapsed, 3*d)
	}
	if diff := cmp.Diff([]string{"j0", "j1", "j2"}, docs(eng.Calls())); diff != "" {
		t.Errorf("completion order mismatch (-want +got):\n%s", diff)
	}
	if len(completed) != 3 {
		t.Errorf("completed = %v, want 3 results", completed)
	}
}

func TestQueue_AbandonedPendingJobNeverRuns(t *testing.T) {
	t.Parallel()

	g := newGate()
	eng := &engine.Fake{OnStart: g.hold}
	q := newTestQueue(t, eng)

	running, _ := q.Submit(KindConvert, []byte("running"))
	<-g.started
	gone, _ := q.Submit(KindConvert, []byte("gone"))
	kept, _ := q.Submit(KindConvert, []byte("kept"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Await(ctx, gone); !errors.Is(err, context.Canceled) {
		t.Fatalf("Await(gone) error = %v, want context.Canceled", err)
	}
	if got := q.Pending(); got != 1 {
		t.Errorf("Pending() = %d after abandon, want 1", got)
	}
	g.open()

	for _, job := range []*Job{running, kept} {
		if _, err := q.Await(context.Background(), job); err != nil {
			t.Fatalf("Await() error = %v", err)
		}
	}
	if diff := cmp.Diff([]string{"running", "kept"}, docs(eng.Calls())); diff != "" {
		t.Errorf("executed jobs mismatch (-want +got):\n%s", diff)
	}
}

func TestQueue_RunningJobIsNotCancelled(t *testing.T) {
	t.Parallel()

	g := newGate()
	eng := &engine.Fake{OnStart: g.hold}
	q := newTestQueue(t, eng)

	job, _ := q.Submit(KindConvert, []byte("in-flight"))
	<-g.started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Await(ctx, job); !errors.Is(err, context.Canceled) {
		t.Fatalf("Await() error = %v, want context.Canceled", err)
	}
	if !q.IsBusy() {
		t.Error("IsBusy() = false while the abandoned job still runs")
	}
	g.open()

	res := <-job.Done()
	if res.Err != nil {
		t.Errorf("running job error = %v, want completion", res.Err)
	}
	if got := len(eng.Calls()); got != 1 {
		t.Errorf("engine calls = %d, want 1", got)
	}
}

func TestQueue_Close(t *testing.T) {
	t.Parallel()

	g := newGate()
	eng := &engine.Fake{OnStart: g.hold}
	q := New(eng, WithLogger(logging.NewTestLogger()))

	running, _ := q.Submit(KindConvert, []byte("running"))
	<-g.started
	pending, _ := q.Submit(KindConvert, []byte("pending"))

	closed := make(chan error, 1)
	go func() {
		closed <- q.Close(context.Background())
	}()

	if _, err := q.Await(context.Background(), pending); !errors.Is(err, officeconvert.ErrResourceUnavailable) {
		t.Errorf("pending job error = %v, want ErrResourceUnavailable", err)
	}
	if _, err := q.Submit(KindConvert, []byte("late")); !errors.Is(err, officeconvert.ErrResourceUnavailable) {
		t.Errorf("Submit() after Close error = %v, want ErrResourceUnavailable", err)
	}

	g.open()
	if _, err := q.Await(context.Background(), running); err != nil {
		t.Errorf("running job error = %v, want completion", err)
	}
	if err := <-closed; err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if _, err := eng.Convert(context.Background(), []byte("x")); !errors.Is(err, engine.ErrFatal) {
		t.Error("engine was not closed by the queue")
	}
}

func TestQueue_CloseTimesOutOnStuckJob(t *testing.T) {
	t.Parallel()

	g := newGate()
	defer g.open()
	q := New(&engine.Fake{OnStart: g.hold})

	_, _ = q.Submit(KindConvert, []byte("stuck"))
	<-g.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close() error = %v, want DeadlineExceeded", err)
	}
}

func TestQueue_FatalEngineErrorStopsQueue(t *testing.T) {
	t.Parallel()

	fatal := make(chan error, 1)
	eng := &engine.Fake{
		ConvertFunc: func([]byte) ([]byte, error) {
			return nil, fmt.Errorf("%w: browser vanished", engine.ErrFatal)
		},
	}
	q := newTestQueue(t, eng, WithFatalHandler(func(err error) { fatal <- err }))

	if _, err := q.Convert(context.Background(), []byte("doc")); !errors.Is(err, engine.ErrFatal) {
		t.Errorf("Convert() error = %v, want ErrFatal", err)
	}
	select {
	case err := <-fatal:
		if !errors.Is(err, engine.ErrFatal) {
			t.Errorf("fatal handler got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("fatal handler not called")
	}
}

func TestQueue_DefaultFatalHandlerRejectsNewJobs(t *testing.T) {
	t.Parallel()

	eng := &engine.Fake{
		ConvertFunc: func([]byte) ([]byte, error) {
			return nil, engine.ErrFatal
		},
	}
	q := newTestQueue(t, eng)

	_, _ = q.Convert(context.Background(), []byte("doc"))
	if _, err := q.Submit(KindConvert, []byte("next")); !errors.Is(err, officeconvert.ErrResourceUnavailable) {
		t.Errorf("Submit() after fatal error = %v, want ErrResourceUnavailable", err)
	}
}

func TestQueue_Capabilities(t *testing.T) {
	t.Parallel()

	version := officeconvert.VersionInfo{Major: 7, Minor: 6, BuildID: "abc"}
	formats := []officeconvert.SupportedFormat{{Name: "Word 2007-365", Mime: "application/vnd.openxmlformats-officedocument.wordprocessingml.document"}}
	q := newTestQueue(t, &engine.Fake{Version: &version, Formats: formats})

	gotVersion, err := q.VersionInfo(context.Background())
	if err != nil {
		t.Fatalf("VersionInfo() error = %v", err)
	}
	if gotVersion != version {
		t.Errorf("VersionInfo() = %+v, want %+v", gotVersion, version)
	}
	gotFormats, err := q.SupportedFormats(context.Background())
	if err != nil {
		t.Fatalf("SupportedFormats() error = %v", err)
	}
	if diff := cmp.Diff(formats, gotFormats); diff != "" {
		t.Errorf("SupportedFormats() mismatch (-want +got):\n%s", diff)
	}

	unsupported := newTestQueue(t, &engine.Fake{})
	if _, err := unsupported.VersionInfo(context.Background()); !errors.Is(err, officeconvert.ErrUnsupported) {
		t.Errorf("VersionInfo() error = %v, want ErrUnsupported", err)
	}
}

func TestQueue_JobIDsAndTimestamps(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	q := newTestQueue(t, &engine.Fake{}, withClock(func() time.Time { return fixed }))

	a, _ := q.Submit(KindConvert, []byte("a"))
	b, _ := q.Submit(KindConvert, []byte("b"))
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("job IDs = %q, %q, want distinct non-empty", a.ID, b.ID)
	}
	if !a.SubmittedAt.Equal(fixed) {
		t.Errorf("SubmittedAt = %v, want %v", a.SubmittedAt, fixed)
	}
}

func TestKind_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind Kind
		want string
	}{
		{KindConvert, "convert"},
		{KindCollectGarbage, "collect-garbage"},
		{Kind(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
