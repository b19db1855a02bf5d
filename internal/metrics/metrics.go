// Package metrics defines the Prometheus collectors exported by the
// conversion queue and the client-side load balancer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "officeconvert"

// Job outcome label values.
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeAbandoned = "abandoned"
	OutcomeRejected  = "rejected"
)

// QueueMetrics instruments a conversion queue.
// A nil *QueueMetrics is valid and records nothing.
type QueueMetrics struct {
	pending  prometheus.Gauge
	busy     prometheus.Gauge
	jobs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	waiting  *prometheus.HistogramVec
}

// NewQueueMetrics creates queue collectors and registers them with reg.
func NewQueueMetrics(reg prometheus.Registerer) *QueueMetrics {
	m := &QueueMetrics{
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "pending_jobs",
			Help:      "Number of jobs waiting for the engine.",
		}),
		busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "busy",
			Help:      "1 while a job is executing against the engine, 0 otherwise.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Jobs processed by kind and outcome.",
		}, []string{"kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Time spent executing a job against the engine.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"kind"}),
		waiting: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "job_wait_seconds",
			Help:      "Time a job spent pending before execution.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.pending, m.busy, m.jobs, m.duration, m.waiting)
	}
	return m
}

func (m *QueueMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *QueueMetrics) SetBusy(busy bool) {
	if m == nil {
		return
	}
	if busy {
		m.busy.Set(1)
		return
	}
	m.busy.Set(0)
}

func (m *QueueMetrics) ObserveStart(kind string, waited time.Duration) {
	if m == nil {
		return
	}
	m.waiting.WithLabelValues(kind).Observe(waited.Seconds())
}

func (m *QueueMetrics) ObserveJob(kind, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(kind, outcome).Inc()
	if outcome == OutcomeSuccess || outcome == OutcomeError {
		m.duration.WithLabelValues(kind).Observe(took.Seconds())
	}
}

// BalancerMetrics instruments a client-side load balancer.
// A nil *BalancerMetrics is valid and records nothing.
type BalancerMetrics struct {
	attempts *prometheus.CounterVec
	probes   *prometheus.CounterVec
	waits    prometheus.Histogram
	requests *prometheus.CounterVec
}

// NewBalancerMetrics creates balancer collectors and registers them with reg.
func NewBalancerMetrics(reg prometheus.Registerer) *BalancerMetrics {
	m := &BalancerMetrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "balancer",
			Name:      "attempts_total",
			Help:      "Dispatch attempts by backend and outcome.",
		}, []string{"backend", "outcome"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "balancer",
			Name:      "probes_total",
			Help:      "Status probes by backend and observed state.",
		}, []string{"backend", "state"}),
		waits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "balancer",
			Name:      "wait_seconds",
			Help:      "Time callers spent waiting for an available backend.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "balancer",
			Name:      "requests_total",
			Help:      "Balanced requests by operation and outcome.",
		}, []string{"operation", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.attempts, m.probes, m.waits, m.requests)
	}
	return m
}

func (m *BalancerMetrics) ObserveAttempt(backend, outcome string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(backend, outcome).Inc()
}

func (m *BalancerMetrics) ObserveProbe(backend, state string) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(backend, state).Inc()
}

func (m *BalancerMetrics) ObserveWait(d time.Duration) {
	if m == nil {
		return
	}
	m.waits.Observe(d.Seconds())
}

func (m *BalancerMetrics) ObserveRequest(operation, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(operation, outcome).Inc()
}
