// Package metrics holds the Prometheus collectors for the cognition core.
//
// Collectors are registered on the Registerer passed to New, so tests can use
// an isolated prometheus.NewRegistry(). A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "companion"

// Metrics groups every collector the core records into.
type Metrics struct {
	// AssemblySeconds measures Assemble latency.
	AssemblySeconds prometheus.Histogram

	// AssemblyTokens observes the token estimate of assembled context.
	// Labels: level (1, 2, 3)
	AssemblyTokens *prometheus.HistogramVec

	// DegradedThreads counts thread slots replaced during assembly.
	// Labels: thread, reason (error, timeout, panic, stale)
	DegradedThreads *prometheus.CounterVec

	// TaskRuns counts scheduler ticks by outcome.
	// Labels: task, status (ok, error)
	TaskRuns *prometheus.CounterVec

	// TaskSeconds measures tick duration.
	// Labels: task
	TaskSeconds *prometheus.HistogramVec

	// Decisions counts consolidation outcomes.
	// Labels: status (pending_review, approved, rejected, consolidated, failed)
	Decisions *prometheus.CounterVec

	// Edges tracks the concept graph size after each sync.
	Edges prometheus.Gauge
}

// New creates and registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AssemblySeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "assembler",
			Name:      "duration_seconds",
			Help:      "Context assembly latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		AssemblyTokens: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "assembler",
			Name:      "tokens",
			Help:      "Estimated tokens of assembled context by level",
			Buckets:   []float64{25, 50, 100, 200, 400, 800, 1600, 3200},
		}, []string{"level"}),
		DegradedThreads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assembler",
			Name:      "degraded_threads_total",
			Help:      "Thread slots degraded during assembly by reason",
		}, []string{"thread", "reason"}),
		TaskRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Scheduler ticks by task and status",
		}, []string{"task", "status"}),
		TaskSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "run_duration_seconds",
			Help:      "Scheduler tick duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"task"}),
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consolidation",
			Name:      "decisions_total",
			Help:      "Temp fact outcomes by resulting status",
		}, []string{"status"}),
		Edges: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "linking",
			Name:      "edges",
			Help:      "Concept edges in the association graph",
		}),
	}
}

// ObserveAssembly records one Assemble call.
func (m *Metrics) ObserveAssembly(level string, d time.Duration, tokens int) {
	if m == nil {
		return
	}
	m.AssemblySeconds.Observe(d.Seconds())
	m.AssemblyTokens.WithLabelValues(level).Observe(float64(tokens))
}

// ThreadDegraded records a degraded thread slot.
func (m *Metrics) ThreadDegraded(thread, reason string) {
	if m == nil {
		return
	}
	m.DegradedThreads.WithLabelValues(thread, reason).Inc()
}

// TaskDone records one scheduler tick.
func (m *Metrics) TaskDone(task string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.TaskRuns.WithLabelValues(task, status).Inc()
	m.TaskSeconds.WithLabelValues(task).Observe(d.Seconds())
}

// Decision records a consolidation outcome.
func (m *Metrics) Decision(status string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(status).Inc()
}

// SetEdges records the current edge count.
func (m *Metrics) SetEdges(n int) {
	if m == nil {
		return
	}
	m.Edges.Set(float64(n))
}
