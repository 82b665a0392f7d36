// Package metrics wires Prometheus instrumentation for the Scheduler, the
// Agent Loop, the Lifecycle Engine, and the IPC Control Plane, grounded in
// kadirpekel-hector's pkg/observability NewMetrics/prometheus.Registry
// pattern: a nil-safe *Metrics whose methods are no-ops when metrics are
// disabled, so callers never branch on whether instrumentation is on.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "swarmd"

// Metrics holds every registered collector. A nil *Metrics is valid:
// every method guards against it and becomes a no-op, so components can
// hold an unconditionally-set field and call straight through it.
type Metrics struct {
	registry *prometheus.Registry

	tasksDispatched      *prometheus.CounterVec
	dispatchDuration     prometheus.Histogram
	orphansReconciled    prometheus.Counter
	activeAgents         *prometheus.GaugeVec
	lifecycleTransitions *prometheus.CounterVec
	agentTokens          *prometheus.CounterVec
	ipcRequests          *prometheus.CounterVec
	ipcRequestDuration   *prometheus.HistogramVec
}

// New constructs a Metrics instance with its own registry, or returns
// nil when enabled is false (spec §4.H/§9 "metrics are optional").
func New(enabled bool) *Metrics {
	if !enabled {
		return nil
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.tasksDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_dispatched_total",
			Help:      "Total number of tasks claimed and dispatched to a worker.",
		},
		[]string{"role"},
	)
	m.dispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one Agent Loop dispatch tick.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)
	m.orphansReconciled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "orphans_reconciled_total",
			Help:      "Total number of orphaned in_progress tasks re-attached to a worker at startup.",
		},
	)
	m.activeAgents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "active",
			Help:      "Number of currently active (non-terminal) agents, by role.",
		},
		[]string{"role"},
	)
	m.lifecycleTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Total number of lifecycle transitions, by kind.",
		},
		[]string{"kind"},
	)
	m.agentTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "tokens_total",
			Help:      "Total tokens accounted from agent usage deltas, by kind.",
		},
		[]string{"kind"},
	)
	m.ipcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ipc",
			Name:      "requests_total",
			Help:      "Total number of IPC Control Plane requests, by message type and outcome.",
		},
		[]string{"type", "outcome"},
	)
	m.ipcRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ipc",
			Name:      "request_duration_seconds",
			Help:      "IPC request handling duration, by message type.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	m.registry.MustRegister(
		m.tasksDispatched, m.dispatchDuration, m.orphansReconciled,
		m.activeAgents, m.lifecycleTransitions, m.agentTokens,
		m.ipcRequests, m.ipcRequestDuration,
	)
	return m
}

// RecordDispatch records n tasks dispatched to role.
func (m *Metrics) RecordDispatch(role string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tasksDispatched.WithLabelValues(role).Add(float64(n))
}

// ObserveTickDuration records one Agent Loop dispatch tick's wall time.
func (m *Metrics) ObserveTickDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchDuration.Observe(d.Seconds())
}

// RecordOrphansReconciled records n orphaned tasks re-attached at startup.
func (m *Metrics) RecordOrphansReconciled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.orphansReconciled.Add(float64(n))
}

// SetActiveAgents sets the active-agent gauge for role.
func (m *Metrics) SetActiveAgents(role string, n int) {
	if m == nil {
		return
	}
	m.activeAgents.WithLabelValues(role).Set(float64(n))
}

// RecordLifecycleTransition records one lifecycle transition of the given
// kind (e.g. "worker_exit", "verifier_close", "verifier_advance_worker",
// "sticky_retry", "replace_agent").
func (m *Metrics) RecordLifecycleTransition(kind string) {
	if m == nil {
		return
	}
	m.lifecycleTransitions.WithLabelValues(kind).Inc()
}

// RecordAgentTokens adds n tokens of the given kind (input/output/
// cache_read/cache_write) to the running total.
func (m *Metrics) RecordAgentTokens(kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.agentTokens.WithLabelValues(kind).Add(float64(n))
}

// RecordIPCRequest records one IPC request's outcome ("ok" or "error") and
// handling duration, by message type.
func (m *Metrics) RecordIPCRequest(msgType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ipcRequests.WithLabelValues(msgType, outcome).Inc()
	m.ipcRequestDuration.WithLabelValues(msgType).Observe(d.Seconds())
}

// Handler returns the Prometheus scrape handler, or a 503 handler if
// metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry, or nil if disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
