// Package metrics exposes Prometheus instrumentation for LiveLabs. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the LiveLabs collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	scriptRuns     *prometheus.CounterVec
	scriptDuration *prometheus.HistogramVec
	stepAdvances   prometheus.Counter
	conflicts      *prometheus.CounterVec
	initRuns       *prometheus.CounterVec
	appRestarts    *prometheus.CounterVec
	appFailures    prometheus.Counter
	shellSessions  prometheus.Gauge
	activePollers  prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		scriptRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livelabs_script_runs_total",
			Help: "Script executions by type, trigger and outcome.",
		}, []string{"script_type", "trigger", "outcome"}),
		scriptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "livelabs_script_duration_seconds",
			Help:    "Script execution time.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"script_type"}),
		stepAdvances: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livelabs_step_advances_total",
			Help: "Successful validations that advanced an enrollment.",
		}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livelabs_conflicts_total",
			Help: "Operations rejected because another was in flight for the enrollment.",
		}, []string{"op"}),
		initRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livelabs_init_runs_total",
			Help: "Initialization script runs by outcome.",
		}, []string{"outcome"}),
		appRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livelabs_app_restarts_total",
			Help: "App container restarts by reason.",
		}, []string{"reason"}),
		appFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livelabs_app_failures_total",
			Help: "App containers observed crashed or unhealthy.",
		}),
		shellSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livelabs_shell_sessions",
			Help: "Open interactive shell connections.",
		}),
		activePollers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livelabs_active_pollers",
			Help: "Running app state reconciliation loops.",
		}),
	}
	m.registry.MustRegister(
		m.scriptRuns, m.scriptDuration, m.stepAdvances, m.conflicts,
		m.initRuns, m.appRestarts, m.appFailures, m.shellSessions, m.activePollers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ScriptRun records a finished script execution.
func (m *Metrics) ScriptRun(scriptType, trigger, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.scriptRuns.WithLabelValues(scriptType, trigger, outcome).Inc()
	m.scriptDuration.WithLabelValues(scriptType).Observe(d.Seconds())
}

// StepAdvanced records a progress increment.
func (m *Metrics) StepAdvanced() {
	if m == nil {
		return
	}
	m.stepAdvances.Inc()
}

// Conflict records a rejected concurrent operation.
func (m *Metrics) Conflict(op string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(op).Inc()
}

// InitRun records an initialization outcome.
func (m *Metrics) InitRun(outcome string) {
	if m == nil {
		return
	}
	m.initRuns.WithLabelValues(outcome).Inc()
}

// AppRestart records an app container restart.
func (m *Metrics) AppRestart(reason string) {
	if m == nil {
		return
	}
	m.appRestarts.WithLabelValues(reason).Inc()
}

// AppFailed records a crashed or unhealthy app container.
func (m *Metrics) AppFailed() {
	if m == nil {
		return
	}
	m.appFailures.Inc()
}

// ShellOpened increments the open shell gauge; the returned func decrements it.
func (m *Metrics) ShellOpened() func() {
	if m == nil {
		return func() {}
	}
	m.shellSessions.Inc()
	return m.shellSessions.Dec
}

// PollerStarted increments the active poller gauge; the returned func
// decrements it.
func (m *Metrics) PollerStarted() func() {
	if m == nil {
		return func() {}
	}
	m.activePollers.Inc()
	return m.activePollers.Dec
}
