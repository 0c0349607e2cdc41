// Package metrics holds the process-internal Prometheus collectors used by
// the monitor, prober, aggregator and PTY broker. No HTTP route ever
// exposes promhttp.Handler() — these metrics are registered for internal
// introspection only (spec Non-goal: no external metrics endpoint).
//
// Adapted from the teacher's pkg/metrics/metrics.go var-block +
// MustRegister idiom, with the Warren domain swapped for Ploinky's.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	HookDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ploinky_hook_duration_seconds",
			Help:    "Time taken to run a lifecycle hook step, by step name.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	ProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ploinky_probe_duration_seconds",
			Help:    "Time taken for a health probe attempt, by kind (liveness/readiness).",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	RestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ploinky_container_restarts_total",
			Help: "Total number of container restarts attempted by the monitor, by agent.",
		},
		[]string{"agent"},
	)

	CircuitBreaksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ploinky_circuit_breaks_total",
			Help: "Total number of times an agent's restart circuit breaker tripped.",
		},
		[]string{"agent"},
	)

	PTYTabsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ploinky_pty_tabs_live",
			Help: "Number of currently live PTY tabs across all sessions.",
		},
	)

	AggregatorRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ploinky_aggregator_request_duration_seconds",
			Help:    "Time taken to serve one aggregated MCP request, by method.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	DepInstallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ploinky_dep_install_duration_seconds",
			Help:    "Time taken for a dependency install run, by agent.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent"},
	)
)

func init() {
	prometheus.MustRegister(HookDuration)
	prometheus.MustRegister(ProbeDuration)
	prometheus.MustRegister(RestartsTotal)
	prometheus.MustRegister(CircuitBreaksTotal)
	prometheus.MustRegister(PTYTabsLive)
	prometheus.MustRegister(AggregatorRequestDuration)
	prometheus.MustRegister(DepInstallDuration)
}

// Timer times one operation and records it to a histogram on ObserveDuration.
type Timer struct {
	start time.Time
}

// NewTimer starts a new Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the Timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
