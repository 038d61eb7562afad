package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for Sanduku.
// Uses a custom registry — no global state.
type Metrics struct {
	Registry *prometheus.Registry

	// Sandbox lifecycle metrics.
	SandboxesCreated    *prometheus.CounterVec
	SandboxesTerminated *prometheus.CounterVec
	SandboxesActive     prometheus.Gauge

	// Warm pool metrics.
	PoolClaims       *prometheus.CounterVec
	PoolWarm         *prometheus.GaugeVec
	PoolFillFailures *prometheus.CounterVec

	// Execution metrics.
	ExecsTotal   *prometheus.CounterVec
	ExecDuration prometheus.Histogram

	// Session metrics.
	PortsInUse prometheus.Gauge

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetrics creates a Metrics set with all collectors registered on a
// custom prometheus.Registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		SandboxesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "sandbox",
			Name:      "created_total",
			Help:      "Total sandbox provisioning attempts.",
		}, []string{"template", "status"}),

		SandboxesTerminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "sandbox",
			Name:      "terminated_total",
			Help:      "Total sandboxes terminated.",
		}, []string{"reason"}),

		SandboxesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Subsystem: "sandbox",
			Name:      "active",
			Help:      "Number of live sandboxes.",
		}),

		PoolClaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "pool",
			Name:      "claims_total",
			Help:      "Warm pool claim attempts.",
		}, []string{"template", "result"}),

		PoolWarm: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Subsystem: "pool",
			Name:      "warm",
			Help:      "Claimable warm sandboxes per template.",
		}, []string{"template"}),

		PoolFillFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "pool",
			Name:      "fill_failures_total",
			Help:      "Failed warm slot provisioning attempts.",
		}, []string{"template"}),

		ExecsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "exec",
			Name:      "total",
			Help:      "Command executions by outcome.",
		}, []string{"status"}),

		ExecDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "exec",
			Name:      "duration_seconds",
			Help:      "Foreground execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),

		PortsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Subsystem: "sessions",
			Name:      "ports_in_use",
			Help:      "Session ports currently leased.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.SandboxesCreated,
		m.SandboxesTerminated,
		m.SandboxesActive,
		m.PoolClaims,
		m.PoolWarm,
		m.PoolFillFailures,
		m.ExecsTotal,
		m.ExecDuration,
		m.PortsInUse,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
