// Package rosymetrics exposes Prometheus instrumentation for the
// orchestration core: plugin lifecycle, restarts, route dispatch, rate
// limiting, and resource samples.
package rosymetrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is a private Prometheus registry (not the global default),
// exposed by cmd/rosey-core on /metrics.
var Registry = prometheus.NewRegistry()

var (
	// PluginState tracks the current lifecycle state of each plugin as a
	// 1/0 gauge per (plugin, state) pair.
	PluginState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rosey_plugin_state",
			Help: "Current lifecycle state of a plugin (1 = active state, 0 = inactive)",
		},
		[]string{"plugin", "state"},
	)

	// PluginRestarts counts restarts attempted by the supervisor per plugin.
	PluginRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosey_plugin_restarts_total",
			Help: "Total number of restart attempts per plugin",
		},
		[]string{"plugin"},
	)

	// PluginCircuitOpen counts circuit-breaker trips per plugin.
	PluginCircuitOpen = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosey_plugin_circuit_open_total",
			Help: "Total number of times a plugin's restart circuit breaker opened",
		},
		[]string{"plugin"},
	)

	// RouteDispatch counts router outcomes.
	RouteDispatch = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosey_route_dispatch_total",
			Help: "Total number of router dispatch outcomes",
		},
		[]string{"result"}, // dispatched | unhandled | error
	)

	// RateLimitDecisions counts rate limiter allow/deny outcomes per window.
	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosey_ratelimit_decisions_total",
			Help: "Total number of rate limiter decisions",
		},
		[]string{"window", "result"}, // window: minute|hour|day|tokens, result: allow|deny
	)

	// ResourceSample records the last observed value for a resource metric.
	ResourceSample = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rosey_resource_sample_value",
			Help: "Last sampled resource value per plugin and metric",
		},
		[]string{"plugin", "metric"}, // metric: rss_bytes|cpu_percent|handles
	)
)

func init() {
	Registry.MustRegister(
		PluginState,
		PluginRestarts,
		PluginCircuitOpen,
		RouteDispatch,
		RateLimitDecisions,
		ResourceSample,
	)
}

// RecordPluginState zeroes out all other known states for the plugin and
// sets the given state to 1.
func RecordPluginState(plugin string, states []string, current string) {
	for _, s := range states {
		if s == current {
			PluginState.WithLabelValues(plugin, s).Set(1)
		} else {
			PluginState.WithLabelValues(plugin, s).Set(0)
		}
	}
}

// RecordRestart increments the restart counter for a plugin.
func RecordRestart(plugin string) {
	PluginRestarts.WithLabelValues(plugin).Inc()
}

// RecordCircuitOpen increments the circuit-open counter for a plugin.
func RecordCircuitOpen(plugin string) {
	PluginCircuitOpen.WithLabelValues(plugin).Inc()
}

// RecordDispatch increments the router outcome counter.
func RecordDispatch(result string) {
	RouteDispatch.WithLabelValues(result).Inc()
}

// RecordRateLimitDecision increments the rate limiter decision counter.
func RecordRateLimitDecision(window, result string) {
	RateLimitDecisions.WithLabelValues(window, result).Inc()
}

// RecordResourceSample sets the last observed value for a resource metric.
func RecordResourceSample(plugin, metric string, value float64) {
	ResourceSample.WithLabelValues(plugin, metric).Set(value)
}
