package sandbox

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for workspace builds.
const (
	buildSucceeded = "succeeded"
	buildFailed    = "failed"
)

var (
	buildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flows_sandbox_builds_total",
			Help: "Total number of sandbox workspace installs, by result.",
		},
		[]string{"result"},
	)

	buildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flows_sandbox_build_seconds",
			Help:    "Duration of sandbox workspace installs, in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	activeLeases = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flows_sandbox_active_leases",
			Help: "Number of sandbox leases currently held.",
		},
	)

	cacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flows_sandbox_cache_entries",
			Help: "Number of sandbox workspaces tracked by the cache.",
		},
	)
)

func init() {
	prometheus.MustRegister(buildsTotal)
	prometheus.MustRegister(buildDuration)
	prometheus.MustRegister(activeLeases)
	prometheus.MustRegister(cacheEntries)

	buildsTotal.WithLabelValues(buildSucceeded)
	buildsTotal.WithLabelValues(buildFailed)
}
