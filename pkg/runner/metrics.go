package runner

import "github.com/prometheus/client_golang/prometheus"

var (
	triggerPayloads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flows_runner_trigger_payloads_total",
			Help: "Total number of payloads returned by polled triggers.",
		},
	)

	schedulesCancelled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flows_runner_schedules_cancelled_total",
			Help: "Total number of polling schedules cancelled, by reason.",
		},
		[]string{"reason"},
	)
)

const (
	reasonStale = "stale"
	reasonQuota = "quota"
)

func init() {
	prometheus.MustRegister(triggerPayloads, schedulesCancelled)
	schedulesCancelled.WithLabelValues(reasonStale)
	schedulesCancelled.WithLabelValues(reasonQuota)
}
