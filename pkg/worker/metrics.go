package worker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jdziat/durable-flows/pkg/core"
)

// Metric label values for job outcomes.
const (
	outcomeCompleted = "completed"
	outcomeRetried   = "retried"
	outcomeFailed    = "failed"
)

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flows_worker_jobs_total",
			Help: "Total number of jobs processed, by queue and outcome.",
		},
		[]string{"queue", "outcome"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flows_worker_job_seconds",
			Help:    "Duration of job handler execution, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	activeJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flows_worker_active_jobs",
			Help: "Number of jobs currently being handled.",
		},
		[]string{"queue"},
	)

	repeatsFired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flows_worker_repeats_fired_total",
			Help: "Total number of repeat schedule occurrences enqueued.",
		},
	)

	staleLocksReleased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flows_worker_stale_locks_released_total",
			Help: "Total number of expired job locks returned to pending.",
		},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(jobDuration)
	prometheus.MustRegister(activeJobs)
	prometheus.MustRegister(repeatsFired)
	prometheus.MustRegister(staleLocksReleased)

	for _, q := range []core.QueueName{core.QueueOneTime, core.QueueScheduled} {
		jobsTotal.WithLabelValues(string(q), outcomeCompleted)
		jobsTotal.WithLabelValues(string(q), outcomeRetried)
		jobsTotal.WithLabelValues(string(q), outcomeFailed)
		activeJobs.WithLabelValues(string(q))
		jobDuration.WithLabelValues(string(q))
	}
}
