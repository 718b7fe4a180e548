package engine

import "github.com/prometheus/client_golang/prometheus"

// Outcome label values besides the verdicts.
const (
	outcomeTimeout = "TIMEOUT"
	outcomeError   = "ERROR"
)

var (
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flows_engine_operations_total",
			Help: "Total number of engine operations, by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flows_engine_operation_seconds",
			Help:    "Wall-clock duration of engine operations, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

var allOperations = []OperationKind{
	OpExecuteFlow, OpExecuteTrigger, OpExecuteAction, OpExecuteCode, OpExecuteProp, OpValidateAuth,
}

func init() {
	prometheus.MustRegister(operationsTotal)
	prometheus.MustRegister(operationDuration)

	for _, op := range allOperations {
		for _, outcome := range []string{string(VerdictSuccess), string(VerdictFailure), outcomeTimeout, outcomeError} {
			operationsTotal.WithLabelValues(string(op), outcome)
		}
		operationDuration.WithLabelValues(string(op))
	}
}
