package flowrun

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jdziat/durable-flows/pkg/core"
)

var (
	runsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flows_runs_started_total",
			Help: "Total number of flow runs started, by environment.",
		},
		[]string{"environment"},
	)

	runsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flows_runs_finished_total",
			Help: "Total number of flow runs finished, by terminal status.",
		},
		[]string{"status"},
	)

	runsPaused = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flows_runs_paused_total",
			Help: "Total number of flow run pauses, by pause type.",
		},
		[]string{"type"},
	)

	startsDenied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flows_runs_denied_total",
			Help: "Total number of run starts denied by policy.",
		},
	)
)

func init() {
	prometheus.MustRegister(runsStarted, runsFinished, runsPaused, startsDenied)

	for _, env := range []core.Environment{core.EnvProduction, core.EnvTesting} {
		runsStarted.WithLabelValues(string(env))
	}
	for _, s := range []core.FlowRunStatus{core.RunSucceeded, core.RunFailed, core.RunStopped, core.RunTimeout} {
		runsFinished.WithLabelValues(string(s))
	}
	for _, t := range []core.PauseType{core.PauseDelay, core.PauseWebhook} {
		runsPaused.WithLabelValues(string(t))
	}
}
