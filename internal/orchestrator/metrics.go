package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/probe/internal/model"
)

var (
	runsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probe_runs_submitted_total",
			Help: "Total number of runs accepted for submission.",
		},
		[]string{"engine"},
	)

	runsTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probe_runs_terminal_total",
			Help: "Total number of runs that reached a terminal status.",
		},
		[]string{"engine", "status"},
	)

	activeRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "probe_active_runs",
			Help: "Number of non-terminal runs.",
		},
	)

	activePollers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "probe_active_pollers",
			Help: "Number of running pollers.",
		},
	)

	pollErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probe_poll_errors_total",
			Help: "Total number of failed engine polls.",
		},
		[]string{"engine"},
	)

	reconcileCorrectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probe_reconcile_corrections_total",
			Help: "Total number of runs force-transitioned by the reconciler.",
		},
		[]string{"engine"},
	)
)

func init() {
	prometheus.MustRegister(
		runsSubmittedTotal,
		runsTerminalTotal,
		activeRuns,
		activePollers,
		pollErrorsTotal,
		reconcileCorrectionsTotal,
	)

	for _, e := range model.EngineKinds {
		runsSubmittedTotal.WithLabelValues(string(e))
		pollErrorsTotal.WithLabelValues(string(e))
		reconcileCorrectionsTotal.WithLabelValues(string(e))
		for _, s := range []model.Status{model.StatusCompleted, model.StatusFailed, model.StatusStopped, model.StatusTimeout} {
			runsTerminalTotal.WithLabelValues(string(e), string(s))
		}
	}
}
