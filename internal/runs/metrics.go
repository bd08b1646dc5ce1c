package runs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kenshin_runs_started_total",
		Help: "Runs started, by phase",
	}, []string{"phase"})

	runsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kenshin_runs_finished_total",
		Help: "Runs finished, by phase and terminal status",
	}, []string{"phase", "status"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kenshin_run_duration_seconds",
		Help:    "Wall time of finished runs",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	}, []string{"phase"})

	counterTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kenshin_run_counter_total",
		Help: "Sum of run counter increments, by counter",
	}, []string{"counter"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kenshin_run_errors_total",
		Help: "Run error log entries, by kind",
	}, []string{"kind"})
)
