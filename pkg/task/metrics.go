package task

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_tasks_total",
		Help: "Total tasks by mode and outcome (completed or the failure kind)",
	}, []string{"mode", "outcome"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_task_duration_seconds",
		Help:    "Task wall time by mode",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"mode"})

	runStates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_generation_runs_total",
		Help: "Generation runs by terminal state",
	}, []string{"state"})
)
