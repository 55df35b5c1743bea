package browser

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_browser_tasks_in_flight",
		Help: "Number of tasks currently holding a page.",
	})

	sessionsLaunched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_browser_sessions_launched_total",
		Help: "Total number of browser contexts launched.",
	})

	sessionsReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_browser_sessions_reclaimed_total",
		Help: "Total number of idle browser contexts closed.",
	})

	launchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_browser_launch_failures_total",
		Help: "Total number of failed browser launches.",
	})
)
