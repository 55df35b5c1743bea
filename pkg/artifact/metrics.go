package artifact

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	downloadAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_artifact_download_attempts_total",
		Help: "Download click attempts by outcome.",
	}, []string{"outcome"})

	capturedPayloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_artifact_captured_payloads_total",
		Help: "Intercepted save requests by outcome.",
	}, []string{"outcome"})
)
