package guardian

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricLocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_locks_total",
		Help: "Guardian locks issued by kind",
	}, []string{"kind"})

	metricSecondsSpoken = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guardian_seconds_spoken_total",
		Help: "Seconds of completed conversation recorded",
	})
)
