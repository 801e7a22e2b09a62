package capture

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCaptureErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_errors_total",
		Help: "Microphone acquisition failures by reason",
	}, []string{"reason"})

	metricAutoStops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_auto_stops_total",
		Help: "Recordings ended by a timer",
	}, []string{"reason"})

	metricCaptureBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "capture_buffer_bytes",
		Help:    "Size of captured utterance buffers",
		Buckets: prometheus.ExponentialBuckets(256, 2, 12),
	})
)
