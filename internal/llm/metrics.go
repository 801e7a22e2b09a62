package llm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_completions_total",
		Help: "Completion requests by outcome",
	}, []string{"status"})

	metricTTFTMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "llm_ttft_ms",
		Help:    "Time to first streamed token (ms)",
		Buckets: prometheus.ExponentialBuckets(50, 1.6, 12),
	})
)
