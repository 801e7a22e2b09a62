package stt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAudioBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stt_audio_bytes_total",
		Help: "Total audio bytes submitted for transcription",
	})

	metricConnectMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stt_connect_ms",
		Help:    "Time to establish the streaming connection (ms)",
		Buckets: prometheus.ExponentialBuckets(10, 1.8, 10),
	})

	metricProviderLatencyMS = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stt_provider_latency_ms",
		Help:    "Request to transcript latency per path (ms)",
		Buckets: prometheus.ExponentialBuckets(50, 1.6, 12),
	}, []string{"path"})

	metricOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stt_outcomes_total",
		Help: "Transcription outcomes by winning path or failure",
	}, []string{"outcome"})

	metricFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stt_fallback_started_total",
		Help: "Fallback path starts by trigger (error, empty, hedge)",
	}, []string{"trigger"})

	metricEmptyFinalSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stt_empty_final_skipped_total",
		Help: "Empty final transcripts skipped",
	})

	metricLateDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stt_late_results_discarded_total",
		Help: "Results that arrived after the turn already had a transcript",
	})

	gaugeOpenSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stt_open_sockets",
		Help: "Streaming sockets currently open",
	})
)
