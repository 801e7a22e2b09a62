package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricVADFeatures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_vad_features_total",
		Help: "Total level frames processed by the voice detector",
	})

	metricVADStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_vad_starts_total",
		Help: "Total voice start events",
	})

	metricVADEnds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_vad_ends_total",
		Help: "Total voice end events",
	})

	metricBargeIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_barge_in_events_total",
		Help: "Total barge-in stops by trigger",
	}, []string{"trigger"})

	metricBargeInGuardBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_barge_in_guard_blocks_total",
		Help: "Frames above threshold blocked by guard window",
	})

	metricBargeInLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orch_barge_in_latency_ms",
		Help:    "Latency from guard end to detected voice start",
		Buckets: prometheus.ExponentialBuckets(10, 1.6, 10),
	})

	metricBargeInSpokeMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orch_barge_in_spoke_ms",
		Help:    "How long the interrupted utterance held the speaker before the press",
		Buckets: prometheus.ExponentialBuckets(50, 2, 10),
	})

	metricPressToCapture = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orch_press_to_capture_ms",
		Help:    "Latency from mic press to capture start",
		Buckets: prometheus.ExponentialBuckets(2, 1.8, 10),
	})

	metricStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_state_transitions_total",
		Help: "Session mode transitions",
	}, []string{"from", "to"})

	metricTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_turns_total",
		Help: "Turns by outcome",
	}, []string{"outcome"})

	metricTurnMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orch_turn_ms",
		Help:    "Wall time of completed turns, press to end of reply",
		Buckets: prometheus.ExponentialBuckets(500, 1.6, 12),
	})

	metricDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_decisions_total",
		Help: "Dialogue modes chosen",
	}, []string{"mode"})
)
