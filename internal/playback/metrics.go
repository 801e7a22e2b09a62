package playback

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playback_state_transitions_total",
		Help: "Playback state entries by state",
	}, []string{"state"})

	metricStops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playback_stops_total",
		Help: "Active utterances halted by Stop",
	})

	metricDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playback_discarded_total",
		Help: "Synthesized clips dropped because their utterance was superseded",
	})

	metricSynthRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playback_synth_retries_total",
		Help: "Synthesis retries after transient failures",
	})

	metricAutoplayBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playback_autoplay_blocked_total",
		Help: "Clips the device refused to start without a user gesture",
	})

	metricGestures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playback_gesture_outcomes_total",
		Help: "Deferred-gesture resolutions by gesture kind or timeout",
	}, []string{"outcome"})

	metricPlayedMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "playback_played_ms",
		Help:    "Duration of utterances that played to the end",
		Buckets: prometheus.ExponentialBuckets(250, 1.6, 12),
	})
)
