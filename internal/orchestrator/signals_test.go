package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"yuzu/companion/internal/capture"
	"yuzu/companion/internal/stt"
	"yuzu/companion/internal/types"
)

func TestSentiment(t *testing.T) {
	cases := map[string]types.Sentiment{
		"I love dinosaurs!":           types.SentimentPos,
		"I'm sad and a bit scared":    types.SentimentNeg,
		"what is the moon made of":    types.SentimentNeu,
		"I'm not happy":               types.SentimentNeg,
		"that was not boring at all":  types.SentimentPos,
		"":                            types.SentimentNeu,
	}
	for in, want := range cases {
		assert.Equal(t, want, Sentiment(in), in)
	}
}

func TestEnergyBuckets(t *testing.T) {
	assert.Equal(t, types.EnergyLow, EnergyOf(300))
	assert.Equal(t, types.EnergyMed, EnergyOf(2000))
	assert.Equal(t, types.EnergyHigh, EnergyOf(6000))
}

func TestTurnStatsWindow(t *testing.T) {
	var s turnStats
	for i := 0; i < 10; i++ {
		s.add(time.Second)
	}
	assert.InDelta(t, 2, s.add(6*time.Second), 1e-9)
	assert.Len(t, s.secs, turnWindow)
}

func TestExtractSignals(t *testing.T) {
	buf := capture.Buffer{AvgLevel: 500}
	sig := extractSignals(buf, stt.Result{Text: "I love it", Confidence: 0.8}, true, 7*time.Second, 4)
	assert.Equal(t, types.TurnSignals{
		STTConfidence: 0.8,
		Interrupted:   true,
		SilenceMs:     7000,
		AvgTurnSecs:   4,
		Sentiment:     types.SentimentPos,
		Energy:        types.EnergyLow,
	}, sig)
	assert.True(t, Engaged(sig))
	assert.False(t, Engaged(types.TurnSignals{AvgTurnSecs: 1, Sentiment: types.SentimentNeu}))
}
