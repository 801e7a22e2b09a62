package dialogue

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"yuzu/companion/internal/types"
)

func calm() types.TurnSignals {
	return types.TurnSignals{STTConfidence: 0.9, Sentiment: types.SentimentNeu, Energy: types.EnergyMed, AvgTurnSecs: 5}
}

func TestScenarioLongSilenceGame(t *testing.T) {
	sig := calm()
	sig.SilenceMs = 7000
	got := DecideNext(6, true, types.DialogueChat, sig)
	assert.Equal(t, types.Decision{Mode: types.DialogueGame, TokMax: 140, NeedClarify: false, Prosody: types.ProsodyExcited}, got)
}

func TestLastMatchingRuleWins(t *testing.T) {
	sig := calm()
	sig.SilenceMs = 9000
	sig.STTConfidence = 0.5
	got := DecideNext(7, false, types.DialogueChat, sig)
	assert.Equal(t, types.DialogueRepair, got.Mode)
	assert.True(t, got.NeedClarify)
	assert.Equal(t, types.ProsodyNeutral, got.Prosody)

	// negative sentiment beats silence because it comes later
	sig = calm()
	sig.SilenceMs = 9000
	sig.Sentiment = types.SentimentNeg
	got = DecideNext(7, false, types.DialogueChat, sig)
	assert.Equal(t, types.DialogueCoaching, got.Mode)
	assert.Equal(t, types.ProsodySoothing, got.Prosody)

	// low energy for a young child overrides coaching
	sig.Energy = types.EnergyLow
	got = DecideNext(5, false, types.DialogueChat, sig)
	assert.Equal(t, types.DialogueStory, got.Mode)

	// but not for an older one
	got = DecideNext(9, false, types.DialogueChat, sig)
	assert.Equal(t, types.DialogueCoaching, got.Mode)
}

func TestInterruptedStoryFallsBackToChat(t *testing.T) {
	sig := calm()
	sig.Interrupted = true
	assert.Equal(t, types.DialogueChat, DecideNext(6, true, types.DialogueStory, sig).Mode)
	// low energy would pick story, but the interruption rule runs after it
	sig.Energy = types.EnergyLow
	assert.Equal(t, types.DialogueChat, DecideNext(4, true, types.DialogueStory, sig).Mode)
	// interruption outside a story keeps the ongoing game
	sig.Energy = types.EnergyMed
	assert.Equal(t, types.DialogueGame, DecideNext(6, true, types.DialogueGame, sig).Mode)
}

func TestBaseModeCarriesActivities(t *testing.T) {
	assert.Equal(t, types.DialogueStory, DecideNext(6, true, types.DialogueStory, calm()).Mode)
	assert.Equal(t, types.DialogueChat, DecideNext(6, true, types.DialogueRepair, calm()).Mode)
	assert.Equal(t, types.DialogueChat, DecideNext(6, true, types.DialogueBedtime, calm()).Mode)
	assert.Equal(t, types.DialogueChat, DecideNext(6, true, "", calm()).Mode)
}

func TestTokenBudgets(t *testing.T) {
	cases := []struct {
		age     int
		engaged bool
		want    int
	}{
		{3, false, 50}, {5, true, 90},
		{6, false, 90}, {8, true, 140},
		{9, false, 150}, {12, true, 220},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, TokenBudget(c.age, c.engaged), "age=%d engaged=%v", c.age, c.engaged)
	}
}

func TestRulesOrderIsFixed(t *testing.T) {
	var names []string
	for _, r := range Rules {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"long_silence", "negative_sentiment", "low_energy_young", "interrupted_story", "low_confidence"}, names)
}
