// Package dialogue picks the conversational mode, token budget and prosody for the next reply.
package dialogue

import "yuzu/companion/internal/types"

// QualityGate is the transcription confidence below which a turn goes to repair.
const QualityGate = 0.75

// SilenceForGame is how long the child may stay quiet before we switch to a game.
const SilenceForGame = 6000

// Input carries what a rule may look at.
type Input struct {
	Age      int
	Engaged  bool
	LastMode types.DialogueMode
	Signals  types.TurnSignals
}

// Rule reassigns the working mode whenever Match is true.
type Rule struct {
	Name  string
	Match func(in Input) bool
	Mode  types.DialogueMode
}

// Rules are evaluated in this order and every match overwrites the previous one,
// so the last matching rule decides the mode.
var Rules = []Rule{
	{Name: "long_silence", Mode: types.DialogueGame, Match: func(in Input) bool { return in.Signals.SilenceMs > SilenceForGame }},
	{Name: "negative_sentiment", Mode: types.DialogueCoaching, Match: func(in Input) bool { return in.Signals.Sentiment == types.SentimentNeg }},
	{Name: "low_energy_young", Mode: types.DialogueStory, Match: func(in Input) bool { return in.Signals.Energy == types.EnergyLow && in.Age <= 6 }},
	{Name: "interrupted_story", Mode: types.DialogueChat, Match: func(in Input) bool { return in.Signals.Interrupted && in.LastMode == types.DialogueStory }},
	{Name: "low_confidence", Mode: types.DialogueRepair, Match: func(in Input) bool { return in.Signals.STTConfidence < QualityGate }},
}

// budgets[bracket][engaged]
var budgets = [3][2]int{
	{50, 90},
	{90, 140},
	{150, 220},
}

// TokenBudget maps an age bracket (<=5, 6-8, 9+) and engagement to a reply token budget.
func TokenBudget(age int, engaged bool) int {
	b := 2
	switch {
	case age <= 5:
		b = 0
	case age <= 8:
		b = 1
	}
	e := 0
	if engaged {
		e = 1
	}
	return budgets[b][e]
}

// ProsodyFor derives the delivery style from the final mode.
func ProsodyFor(m types.DialogueMode) types.Prosody {
	switch m {
	case types.DialogueStory, types.DialogueGame:
		return types.ProsodyExcited
	case types.DialogueCoaching:
		return types.ProsodySoothing
	default:
		return types.ProsodyNeutral
	}
}

// baseMode is the mode we start from before the rules run: ongoing activities
// carry over, anything else restarts as chat.
func baseMode(last types.DialogueMode) types.DialogueMode {
	switch last {
	case types.DialogueChat, types.DialogueStory, types.DialogueGame, types.DialogueCoaching:
		return last
	default:
		return types.DialogueChat
	}
}

// DecideNext is a pure function of its arguments.
func DecideNext(age int, engaged bool, lastMode types.DialogueMode, sig types.TurnSignals) types.Decision {
	in := Input{Age: age, Engaged: engaged, LastMode: lastMode, Signals: sig}
	mode := baseMode(lastMode)
	for _, r := range Rules {
		if r.Match(in) {
			mode = r.Mode
		}
	}
	return types.Decision{
		Mode:        mode,
		TokMax:      TokenBudget(age, engaged),
		NeedClarify: sig.STTConfidence < QualityGate,
		Prosody:     ProsodyFor(mode),
	}
}
