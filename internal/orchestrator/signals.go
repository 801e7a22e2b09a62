package orchestrator

import (
	"strings"
	"time"
	"unicode"

	"yuzu/companion/internal/capture"
	"yuzu/companion/internal/stt"
	"yuzu/companion/internal/types"
)

const (
	energyLowRMS  = 1000.0
	energyHighRMS = 4000.0
	turnWindow    = 5
	// engagedTurnSecs is the average utterance length that counts as an engaged child.
	engagedTurnSecs = 3.0
)

var positiveWords = map[string]bool{
	"love": true, "like": true, "fun": true, "yay": true, "happy": true, "great": true,
	"awesome": true, "cool": true, "yes": true, "funny": true, "best": true, "favorite": true,
}

var negativeWords = map[string]bool{
	"sad": true, "scared": true, "angry": true, "hate": true, "cry": true, "crying": true,
	"hurt": true, "bad": true, "mad": true, "lonely": true, "afraid": true, "upset": true,
	"tired": true, "boring": true, "bored": true,
}

var negations = map[string]bool{"not": true, "don't": true, "dont": true, "no": true, "never": true}

// Sentiment scores text against a small word list. A negation flips the next word.
func Sentiment(text string) types.Sentiment {
	score := 0
	flip := false
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	}) {
		if negations[w] {
			flip = true
			continue
		}
		v := 0
		switch {
		case positiveWords[w]:
			v = 1
		case negativeWords[w]:
			v = -1
		}
		if flip {
			v = -v
			flip = false
		}
		score += v
	}
	switch {
	case score > 0:
		return types.SentimentPos
	case score < 0:
		return types.SentimentNeg
	default:
		return types.SentimentNeu
	}
}

// EnergyOf buckets the utterance's average level.
func EnergyOf(avgLevel float64) types.Energy {
	switch {
	case avgLevel < energyLowRMS:
		return types.EnergyLow
	case avgLevel >= energyHighRMS:
		return types.EnergyHigh
	default:
		return types.EnergyMed
	}
}

// Engaged is the engagement flag fed to the dialogue decision.
func Engaged(sig types.TurnSignals) bool {
	return sig.AvgTurnSecs >= engagedTurnSecs || sig.Sentiment == types.SentimentPos
}

// turnStats keeps the rolling utterance lengths.
type turnStats struct {
	secs []float64
}

func (s *turnStats) add(d time.Duration) float64 {
	s.secs = append(s.secs, d.Seconds())
	if len(s.secs) > turnWindow {
		s.secs = s.secs[len(s.secs)-turnWindow:]
	}
	var sum float64
	for _, v := range s.secs {
		sum += v
	}
	return sum / float64(len(s.secs))
}

func extractSignals(buf capture.Buffer, res stt.Result, interrupted bool, silence time.Duration, avgTurnSecs float64) types.TurnSignals {
	if silence < 0 {
		silence = 0
	}
	return types.TurnSignals{
		STTConfidence: res.Confidence,
		Interrupted:   interrupted,
		SilenceMs:     int(silence.Milliseconds()),
		AvgTurnSecs:   avgTurnSecs,
		Sentiment:     Sentiment(res.Text),
		Energy:        EnergyOf(buf.AvgLevel),
	}
}
