package orchestrator

import (
	"log"
	"time"
)

// voiceDetector spots the child starting to talk over the companion from device level
// frames. The guard window after playback starts keeps the companion's own voice from
// triggering it.
type voiceDetector struct {
	speaking     bool
	consecSpeech int
	nonSpeech    int
	minStart     int
	hangover     int
	minRMS       float64
	guard        time.Duration
	guardUntil   time.Time
}

func newVoiceDetector(minRMS float64, minStart, hangover int, guard time.Duration) *voiceDetector {
	if minRMS <= 0 {
		minRMS = 1200
	}
	if minStart <= 0 {
		minStart = 2
	}
	if hangover <= 0 {
		hangover = 20
	}
	if guard <= 0 {
		guard = 500 * time.Millisecond
	}
	return &voiceDetector{minRMS: minRMS, minStart: minStart, hangover: hangover, guard: guard}
}

// arm resets the detector and opens the guard window; called when playback starts.
func (v *voiceDetector) arm(now time.Time) {
	v.guardUntil = now.Add(v.guard)
	v.speaking = false
	v.consecSpeech = 0
	v.nonSpeech = 0
}

// feed processes one level frame and reports whether speech just started.
func (v *voiceDetector) feed(rms float64, now time.Time) bool {
	metricVADFeatures.Inc()
	if !v.speaking {
		if now.Before(v.guardUntil) && rms >= v.minRMS {
			metricBargeInGuardBlocks.Inc()
			return false
		}
		if rms < v.minRMS {
			v.consecSpeech = 0
			return false
		}
		v.consecSpeech++
		if v.consecSpeech < v.minStart {
			return false
		}
		v.speaking = true
		v.nonSpeech = 0
		metricVADStarts.Inc()
		if !v.guardUntil.IsZero() && now.After(v.guardUntil) {
			metricBargeInLatency.Observe(float64(now.Sub(v.guardUntil).Milliseconds()))
		}
		log.Printf("[orch] voice start rms=%.1f minRMS=%.1f consec=%d", rms, v.minRMS, v.consecSpeech)
		return true
	}

	if rms < v.minRMS {
		v.nonSpeech++
		if v.nonSpeech >= v.hangover {
			v.speaking = false
			v.consecSpeech = 0
			v.nonSpeech = 0
			metricVADEnds.Inc()
		}
	} else {
		v.nonSpeech = 0
	}
	return false
}
