// Package floor arbitrates the audio hardware: at any instant either the microphone
// or the speaker may be engaged, never both.
package floor

import (
	"errors"
	"sync"
)

type Owner string

const (
	OwnerNone    Owner = ""
	OwnerMic     Owner = "mic"
	OwnerSpeaker Owner = "speaker"
)

var ErrBusy = errors.New("audio floor busy")

// Decision represents the action the floor manager wants to take.
type Decision struct {
	ShouldStop      bool
	StopUtteranceID string
	Reason          string // e.g., "barge_in"
}

type Manager struct {
	mu                sync.Mutex
	owner             Owner
	activeUtteranceID string
	lastPressTsMs     int64
	lastSpeakTsMs     int64
}

func New() *Manager { return &Manager{} }

func (m *Manager) Owner() Owner {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner
}

// OnMicPress reports whether the speaker must be stopped before capture may begin.
func (m *Manager) OnMicPress(tsMs int64) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPressTsMs = tsMs
	if m.owner == OwnerSpeaker {
		// barge-in: stop immediately
		return Decision{ShouldStop: true, StopUtteranceID: m.activeUtteranceID, Reason: "barge_in"}
	}
	return Decision{}
}

// AcquireMic hands the floor to capture. It fails while an utterance still holds the speaker.
func (m *Manager) AcquireMic() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner == OwnerSpeaker {
		return ErrBusy
	}
	m.owner = OwnerMic
	return nil
}

func (m *Manager) ReleaseMic() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner == OwnerMic {
		m.owner = OwnerNone
	}
}

// AcquireSpeaker hands the floor to one utterance. It fails while recording.
func (m *Manager) AcquireSpeaker(utteranceID string, tsMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner == OwnerMic {
		return ErrBusy
	}
	m.owner = OwnerSpeaker
	m.activeUtteranceID = utteranceID
	m.lastSpeakTsMs = tsMs
	return nil
}

// ReleaseSpeaker clears the speaker if utteranceID still owns it; a stale release is ignored.
// An empty id releases whatever is playing.
func (m *Manager) ReleaseSpeaker(utteranceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != OwnerSpeaker {
		return
	}
	if utteranceID != "" && utteranceID != m.activeUtteranceID {
		return
	}
	m.owner = OwnerNone
	m.activeUtteranceID = ""
}

// PressToSpeakMs is the time from the last mic press back to the utterance it interrupted.
func (m *Manager) PressToSpeakMs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastSpeakTsMs == 0 || m.lastPressTsMs < m.lastSpeakTsMs {
		return 0
	}
	return m.lastPressTsMs - m.lastSpeakTsMs
}
