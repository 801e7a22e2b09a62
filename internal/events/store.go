// Package events keeps the conversation's recent event log for the control surface.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"yuzu/companion/internal/types"
)

// MaxEvents bounds the log, truncation marker included.
const MaxEvents = 200

const TypeTruncated = "log_truncated"

type Store struct {
	mu      sync.RWMutex
	events  []types.Event
	dropped int
	dev     bool
}

// NewStore returns a log. In dev mode diagnostic events are kept too.
func NewStore(dev bool) *Store {
	return &Store{dev: dev}
}

func (s *Store) Append(typ string, payload map[string]any) types.Event {
	evt := types.Event{
		ID:      uuid.NewString(),
		Type:    typ,
		Ts:      time.Now().UTC(),
		Payload: payload,
	}
	s.mu.Lock()
	s.events = append(s.events, evt)
	if over := len(s.events) - (MaxEvents - 1); over > 0 {
		s.dropped += over
		s.events = append([]types.Event(nil), s.events[over:]...)
	}
	s.mu.Unlock()
	return evt
}

// Diag appends a diagnostic event. Outside dev mode it is dropped.
func (s *Store) Diag(typ string, payload map[string]any) {
	if !s.dev {
		return
	}
	s.Append("diag."+typ, payload)
}

func (s *Store) Dev() bool { return s.dev }

// List returns a copy of the log, oldest first, led by a marker when events were dropped.
func (s *Store) List() []types.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Event, 0, len(s.events)+1)
	if s.dropped > 0 {
		ts := time.Time{}
		if len(s.events) > 0 {
			ts = s.events[0].Ts
		}
		out = append(out, types.Event{ID: "truncated", Type: TypeTruncated, Ts: ts, Payload: map[string]any{"dropped": s.dropped}})
	}
	return append(out, s.events...)
}
