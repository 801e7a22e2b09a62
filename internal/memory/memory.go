// Package memory keeps the child's recent conversation and reply-length preference.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"yuzu/companion/internal/store"
	"yuzu/companion/internal/types"
)

// MaxTranscript is how many exchanges are retained.
const MaxTranscript = 20

// lengthWeight is the smoothing factor of the preferred reply length.
const lengthWeight = 0.2

type Log struct {
	st  store.Store
	now func() time.Time
	mu  sync.Mutex
}

func New(st store.Store) *Log {
	return &Log{st: st, now: time.Now}
}

func (l *Log) Load(ctx context.Context) (types.LearningMemory, error) {
	var m types.LearningMemory
	if _, err := store.GetJSON(ctx, l.st, store.KeyMemory, &m); err != nil {
		return types.LearningMemory{}, err
	}
	return m, nil
}

// Append records one exchange, dropping the oldest beyond MaxTranscript.
func (l *Log) Append(ctx context.Context, user, assistant string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, err := l.Load(ctx)
	if err != nil {
		return err
	}
	m.Transcript = append(m.Transcript, types.Exchange{User: user, Assistant: assistant, At: l.now().UTC()})
	if n := len(m.Transcript); n > MaxTranscript {
		m.Transcript = append([]types.Exchange(nil), m.Transcript[n-MaxTranscript:]...)
	}
	words := float64(len(strings.Fields(assistant)))
	if m.PreferredLengthAvg == 0 {
		m.PreferredLengthAvg = words
	} else {
		m.PreferredLengthAvg = (1-lengthWeight)*m.PreferredLengthAvg + lengthWeight*words
	}
	return store.SetJSON(ctx, l.st, store.KeyMemory, m)
}

// Recent returns up to n of the latest exchanges, oldest first.
func (l *Log) Recent(ctx context.Context, n int) ([]types.Exchange, error) {
	m, err := l.Load(ctx)
	if err != nil {
		return nil, err
	}
	if n <= 0 || len(m.Transcript) <= n {
		return m.Transcript, nil
	}
	return m.Transcript[len(m.Transcript)-n:], nil
}
