// Package playback owns the speaker: it turns response text into played audio and
// provides the barge-in Stop.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"yuzu/companion/internal/retry"
	"yuzu/companion/internal/tts"
	"yuzu/companion/internal/types"
)

type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StatePlaying State = "playing"
	StateEnded   State = "ended"
	StateError   State = "error"
)

var (
	// ErrAutoplayBlocked is returned by a Speaker that needs a user gesture before it may play.
	ErrAutoplayBlocked = errors.New("autoplay blocked")
	// ErrStopped is returned by Speak when Stop or a newer utterance superseded it.
	ErrStopped = errors.New("playback stopped")
)

// Synthesizer produces audio for text.
type Synthesizer interface {
	Synthesize(ctx context.Context, r tts.Request) (tts.Audio, error)
}

// Handle is one clip playing on the device.
type Handle interface {
	// Done yields nil (or is closed) when the clip ends on its own, or the playback error.
	Done() <-chan error
	// Stop halts audio at once and releases the clip. Safe to call more than once.
	Stop()
}

// Speaker is the device output port.
type Speaker interface {
	Play(ctx context.Context, a tts.Audio) (Handle, error)
}

type Config struct {
	Voice          string
	Retry          retry.Policy
	GestureTimeout time.Duration
	GestureKinds   []GestureKind
}

func (c Config) withDefaults() Config {
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = 250 * time.Millisecond
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 2 * time.Second
	}
	if c.Retry.Retryable == nil {
		c.Retry.Retryable = tts.IsRetryable
	}
	if c.GestureTimeout <= 0 {
		c.GestureTimeout = 30 * time.Second
	}
	if len(c.GestureKinds) == 0 {
		c.GestureKinds = DefaultGestureKinds
	}
	return c
}

// Clip is a synthesis that may still be in flight.
type Clip struct {
	done   chan struct{}
	audio  tts.Audio
	err    error
	cancel context.CancelFunc
}

// Wait blocks until the synthesis finishes or ctx ends.
func (c *Clip) Wait(ctx context.Context) (tts.Audio, error) {
	select {
	case <-c.done:
		return c.audio, c.err
	case <-ctx.Done():
		return tts.Audio{}, ctx.Err()
	}
}

// Discard cancels the synthesis; its result is never played.
func (c *Clip) Discard() { c.cancel() }

// Manager is the PlaybackManager. One utterance plays at a time; each Speak gets a
// generation number and anything from an older generation is dropped on arrival.
type Manager struct {
	synth    Synthesizer
	speaker  Speaker
	gestures GestureSource
	cfg      Config

	mu      sync.Mutex
	state   State
	gen     uint64
	cancel  context.CancelFunc
	handle  Handle
	pending *PendingUserGesture
}

func NewManager(synth Synthesizer, speaker Speaker, gestures GestureSource, cfg Config) *Manager {
	return &Manager{synth: synth, speaker: speaker, gestures: gestures, cfg: cfg.withDefaults(), state: StateIdle}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Active reports whether an utterance is loading or playing.
func (m *Manager) Active() bool {
	s := m.State()
	return s == StateLoading || s == StatePlaying
}

// Prefetch starts synthesis without touching the speaker.
func (m *Manager) Prefetch(ctx context.Context, text string, p types.Prosody) *Clip {
	ctx, cancel := context.WithCancel(ctx)
	c := &Clip{done: make(chan struct{}), cancel: cancel}
	policy := m.cfg.Retry
	policy.OnRetry = func(attempt int, err error) {
		metricSynthRetries.Inc()
		log.Printf("[playback] synth retry attempt=%d err=%v", attempt, err)
	}
	go func() {
		defer close(c.done)
		c.audio, c.err = retry.DoValue(ctx, policy, func(ctx context.Context) (tts.Audio, error) {
			return m.synth.Synthesize(ctx, tts.Request{Text: text, Voice: m.cfg.Voice, Prosody: p})
		})
	}()
	return c
}

// Speak synthesizes text and plays it to the end.
func (m *Manager) Speak(ctx context.Context, text string, p types.Prosody) error {
	return m.Play(ctx, m.Prefetch(ctx, text, p))
}

// Play waits for the clip and plays it. It returns nil once the clip ended on its own,
// ErrStopped if superseded, ErrAutoplayBlocked if no gesture arrived in time, or the
// synthesis/playback error.
func (m *Manager) Play(ctx context.Context, c *Clip) error {
	m.mu.Lock()
	m.stopLocked()
	m.gen++
	g := m.gen
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.setStateLocked(StateLoading)
	m.mu.Unlock()
	defer cancel()
	defer c.Discard()

	audio, err := c.Wait(ctx)
	if ctx.Err() != nil {
		return m.abandon(g)
	}

	m.mu.Lock()
	if m.gen != g {
		m.mu.Unlock()
		metricDiscarded.Inc()
		return ErrStopped
	}
	if err != nil {
		m.cancel = nil
		m.setStateLocked(StateError)
		m.mu.Unlock()
		log.Printf("[playback] synth failed: %v", err)
		return err
	}

	m.mu.Unlock()

	// the device may take a while to start; Stop must not wait for it
	h, err := m.speaker.Play(ctx, audio)
	if errors.Is(err, ErrAutoplayBlocked) {
		metricAutoplayBlocked.Inc()
		h, err = m.awaitGesture(ctx, g, audio)
	}
	if ctx.Err() != nil {
		if h != nil {
			safeStop(h)
		}
		return m.abandon(g)
	}

	m.mu.Lock()
	if m.gen != g {
		m.mu.Unlock()
		if h != nil {
			safeStop(h)
		}
		metricDiscarded.Inc()
		return ErrStopped
	}
	if err != nil {
		m.cancel = nil
		if errors.Is(err, ErrAutoplayBlocked) {
			// never surfaced as a failure; the turn just ends quietly
			m.setStateLocked(StateIdle)
		} else {
			m.setStateLocked(StateError)
		}
		m.mu.Unlock()
		return err
	}
	m.handle = h
	m.setStateLocked(StatePlaying)
	m.mu.Unlock()
	start := time.Now()

	var perr error
	select {
	case perr = <-h.Done():
	case <-ctx.Done():
		return m.abandon(g)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != g {
		return ErrStopped
	}
	m.handle = nil
	m.cancel = nil
	if perr != nil {
		m.setStateLocked(StateError)
		return fmt.Errorf("playback: %w", perr)
	}
	metricPlayedMS.Observe(float64(time.Since(start).Milliseconds()))
	m.setStateLocked(StateEnded)
	return nil
}

// awaitGesture parks the clip until the user touches the device, then plays it.
func (m *Manager) awaitGesture(ctx context.Context, g uint64, audio tts.Audio) (Handle, error) {
	pending := WaitForGesture(m.gestures, m.cfg.GestureKinds, m.cfg.GestureTimeout)
	m.mu.Lock()
	if m.gen != g {
		m.mu.Unlock()
		pending.Cancel()
		return nil, ErrStopped
	}
	m.pending = pending
	m.mu.Unlock()
	log.Printf("[playback] autoplay blocked; waiting for a gesture")

	select {
	case <-pending.Done():
	case <-ctx.Done():
		pending.Cancel()
	}

	m.mu.Lock()
	if m.pending == pending {
		m.pending = nil
	}
	stale := m.gen != g
	m.mu.Unlock()
	if stale {
		return nil, ErrStopped
	}
	kind, err := pending.Result()
	if err != nil {
		metricGestures.WithLabelValues("timeout").Inc()
		return nil, fmt.Errorf("%w: %v", ErrAutoplayBlocked, err)
	}
	metricGestures.WithLabelValues(string(kind)).Inc()
	log.Printf("[playback] resuming after %s", kind)
	return m.speaker.Play(ctx, audio)
}

func (m *Manager) abandon(g uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen == g {
		m.stopLocked()
		m.setStateLocked(StateIdle)
	}
	metricDiscarded.Inc()
	return ErrStopped
}

// Stop halts whatever is playing or loading and returns to Idle. It is synchronous,
// idempotent, and never panics. Once it returns no audio from the stopped utterance plays.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := m.state == StateLoading || m.state == StatePlaying
	m.gen++
	m.stopLocked()
	m.setStateLocked(StateIdle)
	if active {
		metricStops.Inc()
		log.Printf("[playback] stopped")
	}
}

func (m *Manager) stopLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.pending != nil {
		m.pending.Cancel()
		m.pending = nil
	}
	if m.handle != nil {
		safeStop(m.handle)
		m.handle = nil
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	metricTransitions.WithLabelValues(string(s)).Inc()
}

func safeStop(h Handle) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[playback] stop panicked: %v", r)
		}
	}()
	h.Stop()
}
