// Package orchestrator is the session controller: it sequences capture, transcription,
// the dialogue decision, the reply and playback, and arbitrates the audio hardware.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"yuzu/companion/internal/capture"
	"yuzu/companion/internal/dialogue"
	"yuzu/companion/internal/events"
	"yuzu/companion/internal/floor"
	"yuzu/companion/internal/guardian"
	"yuzu/companion/internal/playback"
	"yuzu/companion/internal/respond"
	"yuzu/companion/internal/stt"
	"yuzu/companion/internal/types"
)

// BargeInBudget is the press-to-capture latency target.
const BargeInBudget = 150 * time.Millisecond

const (
	PlaceholderTranscript = "(I couldn't hear that)"
	ErrorCue              = "Oops, my ears got mixed up. Press the button and try again!"
	VoiceErrorNotice      = "The companion's voice isn't working right now."
)

// LockedError refuses a recording while a guardian lock is active.
type LockedError struct {
	Lock guardian.Lock
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("mic locked (%s) until %s", e.Lock.Kind, e.Lock.Until.Format(time.RFC3339))
}

// Transcriber resolves a captured buffer to text.
type Transcriber interface {
	Transcribe(ctx context.Context, buf capture.Buffer) (stt.Result, error)
}

// Responder produces the reply for a transcript.
type Responder interface {
	Respond(ctx context.Context, text string, sig types.TurnSignals, d types.Decision) (respond.Reply, error)
}

type Deps struct {
	Capture   *capture.Manager
	STT       Transcriber
	Responder Responder
	Playback  *playback.Manager
	Guardian  *guardian.Guardian
	Events    *events.Store
	Floor     *floor.Manager
}

type Config struct {
	Profile types.Profile
	// Greeting is spoken on the first press; "{name}" is replaced with the child's name.
	Greeting string
	// VoiceBargeIn lets level frames above the speech threshold interrupt playback.
	VoiceBargeIn bool
	VADMinRMS    float64
	VADMinStart  int
	VADHangover  int
	VADGuard     time.Duration
}

// turn is one press-to-reply cycle. A newer turn supersedes it.
type turn struct {
	id          string
	ctx         context.Context
	cancel      context.CancelFunc
	pressedAt   time.Time
	interrupted bool
	silence     time.Duration
}

// Controller is the SessionController.
type Controller struct {
	d   Deps
	cfg Config

	base       context.Context
	baseCancel context.CancelFunc

	mu        sync.Mutex
	sess      types.Session
	cur       *turn
	lastMode  types.DialogueMode
	lastReply time.Time
	stats     turnStats
	sessionOn bool
	vad       *voiceDetector
}

func New(d Deps, cfg Config) *Controller {
	base, cancel := context.WithCancel(context.Background())
	c := &Controller{
		d:          d,
		cfg:        cfg,
		base:       base,
		baseCancel: cancel,
		sess:       types.Session{Mode: types.ModeIdle, LastTransition: time.Now()},
		lastMode:   types.DialogueChat,
		vad:        newVoiceDetector(cfg.VADMinRMS, cfg.VADMinStart, cfg.VADHangover, cfg.VADGuard),
	}
	if c.d.Floor == nil {
		c.d.Floor = floor.New()
	}
	if c.d.Events == nil {
		c.d.Events = events.NewStore(false)
	}
	d.Capture.OnAutoStop(c.onAutoStop)
	return c
}

func (c *Controller) Session() types.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Controller) LastMode() types.DialogueMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMode
}

func (c *Controller) Events() *events.Store { return c.d.Events }

func (c *Controller) setModeLocked(m types.Mode) {
	from := c.sess.Mode
	if from == m {
		return
	}
	metricStateTransitions.WithLabelValues(string(from), string(m)).Inc()
	c.sess.Mode = m
	c.sess.LastTransition = time.Now()
	c.d.Events.Diag("mode", map[string]any{"from": from, "to": m})
}

// setMode moves the session only if t is still the current turn.
func (c *Controller) setMode(t *turn, m types.Mode) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != t {
		return false
	}
	c.setModeLocked(m)
	return true
}

func (c *Controller) current(t *turn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur == t
}

func (c *Controller) newTurnLocked(now time.Time) *turn {
	if c.cur != nil {
		c.cur.cancel()
	}
	ctx, cancel := context.WithCancel(c.base)
	t := &turn{id: uuid.NewString(), ctx: ctx, cancel: cancel, pressedAt: now}
	c.cur = t
	c.sess.TurnID = t.id
	return t
}

// PressMic starts a recording. If the companion is speaking it is stopped first (barge-in).
// An active guardian lock refuses the press with *LockedError.
func (c *Controller) PressMic(ctx context.Context) error {
	return c.press(ctx, "press")
}

func (c *Controller) press(ctx context.Context, trigger string) error {
	start := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if lk, ok, err := c.d.Guardian.ActiveLock(ctx); err != nil {
		log.Printf("[orch] lock check failed: %v", err)
	} else if ok {
		c.setModeLocked(types.ModeLocked)
		c.d.Events.Append("locked", map[string]any{"kind": lk.Kind, "until": lk.Until, "message": lk.Message})
		return &LockedError{Lock: lk}
	}
	if c.sess.Mode == types.ModeRecording {
		return capture.ErrAlreadyRecording
	}

	interrupted := false
	if d := c.d.Floor.OnMicPress(start.UnixMilli()); d.ShouldStop || c.d.Playback.Active() {
		if c.cur != nil {
			c.cur.cancel()
		}
		c.d.Playback.Stop()
		c.d.Floor.ReleaseSpeaker("")
		interrupted = true
		spokeMs := c.d.Floor.PressToSpeakMs()
		metricBargeIn.WithLabelValues(trigger).Inc()
		metricBargeInSpokeMS.Observe(float64(spokeMs))
		c.d.Events.Append("barge_in", map[string]any{"utterance_id": d.StopUtteranceID, "trigger": trigger, "spoke_ms": spokeMs})
	}

	if !c.sessionOn {
		c.sessionOn = true
		if err := c.d.Guardian.StartSession(ctx); err != nil {
			log.Printf("[orch] start session: %v", err)
		}
	}

	t := c.newTurnLocked(start)
	t.interrupted = interrupted
	if !c.lastReply.IsZero() {
		t.silence = start.Sub(c.lastReply)
	}

	if !c.sess.HasGreeted && c.cfg.Greeting != "" {
		c.sess.HasGreeted = true
		c.setModeLocked(types.ModeSpeaking)
		go c.greet(t)
		return nil
	}
	c.sess.HasGreeted = true
	return c.beginCaptureLocked(t, start)
}

func (c *Controller) beginCaptureLocked(t *turn, pressedAt time.Time) error {
	if err := c.d.Floor.AcquireMic(); err != nil {
		c.setModeLocked(types.ModeIdle)
		return err
	}
	if err := c.d.Capture.Start(t.ctx); err != nil {
		c.d.Floor.ReleaseMic()
		c.setModeLocked(types.ModeIdle)
		metricTurns.WithLabelValues("capture_error").Inc()
		c.d.Events.Append("capture_error", map[string]any{"error": err.Error()})
		log.Printf("[orch] capture start failed: %v", err)
		return err
	}
	c.setModeLocked(types.ModeRecording)
	lat := time.Since(pressedAt)
	metricPressToCapture.Observe(float64(lat.Microseconds()) / 1000)
	if lat > BargeInBudget {
		log.Printf("[orch] press-to-capture %dms over budget", lat.Milliseconds())
	}
	c.d.Events.Append("recording", map[string]any{"turn_id": t.id, "interrupted": t.interrupted})
	return nil
}

func (c *Controller) greet(t *turn) {
	name := c.cfg.Profile.Name
	if name == "" {
		name = "friend"
	}
	text := strings.ReplaceAll(c.cfg.Greeting, "{name}", name)
	c.d.Events.Append("greeting", map[string]any{"text": text})
	err := c.speak(t, c.d.Playback.Prefetch(t.ctx, text, types.ProsodyExcited))
	if err != nil {
		if !errors.Is(err, playback.ErrStopped) {
			c.setMode(t, types.ModeIdle)
		}
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != t {
		return
	}
	c.lastReply = time.Now()
	_ = c.beginCaptureLocked(t, time.Now())
}

// ReleaseMic ends the recording and runs the rest of the turn in the background.
func (c *Controller) ReleaseMic(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releaseLocked("release")
}

func (c *Controller) onAutoStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.releaseLocked("auto_stop")
}

func (c *Controller) releaseLocked(why string) error {
	if c.sess.Mode != types.ModeRecording || c.cur == nil {
		return capture.ErrNotRecording
	}
	t := c.cur
	buf, err := c.d.Capture.Stop()
	c.d.Floor.ReleaseMic()
	c.setModeLocked(types.ModeTranscribing)
	c.d.Events.Append("captured", map[string]any{"turn_id": t.id, "bytes": len(buf.Data), "reason": why})
	go c.runTurn(t, buf, err)
	return nil
}

func (c *Controller) runTurn(t *turn, buf capture.Buffer, captureErr error) {
	if captureErr != nil {
		c.transcriptionFailed(t, captureErr)
		return
	}
	sttStart := time.Now()
	res, err := c.d.STT.Transcribe(t.ctx, buf)
	if !c.current(t) {
		return
	}
	if err != nil {
		c.transcriptionFailed(t, err)
		return
	}
	c.d.Events.Diag("stt", map[string]any{"source": res.Source, "ms": time.Since(sttStart).Milliseconds()})

	c.mu.Lock()
	avg := c.stats.add(buf.Duration)
	lastMode := c.lastMode
	c.mu.Unlock()
	sig := extractSignals(buf, res, t.interrupted, t.silence, avg)
	decision := dialogue.DecideNext(c.cfg.Profile.Age, Engaged(sig), lastMode, sig)
	metricDecisions.WithLabelValues(string(decision.Mode)).Inc()
	c.d.Events.Diag("decision", map[string]any{"signals": sig, "decision": decision})

	if !c.setMode(t, types.ModeResponding) {
		return
	}
	reply, err := c.d.Responder.Respond(t.ctx, res.Text, sig, decision)
	if !c.current(t) {
		return
	}
	if err != nil {
		log.Printf("[orch] respond failed: %v", err)
		metricTurns.WithLabelValues("respond_error").Inc()
		c.setMode(t, types.ModeIdle)
		return
	}

	// synthesis starts while the transcript is being finalized
	clip := c.d.Playback.Prefetch(t.ctx, reply.Text, decision.Prosody)
	c.d.Events.Append("transcript", map[string]any{"turn_id": t.id, "text": res.Text, "confidence": res.Confidence})
	c.d.Events.Append("reply", map[string]any{"turn_id": t.id, "text": reply.Text, "mode": decision.Mode, "source": reply.Source})

	err = c.speak(t, clip)
	switch {
	case err == nil:
		c.completed(t, decision, false)
	case errors.Is(err, playback.ErrStopped):
		c.recordSpeech(t)
		metricTurns.WithLabelValues("interrupted").Inc()
	case errors.Is(err, playback.ErrAutoplayBlocked):
		metricTurns.WithLabelValues("autoplay_blocked").Inc()
		c.setMode(t, types.ModeIdle)
	default:
		metricTurns.WithLabelValues("voice_error").Inc()
		c.d.Events.Append("voice_error", map[string]any{"turn_id": t.id, "message": VoiceErrorNotice, "error": err.Error()})
		c.setMode(t, types.ModeIdle)
	}
}

// speak plays one clip while holding the speaker floor.
func (c *Controller) speak(t *turn, clip *playback.Clip) error {
	uttID := uuid.NewString()
	c.mu.Lock()
	if c.cur != t {
		c.mu.Unlock()
		clip.Discard()
		return playback.ErrStopped
	}
	if err := c.d.Floor.AcquireSpeaker(uttID, time.Now().UnixMilli()); err != nil {
		c.mu.Unlock()
		clip.Discard()
		return err
	}
	c.setModeLocked(types.ModeSpeaking)
	c.vad.arm(time.Now())
	c.mu.Unlock()

	err := c.d.Playback.Play(t.ctx, clip)
	c.d.Floor.ReleaseSpeaker(uttID)
	return err
}

func (c *Controller) transcriptionFailed(t *turn, err error) {
	reason := "provider"
	switch {
	case errors.Is(err, capture.ErrTooShort):
		reason = "too_short"
	case errors.Is(err, stt.ErrTranscriptionTimeout):
		reason = "timeout"
	case errors.Is(err, context.Canceled):
		return
	}
	metricTurns.WithLabelValues("stt_" + reason).Inc()
	log.Printf("[orch] transcription failed reason=%s: %v", reason, err)
	c.d.Events.Append("transcript", map[string]any{"turn_id": t.id, "text": PlaceholderTranscript, "placeholder": true, "reason": reason})
	c.d.Events.Append("error_cue", map[string]any{"turn_id": t.id, "text": ErrorCue})
	if err := c.speak(t, c.d.Playback.Prefetch(t.ctx, ErrorCue, types.ProsodyCalm)); err != nil && !errors.Is(err, playback.ErrStopped) {
		log.Printf("[orch] error cue failed: %v", err)
	}
	c.setMode(t, types.ModeIdle)
}

func (c *Controller) recordSpeech(t *turn) {
	if _, err := c.d.Guardian.RecordSpeech(c.base, time.Since(t.pressedAt)); err != nil {
		log.Printf("[orch] record speech: %v", err)
	}
}

// completed runs the post-turn guardian checks after a reply played to the end.
// A health message only settles the lock; it never runs the checks again.
func (c *Controller) completed(t *turn, decision types.Decision, isHealthMessage bool) {
	if isHealthMessage {
		c.setMode(t, types.ModeLocked)
		return
	}
	c.mu.Lock()
	if c.cur != t {
		c.mu.Unlock()
		return
	}
	c.lastMode = decision.Mode
	c.lastReply = time.Now()
	c.mu.Unlock()
	metricTurns.WithLabelValues("completed").Inc()
	metricTurnMS.Observe(float64(time.Since(t.pressedAt).Milliseconds()))

	c.recordSpeech(t)
	lk, locked, err := c.d.Guardian.PostTurn(t.ctx)
	if err != nil {
		log.Printf("[orch] post-turn checks: %v", err)
	}
	if !locked {
		c.setMode(t, types.ModeIdle)
		return
	}
	c.speakHealth(t, lk)
}

// speakHealth plays a guardian notice.
func (c *Controller) speakHealth(t *turn, lk guardian.Lock) {
	c.d.Events.Append("locked", map[string]any{"kind": lk.Kind, "until": lk.Until, "message": lk.Message})
	err := c.speak(t, c.d.Playback.Prefetch(t.ctx, lk.Message, types.ProsodySoothing))
	if errors.Is(err, playback.ErrStopped) {
		return
	}
	if err != nil {
		log.Printf("[orch] health notice failed: %v", err)
	}
	c.completed(t, types.Decision{}, true)
}

// OnLevel feeds a device level frame. With voice barge-in enabled, speech over the
// companion interrupts it like a press.
func (c *Controller) OnLevel(ctx context.Context, rms float64) {
	if !c.cfg.VoiceBargeIn {
		return
	}
	c.mu.Lock()
	speaking := c.sess.Mode == types.ModeSpeaking
	started := speaking && c.vad.feed(rms, time.Now())
	c.mu.Unlock()
	if !started {
		return
	}
	if err := c.press(ctx, "voice"); err != nil {
		log.Printf("[orch] voice barge-in: %v", err)
	}
}

// Close ends any turn in progress and releases the hardware.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseCancel()
	c.d.Playback.Stop()
	if c.d.Capture.Recording() {
		_, _ = c.d.Capture.Stop()
	}
	c.d.Floor.ReleaseMic()
	c.d.Floor.ReleaseSpeaker("")
	c.setModeLocked(types.ModeIdle)
}
