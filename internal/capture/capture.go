// Package capture owns the microphone and turns one utterance into one audio buffer.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"
)

// MinBytes is the smallest buffer worth transcribing.
const MinBytes = 500

const drainGrace = 200 * time.Millisecond

var (
	ErrTooShort          = errors.New("capture too short")
	ErrNotRecording      = errors.New("not recording")
	ErrAlreadyRecording  = errors.New("already recording")
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrUnsupportedDevice = errors.New("unsupported audio device")
)

// CaptureError reports a failure to acquire the microphone.
type CaptureError struct {
	Reason string // permission_denied | unsupported_device
	Cause  error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s: %v", e.Reason, e.Cause)
}

func (e *CaptureError) Unwrap() error { return e.Cause }

// Format is one encoding the microphone may record in.
type Format struct {
	MimeType string `json:"mime_type"`
	Encoding string `json:"encoding"`
}

// Cascade lists formats from most to least preferred; the uncompressed one is last.
var Cascade = []Format{
	{MimeType: "audio/webm;codecs=opus", Encoding: "opus"},
	{MimeType: "audio/ogg;codecs=opus", Encoding: "opus"},
	{MimeType: "audio/mp4", Encoding: "aac"},
	{MimeType: "audio/wav", Encoding: "linear16"},
}

// Constraints are requested from the device when recording starts.
type Constraints struct {
	SampleRate       int  `json:"sample_rate"`
	Channels         int  `json:"channels"`
	EchoCancellation bool `json:"echo_cancellation"`
}

// Target is the fixed recording target: mono, 16 kHz, echo-cancelled.
var Target = Constraints{SampleRate: 16000, Channels: 1, EchoCancellation: true}

// Frame is a chunk of encoded audio plus the speech level measured on the device.
type Frame struct {
	Data  []byte
	Level float64
}

// Stream delivers frames until it is closed. Close must end the Frames channel.
type Stream interface {
	Frames() <-chan Frame
	Close() error
}

// Microphone is the device port.
type Microphone interface {
	Supports(f Format) bool
	Open(ctx context.Context, c Constraints, f Format) (Stream, error)
}

// Buffer is one captured utterance.
type Buffer struct {
	Data         []byte
	Format       Format
	Duration     time.Duration
	AvgLevel     float64
	PeakLevel    float64
	SpeechFrames int
}

type Config struct {
	// SilenceTimeout stops a recording when no speech-level frame was seen for this long.
	SilenceTimeout time.Duration
	// SpeechLevel is the frame RMS counted as speech.
	SpeechLevel float64
	// MaxDuration caps a single recording. Zero means no cap.
	MaxDuration time.Duration
	MinBytes    int
}

func (c Config) withDefaults() Config {
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = 2 * time.Second
	}
	if c.SpeechLevel <= 0 {
		c.SpeechLevel = 1200
	}
	if c.MinBytes <= 0 {
		c.MinBytes = MinBytes
	}
	return c
}

type recording struct {
	mu      sync.Mutex
	stream  Stream
	format  Format
	buf     bytes.Buffer
	started time.Time

	frames    int
	speech    int
	levelSum  float64
	peakLevel float64

	silence  *time.Timer
	maxTimer *time.Timer
	stop     chan struct{}
	done     chan struct{}
}

// Manager is the CaptureManager. At most one recording exists at a time.
type Manager struct {
	mic Microphone
	cfg Config

	mu         sync.Mutex
	rec        *recording
	onAutoStop func()
}

func NewManager(mic Microphone, cfg Config) *Manager {
	return &Manager{mic: mic, cfg: cfg.withDefaults()}
}

// OnAutoStop registers the callback run when the silence or max-duration timer ends a
// recording. The callback is expected to call Stop. Without one the recording is dropped.
func (m *Manager) OnAutoStop(fn func()) {
	m.mu.Lock()
	m.onAutoStop = fn
	m.mu.Unlock()
}

func (m *Manager) Recording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec != nil
}

// ChooseFormat returns the first format of the cascade the device supports.
func (m *Manager) ChooseFormat() (Format, error) {
	for _, f := range Cascade {
		if m.mic.Supports(f) {
			return f, nil
		}
	}
	return Format{}, &CaptureError{Reason: "unsupported_device", Cause: ErrUnsupportedDevice}
}

// Start acquires the microphone and begins accumulating audio.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec != nil {
		return ErrAlreadyRecording
	}
	f, err := m.ChooseFormat()
	if err != nil {
		return err
	}
	stream, err := m.mic.Open(ctx, Target, f)
	if err != nil {
		reason := "unsupported_device"
		if errors.Is(err, ErrPermissionDenied) {
			reason = "permission_denied"
		}
		metricCaptureErrors.WithLabelValues(reason).Inc()
		return &CaptureError{Reason: reason, Cause: err}
	}
	rec := &recording{
		stream:  stream,
		format:  f,
		started: time.Now(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	rec.silence = time.AfterFunc(m.cfg.SilenceTimeout, func() { m.autoStop(rec, "silence") })
	if m.cfg.MaxDuration > 0 {
		rec.maxTimer = time.AfterFunc(m.cfg.MaxDuration, func() { m.autoStop(rec, "max_duration") })
	}
	m.rec = rec
	go m.pump(rec)
	log.Printf("[capture] started format=%s", f.MimeType)
	return nil
}

func (m *Manager) pump(rec *recording) {
	defer close(rec.done)
	frames := rec.stream.Frames()
	for {
		select {
		case <-rec.stop:
			return
		case fr, ok := <-frames:
			if !ok {
				return
			}
			rec.mu.Lock()
			rec.buf.Write(fr.Data)
			rec.frames++
			rec.levelSum += fr.Level
			if fr.Level > rec.peakLevel {
				rec.peakLevel = fr.Level
			}
			if fr.Level >= m.cfg.SpeechLevel {
				rec.speech++
				rec.silence.Reset(m.cfg.SilenceTimeout)
			}
			rec.mu.Unlock()
		}
	}
}

func (m *Manager) autoStop(rec *recording, why string) {
	m.mu.Lock()
	current := m.rec == rec
	fn := m.onAutoStop
	m.mu.Unlock()
	if !current {
		return
	}
	metricAutoStops.WithLabelValues(why).Inc()
	log.Printf("[capture] auto-stop reason=%s", why)
	if fn != nil {
		fn()
		return
	}
	_, _ = m.Stop()
}

// Stop ends the recording, releases the device and returns the buffer. Buffers
// below the minimum size come back with ErrTooShort.
func (m *Manager) Stop() (Buffer, error) {
	m.mu.Lock()
	rec := m.rec
	m.rec = nil
	m.mu.Unlock()
	if rec == nil {
		return Buffer{}, ErrNotRecording
	}

	rec.silence.Stop()
	if rec.maxTimer != nil {
		rec.maxTimer.Stop()
	}
	if err := rec.stream.Close(); err != nil {
		log.Printf("[capture] release error: %v", err)
	}
	// a closed stream ends its frame channel; give the pump a moment to drain it
	select {
	case <-rec.done:
	case <-time.After(drainGrace):
		close(rec.stop)
		<-rec.done
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := Buffer{
		Data:         append([]byte(nil), rec.buf.Bytes()...),
		Format:       rec.format,
		Duration:     time.Since(rec.started),
		PeakLevel:    rec.peakLevel,
		SpeechFrames: rec.speech,
	}
	if rec.frames > 0 {
		out.AvgLevel = rec.levelSum / float64(rec.frames)
	}
	metricCaptureBytes.Observe(float64(len(out.Data)))
	if len(out.Data) < m.cfg.MinBytes {
		log.Printf("[capture] too short bytes=%d", len(out.Data))
		return out, ErrTooShort
	}
	log.Printf("[capture] stopped bytes=%d dur=%dms speech_frames=%d", len(out.Data), out.Duration.Milliseconds(), out.SpeechFrames)
	return out, nil
}

// RMS computes the level of little-endian PCM16 audio.
func RMS(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	var sum float64
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		sample := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		sum += float64(sample) * float64(sample)
	}
	return math.Sqrt(sum / float64(n))
}
