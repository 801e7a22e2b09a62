// Package device bridges the physical companion (or a browser standing in for it) over one
// websocket: JSON control messages both ways, binary mic audio up and binary clips down.
// The Bridge is the capture Microphone, the playback Speaker and the GestureSource.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	ws "nhooyr.io/websocket"

	"yuzu/companion/internal/auth"
	"yuzu/companion/internal/capture"
	"yuzu/companion/internal/playback"
	"yuzu/companion/internal/tts"
)

var (
	ErrNoDevice     = errors.New("no device connected")
	ErrDisconnected = errors.New("device disconnected")
	ErrAckTimeout   = errors.New("device did not acknowledge")
)

// Message is one JSON control frame in either direction.
type Message struct {
	Type      string         `json:"type"`
	TsMs      int64          `json:"ts_ms"`
	Seq       int64          `json:"seq"`
	RequestID string         `json:"request_id,omitempty"`
	ClipID    string         `json:"clip_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Hooks receive the device's own input: the mic button and its level meter.
type Hooks struct {
	OnPress   func(ctx context.Context) error
	OnRelease func(ctx context.Context) error
	OnLevel   func(ctx context.Context, rms float64)
}

type Config struct {
	// TokenSecret, when set, requires a device token on connect.
	TokenSecret   string
	TokenSkewSecs int
	AckTimeout    time.Duration
	FrameBuffer   int
}

type Bridge struct {
	cfg Config
	reg registry
	seq atomic.Int64

	mu        sync.Mutex
	hooks     Hooks
	formats   map[string]bool
	mic       *micStream
	lastLevel float64
	acks      map[string]chan Message
	clips     map[string]*clipHandle
	listeners map[playback.GestureKind]map[int]func()
	nextID    int
}

func NewBridge(cfg Config) *Bridge {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 3 * time.Second
	}
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = 256
	}
	return &Bridge{
		cfg:       cfg,
		acks:      make(map[string]chan Message),
		clips:     make(map[string]*clipHandle),
		listeners: make(map[playback.GestureKind]map[int]func()),
	}
}

// SetHooks wires the device's button and level meter to the session controller.
func (b *Bridge) SetHooks(h Hooks) {
	b.mu.Lock()
	b.hooks = h
	b.mu.Unlock()
}

func (b *Bridge) Connected() bool { return b.reg.get() != nil }

func (b *Bridge) send(ctx context.Context, m Message) error {
	m.Seq = b.seq.Add(1)
	m.TsMs = time.Now().UnixMilli()
	return b.reg.sendJSON(ctx, m)
}

// HandleWS accepts the device connection and runs its read loop until it closes.
func (b *Bridge) HandleWS(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		deviceID = "default"
	}
	if b.cfg.TokenSecret != "" {
		token := auth.BearerToken(r)
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if _, _, err := auth.ValidateToken(b.cfg.TokenSecret, token, auth.SubjectDevice, time.Now(), b.cfg.TokenSkewSecs); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	c, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		log.Printf("[device] ws accept: %v", err)
		return
	}
	c.SetReadLimit(1 << 20)
	if b.reg.replace(deviceID, c) {
		log.Printf("[device] replaced previous connection")
		b.disconnected()
	}
	gaugeConnected.Set(1)
	log.Printf("[device] connected id=%s", deviceID)

	ctx := r.Context()
	// level hooks may open the mic, which needs this loop to read the ack
	levels := make(chan float64, 64)
	defer close(levels)
	go b.runLevels(ctx, levels)
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			break
		}
		if typ == ws.MessageBinary {
			b.onAudio(data)
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[device] invalid message: %v", err)
			continue
		}
		b.dispatch(ctx, msg, levels)
	}
	_ = c.Close(ws.StatusNormalClosure, "done")
	if b.reg.remove(c) {
		gaugeConnected.Set(0)
		b.disconnected()
	}
	log.Printf("[device] disconnected id=%s", deviceID)
}

func (b *Bridge) runLevels(ctx context.Context, levels <-chan float64) {
	for rms := range levels {
		b.mu.Lock()
		fn := b.hooks.OnLevel
		b.mu.Unlock()
		if fn != nil {
			fn(ctx, rms)
		}
	}
}

func (b *Bridge) dispatch(ctx context.Context, msg Message, levels chan<- float64) {
	metricMessages.WithLabelValues(msg.Type).Inc()
	switch msg.Type {
	case "hello":
		formats := map[string]bool{}
		if list, ok := msg.Payload["formats"].([]any); ok {
			for _, f := range list {
				if s, ok := f.(string); ok {
					formats[s] = true
				}
			}
		}
		b.mu.Lock()
		b.formats = formats
		b.mu.Unlock()
	case "press", "release":
		if msg.Type == "press" {
			b.fireGesture(playback.GestureMicPress)
		}
		b.mu.Lock()
		h := b.hooks
		b.mu.Unlock()
		fn := h.OnPress
		if msg.Type == "release" {
			fn = h.OnRelease
		}
		if fn == nil {
			return
		}
		// the controller may block on playback; keep reading frames meanwhile
		go func() {
			if err := fn(ctx); err != nil {
				log.Printf("[device] %s: %v", msg.Type, err)
				_ = b.send(context.Background(), Message{Type: "error", Payload: map[string]any{"on": msg.Type, "error": err.Error()}})
			}
		}()
	case "level":
		rms := toFloat(msg.Payload["rms"])
		b.mu.Lock()
		b.lastLevel = rms
		b.mu.Unlock()
		select {
		case levels <- rms:
		default:
			metricLevelsDropped.Inc()
		}
	case "gesture":
		kind, _ := msg.Payload["kind"].(string)
		b.fireGesture(playback.GestureKind(kind))
	case "mic_opened", "mic_error":
		b.ack(msg.RequestID, msg)
	case "play_started", "autoplay_blocked":
		b.ack(msg.ClipID, msg)
	case "play_ended", "play_error":
		if !b.ack(msg.ClipID, msg) {
			b.finishClip(msg)
		}
	default:
		log.Printf("[device] unknown message type=%s", msg.Type)
	}
}

func (b *Bridge) ack(key string, msg Message) bool {
	if key == "" {
		return false
	}
	b.mu.Lock()
	ch, ok := b.acks[key]
	if ok {
		delete(b.acks, key)
	}
	b.mu.Unlock()
	if ok {
		ch <- msg
	}
	return ok
}

// request sends m and waits for the device's reply keyed by key.
func (b *Bridge) request(ctx context.Context, key string, m Message, after func() error) (Message, error) {
	ch := make(chan Message, 1)
	b.mu.Lock()
	b.acks[key] = ch
	b.mu.Unlock()
	drop := func() {
		b.mu.Lock()
		delete(b.acks, key)
		b.mu.Unlock()
	}
	if err := b.send(ctx, m); err != nil {
		drop()
		return Message{}, err
	}
	if after != nil {
		if err := after(); err != nil {
			drop()
			return Message{}, err
		}
	}
	timer := time.NewTimer(b.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		if reply.Type == "" {
			return reply, ErrDisconnected
		}
		return reply, nil
	case <-timer.C:
		drop()
		metricAckTimeouts.WithLabelValues(m.Type).Inc()
		return Message{}, fmt.Errorf("%w: %s", ErrAckTimeout, m.Type)
	case <-ctx.Done():
		drop()
		return Message{}, ctx.Err()
	}
}

// disconnected fails everything that was waiting on the old connection.
func (b *Bridge) disconnected() {
	b.mu.Lock()
	acks := b.acks
	b.acks = make(map[string]chan Message)
	clips := b.clips
	b.clips = make(map[string]*clipHandle)
	mic := b.mic
	b.mic = nil
	b.formats = nil
	b.mu.Unlock()
	for _, ch := range acks {
		ch <- Message{}
	}
	for _, h := range clips {
		h.end(ErrDisconnected)
	}
	if mic != nil {
		mic.closeFrames()
	}
}

// Supports reports the formats the device announced in its hello. Without one only
// uncompressed PCM is assumed.
func (b *Bridge) Supports(f capture.Format) bool {
	if !b.Connected() {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.formats) == 0 {
		return f.Encoding == "linear16"
	}
	return b.formats[f.MimeType]
}

// Open asks the device to start its microphone.
func (b *Bridge) Open(ctx context.Context, c capture.Constraints, f capture.Format) (capture.Stream, error) {
	if !b.Connected() {
		return nil, ErrNoDevice
	}
	s := &micStream{b: b, format: f, ch: make(chan capture.Frame, b.cfg.FrameBuffer)}
	b.mu.Lock()
	if b.mic != nil {
		b.mu.Unlock()
		return nil, capture.ErrAlreadyRecording
	}
	b.mic = s
	b.mu.Unlock()

	id := uuid.NewString()
	reply, err := b.request(ctx, id, Message{Type: "mic_open", RequestID: id, Payload: map[string]any{
		"mime_type":         f.MimeType,
		"encoding":          f.Encoding,
		"sample_rate":       c.SampleRate,
		"channels":          c.Channels,
		"echo_cancellation": c.EchoCancellation,
	}}, nil)
	if err == nil && reply.Type == "mic_error" {
		reason, _ := reply.Payload["reason"].(string)
		if reason == "permission_denied" {
			err = capture.ErrPermissionDenied
		} else {
			err = fmt.Errorf("%w: %s", capture.ErrUnsupportedDevice, reason)
		}
	}
	if err != nil {
		b.mu.Lock()
		if b.mic == s {
			b.mic = nil
		}
		b.mu.Unlock()
		return nil, err
	}
	return s, nil
}

func (b *Bridge) onAudio(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.mic
	if s == nil {
		return
	}
	level := b.lastLevel
	if s.format.Encoding == "linear16" {
		level = capture.RMS(data)
	}
	select {
	case s.ch <- capture.Frame{Data: data, Level: level}:
	default:
		metricFramesDropped.Inc()
	}
}

type micStream struct {
	b      *Bridge
	format capture.Format
	ch     chan capture.Frame
	once   sync.Once
}

func (s *micStream) Frames() <-chan capture.Frame { return s.ch }

// Close tells the device to release the microphone and ends the frame channel.
func (s *micStream) Close() error {
	s.b.mu.Lock()
	live := s.b.mic == s
	if live {
		s.b.mic = nil
	}
	s.b.mu.Unlock()
	s.closeFrames()
	if !live {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.b.cfg.AckTimeout)
	defer cancel()
	if err := s.b.send(ctx, Message{Type: "mic_close"}); err != nil && !errors.Is(err, ErrNoDevice) {
		return err
	}
	return nil
}

// closeFrames is called with the bridge lock released; onAudio only sends while s is b.mic.
func (s *micStream) closeFrames() {
	s.once.Do(func() {
		s.b.mu.Lock()
		close(s.ch)
		s.b.mu.Unlock()
	})
}

// Play sends the clip and waits until the device reports it started. A device that
// refuses autoplay yields playback.ErrAutoplayBlocked.
func (b *Bridge) Play(ctx context.Context, a tts.Audio) (playback.Handle, error) {
	if !b.Connected() {
		return nil, ErrNoDevice
	}
	id := a.ID
	if id == "" {
		id = uuid.NewString()
	}
	h := &clipHandle{b: b, id: id, done: make(chan error, 1)}
	b.mu.Lock()
	b.clips[id] = h
	b.mu.Unlock()

	sent := false
	reply, err := b.request(ctx, id, Message{Type: "play", ClipID: id, Payload: map[string]any{
		"mime_type":   a.MimeType,
		"bytes":       len(a.Data),
		"duration_ms": a.Duration.Milliseconds(),
	}}, func() error {
		if err := b.reg.sendBinary(ctx, a.Data); err != nil {
			return err
		}
		sent = true
		return nil
	})
	if err != nil && sent && !errors.Is(err, ErrDisconnected) {
		// the device holds the clip and may still start it
		b.stopClip(id)
	}
	if err == nil {
		switch reply.Type {
		case "autoplay_blocked":
			err = playback.ErrAutoplayBlocked
		case "play_error":
			err = fmt.Errorf("device playback: %v", reply.Payload["error"])
		case "play_ended":
			b.forget(id)
			h.end(nil)
			return h, nil
		}
	}
	if err != nil {
		b.forget(id)
		return nil, err
	}
	return h, nil
}

func (b *Bridge) forget(id string) {
	b.mu.Lock()
	delete(b.clips, id)
	b.mu.Unlock()
}

func (b *Bridge) finishClip(msg Message) {
	b.mu.Lock()
	h, ok := b.clips[msg.ClipID]
	delete(b.clips, msg.ClipID)
	b.mu.Unlock()
	if !ok {
		return
	}
	if msg.Type == "play_error" {
		h.end(fmt.Errorf("device playback: %v", msg.Payload["error"]))
		return
	}
	h.end(nil)
}

type clipHandle struct {
	b    *Bridge
	id   string
	done chan error
	once sync.Once
}

func (h *clipHandle) Done() <-chan error { return h.done }

func (h *clipHandle) end(err error) {
	h.once.Do(func() {
		if err != nil {
			h.done <- err
		}
		close(h.done)
	})
}

// Stop tells the device to cut the clip. It does not wait for the device.
func (h *clipHandle) Stop() {
	h.b.forget(h.id)
	h.end(nil)
	h.b.stopClip(h.id)
}

func (b *Bridge) stopClip(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.AckTimeout)
	defer cancel()
	if err := b.send(ctx, Message{Type: "stop", ClipID: id}); err != nil && !errors.Is(err, ErrNoDevice) {
		log.Printf("[device] stop clip=%s: %v", id, err)
	}
}

// OnGesture implements playback.GestureSource.
func (b *Bridge) OnGesture(kind playback.GestureKind, fn func()) (remove func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.listeners[kind] == nil {
		b.listeners[kind] = make(map[int]func())
	}
	b.listeners[kind][id] = fn
	return func() {
		b.mu.Lock()
		delete(b.listeners[kind], id)
		b.mu.Unlock()
	}
}

func (b *Bridge) fireGesture(kind playback.GestureKind) {
	b.mu.Lock()
	fns := make([]func(), 0, len(b.listeners[kind]))
	for _, fn := range b.listeners[kind] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}
