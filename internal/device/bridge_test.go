package device

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ws "nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"yuzu/companion/internal/auth"
	"yuzu/companion/internal/capture"
	"yuzu/companion/internal/playback"
	"yuzu/companion/internal/tts"
	"yuzu/companion/internal/types"
)

var wavFormat = capture.Format{MimeType: "audio/wav", Encoding: "linear16"}

type testDevice struct {
	t *testing.T
	c *ws.Conn
}

func connect(t *testing.T, b *Bridge, query string) *testDevice {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(b.HandleWS))
	t.Cleanup(srv.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/?"+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(ws.StatusNormalClosure, "") })
	require.Eventually(t, b.Connected, time.Second, 5*time.Millisecond)
	return &testDevice{t: t, c: c}
}

func (d *testDevice) send(m Message) {
	d.t.Helper()
	require.NoError(d.t, wsjson.Write(context.Background(), d.c, m))
}

func (d *testDevice) expect(typ string) Message {
	d.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var m Message
	require.NoError(d.t, wsjson.Read(ctx, d.c, &m))
	require.Equal(d.t, typ, m.Type)
	return m
}

func (d *testDevice) expectBinary() []byte {
	d.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typ, data, err := d.c.Read(ctx)
	require.NoError(d.t, err)
	require.Equal(d.t, ws.MessageBinary, typ)
	return data
}

func TestMicRoundTrip(t *testing.T) {
	b := NewBridge(Config{})
	dev := connect(t, b, "device_id=toy")
	dev.send(Message{Type: "hello", Payload: map[string]any{"formats": []string{"audio/wav"}}})
	require.Eventually(t, func() bool { return b.Supports(wavFormat) }, time.Second, 5*time.Millisecond)
	assert.False(t, b.Supports(capture.Format{MimeType: "audio/mp4", Encoding: "aac"}))

	go func() {
		m := dev.expect("mic_open")
		assert.EqualValues(t, 16000, m.Payload["sample_rate"])
		dev.send(Message{Type: "mic_opened", RequestID: m.RequestID})
		for i := 0; i < 2; i++ {
			_ = dev.c.Write(context.Background(), ws.MessageBinary, make([]byte, 320))
		}
	}()

	s, err := b.Open(context.Background(), capture.Target, wavFormat)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		select {
		case f := <-s.Frames():
			assert.Len(t, f.Data, 320)
			assert.Zero(t, f.Level)
		case <-time.After(2 * time.Second):
			t.Fatal("frame never arrived")
		}
	}
	require.NoError(t, s.Close())
	dev.expect("mic_close")
	_, open := <-s.Frames()
	assert.False(t, open)
}

func TestMicPermissionDenied(t *testing.T) {
	b := NewBridge(Config{})
	dev := connect(t, b, "")
	go func() {
		m := dev.expect("mic_open")
		dev.send(Message{Type: "mic_error", RequestID: m.RequestID, Payload: map[string]any{"reason": "permission_denied"}})
	}()

	err := capture.NewManager(b, capture.Config{}).Start(context.Background())
	var ce *capture.CaptureError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "permission_denied", ce.Reason)
}

func TestPlayUntilEnded(t *testing.T) {
	b := NewBridge(Config{})
	dev := connect(t, b, "")
	clip := tts.Audio{ID: "clip-1", Data: []byte("RIFFdata"), MimeType: "audio/wav"}

	go func() {
		m := dev.expect("play")
		assert.Equal(t, "clip-1", m.ClipID)
		assert.Equal(t, clip.Data, dev.expectBinary())
		dev.send(Message{Type: "play_started", ClipID: m.ClipID})
		time.Sleep(20 * time.Millisecond)
		dev.send(Message{Type: "play_ended", ClipID: m.ClipID})
	}()

	h, err := b.Play(context.Background(), clip)
	require.NoError(t, err)
	select {
	case err := <-h.Done():
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("clip never ended")
	}
}

func TestPlayAutoplayBlocked(t *testing.T) {
	b := NewBridge(Config{})
	dev := connect(t, b, "")
	go func() {
		m := dev.expect("play")
		dev.expectBinary()
		dev.send(Message{Type: "autoplay_blocked", ClipID: m.ClipID})
	}()
	_, err := b.Play(context.Background(), tts.Audio{ID: "c", Data: []byte{1}})
	assert.ErrorIs(t, err, playback.ErrAutoplayBlocked)
}

func TestStopSendsStop(t *testing.T) {
	b := NewBridge(Config{})
	dev := connect(t, b, "")
	go func() {
		m := dev.expect("play")
		dev.expectBinary()
		dev.send(Message{Type: "play_started", ClipID: m.ClipID})
	}()
	h, err := b.Play(context.Background(), tts.Audio{ID: "c2", Data: []byte{1}})
	require.NoError(t, err)
	h.Stop()
	h.Stop()
	assert.Equal(t, "c2", dev.expect("stop").ClipID)
	_, open := <-h.Done()
	assert.False(t, open)
}

func TestAckTimeout(t *testing.T) {
	b := NewBridge(Config{AckTimeout: 50 * time.Millisecond})
	connect(t, b, "")
	_, err := b.Play(context.Background(), tts.Audio{ID: "slow", Data: []byte{1}})
	assert.ErrorIs(t, err, ErrAckTimeout)
}

func TestAckTimeoutStopsDeliveredClip(t *testing.T) {
	b := NewBridge(Config{AckTimeout: 50 * time.Millisecond})
	dev := connect(t, b, "")
	go func() {
		_, err := b.Play(context.Background(), tts.Audio{ID: "slow", Data: []byte{1}})
		assert.ErrorIs(t, err, ErrAckTimeout)
	}()
	dev.expect("play")
	dev.expectBinary()
	assert.Equal(t, "slow", dev.expect("stop").ClipID)
}

func TestBargeInDuringPlayStartStopsClip(t *testing.T) {
	b := NewBridge(Config{})
	dev := connect(t, b, "")
	m := playback.NewManager(&staticSynth{}, b, b, playback.Config{})

	errc := make(chan error, 1)
	go func() { errc <- m.Speak(context.Background(), "clip-x", types.ProsodyNeutral) }()
	play := dev.expect("play")
	dev.expectBinary()

	m.Stop()
	assert.Equal(t, playback.StateIdle, m.State())
	dev.send(Message{Type: "play_started", ClipID: play.ClipID})

	assert.Equal(t, play.ClipID, dev.expect("stop").ClipID)
	assert.ErrorIs(t, <-errc, playback.ErrStopped)
}

func TestHooksAndGestures(t *testing.T) {
	b := NewBridge(Config{})
	pressed := make(chan struct{}, 1)
	levels := make(chan float64, 1)
	b.SetHooks(Hooks{
		OnPress: func(context.Context) error {
			pressed <- struct{}{}
			return nil
		},
		OnLevel: func(_ context.Context, rms float64) { levels <- rms },
	})
	gestured := make(chan playback.GestureKind, 1)
	remove := b.OnGesture(playback.GesturePointer, func() { gestured <- playback.GesturePointer })

	dev := connect(t, b, "")
	dev.send(Message{Type: "press"})
	dev.send(Message{Type: "level", Payload: map[string]any{"rms": 2400.0}})
	dev.send(Message{Type: "gesture", Payload: map[string]any{"kind": "pointerdown"}})

	select {
	case <-pressed:
	case <-time.After(time.Second):
		t.Fatal("press hook not called")
	}
	assert.Equal(t, 2400.0, <-levels)
	assert.Equal(t, playback.GesturePointer, <-gestured)

	remove()
	dev.send(Message{Type: "gesture", Payload: map[string]any{"kind": "pointerdown"}})
	select {
	case <-gestured:
		t.Fatal("removed listener fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPressErrorIsReported(t *testing.T) {
	b := NewBridge(Config{})
	b.SetHooks(Hooks{OnPress: func(context.Context) error { return errors.New("locked") }})
	dev := connect(t, b, "")
	dev.send(Message{Type: "press"})
	m := dev.expect("error")
	assert.Equal(t, "locked", m.Payload["error"])
}

func TestNoDevice(t *testing.T) {
	b := NewBridge(Config{})
	assert.False(t, b.Supports(wavFormat))
	_, err := b.Open(context.Background(), capture.Target, wavFormat)
	assert.ErrorIs(t, err, ErrNoDevice)
	_, err = b.Play(context.Background(), tts.Audio{Data: []byte{1}})
	assert.ErrorIs(t, err, ErrNoDevice)
}

func TestDisconnectFailsWaiters(t *testing.T) {
	b := NewBridge(Config{AckTimeout: 5 * time.Second})
	dev := connect(t, b, "")
	go func() {
		dev.expect("mic_open")
		_ = dev.c.Close(ws.StatusGoingAway, "bye")
	}()
	_, err := b.Open(context.Background(), capture.Target, wavFormat)
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Eventually(t, func() bool { return !b.Connected() }, time.Second, 5*time.Millisecond)
}

func TestTokenRequired(t *testing.T) {
	b := NewBridge(Config{TokenSecret: "s3"})
	srv := httptest.NewServer(http.HandlerFunc(b.HandleWS))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := ws.Dial(context.Background(), url, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	tok, err := auth.GenerateToken("s3", auth.SubjectDevice, time.Now().Add(time.Minute).Unix())
	require.NoError(t, err)
	c, _, err := ws.Dial(context.Background(), url+"?token="+tok, nil)
	require.NoError(t, err)
	_ = c.Close(ws.StatusNormalClosure, "")
}

type staticSynth struct{}

func (staticSynth) Synthesize(_ context.Context, r tts.Request) (tts.Audio, error) {
	return tts.Audio{ID: r.Text, Data: []byte(r.Text), MimeType: "audio/wav"}, nil
}
