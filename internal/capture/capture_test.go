package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	mu     sync.Mutex
	ch     chan Frame
	closed bool
}

func (s *fakeStream) Frames() <-chan Frame { return s.ch }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

func (s *fakeStream) send(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.ch <- f
	}
}

type fakeMic struct {
	supported map[string]bool
	openErr   error
	opened    []Format
	last      *fakeStream
}

func (m *fakeMic) Supports(f Format) bool { return m.supported[f.MimeType] }

func (m *fakeMic) Open(_ context.Context, c Constraints, f Format) (Stream, error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	if c != Target {
		return nil, errors.New("unexpected constraints")
	}
	m.opened = append(m.opened, f)
	m.last = &fakeStream{ch: make(chan Frame, 64)}
	return m.last, nil
}

func wavOnly() *fakeMic {
	return &fakeMic{supported: map[string]bool{"audio/wav": true}}
}

func TestFormatCascade(t *testing.T) {
	m := NewManager(&fakeMic{supported: map[string]bool{"audio/ogg;codecs=opus": true, "audio/wav": true}}, Config{})
	f, err := m.ChooseFormat()
	require.NoError(t, err)
	assert.Equal(t, "audio/ogg;codecs=opus", f.MimeType)

	m = NewManager(wavOnly(), Config{})
	f, err = m.ChooseFormat()
	require.NoError(t, err)
	assert.Equal(t, "linear16", f.Encoding)

	m = NewManager(&fakeMic{}, Config{})
	err = m.Start(context.Background())
	var ce *CaptureError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "unsupported_device", ce.Reason)
	assert.False(t, m.Recording())
}

func TestPermissionDenied(t *testing.T) {
	mic := wavOnly()
	mic.openErr = ErrPermissionDenied
	m := NewManager(mic, Config{})
	err := m.Start(context.Background())
	var ce *CaptureError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "permission_denied", ce.Reason)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.False(t, m.Recording())
}

func TestStartStopAccumulates(t *testing.T) {
	mic := wavOnly()
	m := NewManager(mic, Config{SilenceTimeout: time.Minute})
	require.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyRecording)

	for i := 0; i < 4; i++ {
		mic.last.send(Frame{Data: make([]byte, 200), Level: 2000})
	}
	buf, err := m.Stop()
	require.NoError(t, err)
	assert.Len(t, buf.Data, 800)
	assert.Equal(t, 4, buf.SpeechFrames)
	assert.InDelta(t, 2000, buf.AvgLevel, 0.01)
	assert.Equal(t, "audio/wav", buf.Format.MimeType)
	assert.False(t, m.Recording())

	_, err = m.Stop()
	assert.ErrorIs(t, err, ErrNotRecording)
}

func TestTooShort(t *testing.T) {
	mic := wavOnly()
	m := NewManager(mic, Config{SilenceTimeout: time.Minute})
	require.NoError(t, m.Start(context.Background()))
	mic.last.send(Frame{Data: make([]byte, 499)})
	buf, err := m.Stop()
	assert.ErrorIs(t, err, ErrTooShort)
	assert.Len(t, buf.Data, 499)
}

func TestAutoStopOnSilence(t *testing.T) {
	mic := wavOnly()
	m := NewManager(mic, Config{SilenceTimeout: 100 * time.Millisecond})
	got := make(chan Buffer, 1)
	m.OnAutoStop(func() {
		b, _ := m.Stop()
		got <- b
	})
	require.NoError(t, m.Start(context.Background()))

	start := time.Now()
	// speech keeps the recording open
	for i := 0; i < 6; i++ {
		mic.last.send(Frame{Data: make([]byte, 100), Level: 5000})
		time.Sleep(20 * time.Millisecond)
	}
	select {
	case <-got:
		t.Fatal("auto-stopped while the child was still talking")
	default:
	}
	// quiet frames do not
	mic.last.send(Frame{Data: make([]byte, 100), Level: 10})
	select {
	case b := <-got:
		assert.Len(t, b.Data, 700)
		assert.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("silence timer never fired")
	}
	assert.False(t, m.Recording())
}

func TestAutoStopWithoutCallbackDrops(t *testing.T) {
	mic := wavOnly()
	m := NewManager(mic, Config{SilenceTimeout: 20 * time.Millisecond})
	require.NoError(t, m.Start(context.Background()))
	assert.Eventually(t, func() bool { return !m.Recording() }, time.Second, 5*time.Millisecond)
}

func TestRMS(t *testing.T) {
	pcm := make([]byte, 8)
	for i := 0; i < 4; i++ {
		v := int16(1000)
		if i%2 == 1 {
			v = -1000
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	assert.InDelta(t, 1000, RMS(pcm), 0.001)
	assert.Zero(t, RMS([]byte{1}))
}
