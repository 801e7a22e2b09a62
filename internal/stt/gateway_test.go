package stt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"yuzu/companion/internal/capture"
)

var wavFormat = capture.Format{MimeType: "audio/wav", Encoding: "linear16"}

func utterance(n int) capture.Buffer {
	return capture.Buffer{Data: make([]byte, n), Format: wavFormat}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// finalServer reads audio until the end marker, then answers with reply.
// closed receives the close status the client sent.
func finalServer(t *testing.T, reply string, closed chan<- websocket.StatusCode) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		var got int
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				got += len(data)
				continue
			}
			if strings.Contains(string(data), "CloseStream") {
				break
			}
		}
		if got == 0 {
			_ = c.Close(websocket.StatusInternalError, "no audio")
			return
		}
		_ = c.Write(ctx, websocket.MessageText, []byte(reply))
		_, _, err = c.Read(ctx)
		if closed != nil {
			closed <- websocket.CloseStatus(err)
		}
	}))
}

func TestPrimaryErrorFallsBackToStream(t *testing.T) {
	var primaryCalls int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&primaryCalls, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer primary.Close()

	closed := make(chan websocket.StatusCode, 1)
	stream := finalServer(t, `{"type":"final","text":"hello"}`, closed)
	defer stream.Close()

	g := NewGateway(
		NewHTTPTranscriber(primary.URL, "k", "en", time.Second),
		NewStreamTranscriber(StreamConfig{URL: wsURL(stream), Timeout: 10 * time.Second}),
		0,
	)
	res, err := g.Transcribe(context.Background(), utterance(4000))
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Text)
	assert.Equal(t, "stream", res.Source)
	assert.Equal(t, int32(1), atomic.LoadInt32(&primaryCalls))

	select {
	case code := <-closed:
		assert.Equal(t, websocket.StatusNormalClosure, code)
	case <-time.After(2 * time.Second):
		t.Fatal("fallback socket was not closed")
	}
}

func TestStreamTimeout(t *testing.T) {
	closed := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer close(closed)
		for {
			if _, _, err := c.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := NewStreamTranscriber(StreamConfig{URL: wsURL(srv), Timeout: 100 * time.Millisecond})
	_, err := s.Transcribe(context.Background(), make([]byte, 1000), wavFormat)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTranscriptionTimeout)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("socket left open after timeout")
	}
}

func TestStreamProviderShape(t *testing.T) {
	reply := `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":" a dinosaur ","confidence":0.62}]}}`
	srv := finalServer(t, reply, nil)
	defer srv.Close()

	s := NewStreamTranscriber(StreamConfig{URL: wsURL(srv)})
	res, err := s.Transcribe(context.Background(), make([]byte, 7000), wavFormat)
	require.NoError(t, err)
	assert.Equal(t, "a dinosaur", res.Text)
	assert.InDelta(t, 0.62, res.Confidence, 1e-9)
}

func TestStreamErrorFrame(t *testing.T) {
	srv := finalServer(t, `{"type":"Error","message":"bad audio"}`, nil)
	defer srv.Close()

	s := NewStreamTranscriber(StreamConfig{URL: wsURL(srv)})
	_, err := s.Transcribe(context.Background(), make([]byte, 1000), wavFormat)
	var te *TranscriptionError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, te.Message, "bad audio")
}

func TestPrimarySuccessSkipsFallback(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Token k", r.Header.Get("Authorization"))
		assert.Equal(t, "audio/wav", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.True(t, strings.HasPrefix(string(body), "RIFF"))
		assert.Len(t, body, 44+2000)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": map[string]any{"channels": []any{
				map[string]any{"alternatives": []any{map[string]any{"transcript": "tell me a story", "confidence": 0.93}}},
			}},
		})
	}))
	defer primary.Close()

	fb := &fakeTranscriber{name: "stream", text: "never"}
	g := NewGateway(NewHTTPTranscriber(primary.URL, "k", "", time.Second), fb, 0)
	res, err := g.Transcribe(context.Background(), utterance(2000))
	require.NoError(t, err)
	assert.Equal(t, "tell me a story", res.Text)
	assert.InDelta(t, 0.93, res.Confidence, 1e-9)
	assert.Zero(t, fb.calls.Load())
}

type fakeTranscriber struct {
	name  string
	text  string
	err   error
	delay time.Duration
	calls atomic.Int32
	// cancelled is set when the context ended before delay elapsed
	cancelled atomic.Bool
}

func (f *fakeTranscriber) Name() string { return f.name }

func (f *fakeTranscriber) Transcribe(ctx context.Context, _ []byte, _ capture.Format) (Result, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			f.cancelled.Store(true)
			return Result{}, ctx.Err()
		}
	}
	if f.err != nil {
		return Result{}, f.err
	}
	return Result{Text: f.text, Confidence: 0.9}, nil
}

func TestTooShortNeverCallsProviders(t *testing.T) {
	p := &fakeTranscriber{name: "http", text: "x"}
	f := &fakeTranscriber{name: "stream", text: "x"}
	g := NewGateway(p, f, 0)
	_, err := g.Transcribe(context.Background(), utterance(499))
	assert.ErrorIs(t, err, capture.ErrTooShort)
	assert.Zero(t, p.calls.Load())
	assert.Zero(t, f.calls.Load())
}

func TestEmptyPrimaryFallsBack(t *testing.T) {
	p := &fakeTranscriber{name: "http", text: ""}
	f := &fakeTranscriber{name: "stream", text: "what is that"}
	res, err := NewGateway(p, f, 0).Transcribe(context.Background(), utterance(1000))
	require.NoError(t, err)
	assert.Equal(t, "what is that", res.Text)
	assert.Equal(t, "stream", res.Source)
}

func TestHedgeResolvesOnceAndCancelsLoser(t *testing.T) {
	p := &fakeTranscriber{name: "http", text: "slow", delay: time.Second}
	f := &fakeTranscriber{name: "stream", text: "fast"}
	g := NewGateway(p, f, 20*time.Millisecond)

	start := time.Now()
	res, err := g.Transcribe(context.Background(), utterance(1000))
	require.NoError(t, err)
	assert.Equal(t, "fast", res.Text)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Eventually(t, p.cancelled.Load, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestBothPathsFail(t *testing.T) {
	p := &fakeTranscriber{name: "http", err: NewTranscriptionError("http", "http_500", "boom", nil, true)}
	f := &fakeTranscriber{name: "stream", err: NewTranscriptionError("stream", "timeout", "read", ErrTranscriptionTimeout, true)}
	_, err := NewGateway(p, f, 0).Transcribe(context.Background(), utterance(1000))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTranscriptionTimeout)
	var te *TranscriptionError
	assert.True(t, errors.As(err, &te))
}

func TestNoFallbackConfigured(t *testing.T) {
	p := &fakeTranscriber{name: "http", text: ""}
	_, err := NewGateway(p, nil, 50*time.Millisecond).Transcribe(context.Background(), utterance(1000))
	assert.ErrorIs(t, err, ErrEmptyResult)
}
