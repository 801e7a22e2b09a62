package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"yuzu/companion/internal/capture"
)

// StreamConfig configures the websocket transcriber.
type StreamConfig struct {
	URL       string
	APIKey    string
	Model     string
	Language  string
	ChunkSize int
	// Timeout bounds the whole exchange, dial to final.
	Timeout time.Duration
}

// StreamTranscriber sends a finished buffer over a live socket and waits for the final transcript.
type StreamTranscriber struct {
	cfg StreamConfig
}

func NewStreamTranscriber(cfg StreamConfig) *StreamTranscriber {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 3200
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	return &StreamTranscriber{cfg: cfg}
}

func (s *StreamTranscriber) Name() string { return "stream" }

func (s *StreamTranscriber) endpoint(f capture.Format) string {
	q := url.Values{}
	q.Set("model", s.cfg.Model)
	q.Set("language", s.cfg.Language)
	q.Set("smart_format", "true")
	q.Set("interim_results", "false")
	q.Set("encoding", f.Encoding)
	q.Set("sample_rate", fmt.Sprintf("%d", capture.Target.SampleRate))
	q.Set("channels", fmt.Sprintf("%d", capture.Target.Channels))
	sep := "?"
	if strings.Contains(s.cfg.URL, "?") {
		sep = "&"
	}
	return s.cfg.URL + sep + q.Encode()
}

func (s *StreamTranscriber) Transcribe(ctx context.Context, audio []byte, f capture.Format) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	hdr := make(http.Header)
	if s.cfg.APIKey != "" {
		hdr.Set("Authorization", "Token "+s.cfg.APIKey)
	}
	start := time.Now()
	ws, _, err := websocket.Dial(ctx, s.endpoint(f), &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		return Result{}, s.wrap(ctx, "dial", err)
	}
	gaugeOpenSockets.Inc()
	defer func() {
		_ = ws.Close(websocket.StatusNormalClosure, "bye")
		gaugeOpenSockets.Dec()
	}()
	metricConnectMS.Observe(float64(time.Since(start).Milliseconds()))
	log.Printf("[stt] stream connected in %dms", time.Since(start).Milliseconds())

	for off := 0; off < len(audio); off += s.cfg.ChunkSize {
		end := off + s.cfg.ChunkSize
		if end > len(audio) {
			end = len(audio)
		}
		if err := ws.Write(ctx, websocket.MessageBinary, audio[off:end]); err != nil {
			return Result{}, s.wrap(ctx, "write", err)
		}
	}
	if err := ws.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		return Result{}, s.wrap(ctx, "write", err)
	}

	var lastText string
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			// some providers close right after the last result
			if lastText != "" && websocket.CloseStatus(err) != -1 {
				metricProviderLatencyMS.WithLabelValues(s.Name()).Observe(float64(time.Since(start).Milliseconds()))
				return Result{Text: lastText, Confidence: 1, Source: s.Name()}, nil
			}
			return Result{}, s.wrap(ctx, "read", err)
		}
		if len(data) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			log.Printf("[stt] stream JSON parse error: %v", err)
			continue
		}
		typ := toString(m["type"])
		if strings.EqualFold(typ, "Error") || m["error"] != nil {
			msg := toString(m["error"])
			if msg == "" {
				msg = toString(m["message"])
			}
			if msg == "" {
				msg = "provider_error"
			}
			return Result{}, NewTranscriptionError(s.Name(), "provider", msg, nil, true)
		}
		if strings.EqualFold(typ, "Metadata") {
			continue
		}
		text, conf := parseTranscript(m)
		if text != "" {
			lastText = text
		}
		final := toBool(m["is_final"]) || toBool(m["speech_final"]) || toBool(m["final"])
		if !final && m["text"] != nil {
			// flat {text, confidence} frames are always final
			final = true
		}
		if !final && !strings.EqualFold(typ, "UtteranceEnd") {
			continue
		}
		if text == "" {
			text = lastText
		}
		if text == "" {
			metricEmptyFinalSkipped.Inc()
			continue
		}
		metricProviderLatencyMS.WithLabelValues(s.Name()).Observe(float64(time.Since(start).Milliseconds()))
		return Result{Text: text, Confidence: conf, Source: s.Name()}, nil
	}
}

func (s *StreamTranscriber) wrap(ctx context.Context, stage string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewTranscriptionError(s.Name(), "timeout", stage, ErrTranscriptionTimeout, true)
	}
	return NewTranscriptionError(s.Name(), stage, "socket "+stage+" failed", err, true)
}
