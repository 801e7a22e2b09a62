package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"yuzu/companion/internal/capture"
)

// HTTPTranscriber is the single-shot request/response path.
type HTTPTranscriber struct {
	url      string
	apiKey   string
	language string
	client   *http.Client
}

func NewHTTPTranscriber(endpoint, apiKey, language string, timeout time.Duration) *HTTPTranscriber {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPTranscriber{url: endpoint, apiKey: apiKey, language: language, client: &http.Client{Timeout: timeout}}
}

func (h *HTTPTranscriber) Name() string { return "http" }

func (h *HTTPTranscriber) Transcribe(ctx context.Context, audio []byte, f capture.Format) (Result, error) {
	body, mime := prepareAudio(audio, f)
	q := url.Values{}
	q.Set("encoding", f.Encoding)
	q.Set("sample_rate", fmt.Sprintf("%d", capture.Target.SampleRate))
	if h.language != "" {
		q.Set("language", h.language)
	}
	u := h.url
	if strings.Contains(u, "?") {
		u += "&" + q.Encode()
	} else {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", mime)
	req.Header.Set("Accept", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Token "+h.apiKey)
	}
	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, NewTranscriptionError(h.Name(), "", "request failed", err, true)
	}
	defer resp.Body.Close()
	metricProviderLatencyMS.WithLabelValues(h.Name()).Observe(float64(time.Since(start).Milliseconds()))

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, NewTranscriptionError(h.Name(), "", "read response", err, true)
	}
	if resp.StatusCode/100 != 2 {
		snippet := string(data)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return Result{}, NewTranscriptionError(h.Name(), fmt.Sprintf("http_%d", resp.StatusCode), snippet, nil, resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Result{}, NewTranscriptionError(h.Name(), "decode", "bad response body", err, false)
	}
	text, conf := parseTranscript(m)
	return Result{Text: text, Confidence: conf, Source: h.Name()}, nil
}

// prepareAudio wraps raw PCM in a WAV container so every provider receives a self-describing file.
func prepareAudio(audio []byte, f capture.Format) ([]byte, string) {
	mime := f.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	if f.Encoding == "linear16" && !bytes.HasPrefix(audio, []byte("RIFF")) {
		return wrapPCMAsWAV(audio, capture.Target.SampleRate, capture.Target.Channels, 16), "audio/wav"
	}
	return audio, mime
}

func wrapPCMAsWAV(pcm []byte, sampleRate, channels, bits int) []byte {
	n := len(pcm)
	wav := make([]byte, 44+n)
	copy(wav[0:4], "RIFF")
	putLE32(wav[4:8], uint32(36+n))
	copy(wav[8:12], "WAVE")
	copy(wav[12:16], "fmt ")
	putLE32(wav[16:20], 16)
	putLE16(wav[20:22], 1)
	putLE16(wav[22:24], uint16(channels))
	putLE32(wav[24:28], uint32(sampleRate))
	putLE32(wav[28:32], uint32(sampleRate*channels*bits/8))
	putLE16(wav[32:34], uint16(channels*bits/8))
	putLE16(wav[34:36], uint16(bits))
	copy(wav[36:40], "data")
	putLE32(wav[40:44], uint32(n))
	copy(wav[44:], pcm)
	return wav
}

func putLE16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// parseTranscript reads either a flat {text, confidence} body or the provider's
// results.channels[0].alternatives[0] shape. A missing confidence counts as certain.
func parseTranscript(m map[string]any) (string, float64) {
	if t, ok := m["text"].(string); ok {
		return strings.TrimSpace(t), confidenceOr(m["confidence"], 1)
	}
	if t, ok := m["transcript"].(string); ok {
		return strings.TrimSpace(t), confidenceOr(m["confidence"], 1)
	}
	alt := firstAlternative(m)
	if alt == nil {
		return "", 0
	}
	return strings.TrimSpace(toString(alt["transcript"])), confidenceOr(alt["confidence"], 1)
}

func firstAlternative(m map[string]any) map[string]any {
	var channel map[string]any
	if c, ok := m["channel"].(map[string]any); ok {
		channel = c
	} else if r, ok := m["results"].(map[string]any); ok {
		if chs, ok := r["channels"].([]any); ok && len(chs) > 0 {
			channel, _ = chs[0].(map[string]any)
		}
	}
	if channel == nil {
		return nil
	}
	alts, ok := channel["alternatives"].([]any)
	if !ok || len(alts) == 0 {
		return nil
	}
	a0, _ := alts[0].(map[string]any)
	return a0
}

func confidenceOr(v any, def float64) float64 {
	f, ok := v.(float64)
	if !ok {
		return def
	}
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func toBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true")
	default:
		return false
	}
}
