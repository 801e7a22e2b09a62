// Package tts requests synthesized speech from the voice service.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"yuzu/companion/internal/types"
)

var (
	ErrDecode    = errors.New("audio decode failed")
	ErrEmptyText = errors.New("nothing to say")
)

// SynthesisError is a provider or payload failure.
type SynthesisError struct {
	Code      string
	Message   string
	Cause     error
	Retryable bool
}

func (e *SynthesisError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("synthesis %s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("synthesis %s: %s", e.Code, e.Message)
}

func (e *SynthesisError) Unwrap() error { return e.Cause }

// IsRetryable reports whether err is a transient synthesis failure.
func IsRetryable(err error) bool {
	var se *SynthesisError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

type Request struct {
	Text    string        `json:"text"`
	Voice   string        `json:"voice,omitempty"`
	Prosody types.Prosody `json:"prosody,omitempty"`
}

// Audio is a synthesized clip. Data is treated opaquely except for WAV, which is validated.
type Audio struct {
	ID       string
	Data     []byte
	MimeType string
	Duration time.Duration
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
}

var prosodySettings = map[types.Prosody]voiceSettings{
	types.ProsodyCalm:     {Stability: 0.7, SimilarityBoost: 0.75, Style: 0.1},
	types.ProsodyExcited:  {Stability: 0.3, SimilarityBoost: 0.75, Style: 0.8},
	types.ProsodySoothing: {Stability: 0.85, SimilarityBoost: 0.75, Style: 0.2},
	types.ProsodySinging:  {Stability: 0.25, SimilarityBoost: 0.7, Style: 1.0},
	types.ProsodyNeutral:  {Stability: 0.5, SimilarityBoost: 0.75, Style: 0.3},
}

// Client talks to an ElevenLabs-style REST endpoint.
type Client struct {
	baseURL string
	apiKey  string
	voice   string
	client  *http.Client
}

func NewClient(baseURL, apiKey, voice string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "https://api.elevenlabs.io"
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, voice: voice, client: &http.Client{Timeout: timeout}}
}

func (c *Client) Configured() bool { return c.apiKey != "" && c.voice != "" }

func (c *Client) Synthesize(ctx context.Context, r Request) (Audio, error) {
	if strings.TrimSpace(r.Text) == "" {
		return Audio{}, &SynthesisError{Code: "input", Message: "empty text", Cause: ErrEmptyText}
	}
	voice := r.Voice
	if voice == "" {
		voice = c.voice
	}
	settings, ok := prosodySettings[r.Prosody]
	if !ok {
		settings = prosodySettings[types.ProsodyNeutral]
	}
	reqBytes, _ := json.Marshal(map[string]any{"text": r.Text, "voice_settings": settings})
	url := fmt.Sprintf("%s/v1/text-to-speech/%s", c.baseURL, voice)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBytes))
	if err != nil {
		return Audio{}, err
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("accept", "audio/wav")
	req.Header.Set("content-type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		ttsSynthesisTotal.WithLabelValues("transport").Inc()
		return Audio{}, &SynthesisError{Code: "transport", Message: "request failed", Cause: err, Retryable: ctx.Err() == nil}
	}
	defer resp.Body.Close()
	ttsLatencyMS.Observe(float64(time.Since(start).Milliseconds()))

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		ttsSynthesisTotal.WithLabelValues("http").Inc()
		return Audio{}, &SynthesisError{
			Code:      "http",
			Message:   fmt.Sprintf("status=%d body=%s", resp.StatusCode, string(b)),
			Retryable: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		ttsSynthesisTotal.WithLabelValues("transport").Inc()
		return Audio{}, &SynthesisError{Code: "transport", Message: "read body", Cause: err, Retryable: true}
	}
	a, err := Decode(data, resp.Header.Get("content-type"))
	if err != nil {
		ttsSynthesisTotal.WithLabelValues("decode").Inc()
		return Audio{}, err
	}
	ttsSynthesisTotal.WithLabelValues("ok").Inc()
	ttsTotalDurationMS.Observe(float64(time.Since(start).Milliseconds()))
	log.Printf("[tts] synthesized id=%s bytes=%d dur=%dms prosody=%s", a.ID, len(a.Data), a.Duration.Milliseconds(), r.Prosody)
	return a, nil
}

// Decode builds a playable clip from a provider payload.
func Decode(data []byte, contentType string) (Audio, error) {
	if len(data) == 0 {
		return Audio{}, &SynthesisError{Code: "decode", Message: "empty payload", Cause: ErrDecode}
	}
	mime := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	a := Audio{ID: uuid.NewString(), Data: data, MimeType: mime}
	if bytes.HasPrefix(data, []byte("RIFF")) || mime == "audio/wav" || mime == "audio/x-wav" {
		info, err := readWAV(data)
		if err != nil {
			return Audio{}, &SynthesisError{Code: "decode", Message: err.Error(), Cause: ErrDecode}
		}
		a.MimeType = "audio/wav"
		a.Duration = info.duration()
	}
	if a.MimeType == "" {
		a.MimeType = "application/octet-stream"
	}
	return a, nil
}
