// Package llm is the text-generation client. It speaks the Azure OpenAI
// chat-completions API with server-sent events and returns the joined reply.
package llm

import (
	"bufio"
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
)

var ErrNotConfigured = errors.New("llm endpoint not configured")

// ProviderError is a failed completion.
type ProviderError struct {
	Code      string
	Message   string
	Cause     error
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("llm %s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("llm %s: %s", e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

type Config struct {
	Endpoint   string
	APIKey     string
	Deployment string
	APIVersion string
	Timeout    time.Duration
}

type Client struct {
	cfg   Config
	httpc *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2024-02-15-preview"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{cfg: cfg, httpc: &http.Client{Timeout: cfg.Timeout}}
}

func (c *Client) Configured() bool { return c.cfg.Endpoint != "" && c.cfg.APIKey != "" }

func (c *Client) url() string {
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		strings.TrimRight(c.cfg.Endpoint, "/"), c.cfg.Deployment, c.cfg.APIVersion)
}

// Complete streams a chat completion and returns the concatenated content.
func (c *Client) Complete(ctx context.Context, r Request) (string, error) {
	if !c.Configured() {
		return "", &ProviderError{Code: "config", Message: "missing endpoint or key", Cause: ErrNotConfigured}
	}
	body := map[string]any{
		"stream":   true,
		"messages": r.Messages,
	}
	if r.MaxTokens > 0 {
		body["max_tokens"] = r.MaxTokens
	}
	if r.Temperature > 0 {
		body["temperature"] = r.Temperature
	}
	reqBytes, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(), bytes.NewReader(reqBytes))
	if err != nil {
		return "", err
	}
	req.Header.Set("api-key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		metricCompletions.WithLabelValues("transport").Inc()
		return "", &ProviderError{Code: "transport", Message: "request failed", Cause: err, Retryable: ctx.Err() == nil}
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		metricCompletions.WithLabelValues("http").Inc()
		return "", &ProviderError{
			Code:      "http",
			Message:   fmt.Sprintf("status=%d body=%s", resp.StatusCode, string(b)),
			Retryable: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}

	var out strings.Builder
	firstToken := false
	decoder := newSSEDecoder(bufio.NewReader(resp.Body))
	for {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		_, data, err := decoder.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			metricCompletions.WithLabelValues("stream").Inc()
			return "", &ProviderError{Code: "stream", Message: "read events", Cause: err, Retryable: true}
		}
		if string(data) == "[DONE]" {
			break
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		choices, _ := m["choices"].([]any)
		if len(choices) == 0 {
			continue
		}
		choice, _ := choices[0].(map[string]any)
		delta, _ := choice["delta"].(map[string]any)
		content := toString(delta["content"])
		if content == "" {
			// non-streaming responders put the whole reply under message
			msg, _ := choice["message"].(map[string]any)
			content = toString(msg["content"])
		}
		if content != "" {
			if !firstToken {
				metricTTFTMS.Observe(float64(time.Since(start).Milliseconds()))
				firstToken = true
			}
			out.WriteString(content)
		}
	}
	text := strings.TrimSpace(out.String())
	if text == "" {
		metricCompletions.WithLabelValues("empty").Inc()
		return "", &ProviderError{Code: "empty", Message: "no content"}
	}
	metricCompletions.WithLabelValues("ok").Inc()
	log.Printf("[llm] completion chars=%d in %dms", len(text), time.Since(start).Milliseconds())
	return text, nil
}

type sseDecoder struct {
	r *bufio.Reader
}

func newSSEDecoder(r *bufio.Reader) *sseDecoder { return &sseDecoder{r: r} }

// Next returns (event, data, error). Data lines begin with "data:".
func (d *sseDecoder) Next() (string, []byte, error) {
	var event string
	var data []byte
	for {
		line, err := d.r.ReadBytes('\n')
		if err != nil {
			if len(data) > 0 && errors.Is(err, io.EOF) {
				return event, data, nil
			}
			return "", nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			if len(data) == 0 {
				continue
			}
			return event, data, nil
		}
		if bytes.HasPrefix(line, []byte("event:")) {
			event = strings.TrimSpace(string(line[len("event:"):]))
		} else if bytes.HasPrefix(line, []byte("data:")) {
			data = append(data, bytes.TrimSpace(line[len("data:"):])...)
		}
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
