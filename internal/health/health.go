// Package health checks that the companion's providers and store are configured and reachable.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"yuzu/companion/internal/config"
	"yuzu/companion/internal/store"
)

type CheckResult struct {
	Name    string        `json:"name"`
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency_ms"`
	Error   string        `json:"error,omitempty"`
}

type HealthStatus struct {
	OK        bool          `json:"ok"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

func (h HealthStatus) String() string {
	status := "OK"
	if !h.OK {
		status = "FAIL"
	}
	s := fmt.Sprintf("Health: %s\n", status)
	for _, c := range h.Checks {
		mark := "✓"
		if !c.OK {
			mark = "✗"
		}
		s += fmt.Sprintf("  %s %s (%dms)", mark, c.Name, c.Latency.Milliseconds())
		if c.Error != "" {
			s += fmt.Sprintf(" - %s", c.Error)
		}
		s += "\n"
	}
	return s
}

// CheckAll runs all health checks and returns combined status
func CheckAll(ctx context.Context, cfg config.Config, st store.Store) HealthStatus {
	checks := []CheckResult{
		checkDeepgram(ctx, cfg),
		checkElevenLabs(ctx, cfg),
		checkLLM(ctx, cfg),
		checkStore(ctx, st),
	}

	allOK := true
	for _, c := range checks {
		if !c.OK {
			allOK = false
		}
	}

	return HealthStatus{
		OK:        allOK,
		Checks:    checks,
		CheckedAt: time.Now().UTC(),
	}
}

// probe runs req and reports ok for a 200. notFound, when set, is the message for a 404.
func probe(result CheckResult, start time.Time, req *http.Request, notFound string) CheckResult {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		result.Error = fmt.Sprintf("request failed: %v", err)
		result.Latency = time.Since(start)
		return result
	}
	defer resp.Body.Close()

	result.Latency = time.Since(start)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		result.Error = fmt.Sprintf("invalid API key (401): %s", string(body))
		return result
	case resp.StatusCode == http.StatusNotFound && notFound != "":
		result.Error = notFound
		return result
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		result.Error = fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, string(body))
		return result
	}

	// Drain response body (we don't need it)
	io.Copy(io.Discard, resp.Body)

	result.OK = true
	return result
}

func checkDeepgram(ctx context.Context, cfg config.Config) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "stt"}

	if cfg.STT.APIKey == "" {
		result.Error = "DEEPGRAM_API_KEY not set"
		result.Latency = time.Since(start)
		return result
	}

	// Listing projects is the lightest authenticated call
	url := strings.TrimSuffix(cfg.STT.URL, "/listen") + "/projects"
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		result.Error = fmt.Sprintf("request build failed: %v", err)
		result.Latency = time.Since(start)
		return result
	}
	req.Header.Set("Authorization", "Token "+cfg.STT.APIKey)
	return probe(result, start, req, "")
}

func checkElevenLabs(ctx context.Context, cfg config.Config) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "tts"}

	if cfg.TTS.APIKey == "" {
		result.Error = "ELEVENLABS_API_KEY not set"
		result.Latency = time.Since(start)
		return result
	}

	if cfg.TTS.VoiceID == "" {
		result.Error = "ELEVENLABS_VOICE_ID not set"
		result.Latency = time.Since(start)
		return result
	}

	// Test ElevenLabs by making a minimal TTS request (1 character)
	// This works with TTS-only API keys that lack user_read permission
	url := fmt.Sprintf("%s/v1/text-to-speech/%s/stream", strings.TrimSuffix(cfg.TTS.URL, "/"), cfg.TTS.VoiceID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, strings.NewReader(`{"text":"."}`))
	if err != nil {
		result.Error = fmt.Sprintf("request build failed: %v", err)
		result.Latency = time.Since(start)
		return result
	}
	req.Header.Set("xi-api-key", cfg.TTS.APIKey)
	req.Header.Set("Content-Type", "application/json")
	return probe(result, start, req, fmt.Sprintf("voice ID %q not found", cfg.TTS.VoiceID))
}

func checkLLM(ctx context.Context, cfg config.Config) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "llm"}

	if cfg.LLM.URL == "" || cfg.LLM.APIKey == "" || cfg.LLM.Deployment == "" {
		result.Error = "AZURE_OPENAI_ENDPOINT, AZURE_OPENAI_API_KEY or AZURE_OPENAI_DEPLOYMENT not set"
		result.Latency = time.Since(start)
		return result
	}

	url := fmt.Sprintf("%s/openai/deployments/%s?api-version=%s", strings.TrimSuffix(cfg.LLM.URL, "/"), cfg.LLM.Deployment, cfg.LLM.APIVersion)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		result.Error = fmt.Sprintf("request build failed: %v", err)
		result.Latency = time.Since(start)
		return result
	}
	req.Header.Set("api-key", cfg.LLM.APIKey)
	return probe(result, start, req, fmt.Sprintf("deployment %q not found", cfg.LLM.Deployment))
}

const probeKey = "health_probe"

func checkStore(ctx context.Context, st store.Store) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "store"}

	if st == nil {
		result.Error = "store not configured"
		return result
	}
	want := fmt.Sprintf("%d", start.UnixNano())
	if err := st.Set(ctx, probeKey, []byte(want)); err != nil {
		result.Error = fmt.Sprintf("write failed: %v", err)
		result.Latency = time.Since(start)
		return result
	}
	got, err := st.Get(ctx, probeKey)
	result.Latency = time.Since(start)
	if err != nil {
		result.Error = fmt.Sprintf("read failed: %v", err)
		return result
	}
	if string(got) != want {
		result.Error = "read back a different value"
		return result
	}
	result.OK = true
	return result
}
