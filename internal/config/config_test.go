package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	// Clear relevant envs
	for _, k := range []string{"PORT", "LOG_LEVEL", "COMPANION_ENV", "STORE_BACKEND", "GUARDIAN_DAILY_LIMIT_MIN", "STT_HEDGE_AFTER"} {
		os.Unsetenv(k)
	}

	c := Load()

	if c.Server.Port != "8080" {
		t.Fatalf("expected default port 8080, got %q", c.Server.Port)
	}
	if c.Server.LogLevel != "info" {
		t.Fatalf("expected default log level info, got %q", c.Server.LogLevel)
	}
	if !c.Dev() {
		t.Fatalf("expected dev mode by default")
	}
	if c.Store.Backend != "memory" {
		t.Fatalf("expected memory store, got %q", c.Store.Backend)
	}
	if c.Guardian.DailyLimitMin != 60 || c.Guardian.BreakDuration != 5*time.Minute {
		t.Fatalf("unexpected guardian defaults: %+v", c.Guardian)
	}
	if c.STT.HedgeAfter != 0 || c.STT.FallbackTimeout != 10*time.Second {
		t.Fatalf("unexpected stt timings: %+v", c.STT)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("COMPANION_ENV", "prod")
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("GUARDIAN_DAILY_LIMIT_MIN", "15")
	t.Setenv("STT_HEDGE_AFTER", "800ms")
	t.Setenv("VOICE_BARGE_IN", "true")

	c := Load()

	if c.Server.Port != "9999" {
		t.Fatalf("expected port 9999, got %q", c.Server.Port)
	}
	if c.Dev() {
		t.Fatalf("prod env should not be dev")
	}
	if c.Store.Backend != "sqlite" {
		t.Fatalf("expected sqlite, got %q", c.Store.Backend)
	}
	if c.Guardian.DailyLimitMin != 15 {
		t.Fatalf("expected limit 15, got %d", c.Guardian.DailyLimitMin)
	}
	if c.STT.HedgeAfter != 800*time.Millisecond {
		t.Fatalf("expected hedge 800ms, got %s", c.STT.HedgeAfter)
	}
	if !c.Capture.VoiceBargeIn {
		t.Fatalf("expected voice barge-in enabled")
	}
}
