package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"yuzu/companion/internal/capture"
	"yuzu/companion/internal/config"
	"yuzu/companion/internal/device"
	"yuzu/companion/internal/events"
	"yuzu/companion/internal/floor"
	"yuzu/companion/internal/guardian"
	"yuzu/companion/internal/llm"
	"yuzu/companion/internal/memory"
	"yuzu/companion/internal/orchestrator"
	"yuzu/companion/internal/playback"
	"yuzu/companion/internal/respond"
	"yuzu/companion/internal/retry"
	"yuzu/companion/internal/store"
	"yuzu/companion/internal/stt"
	"yuzu/companion/internal/tts"
	"yuzu/companion/internal/types"
)

// openStore picks the persistence backend named in the config.
func openStore(ctx context.Context, cfg config.Config) (store.Store, func() error, error) {
	switch cfg.Store.Backend {
	case "", "memory":
		return store.NewMemory(), func() error { return nil }, nil
	case "redis":
		r := store.NewRedis(redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr}), cfg.Store.RedisPrefix)
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := r.Ping(pctx); err != nil {
			_ = r.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", cfg.Store.RedisAddr, err)
		}
		return r, r.Close, nil
	case "sqlite":
		s, err := store.OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func defaultRules(cfg config.Config) types.UsageRules {
	return types.UsageRules{
		Timezone:         cfg.Guardian.Timezone,
		DailyLimitMin:    cfg.Guardian.DailyLimitMin,
		BreakIntervalMin: cfg.Guardian.BreakIntervalMin,
		BedtimeStart:     cfg.Guardian.BedtimeStart,
		BedtimeEnd:       cfg.Guardian.BedtimeEnd,
	}
}

// engine is the fully wired turn engine.
type engine struct {
	store      store.Store
	closeStore func() error
	guardian   *guardian.Guardian
	bridge     *device.Bridge
	controller *orchestrator.Controller
}

func buildEngine(ctx context.Context, cfg config.Config) (*engine, error) {
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	g := guardian.New(st, defaultRules(cfg), cfg.Guardian.BreakDuration)

	profile := types.Profile{Name: cfg.Child.Name, Age: cfg.Child.Age, Language: cfg.Child.Language}
	if ok, err := store.GetJSON(ctx, st, store.KeyProfile, &profile); err != nil {
		log.Printf("[store] profile load failed: %v", err)
	} else if ok {
		log.Printf("[store] profile loaded name=%s age=%d", profile.Name, profile.Age)
	}

	bridge := device.NewBridge(device.Config{TokenSecret: cfg.Parent.TokenSecret, TokenSkewSecs: cfg.Parent.TokenSkewSecs})
	mic := capture.NewManager(bridge, capture.Config{
		SilenceTimeout: time.Duration(cfg.Capture.SilenceMs) * time.Millisecond,
		SpeechLevel:    cfg.Capture.SpeechRMS,
		MaxDuration:    time.Duration(cfg.Capture.MaxSeconds) * time.Second,
		MinBytes:       cfg.Capture.MinBytes,
	})

	gw := stt.NewGateway(
		stt.NewHTTPTranscriber(cfg.STT.URL, cfg.STT.APIKey, cfg.STT.Language, 0),
		stt.NewStreamTranscriber(stt.StreamConfig{
			URL:      cfg.STT.StreamURL,
			APIKey:   cfg.STT.APIKey,
			Model:    cfg.STT.Model,
			Language: cfg.STT.Language,
			Timeout:  cfg.STT.FallbackTimeout,
		}),
		cfg.STT.HedgeAfter,
	)
	if cfg.Capture.MinBytes > 0 {
		gw.MinBytes = cfg.Capture.MinBytes
	}

	synth := tts.NewClient(cfg.TTS.URL, cfg.TTS.APIKey, cfg.TTS.VoiceID, cfg.TTS.Timeout)
	if !synth.Configured() {
		log.Printf("[tts] ELEVENLABS_API_KEY or ELEVENLABS_VOICE_ID not set; the companion will be silent")
	}
	speaker := playback.NewManager(synth, bridge, bridge, playback.Config{
		Voice: cfg.TTS.VoiceID,
		Retry: retry.Policy{MaxAttempts: cfg.TTS.Retries, BaseDelay: cfg.TTS.BaseDelay},
	})

	gen := llm.NewClient(llm.Config{
		Endpoint:   cfg.LLM.URL,
		APIKey:     cfg.LLM.APIKey,
		Deployment: cfg.LLM.Deployment,
		APIVersion: cfg.LLM.APIVersion,
		Timeout:    cfg.LLM.Timeout,
	})
	if !gen.Configured() {
		log.Printf("[llm] not configured; replies fall back to static lines")
	}

	ctrl := orchestrator.New(orchestrator.Deps{
		Capture:   mic,
		STT:       gw,
		Responder: respond.NewCoordinator(gen, memory.New(st), profile),
		Playback:  speaker,
		Guardian:  g,
		Events:    events.NewStore(cfg.Dev()),
		Floor:     floor.New(),
	}, orchestrator.Config{
		Profile:      profile,
		Greeting:     cfg.Child.Greeting,
		VoiceBargeIn: cfg.Capture.VoiceBargeIn,
		VADMinRMS:    cfg.Capture.SpeechRMS,
	})
	bridge.SetHooks(device.Hooks{
		OnPress:   ctrl.PressMic,
		OnRelease: ctrl.ReleaseMic,
		OnLevel:   ctrl.OnLevel,
	})

	return &engine{store: st, closeStore: closeStore, guardian: g, bridge: bridge, controller: ctrl}, nil
}

func (e *engine) Close() {
	e.controller.Close()
	if err := e.closeStore(); err != nil {
		log.Printf("[store] close: %v", err)
	}
}
