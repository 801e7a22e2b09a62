package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port     string
		GRPCPort string
		LogLevel string
		// Env is dev or prod; dev adds diagnostics to the event log.
		Env      string
	}
	STT struct {
		URL             string
		StreamURL       string
		APIKey          string
		Language        string
		Model           string
		FallbackTimeout time.Duration
		HedgeAfter      time.Duration
	}
	TTS struct {
		URL       string
		APIKey    string
		VoiceID   string
		Retries   int
		BaseDelay time.Duration
		Timeout   time.Duration
	}
	LLM struct {
		URL        string
		APIKey     string
		Deployment string
		APIVersion string
		Timeout    time.Duration
	}
	Store struct {
		Backend     string // memory | redis | sqlite
		RedisAddr   string
		RedisPrefix string
		SQLitePath  string
	}
	Capture struct {
		SilenceMs    int
		MinBytes     int
		MaxSeconds   int
		SpeechRMS    float64
		VoiceBargeIn bool
	}
	Guardian struct {
		Timezone         string
		DailyLimitMin    int
		BreakIntervalMin int
		BedtimeStart     string
		BedtimeEnd       string
		BreakDuration    time.Duration
	}
	Parent struct {
		TokenSecret   string
		TokenSkewSecs int
	}
	Child struct {
		Name     string
		Age      int
		Language string
		Greeting string
	}
}

func (c Config) Dev() bool { return c.Server.Env != "prod" }

func Load() Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.env", "dev")

	v.SetDefault("stt.url", "https://api.deepgram.com/v1/listen")
	v.SetDefault("stt.stream_url", "wss://api.deepgram.com/v1/listen")
	v.SetDefault("stt.language", "en-US")
	v.SetDefault("stt.model", "nova-2")
	v.SetDefault("stt.fallback_timeout", "10s")
	v.SetDefault("stt.hedge_after", "0s")

	v.SetDefault("tts.url", "https://api.elevenlabs.io")
	v.SetDefault("tts.retries", 3)
	v.SetDefault("tts.base_delay", "250ms")
	v.SetDefault("tts.timeout", "15s")

	v.SetDefault("llm.api_version", "2024-02-15-preview")
	v.SetDefault("llm.timeout", "20s")

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_prefix", "companion")
	v.SetDefault("store.sqlite_path", "companion.db")

	v.SetDefault("capture.silence_ms", 2000)
	v.SetDefault("capture.min_bytes", 500)
	v.SetDefault("capture.max_seconds", 30)
	v.SetDefault("capture.speech_rms", 1200)
	v.SetDefault("capture.voice_barge_in", false)

	v.SetDefault("guardian.daily_limit_min", 60)
	v.SetDefault("guardian.break_interval_min", 20)
	v.SetDefault("guardian.bedtime_start", "20:00")
	v.SetDefault("guardian.bedtime_end", "07:00")
	v.SetDefault("guardian.break_duration", "5m")

	v.SetDefault("parent.token_skew_secs", 60)

	v.SetDefault("child.name", "friend")
	v.SetDefault("child.age", 6)
	v.SetDefault("child.language", "en")
	v.SetDefault("child.greeting", "Hi {name}! I'm so happy to talk with you. What should we talk about?")

	// Map envs
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.grpc_port", "GRPC_PORT")
	v.BindEnv("server.log_level", "LOG_LEVEL")
	v.BindEnv("server.env", "COMPANION_ENV")

	v.BindEnv("stt.url", "STT_URL")
	v.BindEnv("stt.stream_url", "STT_STREAM_URL")
	v.BindEnv("stt.api_key", "DEEPGRAM_API_KEY")
	v.BindEnv("stt.language", "STT_LANGUAGE")
	v.BindEnv("stt.model", "STT_MODEL")
	v.BindEnv("stt.fallback_timeout", "STT_FALLBACK_TIMEOUT")
	v.BindEnv("stt.hedge_after", "STT_HEDGE_AFTER")

	v.BindEnv("tts.url", "ELEVENLABS_URL")
	v.BindEnv("tts.api_key", "ELEVENLABS_API_KEY")
	v.BindEnv("tts.voice_id", "ELEVENLABS_VOICE_ID")
	v.BindEnv("tts.retries", "TTS_RETRIES")
	v.BindEnv("tts.base_delay", "TTS_BASE_DELAY")
	v.BindEnv("tts.timeout", "TTS_TIMEOUT")

	v.BindEnv("llm.url", "AZURE_OPENAI_ENDPOINT")
	v.BindEnv("llm.api_key", "AZURE_OPENAI_API_KEY")
	v.BindEnv("llm.deployment", "AZURE_OPENAI_DEPLOYMENT")
	v.BindEnv("llm.api_version", "AZURE_OPENAI_API_VERSION")
	v.BindEnv("llm.timeout", "LLM_TIMEOUT")

	v.BindEnv("store.backend", "STORE_BACKEND")
	v.BindEnv("store.redis_addr", "REDIS_ADDR")
	v.BindEnv("store.redis_prefix", "REDIS_PREFIX")
	v.BindEnv("store.sqlite_path", "SQLITE_PATH")

	v.BindEnv("capture.silence_ms", "CAPTURE_SILENCE_MS")
	v.BindEnv("capture.min_bytes", "CAPTURE_MIN_BYTES")
	v.BindEnv("capture.max_seconds", "CAPTURE_MAX_SECONDS")
	v.BindEnv("capture.speech_rms", "CAPTURE_SPEECH_RMS")
	v.BindEnv("capture.voice_barge_in", "VOICE_BARGE_IN")

	v.BindEnv("guardian.timezone", "GUARDIAN_TIMEZONE")
	v.BindEnv("guardian.daily_limit_min", "GUARDIAN_DAILY_LIMIT_MIN")
	v.BindEnv("guardian.break_interval_min", "GUARDIAN_BREAK_INTERVAL_MIN")
	v.BindEnv("guardian.bedtime_start", "GUARDIAN_BEDTIME_START")
	v.BindEnv("guardian.bedtime_end", "GUARDIAN_BEDTIME_END")
	v.BindEnv("guardian.break_duration", "GUARDIAN_BREAK_DURATION")

	v.BindEnv("parent.token_secret", "PARENT_TOKEN_SECRET")
	v.BindEnv("parent.token_skew_secs", "PARENT_TOKEN_SKEW_SECS")

	v.BindEnv("child.name", "CHILD_NAME")
	v.BindEnv("child.age", "CHILD_AGE")
	v.BindEnv("child.language", "CHILD_LANGUAGE")
	v.BindEnv("child.greeting", "CHILD_GREETING")

	var c Config
	c.Server.Port = toString(v.Get("server.port"))
	c.Server.GRPCPort = toString(v.Get("server.grpc_port"))
	c.Server.LogLevel = v.GetString("server.log_level")
	c.Server.Env = v.GetString("server.env")

	c.STT.URL = v.GetString("stt.url")
	c.STT.StreamURL = v.GetString("stt.stream_url")
	c.STT.APIKey = v.GetString("stt.api_key")
	c.STT.Language = v.GetString("stt.language")
	c.STT.Model = v.GetString("stt.model")
	c.STT.FallbackTimeout = v.GetDuration("stt.fallback_timeout")
	c.STT.HedgeAfter = v.GetDuration("stt.hedge_after")

	c.TTS.URL = v.GetString("tts.url")
	c.TTS.APIKey = v.GetString("tts.api_key")
	c.TTS.VoiceID = v.GetString("tts.voice_id")
	c.TTS.Retries = v.GetInt("tts.retries")
	c.TTS.BaseDelay = v.GetDuration("tts.base_delay")
	c.TTS.Timeout = v.GetDuration("tts.timeout")

	c.LLM.URL = v.GetString("llm.url")
	c.LLM.APIKey = v.GetString("llm.api_key")
	c.LLM.Deployment = v.GetString("llm.deployment")
	c.LLM.APIVersion = v.GetString("llm.api_version")
	c.LLM.Timeout = v.GetDuration("llm.timeout")

	c.Store.Backend = v.GetString("store.backend")
	c.Store.RedisAddr = v.GetString("store.redis_addr")
	c.Store.RedisPrefix = v.GetString("store.redis_prefix")
	c.Store.SQLitePath = v.GetString("store.sqlite_path")

	c.Capture.SilenceMs = v.GetInt("capture.silence_ms")
	c.Capture.MinBytes = v.GetInt("capture.min_bytes")
	c.Capture.MaxSeconds = v.GetInt("capture.max_seconds")
	c.Capture.SpeechRMS = v.GetFloat64("capture.speech_rms")
	c.Capture.VoiceBargeIn = v.GetBool("capture.voice_barge_in")

	c.Guardian.Timezone = v.GetString("guardian.timezone")
	c.Guardian.DailyLimitMin = v.GetInt("guardian.daily_limit_min")
	c.Guardian.BreakIntervalMin = v.GetInt("guardian.break_interval_min")
	c.Guardian.BedtimeStart = v.GetString("guardian.bedtime_start")
	c.Guardian.BedtimeEnd = v.GetString("guardian.bedtime_end")
	c.Guardian.BreakDuration = v.GetDuration("guardian.break_duration")

	c.Parent.TokenSecret = v.GetString("parent.token_secret")
	c.Parent.TokenSkewSecs = v.GetInt("parent.token_skew_secs")

	c.Child.Name = v.GetString("child.name")
	c.Child.Age = v.GetInt("child.age")
	c.Child.Language = v.GetString("child.language")
	c.Child.Greeting = v.GetString("child.greeting")

	log.Printf("config loaded: port=%s env=%s store=%s", c.Server.Port, c.Server.Env, c.Store.Backend)
	return c
}

func toString(v any) string { return fmt.Sprint(v) }
