package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the avatar conversation service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	AllowAnyOrigin           bool
	InboundRate              float64
	InboundBurst             int

	LogLevel  string
	LogPretty bool

	DatabaseURL string

	ConfUID          string
	CharacterName    string
	HumanName        string
	CharacterAvatar  string
	CharacterEmotion string

	AgentMode       string
	AgentURL        string
	AgentProvider   string
	AgentOutputMode string

	ASRMode         string
	ASRURL          string
	TTSMode         string
	TTSURL          string
	TTSFallbackMock bool
	TranslateMode   string
	TranslateURL    string

	AudioCacheDir string
	AudioSliceMS  int

	TTSIgnoreBrackets    bool
	TTSIgnoreParentheses bool
	TTSIgnoreAsterisks   bool
	TTSRemoveSpecialChar bool
	TTSRedactPII         bool

	HookPersonaHint   string
	HookPersonaPrefix string
	HookOutputSuffix  string
}

// Load reads environment variables (after merging an optional .env file) and
// applies safe defaults.
func Load() (Config, error) {
	// A missing .env is the normal production case.
	_ = godotenv.Load()

	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":12393"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "avatarturn"),
		LogLevel:          envOrDefault("LOG_LEVEL", "info"),
		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),
		ConfUID:           envOrDefault("CHARACTER_CONF_UID", "default"),
		CharacterName:     envOrDefault("CHARACTER_NAME", "Mao"),
		HumanName:         envOrDefault("HUMAN_NAME", "Human"),
		CharacterAvatar:   stringsTrimSpace("CHARACTER_AVATAR"),
		CharacterEmotion:  envOrDefault("CHARACTER_EMOTION_MAP", "neutral=0,joy=3,sadness=1,anger=2,surprise=4,fear=5"),
		AgentMode:         strings.ToLower(envOrDefault("AGENT_MODE", "mock")),
		AgentURL:          stringsTrimSpace("AGENT_URL"),
		AgentProvider:     stringsTrimSpace("AGENT_PROVIDER"),
		AgentOutputMode:   strings.ToLower(envOrDefault("AGENT_OUTPUT_MODE", "text")),
		ASRMode:           strings.ToLower(envOrDefault("ASR_MODE", "mock")),
		ASRURL:            stringsTrimSpace("ASR_URL"),
		TTSMode:           strings.ToLower(envOrDefault("TTS_MODE", "mock")),
		TTSURL:            stringsTrimSpace("TTS_URL"),
		TranslateMode:     strings.ToLower(envOrDefault("TRANSLATE_MODE", "none")),
		TranslateURL:      stringsTrimSpace("TRANSLATE_URL"),
		AudioCacheDir:     envOrDefault("AUDIO_CACHE_DIR", "cache"),
		HookPersonaHint:   stringsTrimSpace("HOOK_PERSONA_HINT"),
		HookPersonaPrefix: stringsTrimSpace("HOOK_PERSONA_PREFIX"),
		HookOutputSuffix:  stringsTrimSpace("HOOK_OUTPUT_SUFFIX"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
		InboundRate:              50,
		InboundBurst:             200,
		AudioSliceMS:             20,
		TTSIgnoreBrackets:        true,
		TTSIgnoreParentheses:     true,
		TTSIgnoreAsterisks:       true,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.InboundRate, err = floatFromEnv("APP_INBOUND_RATE", cfg.InboundRate)
	if err != nil {
		return Config{}, err
	}
	cfg.InboundBurst, err = intFromEnv("APP_INBOUND_BURST", cfg.InboundBurst)
	if err != nil {
		return Config{}, err
	}
	cfg.LogPretty, err = boolFromEnv("LOG_PRETTY", cfg.LogPretty)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioSliceMS, err = intFromEnv("AUDIO_SLICE_MS", cfg.AudioSliceMS)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSIgnoreBrackets, err = boolFromEnv("TTS_IGNORE_BRACKETS", cfg.TTSIgnoreBrackets)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSIgnoreParentheses, err = boolFromEnv("TTS_IGNORE_PARENTHESES", cfg.TTSIgnoreParentheses)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSIgnoreAsterisks, err = boolFromEnv("TTS_IGNORE_ASTERISKS", cfg.TTSIgnoreAsterisks)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSRemoveSpecialChar, err = boolFromEnv("TTS_REMOVE_SPECIAL_CHAR", cfg.TTSRemoveSpecialChar)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSRedactPII, err = boolFromEnv("TTS_REDACT_PII", cfg.TTSRedactPII)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSFallbackMock, err = boolFromEnv("TTS_FALLBACK_MOCK", cfg.TTSFallbackMock)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.InboundRate <= 0 {
		return Config{}, fmt.Errorf("APP_INBOUND_RATE must be positive")
	}
	if cfg.InboundBurst <= 0 {
		return Config{}, fmt.Errorf("APP_INBOUND_BURST must be positive")
	}
	if cfg.AudioSliceMS <= 0 {
		return Config{}, fmt.Errorf("AUDIO_SLICE_MS must be positive")
	}
	if err := validateMode("AGENT_MODE", cfg.AgentMode, "mock", "http"); err != nil {
		return Config{}, err
	}
	if err := validateMode("AGENT_OUTPUT_MODE", cfg.AgentOutputMode, "text", "audio_text"); err != nil {
		return Config{}, err
	}
	if err := validateMode("ASR_MODE", cfg.ASRMode, "mock", "http"); err != nil {
		return Config{}, err
	}
	if err := validateMode("TTS_MODE", cfg.TTSMode, "mock", "http"); err != nil {
		return Config{}, err
	}
	if err := validateMode("TRANSLATE_MODE", cfg.TranslateMode, "none", "http"); err != nil {
		return Config{}, err
	}
	if cfg.AgentMode == "http" && cfg.AgentURL == "" {
		return Config{}, fmt.Errorf("AGENT_URL is required when AGENT_MODE=http")
	}
	if cfg.AgentMode == "http" && cfg.AgentOutputMode == "audio_text" {
		return Config{}, fmt.Errorf("AGENT_OUTPUT_MODE=audio_text requires AGENT_MODE=mock")
	}
	if cfg.ASRMode == "http" && cfg.ASRURL == "" {
		return Config{}, fmt.Errorf("ASR_URL is required when ASR_MODE=http")
	}
	if cfg.TTSMode == "http" && cfg.TTSURL == "" {
		return Config{}, fmt.Errorf("TTS_URL is required when TTS_MODE=http")
	}
	if cfg.TranslateMode == "http" && cfg.TranslateURL == "" {
		return Config{}, fmt.Errorf("TRANSLATE_URL is required when TRANSLATE_MODE=http")
	}

	return cfg, nil
}

// EmotionMap parses CHARACTER_EMOTION_MAP ("joy=3,sadness=1") into keyword
// indexes. Malformed pairs are skipped.
func (c Config) EmotionMap() map[string]int {
	out := make(map[string]int)
	for _, pair := range strings.Split(c.CharacterEmotion, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if k == "" || err != nil {
			continue
		}
		out[k] = n
	}
	return out
}

func validateMode(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %q (expected %s)", key, value, strings.Join(allowed, "|"))
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
