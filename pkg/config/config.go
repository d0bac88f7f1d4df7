// Package config centralizes the environment variables recognized by the
// orchestrator (spec.md §6) into one typed Config, loaded once at process
// startup and passed down explicitly — no package-level globals.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every environment-driven policy knob the orchestrator reads.
type Config struct {
	LogLevel string

	HeartbeatInterval time.Duration
	StaleTimeout      time.Duration
	MaxConnections    int

	ResponseTimeout        time.Duration
	HangupAfterSilence     time.Duration
	MinWordsToInterrupt    int
	BargeInCooldown        time.Duration

	CircuitFailureThreshold int
	CircuitTimeoutSeconds   time.Duration

	LLMCacheTTL     time.Duration
	LLMCacheMaxSize int
	LLMCacheBackend string // "memory" | "redis"
	RedisAddr       string

	RateLimitPerAgent int
	RateLimitWindow   time.Duration
	RateLimitBackend  string // "memory" | "redis"

	// Provider credentials. Opaque to the core pipeline; only the provider
	// constructors in pkg/providers/* interpret them.
	GroqAPIKey       string
	OpenAIAPIKey     string
	AnthropicAPIKey  string
	GoogleAPIKey     string
	DeepgramAPIKey   string
	AssemblyAIAPIKey string
	LokutorAPIKey    string

	TwilioAccountSID string
	TwilioAuthToken  string

	STTProvider string
	LLMProvider string
}

// Load reads Config from the process environment, applying the defaults
// documented in spec.md §6.
func Load() (Config, error) {
	cfg := Config{
		LogLevel: getString("LOG_LEVEL", "info"),

		MaxConnections:      getInt("MAX_CONNECTIONS", 1000),
		MinWordsToInterrupt: getInt("MIN_WORDS_TO_INTERRUPT", 1),

		CircuitFailureThreshold: getInt("CIRCUIT_FAILURE_THRESHOLD", 5),

		LLMCacheMaxSize: getInt("LLM_CACHE_MAX_SIZE", 1000),
		LLMCacheBackend: getString("LLM_CACHE_BACKEND", "memory"),
		RedisAddr:       getString("REDIS_ADDR", "localhost:6379"),

		RateLimitPerAgent: getInt("RATE_LIMIT_PER_AGENT", 60),
		RateLimitBackend:  getString("RATE_LIMIT_BACKEND", "memory"),

		GroqAPIKey:       os.Getenv("GROQ_API_KEY"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		GoogleAPIKey:     os.Getenv("GOOGLE_API_KEY"),
		DeepgramAPIKey:   os.Getenv("DEEPGRAM_API_KEY"),
		AssemblyAIAPIKey: os.Getenv("ASSEMBLYAI_API_KEY"),
		LokutorAPIKey:    os.Getenv("LOKUTOR_API_KEY"),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),

		STTProvider: getString("STT_PROVIDER", "groq"),
		LLMProvider: getString("LLM_PROVIDER", "groq"),
	}

	var err error
	if cfg.HeartbeatInterval, err = getSeconds("HEARTBEAT_INTERVAL_SECONDS", 20); err != nil {
		return Config{}, err
	}
	if cfg.StaleTimeout, err = getSeconds("STALE_TIMEOUT_SECONDS", 60); err != nil {
		return Config{}, err
	}
	if cfg.ResponseTimeout, err = getSeconds("RESPONSE_TIMEOUT_SECONDS", 15); err != nil {
		return Config{}, err
	}
	if cfg.HangupAfterSilence, err = getSeconds("HANGUP_AFTER_SILENCE_SECONDS", 30); err != nil {
		return Config{}, err
	}
	if cfg.BargeInCooldown, err = getSeconds("BARGE_IN_COOLDOWN_SECONDS", 1); err != nil {
		return Config{}, err
	}
	if cfg.CircuitTimeoutSeconds, err = getSeconds("CIRCUIT_TIMEOUT_SECONDS", 30); err != nil {
		return Config{}, err
	}
	if cfg.LLMCacheTTL, err = getSeconds("LLM_CACHE_TTL_SECONDS", 3600); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitWindow, err = getSeconds("RATE_LIMIT_WINDOW_SECONDS", 60); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getSeconds(key string, fallbackSeconds int) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(fallbackSeconds) * time.Second, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s=%q: %w", key, v, err)
	}
	return time.Duration(n) * time.Second, nil
}
