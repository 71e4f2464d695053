package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port            string        // default: 8080
	RequestTimeout  time.Duration // hard cutoff for one orchestrated request, default: 10m
	DownloadBaseURL string        // prefix for artifact locators, default: ""

	// Storage
	PostgresDSN string
	RedisAddr   string
	NATSURL     string // optional; run events are not published when empty

	// Providers
	OpenAIAPIKey    string
	GeminiAPIKey    string
	AnthropicAPIKey string

	// Observability
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"
	LogLevel             string // debug, info, warn, error
	LogFormat            string // "text" or "json"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000

	// Orchestration
	DefaultRoute            string
	TruncationPolicy        string // continue, return or raise
	MaxContinueSegments     int
	ContinueContextChars    int
	CallRetries             int
	StreamReconnectDelay    time.Duration
	BreakerFailureThreshold int
	BatchSize               int
	ParallelWorkers         int
	MaxMissingRetryRounds   int
	JobWorkers              int
	JobRetention            time.Duration // how long finished jobs stay queryable, default: 1h
	PromptsDir              string
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		DownloadBaseURL:      os.Getenv("DOWNLOAD_BASE_URL"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		NATSURL:              os.Getenv("NATS_URL"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "text"),
		DefaultRoute:         getEnv("DEFAULT_ROUTE", "longform"),
		TruncationPolicy:     getEnv("TRUNCATION_POLICY", "continue"),
		PromptsDir:           os.Getenv("PROMPTS_DIR"),
	}

	var err error
	if cfg.DefaultRateLimitTPM, err = getInt64("DEFAULT_RATE_LIMIT_TPM", 100000); err != nil {
		return nil, err
	}

	ints := []struct {
		key      string
		fallback int
		dst      *int
	}{
		{"MAX_CONTINUE_SEGMENTS", 4, &cfg.MaxContinueSegments},
		{"CONTINUE_CONTEXT_CHARS", 3000, &cfg.ContinueContextChars},
		{"CALL_RETRIES", 4, &cfg.CallRetries},
		{"BREAKER_FAILURE_THRESHOLD", 5, &cfg.BreakerFailureThreshold},
		{"BATCH_SIZE", 15, &cfg.BatchSize},
		{"PARALLEL_WORKERS", 4, &cfg.ParallelWorkers},
		{"MAX_MISSING_RETRY_ROUNDS", 3, &cfg.MaxMissingRetryRounds},
		{"JOB_WORKERS", 2, &cfg.JobWorkers},
	}
	for _, v := range ints {
		n, err := getInt64(v.key, int64(v.fallback))
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, fmt.Errorf("invalid %s: must not be negative", v.key)
		}
		*v.dst = int(n)
	}

	if cfg.StreamReconnectDelay, err = getDuration("STREAM_RECONNECT_DELAY", 150*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = getDuration("REQUEST_TIMEOUT", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.JobRetention, err = getDuration("JOB_RETENTION", time.Hour); err != nil {
		return nil, err
	}

	switch cfg.TruncationPolicy {
	case "continue", "return", "raise":
	default:
		return nil, fmt.Errorf("invalid TRUNCATION_POLICY %q: want continue, return or raise", cfg.TruncationPolicy)
	}
	if cfg.BatchSize == 0 {
		return nil, fmt.Errorf("invalid BATCH_SIZE: must be positive")
	}

	return cfg, nil
}

// RequireStorage validates the settings the HTTP server cannot start without.
func (c *Config) RequireStorage() error {
	if c.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt64(key string, fallback int64) (int64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
