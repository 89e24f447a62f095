// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Store backend selectors.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Store settings.
	StoreBackend string // "memory" or "postgres".
	DatabaseURL  string // Postgres URL, required for the postgres backend.

	// Event plumbing settings.
	SubscriberBuffer int // Per-subscriber channel capacity.
	IngestQueueSize  int // Shared ingestion queue capacity.

	// Demo agent settings.
	DemoAgentIterations int
	DemoAgentStepDelay  time.Duration

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Rate limiting settings (per client IP).
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// Operational settings.
	LogLevel        string
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("MITORU_PORT", 8080),
		ReadTimeout:         envDuration("MITORU_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("MITORU_WRITE_TIMEOUT", 30*time.Second),
		StoreBackend:        envStr("MITORU_STORE", StoreMemory),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		SubscriberBuffer:    envInt("MITORU_SUBSCRIBER_BUFFER", 64),
		IngestQueueSize:     envInt("MITORU_INGEST_QUEUE_SIZE", 256),
		DemoAgentIterations: envInt("MITORU_DEMO_ITERATIONS", 3),
		DemoAgentStepDelay:  envDuration("MITORU_DEMO_STEP_DELAY", 200*time.Millisecond),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "mitoru"),
		RateLimitEnabled:    envBool("MITORU_RATE_LIMIT_ENABLED", false),
		RateLimitRPS:        envFloat("MITORU_RATE_LIMIT_RPS", 50),
		RateLimitBurst:      envInt("MITORU_RATE_LIMIT_BURST", 100),
		LogLevel:            envStr("MITORU_LOG_LEVEL", "info"),
		ShutdownTimeout:     envDuration("MITORU_SHUTDOWN_TIMEOUT", 15*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("config: MITORU_STORE must be %q or %q, got %q",
			StoreMemory, StorePostgres, c.StoreBackend)
	}
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("config: MITORU_SUBSCRIBER_BUFFER must be positive")
	}
	if c.IngestQueueSize <= 0 {
		return fmt.Errorf("config: MITORU_INGEST_QUEUE_SIZE must be positive")
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		return fmt.Errorf("config: MITORU_RATE_LIMIT_RPS and MITORU_RATE_LIMIT_BURST must be positive when rate limiting is enabled")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
