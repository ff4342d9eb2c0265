package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config collects the runtime settings for the fulfillment service. Values
// come from the environment; cmd/api loads an optional .env file first.
type Config struct {
	DatabaseURL string
	ListenAddr  string

	ProviderBaseURL    string
	ProviderAccessCode string
	ProviderSecretKey  string
	ProviderTimeout    time.Duration

	WebhookSecretKey string
	SignatureMaxSkew time.Duration

	QueueBatchSize   int
	QueueWorkers     int
	QueueMaxRetries  int
	QueueBaseBackoff time.Duration
	QueueStaleAfter  time.Duration
	QueueMaxAge      time.Duration

	JWTSecret string
}

// Load reads configuration from the environment, applying defaults for
// everything except the connection string and secrets.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		ListenAddr:  getString("LISTEN_ADDR", ":8080"),

		ProviderBaseURL:    getString("PROVIDER_BASE_URL", "https://api.esimaccess.com"),
		ProviderAccessCode: os.Getenv("PROVIDER_ACCESS_CODE"),
		ProviderSecretKey:  os.Getenv("PROVIDER_SECRET_KEY"),
		ProviderTimeout:    getDuration("PROVIDER_TIMEOUT", 15*time.Second),

		WebhookSecretKey: os.Getenv("WEBHOOK_SECRET_KEY"),
		SignatureMaxSkew: getDuration("SIGNATURE_MAX_SKEW", 5*time.Minute),

		QueueBatchSize:   getInt("QUEUE_BATCH_SIZE", 5),
		QueueWorkers:     getInt("QUEUE_WORKERS", 3),
		QueueMaxRetries:  getInt("QUEUE_MAX_RETRIES", 5),
		QueueBaseBackoff: getDuration("QUEUE_BASE_BACKOFF", time.Minute),
		QueueStaleAfter:  getDuration("QUEUE_STALE_AFTER", 10*time.Minute),
		QueueMaxAge:      getDuration("QUEUE_MAX_AGE", 30*time.Minute),

		JWTSecret: os.Getenv("JWT_SECRET"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required")
	}
	if cfg.QueueBatchSize <= 0 {
		return nil, fmt.Errorf("config: QUEUE_BATCH_SIZE must be positive")
	}
	if cfg.QueueMaxRetries <= 0 {
		return nil, fmt.Errorf("config: QUEUE_MAX_RETRIES must be positive")
	}
	if cfg.QueueWorkers <= 0 {
		cfg.QueueWorkers = 1
	}

	return cfg, nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
