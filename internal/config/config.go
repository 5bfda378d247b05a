package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the service.
type Config struct {
	Port string

	// DatabaseURL enables the Postgres delivery archive when set.
	DatabaseURL string

	// RedisURL selects the Redis-backed retry queue when set; otherwise
	// retries live in memory for the lifetime of the process.
	RedisURL string

	NumWorkers        int
	DefaultMaxRetries int
	BaseRetryDelay    time.Duration
	DeliveryTimeout   time.Duration
	RetryTick         time.Duration
	ShutdownGrace     time.Duration

	SigningEnabled       bool
	DefaultSigningSecret string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	return &Config{
		Port:                 getEnv("PORT", "8080"),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		RedisURL:             getEnv("REDIS_URL", ""),
		NumWorkers:           getEnvInt("NUM_WORKERS", 50),
		DefaultMaxRetries:    getEnvInt("MAX_RETRIES", 5),
		BaseRetryDelay:       getEnvMillis("BASE_RETRY_DELAY_MS", 1000),
		DeliveryTimeout:      getEnvMillis("DELIVERY_TIMEOUT_MS", 10000),
		RetryTick:            getEnvMillis("RETRY_TICK_MS", 1000),
		ShutdownGrace:        getEnvMillis("SHUTDOWN_GRACE_MS", 15000),
		SigningEnabled:       getEnvBool("SIGNING_ENABLED", true),
		DefaultSigningSecret: getEnv("DEFAULT_SIGNING_SECRET", "whd_insecure_dev_secret"),
	}, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
	}
	return fallback
}

func getEnvMillis(key string, fallbackMs int) time.Duration {
	return time.Duration(getEnvInt(key, fallbackMs)) * time.Millisecond
}
