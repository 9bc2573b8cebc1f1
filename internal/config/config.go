// Package config loads runtime configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every tunable the reserve service recognizes.
type Config struct {
	HTTPAddr    string
	PostgresDSN string
	RedisAddr   string
	NATSURL     string
	JWTSecret   string

	// Trip-horizon for the external schedule generator; carried here so the
	// whole configuration surface lives in one place.
	ReserveGenerationDays int

	SlotLockTimeout         time.Duration
	SlotLockCleanupInterval time.Duration
	MaxSimultaneousLocks    int
	AcquireMaxAttempts      int
	AcquireRetryBackoff     time.Duration

	OutboxPoll  time.Duration
	OutboxBatch int
	OutboxRetry int

	RateReadPerSec    float64
	RateReadBurst     float64
	RateWritePerSec   float64
	RateWriteBurst    float64
	RateAcquirePerSec float64
	RateAcquireBurst  float64
}

// Load reads the environment, applying defaults for anything unset.
func Load() Config {
	return Config{
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		PostgresDSN: firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		NATSURL:     os.Getenv("NATS_URL"),
		JWTSecret:   getenv("JWT_SECRET", "dev-secret"),

		ReserveGenerationDays: parseIntEnv("RESERVE_GENERATION_DAYS", 30),

		SlotLockTimeout:         time.Duration(parseIntEnv("SLOT_LOCK_TIMEOUT_MIN", 10)) * time.Minute,
		SlotLockCleanupInterval: time.Duration(parseIntEnv("SLOT_LOCK_CLEANUP_INTERVAL_MIN", 1)) * time.Minute,
		MaxSimultaneousLocks:    parseIntEnv("MAX_SIMULTANEOUS_LOCKS_PER_USER", 3),
		AcquireMaxAttempts:      parseIntEnv("ACQUIRE_MAX_ATTEMPTS", 3),
		AcquireRetryBackoff:     time.Duration(parseIntEnv("ACQUIRE_RETRY_BACKOFF_MS", 25)) * time.Millisecond,

		OutboxPoll:  time.Duration(parseIntEnv("OUTBOX_POLL_MS", 200)) * time.Millisecond,
		OutboxBatch: parseIntEnv("OUTBOX_BATCH", 100),
		OutboxRetry: parseIntEnv("OUTBOX_RETRY_MAX", 3),

		RateReadPerSec:    parseFloatEnv("RATE_READ_PER_SEC", 50),
		RateReadBurst:     parseFloatEnv("RATE_READ_BURST", 100),
		RateWritePerSec:   parseFloatEnv("RATE_WRITE_PER_SEC", 10),
		RateWriteBurst:    parseFloatEnv("RATE_WRITE_BURST", 20),
		RateAcquirePerSec: parseFloatEnv("RATE_ACQUIRE_PER_SEC", 5),
		RateAcquireBurst:  parseFloatEnv("RATE_ACQUIRE_BURST", 10),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
