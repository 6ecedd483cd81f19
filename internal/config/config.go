// Package config reads service settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all settings of a shortener instance.
type Config struct {
	// HTTP
	Addr      string
	BaseURL   string
	RateLimit string // ulule limiter format, e.g. "20-M"

	// Relational store
	DBDriver   string // "postgres" or "sqlite"
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	SQLitePath string

	// Shared store. Empty RedisAddr runs the single-node in-process profile.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string

	// Node lease
	LeaseSlots         int
	LeaseTTL           time.Duration
	LeaseRenewInterval time.Duration
	LeaseOpTimeout     time.Duration

	// Codes
	MinCodeLength int

	// Tiered cache
	L1Size         int
	L1TTL          time.Duration
	L2TTL          time.Duration
	L2Jitter       float64
	LockWait       time.Duration
	LockHold       time.Duration
	InvalidationCh string

	// Outbox relay
	OutboxPollInterval   time.Duration
	OutboxBatchSize      int
	OutboxPublishTimeout time.Duration
	OutboxMaxAttempts    int
	OutboxClaimTimeout   time.Duration

	// Retry policy shared by relay and consumers
	RetryBase       time.Duration
	RetryMultiplier float64
	RetryMaxDelay   time.Duration
	RetryMaxElapsed time.Duration

	// Message bus
	StreamPartitions int
	ConsumerGroup    string
	ConsumerBatch    int
	ConsumerBlock    time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:      getEnv("HTTP_ADDR", ":8080"),
		BaseURL:   getEnv("BASE_URL", "http://localhost:8080/"),
		RateLimit: getEnv("SHORTEN_RATE_LIMIT", "60-M"),

		DBDriver:   getEnv("DB_DRIVER", "postgres"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "password"),
		DBName:     getEnv("DB_NAME", "testing"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),
		SQLitePath: getEnv("SQLITE_PATH", "./shortener.db"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		KeyPrefix:     getEnv("KEY_PREFIX", "shortener:"),

		LeaseSlots:         getEnvInt("LEASE_SLOTS", 1024),
		LeaseTTL:           getEnvDuration("LEASE_TTL", 30*time.Second),
		LeaseRenewInterval: getEnvDuration("LEASE_RENEW_INTERVAL", 10*time.Second),
		LeaseOpTimeout:     getEnvDuration("LEASE_OP_TIMEOUT", 2*time.Second),

		MinCodeLength: getEnvInt("MIN_CODE_LENGTH", 6),

		L1Size:         getEnvInt("L1_SIZE", 10000),
		L1TTL:          getEnvDuration("L1_TTL", time.Minute),
		L2TTL:          getEnvDuration("L2_TTL", time.Hour),
		L2Jitter:       getEnvFloat("L2_TTL_JITTER", 0.2),
		LockWait:       getEnvDuration("STAMPEDE_LOCK_WAIT", 500*time.Millisecond),
		LockHold:       getEnvDuration("STAMPEDE_LOCK_HOLD", 5*time.Second),
		InvalidationCh: getEnv("INVALIDATION_CHANNEL", "cache-invalidation"),

		OutboxPollInterval:   getEnvDuration("OUTBOX_POLL_INTERVAL", time.Second),
		OutboxBatchSize:      getEnvInt("OUTBOX_BATCH_SIZE", 100),
		OutboxPublishTimeout: getEnvDuration("OUTBOX_PUBLISH_TIMEOUT", 3*time.Second),
		OutboxMaxAttempts:    getEnvInt("OUTBOX_MAX_ATTEMPTS", 10),
		OutboxClaimTimeout:   getEnvDuration("OUTBOX_CLAIM_TIMEOUT", 30*time.Second),

		RetryBase:       getEnvDuration("RETRY_BASE", 200*time.Millisecond),
		RetryMultiplier: getEnvFloat("RETRY_MULTIPLIER", 2),
		RetryMaxDelay:   getEnvDuration("RETRY_MAX_DELAY", 10*time.Second),
		RetryMaxElapsed: getEnvDuration("RETRY_MAX_ELAPSED", time.Minute),

		StreamPartitions: getEnvInt("STREAM_PARTITIONS", 4),
		ConsumerGroup:    getEnv("CONSUMER_GROUP", "shortener"),
		ConsumerBatch:    getEnvInt("CONSUMER_BATCH", 100),
		ConsumerBlock:    getEnvDuration("CONSUMER_BLOCK", 2*time.Second),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
	if os.Getenv("REDIS_ADDR") == "-" {
		cfg.RedisAddr = ""
	}
	return cfg, cfg.Validate()
}

// Validate checks the settings that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.LeaseSlots <= 0 || c.LeaseSlots > 1024 {
		return fmt.Errorf("LEASE_SLOTS must be in (0, 1024], got %d", c.LeaseSlots)
	}
	if c.LeaseRenewInterval >= c.LeaseTTL {
		return fmt.Errorf("LEASE_RENEW_INTERVAL (%s) must be shorter than LEASE_TTL (%s)", c.LeaseRenewInterval, c.LeaseTTL)
	}
	if c.MinCodeLength < 1 || c.MinCodeLength > 10 {
		return fmt.Errorf("MIN_CODE_LENGTH must be in [1, 10], got %d", c.MinCodeLength)
	}
	if c.L2Jitter < 0 || c.L2Jitter >= 1 {
		return fmt.Errorf("L2_TTL_JITTER must be in [0, 1), got %v", c.L2Jitter)
	}
	if c.StreamPartitions <= 0 {
		return fmt.Errorf("STREAM_PARTITIONS must be positive")
	}
	if c.ConsumerBlock <= 0 {
		return fmt.Errorf("CONSUMER_BLOCK must be positive")
	}
	if !strings.HasSuffix(c.BaseURL, "/") {
		c.BaseURL += "/"
	}
	return nil
}

// PostgresDSN builds the DSN for the postgres driver.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
