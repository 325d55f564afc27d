package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the service reads from the environment.
// Defaults are chosen so a local dev instance runs with just DB_* set.
type Config struct {
	Port           string
	BodyLimitBytes int

	// Database
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Batch pipeline
	BatchSize     int
	Workers       int
	PollInterval  time.Duration
	MaxAttempts   int
	SendTimeout   time.Duration

	// Per-job retry backoff
	RetryBase       time.Duration
	RetryCap        time.Duration
	RetryMultiplier float64
	RetryJitterFrac float64

	// Batch-adaptive backoff
	BatchFailureThreshold float64
	BatchInitialDelay     time.Duration
	BatchMaxDelay         time.Duration

	// Trust evaluation
	MaxClockSkew  time.Duration
	MaxReceiptAge time.Duration

	// Receipt fuzzy matching
	FuzzyWindow time.Duration
	FuzzyLimit  int

	// Webhook idempotency locks
	LockStaleness       time.Duration
	LockVerifyTolerance time.Duration

	// Secrets
	CredentialKey []byte // 32-byte key for sealed platform credentials
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	// .env is optional; containers set real env vars.
	_ = godotenv.Load()

	cfg := &Config{
		Port:           envStr("PORT", "8080"),
		BodyLimitBytes: envInt("BODY_LIMIT_BYTES", 0),

		DBHost:     envStr("DB_HOST", "db"),
		DBPort:     envStr("DB_PORT", "5432"),
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     os.Getenv("DB_NAME"),

		BatchSize:    envInt("BATCH_SIZE", 50),
		Workers:      envInt("BATCH_WORKERS", 10),
		PollInterval: envDuration("POLL_INTERVAL", 15*time.Second),
		MaxAttempts:  envInt("MAX_ATTEMPTS", 5),
		SendTimeout:  envDuration("SEND_TIMEOUT", 10*time.Second),

		RetryBase:       envDuration("RETRY_BASE", 30*time.Second),
		RetryCap:        envDuration("RETRY_CAP", 30*time.Minute),
		RetryMultiplier: envFloat("RETRY_MULTIPLIER", 2.0),
		RetryJitterFrac: envFloat("RETRY_JITTER_FRAC", 0.1),

		BatchFailureThreshold: envFloat("BATCH_FAILURE_THRESHOLD", 0.5),
		BatchInitialDelay:     envDuration("BATCH_INITIAL_DELAY", 5*time.Second),
		BatchMaxDelay:         envDuration("BATCH_MAX_DELAY", 5*time.Minute),

		MaxClockSkew:  envDuration("TRUST_MAX_CLOCK_SKEW", 15*time.Minute),
		MaxReceiptAge: envDuration("TRUST_MAX_RECEIPT_AGE", 60*time.Minute),

		FuzzyWindow: envDuration("RECEIPT_FUZZY_WINDOW", time.Hour),
		FuzzyLimit:  envInt("RECEIPT_FUZZY_LIMIT", 25),

		LockStaleness:       envDuration("LOCK_STALENESS", 5*time.Minute),
		LockVerifyTolerance: envDuration("LOCK_VERIFY_TOLERANCE", 2*time.Second),
	}

	if cfg.BodyLimitBytes <= 0 {
		cfg.BodyLimitBytes = envInt("BODY_LIMIT_MB", 4) * 1024 * 1024
	}

	if hexKey := os.Getenv("CREDENTIAL_KEY"); hexKey != "" {
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("CREDENTIAL_KEY is not valid hex: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("CREDENTIAL_KEY must decode to 32 bytes, got %d", len(key))
		}
		cfg.CredentialKey = key
	}

	return cfg, nil
}

// DSN builds the postgres connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt reads an int env var with a default fallback.
func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
