// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"

	"github.com/mbd888/keyguard/internal/encryption"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Backing stores. Redis wins over Postgres for counters; with neither
	// set the process runs on the in-memory store.
	DatabaseURL  string
	RedisURL     string
	RedisPrefix  string
	StoreTimeout time.Duration

	// Consecutive store failures that trip the backend breaker, and how
	// long it stays open. Zero values take the breaker defaults.
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Encryption
	MasterKey     string // 64 hex chars or base64 of 32 bytes
	PBKDF2Rounds  int
	CryptoWorkers int

	// Policy
	Timezone           string // service-local zone for the unusual-hour signal
	TrustLookupTimeout time.Duration
	MonitorInterval    time.Duration
	EmergencyTTL       time.Duration

	// HTTP surface
	AdminSecret   string
	ThrottleRPM   int
	ThrottleBurst int

	// Observability
	OTelEndpoint    string
	OTelSampleRatio float64
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultRedisPrefix        = "keyguard"
	DefaultStoreTimeout       = 2 * time.Second
	DefaultTimezone           = "Local"
	DefaultTrustLookupTimeout = 2 * time.Second
	DefaultMonitorInterval    = 60 * time.Second
	DefaultEmergencyTTL       = 30 * time.Minute
	DefaultThrottleRPM        = 120
	DefaultThrottleBurst      = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		RedisPrefix:        getEnv("REDIS_PREFIX", DefaultRedisPrefix),
		StoreTimeout:       getEnvDuration("STORE_TIMEOUT", DefaultStoreTimeout),
		BreakerThreshold:   getEnvInt("STORE_BREAKER_THRESHOLD", 0),
		BreakerCooldown:    getEnvDuration("STORE_BREAKER_COOLDOWN", 0),
		MasterKey:          os.Getenv("MASTER_KEY"),
		PBKDF2Rounds:       getEnvInt("PBKDF2_ROUNDS", encryption.DefaultRounds),
		CryptoWorkers:      getEnvInt("CRYPTO_WORKERS", 0),
		Timezone:           getEnv("TIMEZONE", DefaultTimezone),
		TrustLookupTimeout: getEnvDuration("TRUST_LOOKUP_TIMEOUT", DefaultTrustLookupTimeout),
		MonitorInterval:    getEnvDuration("MONITOR_INTERVAL", DefaultMonitorInterval),
		EmergencyTTL:       getEnvDuration("EMERGENCY_TTL", DefaultEmergencyTTL),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
		ThrottleRPM:        getEnvInt("THROTTLE_RPM", DefaultThrottleRPM),
		ThrottleBurst:      getEnvInt("THROTTLE_BURST", DefaultThrottleBurst),
		OTelEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTelSampleRatio:    getEnvFloat("OTEL_SAMPLE_RATIO", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.MasterKey == "" && c.IsProduction() {
		return fmt.Errorf("MASTER_KEY is required in production: an ephemeral key would make stored secrets unrecoverable after restart")
	}
	if _, err := encryption.ParseMasterKey(c.MasterKey); err != nil {
		return fmt.Errorf("MASTER_KEY: %w", err)
	}
	if c.PBKDF2Rounds < encryption.MinRounds {
		return fmt.Errorf("PBKDF2_ROUNDS must be at least %d", encryption.MinRounds)
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("TIMEZONE: %w", err)
	}

	for name, d := range map[string]time.Duration{
		"STORE_TIMEOUT":        c.StoreTimeout,
		"TRUST_LOOKUP_TIMEOUT": c.TrustLookupTimeout,
		"MONITOR_INTERVAL":     c.MonitorInterval,
		"EMERGENCY_TTL":        c.EmergencyTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	return nil
}

// Location returns the service-local time zone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := cast.ToIntE(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := cast.ToDurationE(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := cast.ToFloat64E(value); err == nil {
			return f
		}
	}
	return defaultValue
}
