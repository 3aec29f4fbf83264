package config

import (
	"os"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

var validKey = strings.Repeat("ab", 32)

func validConfig() Config {
	return Config{
		Env:                DefaultEnv,
		MasterKey:          validKey,
		PBKDF2Rounds:       210000,
		Timezone:           "UTC",
		StoreTimeout:       time.Second,
		TrustLookupTimeout: time.Second,
		MonitorInterval:    time.Minute,
		EmergencyTTL:       30 * time.Minute,
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "MASTER_KEY", "")
	setEnv(t, "PORT", "9090")
	setEnv(t, "MONITOR_INTERVAL", "15s")
	setEnv(t, "PBKDF2_ROUNDS", "300000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 15*time.Second, cfg.MonitorInterval)
	assert.Equal(t, DefaultEmergencyTTL, cfg.EmergencyTTL)
	assert.Equal(t, 300000, cfg.PBKDF2Rounds)
	assert.Equal(t, DefaultRedisPrefix, cfg.RedisPrefix)
}

func TestLoad_IgnoresUnparseableNumbers(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "THROTTLE_RPM", "lots")
	setEnv(t, "STORE_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultThrottleRPM, cfg.ThrottleRPM)
	assert.Equal(t, DefaultStoreTimeout, cfg.StoreTimeout)
}

func TestLoad_ProductionRequiresMasterKey(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "MASTER_KEY", "")
	setEnv(t, "ADMIN_SECRET", "s3cret")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MASTER_KEY is required in production")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"ephemeral key outside production", func(c *Config) { c.MasterKey = "" }, ""},
		{"bad master key", func(c *Config) { c.MasterKey = "tooshort" }, "MASTER_KEY"},
		{"too few rounds", func(c *Config) { c.PBKDF2Rounds = 1000 }, "PBKDF2_ROUNDS"},
		{"production without admin secret", func(c *Config) { c.Env = "production" }, "ADMIN_SECRET"},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "TIMEZONE"},
		{"zero interval", func(c *Config) { c.MonitorInterval = 0 }, "MONITOR_INTERVAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_Location(t *testing.T) {
	cfg := validConfig()
	cfg.Timezone = "Europe/Riga"
	assert.Equal(t, "Europe/Riga", cfg.Location().String())
}

func TestConfig_IsProduction(t *testing.T) {
	assert.True(t, (&Config{Env: "production"}).IsProduction())
	assert.False(t, (&Config{Env: "development"}).IsProduction())
	assert.True(t, (&Config{Env: "development"}).IsDevelopment())
}
