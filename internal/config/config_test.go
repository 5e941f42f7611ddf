package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_USER", "kuttalk")
	t.Setenv("DB_PASS", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.Addr)
	assert.Equal(t, 5000, cfg.MaxConnections)
	assert.Equal(t, "127.0.0.1", cfg.DBHost)
	assert.Equal(t, 3306, cfg.DBPort)
	assert.Equal(t, "kuttalk_db", cfg.DBSchema)
	assert.Equal(t, 3*time.Second, cfg.PingInterval)
	assert.Equal(t, 3*time.Second, cfg.PongTimeout)
	assert.Equal(t, ":9100", cfg.MetricsAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_USER", "kuttalk")
	t.Setenv("DB_PASS", "secret")
	t.Setenv("WS_ADDR", ":9999")
	t.Setenv("PING_INTERVAL", "500ms")
	t.Setenv("LOG_FORMAT", "pretty")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, 500*time.Millisecond, cfg.PingInterval)
	assert.Equal(t, "pretty", cfg.LogFormat)
}

func TestLoadRequiresCredentials(t *testing.T) {
	// Setenv registers the restore; the variables must be absent, not
	// merely empty, for the required check to trip.
	t.Setenv("DB_USER", "x")
	t.Setenv("DB_PASS", "x")
	os.Unsetenv("DB_USER")
	os.Unsetenv("DB_PASS")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Addr:           ":8090",
			MaxConnections: 100,
			DBPort:         3306,
			PingInterval:   time.Second,
			PongTimeout:    time.Second,
			LogLevel:       "info",
			LogFormat:      "json",
		}
	}

	require.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Addr = "" }},
		{"zero max connections", func(c *Config) { c.MaxConnections = 0 }},
		{"negative ping interval", func(c *Config) { c.PingInterval = -time.Second }},
		{"zero pong timeout", func(c *Config) { c.PongTimeout = 0 }},
		{"db port out of range", func(c *Config) { c.DBPort = 70000 }},
		{"unknown log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"unknown log format", func(c *Config) { c.LogFormat = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
