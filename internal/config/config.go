// Package config loads gateway configuration from the environment with an
// optional .env file for development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration.
//
// Priority: environment variables > .env file > defaults. DB_USER and
// DB_PASS have no default; startup fails without them.
type Config struct {
	// Listener
	Addr           string `env:"WS_ADDR" envDefault:":8090"`
	MaxConnections int    `env:"WS_MAX_CONNECTIONS" envDefault:"5000"`

	// Database
	DBUser   string `env:"DB_USER,required"`
	DBPass   string `env:"DB_PASS,required"`
	DBHost   string `env:"DB_HOST" envDefault:"127.0.0.1"`
	DBPort   int    `env:"DB_PORT" envDefault:"3306"`
	DBSchema string `env:"DB_NAME" envDefault:"kuttalk_db"`

	// Keep-alive. PingInterval is how often the app-level ping envelope
	// goes out; clients whose last inbound traffic is older than
	// PongTimeout at that point are evicted.
	PingInterval time.Duration `env:"PING_INTERVAL" envDefault:"3s"`
	PongTimeout  time.Duration `env:"PONG_TIMEOUT" envDefault:"3s"`

	// Monitoring
	MetricsAddr     string        `env:"METRICS_ADDR" envDefault:":9100"`
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file (if present) and the
// environment, then validates it.
func Load() (*Config, error) {
	// Missing .env is fine; production supplies real environment variables.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and enums.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("PING_INTERVAL must be positive, got %s", c.PingInterval)
	}
	if c.PongTimeout <= 0 {
		return fmt.Errorf("PONG_TIMEOUT must be positive, got %s", c.PongTimeout)
	}
	if c.DBPort < 1 || c.DBPort > 65535 {
		return fmt.Errorf("DB_PORT out of range: %d", c.DBPort)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the effective configuration. Credentials stay out of the
// log.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Str("db_host", c.DBHost).
		Int("db_port", c.DBPort).
		Str("db_schema", c.DBSchema).
		Dur("ping_interval", c.PingInterval).
		Dur("pong_timeout", c.PongTimeout).
		Str("metrics_addr", c.MetricsAddr).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
