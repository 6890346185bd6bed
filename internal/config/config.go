// Package config defines the top-level configuration for the signal relay
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by RELAY_* environment variables.
type Config struct {
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Broker   BrokerConfig   `toml:"broker"`
	Auth     AuthConfig     `toml:"auth"`
	Keys     KeysConfig     `toml:"keys"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the ledger
// archive.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// BrokerConfig holds the price feed connection parameters.
type BrokerConfig struct {
	WsURL       string   `toml:"ws_url"`
	Instruments []string `toml:"instruments"`
}

// AuthConfig holds the request authentication parameters. Window is the
// timestamp freshness window (and nonce TTL); Skew is the explicit
// clock-skew allowance on top of it.
type AuthConfig struct {
	Window          duration `toml:"window"`
	Skew            duration `toml:"skew"`
	RateLimit       int      `toml:"rate_limit"`
	RateWindow      duration `toml:"rate_window"`
	OperatorToken   string   `toml:"operator_token"`
	PollIntervalSec int      `toml:"poll_interval_sec"`
}

// KeysConfig holds the envelope key-derivation parameters. MasterSecret is
// the only secret the relay and its devices share out of band.
type KeysConfig struct {
	MasterSecret string   `toml:"master_secret"`
	Lifetime     duration `toml:"lifetime"`
	RotateGrace  duration `toml:"rotate_grace"`
}

// MonitorConfig holds position monitor cadence parameters.
type MonitorConfig struct {
	Interval       duration `toml:"interval"`
	CommandTimeout duration `toml:"command_timeout"`
	SweepInterval  duration `toml:"sweep_interval"`
}

// ArchiveConfig holds ledger archival parameters.
type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Interval  duration `toml:"interval"`
	Retention duration `toml:"retention"`
	BatchSize int      `toml:"batch_size"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "signalrelay",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "signalrelay-ledger",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Broker: BrokerConfig{
			WsURL:       "wss://quotes.example.com/stream",
			Instruments: []string{"XAUUSD", "EURUSD"},
		},
		Auth: AuthConfig{
			Window:          duration{5 * time.Minute},
			Skew:            duration{30 * time.Second},
			RateLimit:       60,
			RateWindow:      duration{time.Minute},
			PollIntervalSec: 30,
		},
		Keys: KeysConfig{
			Lifetime:    duration{90 * 24 * time.Hour},
			RotateGrace: duration{24 * time.Hour},
		},
		Monitor: MonitorConfig{
			Interval:       duration{5 * time.Second},
			CommandTimeout: duration{10 * time.Minute},
			SweepInterval:  duration{time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled:   false,
			Interval:  duration{time.Hour},
			Retention: duration{24 * time.Hour},
			BatchSize: 500,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Notify: NotifyConfig{
			Events: []string{"level_breached", "command_timeout", "command_failed", "security_degradation"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve":   true,
	"monitor": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, monitor, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Keys: the master secret is mandatory in every mode; without it no
	// envelope can be sealed or opened.
	if strings.TrimSpace(c.Keys.MasterSecret) == "" {
		errs = append(errs, "keys: master_secret must be set")
	} else if len(c.Keys.MasterSecret) < 32 {
		errs = append(errs, fmt.Sprintf("keys: master_secret must be at least 32 bytes, got %d", len(c.Keys.MasterSecret)))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Broker: required whenever the monitor runs.
	if c.Mode == "monitor" || c.Mode == "full" {
		if c.Broker.WsURL == "" {
			errs = append(errs, "broker: ws_url is required for mode "+c.Mode)
		}
		if len(c.Broker.Instruments) == 0 {
			errs = append(errs, "broker: at least one instrument must be configured for mode "+c.Mode)
		}
	}

	// Auth
	if c.Auth.Window.Duration <= 0 {
		errs = append(errs, "auth: window must be positive")
	}
	if c.Auth.Skew.Duration < 0 {
		errs = append(errs, "auth: skew must not be negative")
	}
	if c.Auth.RateLimit < 1 {
		errs = append(errs, "auth: rate_limit must be >= 1")
	}
	if c.Auth.PollIntervalSec < 1 {
		errs = append(errs, "auth: poll_interval_sec must be >= 1")
	}

	// Monitor
	if c.Monitor.Interval.Duration <= 0 {
		errs = append(errs, "monitor: interval must be positive")
	}
	if c.Monitor.CommandTimeout.Duration <= 0 {
		errs = append(errs, "monitor: command_timeout must be positive")
	}
	if c.Monitor.SweepInterval.Duration <= 0 {
		errs = append(errs, "monitor: sweep_interval must be positive")
	}

	// Archive
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.BatchSize < 1 {
			errs = append(errs, "archive: batch_size must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if strings.TrimSpace(c.Auth.OperatorToken) == "" && c.Mode != "monitor" {
			errs = append(errs, "auth: operator_token must be set when the server is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
