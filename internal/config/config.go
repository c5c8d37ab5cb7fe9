// Package config loads server configuration from the environment, with an
// optional .env file for development. Priority: environment variables over
// .env file over defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all runtime configuration for the chat server.
type Config struct {
	// Listener. PORT is the only knob the wire contract names.
	Port int `env:"PORT" envDefault:"8080"`

	// Chat semantics. MAX_CONNECTIONS=0 derives a cap from the
	// container's memory limit.
	Users           string        `env:"CHAT_USERS" envDefault:"user1:password1,user2:password2"`
	HistorySize     int           `env:"HISTORY_SIZE" envDefault:"100"`
	SendBuffer      int           `env:"SEND_BUFFER" envDefault:"256"`
	MaxConnections  int           `env:"MAX_CONNECTIONS" envDefault:"1024"`
	AuthMaxAttempts int           `env:"AUTH_MAX_ATTEMPTS" envDefault:"5"`
	PingInterval    time.Duration `env:"PING_INTERVAL" envDefault:"30s"`
	PongTimeout     time.Duration `env:"PONG_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Announcement bridge. Disabled when NATSURL is empty.
	NATSURL     string `env:"NATS_URL"`
	NATSSubject string `env:"NATS_SUBJECT" envDefault:"chat.announcements"`

	// Admin HTTP API. Disabled unless AdminUser, AdminPass, and JWTSecret
	// are all set.
	AdminUser string        `env:"ADMIN_USER"`
	AdminPass string        `env:"ADMIN_PASS"`
	JWTSecret string        `env:"JWT_SECRET"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"24h"`

	// Monitoring.
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging.
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and the environment,
// then validates it.
func Load() (*Config, error) {
	// Missing .env is fine; production supplies real environment variables.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges, enums, and cross-field constraints.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be 1-65535, got %d", c.Port)
	}
	if c.HistorySize < 1 {
		return fmt.Errorf("HISTORY_SIZE must be > 0, got %d", c.HistorySize)
	}
	if c.SendBuffer < c.HistorySize {
		// A fresh session replays the full history into an empty queue.
		return fmt.Errorf("SEND_BUFFER (%d) must be >= HISTORY_SIZE (%d)", c.SendBuffer, c.HistorySize)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("MAX_CONNECTIONS must be >= 0 (0 = derive from memory limit), got %d", c.MaxConnections)
	}
	if c.AuthMaxAttempts < 1 {
		return fmt.Errorf("AUTH_MAX_ATTEMPTS must be > 0, got %d", c.AuthMaxAttempts)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("PING_INTERVAL must be > 0, got %s", c.PingInterval)
	}
	if c.PongTimeout <= 0 || c.PongTimeout >= c.PingInterval {
		return fmt.Errorf("PONG_TIMEOUT (%s) must be > 0 and < PING_INTERVAL (%s)", c.PongTimeout, c.PingInterval)
	}
	if _, err := ParseUsers(c.Users); err != nil {
		return fmt.Errorf("CHAT_USERS: %w", err)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	adminSet := 0
	for _, v := range []string{c.AdminUser, c.AdminPass, c.JWTSecret} {
		if v != "" {
			adminSet++
		}
	}
	if adminSet != 0 && adminSet != 3 {
		return fmt.Errorf("ADMIN_USER, ADMIN_PASS, and JWT_SECRET must be set together")
	}

	return nil
}

// AdminEnabled reports whether the admin HTTP API is configured.
func (c *Config) AdminEnabled() bool {
	return c.AdminUser != "" && c.AdminPass != "" && c.JWTSecret != ""
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// ParseUsers splits a comma-separated list of user:password pairs. The first
// colon separates username from password, so passwords may contain colons.
func ParseUsers(s string) (map[string]string, error) {
	users := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, pass, ok := strings.Cut(pair, ":")
		if !ok || name == "" || pass == "" {
			return nil, fmt.Errorf("invalid user entry %q, want user:password", pair)
		}
		users[name] = pass
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("no users configured")
	}
	return users, nil
}

// LogConfig logs the effective configuration at startup. Secrets are omitted.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Int("port", c.Port).
		Int("history_size", c.HistorySize).
		Int("send_buffer", c.SendBuffer).
		Int("max_connections", c.MaxConnections).
		Int("auth_max_attempts", c.AuthMaxAttempts).
		Dur("ping_interval", c.PingInterval).
		Dur("pong_timeout", c.PongTimeout).
		Dur("shutdown_timeout", c.ShutdownTimeout).
		Str("nats_url", c.NATSURL).
		Str("nats_subject", c.NATSSubject).
		Bool("admin_api", c.AdminEnabled()).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
