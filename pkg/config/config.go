package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type StoreBackend string

const (
	StoreBackendFirestore StoreBackend = "firestore"
	StoreBackendPostgres  StoreBackend = "postgres"
	StoreBackendMemory    StoreBackend = "memory"
)

// Config is read once from the environment at startup.
type Config struct {
	Token  string `env:"BOT_TOKEN"`
	Prefix string `env:"BOT_PREFIX" envDefault:"!"`

	Workers       int           `env:"BOT_WORKERS" envDefault:"8"`
	QueueLimit    int           `env:"BOT_QUEUE_LIMIT" envDefault:"256"`
	DedupePeriod  time.Duration `env:"BOT_DEDUPE_PERIOD" envDefault:"1h"`
	ShutdownGrace time.Duration `env:"BOT_SHUTDOWN_GRACE" envDefault:"10s"`

	MaxReconnects  int           `env:"BOT_MAX_RECONNECTS" envDefault:"5"`
	BackoffInitial time.Duration `env:"BOT_BACKOFF_INITIAL" envDefault:"1s"`
	BackoffCeiling time.Duration `env:"BOT_BACKOFF_CEILING" envDefault:"30s"`
	SendRate       float64       `env:"BOT_SEND_RATE" envDefault:"5"`
	SendBurst      int           `env:"BOT_SEND_BURST" envDefault:"10"`

	StoreBackend       StoreBackend `env:"STORE_BACKEND" envDefault:"firestore"`
	FirestoreProjectID string       `env:"FIRESTORE_PROJECT_ID"`
	ServiceAccountPath string       `env:"SERVICE_ACCOUNT_PATH"`
	DatabaseURL        string       `env:"DATABASE_URL"`

	SentryDSN    string `env:"SENTRY_DSN"`
	Environment  string `env:"BOT_ENVIRONMENT" envDefault:"DEV"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	DebugLogPath string `env:"DEBUG_LOG_PATH"`
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that are only needed by some backends.
func (c *Config) Validate() error {
	var errs []error
	if c.Prefix == "" {
		errs = append(errs, errors.New("BOT_PREFIX must not be empty"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("BOT_WORKERS must be positive, got %d", c.Workers))
	}
	if c.QueueLimit < 1 {
		errs = append(errs, fmt.Errorf("BOT_QUEUE_LIMIT must be positive, got %d", c.QueueLimit))
	}
	if c.MaxReconnects < 1 {
		errs = append(errs, fmt.Errorf("BOT_MAX_RECONNECTS must be positive, got %d", c.MaxReconnects))
	}
	if c.BackoffCeiling < c.BackoffInitial {
		errs = append(errs, errors.New("BOT_BACKOFF_CEILING must not be lower than BOT_BACKOFF_INITIAL"))
	}
	switch c.StoreBackend {
	case StoreBackendFirestore:
		if c.FirestoreProjectID == "" {
			errs = append(errs, errors.New("FIRESTORE_PROJECT_ID is required for the firestore backend"))
		}
	case StoreBackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	case StoreBackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	return errors.Join(errs...)
}

// RequireToken is checked separately so store-only CLI commands can run without a bot token.
func (c *Config) RequireToken() error {
	if c.Token == "" {
		return errors.New("BOT_TOKEN is required")
	}
	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// IsProd reports whether errors should be forwarded to Sentry.
func (c *Config) IsProd() bool {
	return c.Environment == "PROD"
}
