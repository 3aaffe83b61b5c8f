// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Store backends.
const (
	StoreBadger   = "badger"
	StorePostgres = "postgres"
)

// Config holds all runtime settings.
type Config struct {
	Addr           string  `env:"ADMITD_ADDR" envDefault:":8080"`
	LogLevel       string  `env:"ADMITD_LOG_LEVEL" envDefault:"info"`
	Store          string  `env:"ADMITD_STORE" envDefault:"badger"`
	DataDir        string  `env:"ADMITD_DATA_DIR" envDefault:"./data"`
	DatabaseURL    string  `env:"ADMITD_DATABASE_URL"`
	RateLimitRPS   float64 `env:"ADMITD_RATE_LIMIT_RPS" envDefault:"50"`
	RateLimitBurst int     `env:"ADMITD_RATE_LIMIT_BURST" envDefault:"100"`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case StoreBadger:
		// DataDir always carries a value: the env default applies even to a
		// set-but-empty ADMITD_DATA_DIR.
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("ADMITD_DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store backend %q (want badger or postgres)", c.Store)
	}
	return nil
}

// Redacted returns a view safe for logging.
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"addr":           c.Addr,
		"logLevel":       c.LogLevel,
		"store":          c.Store,
		"dataDir":        c.DataDir,
		"databaseSet":    c.DatabaseURL != "",
		"rateLimitRPS":   c.RateLimitRPS,
		"rateLimitBurst": c.RateLimitBurst,
	}
}
