// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the settings the binaries read at startup.
type Config struct {
	// PostgresDSN selects the database-backed store; empty means in-memory.
	PostgresDSN string `env:"KIMLIK_PG_DSN"`

	SessionTTL time.Duration `env:"KIMLIK_SESSION_TTL" envDefault:"48h"`
	ResetTTL   time.Duration `env:"KIMLIK_RESET_TTL"   envDefault:"24h"`

	// BcryptCost is the hashing work factor; zero defers to the library
	// default.
	BcryptCost int `env:"KIMLIK_BCRYPT_COST"`

	// LoginRate and LoginBurst shape the per-email authentication throttle.
	// A zero rate disables throttling.
	LoginRate  float64 `env:"KIMLIK_LOGIN_RATE"  envDefault:"0.2"`
	LoginBurst int     `env:"KIMLIK_LOGIN_BURST" envDefault:"5"`

	// AssertionSecret signs identity assertions; empty disables minting.
	AssertionSecret string        `env:"KIMLIK_ASSERTION_SECRET"`
	AssertionIssuer string        `env:"KIMLIK_ASSERTION_ISSUER" envDefault:"kimlik"`
	AssertionTTL    time.Duration `env:"KIMLIK_ASSERTION_TTL"    envDefault:"1h"`
}

// Load parses configuration from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session ttl must be positive, got %s", c.SessionTTL)
	}
	if c.ResetTTL <= 0 {
		return fmt.Errorf("reset ttl must be positive, got %s", c.ResetTTL)
	}
	if c.LoginRate < 0 {
		return fmt.Errorf("login rate must not be negative, got %g", c.LoginRate)
	}
	if c.LoginRate > 0 && c.LoginBurst <= 0 {
		return fmt.Errorf("login burst must be positive when throttling, got %d", c.LoginBurst)
	}
	if c.AssertionSecret != "" && c.AssertionTTL <= 0 {
		return fmt.Errorf("assertion ttl must be positive, got %s", c.AssertionTTL)
	}
	return nil
}
