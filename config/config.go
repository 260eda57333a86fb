/*
Package config loads server configuration from the environment.

PURPOSE:
  One struct holds every tunable of the server. Values come from ENROLL_*
  environment variables (optionally seeded from a .env file by cmd/server)
  and fall back to the defaults below. Command-line flags may still
  override the port and database path.

KEYS:
  ENROLL_PORT                 HTTP port (8080)
  ENROLL_DB_PATH              SQLite file (enrollment.db)
  ENROLL_JWT_SECRET           HS256 secret; required outside dev mode
  ENROLL_RESERVATION_TTL      Hold length of a reservation (30m)
  ENROLL_SWEEP_INTERVAL       Expiry sweep period (5m)
  ENROLL_DEPOSIT_PER_WEEK     Deposit quoted per reserved week (100)
  ENROLL_DRAFT_BUFFER         Extra drafts allowed past capacity (2)
  ENROLL_PRICING_FILE         JSON rate card, see factory/pricing.go
  ENROLL_REDIS_ADDR           Coupon-claim rate limiter; empty disables it
  ENROLL_AMQP_URL             Audit event broker; empty disables it
  ENROLL_CORS_ORIGINS         Comma-separated allowed origins (localhost dev ports)
  ENROLL_CLAIM_RATE_CAPACITY  Token bucket size per user (5)
  ENROLL_CLAIM_RATE_REFILL    One token per this interval (1m)
  ENROLL_AUDIT_BUFFER         Audit dispatcher queue length (1024)
  ENROLL_DEV_MODE             Enables /api/dev routes
*/
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"

	"github.com/warp/enrollment-engine/enrollment"
)

// Config is the full server configuration.
type Config struct {
	Port   int    `env:"PORT" envDefault:"8080"`
	DBPath string `env:"DB_PATH" envDefault:"enrollment.db"`

	JWTSecret string `env:"JWT_SECRET"`
	DevMode   bool   `env:"DEV_MODE" envDefault:"false"`

	ReservationTTL time.Duration `env:"RESERVATION_TTL" envDefault:"30m"`
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
	DepositPerWeek string        `env:"DEPOSIT_PER_WEEK" envDefault:"100"`
	DraftBuffer    int           `env:"DRAFT_BUFFER" envDefault:"2"`
	PricingFile    string        `env:"PRICING_FILE"`

	RedisAddr   string   `env:"REDIS_ADDR"`
	AMQPURL     string   `env:"AMQP_URL"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`
	AuditBuffer int      `env:"AUDIT_BUFFER" envDefault:"1024"`

	ClaimRate RateLimit `envPrefix:"CLAIM_RATE_"`
}

// RateLimit configures a per-user token bucket.
type RateLimit struct {
	Capacity int           `env:"CAPACITY" envDefault:"5"`
	Refill   time.Duration `env:"REFILL" envDefault:"1m"`
}

// Load parses ENROLL_* variables from the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "ENROLL_"}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values env tags cannot express.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.ReservationTTL <= 0 {
		return fmt.Errorf("reservation TTL must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	if c.DraftBuffer < 0 {
		return fmt.Errorf("draft buffer must not be negative")
	}
	if _, err := decimal.NewFromString(c.DepositPerWeek); err != nil {
		return fmt.Errorf("invalid deposit per week %q: %w", c.DepositPerWeek, err)
	}
	if c.JWTSecret == "" && !c.DevMode {
		return fmt.Errorf("ENROLL_JWT_SECRET is required unless ENROLL_DEV_MODE is set")
	}
	return nil
}

// Engine returns the admission and expiry settings for the engine.
func (c Config) Engine() enrollment.Config {
	deposit, err := decimal.NewFromString(c.DepositPerWeek)
	if err != nil {
		deposit = enrollment.DefaultConfig().DepositPerWeek
	}
	return enrollment.Config{
		ReservationTTL: c.ReservationTTL,
		DepositPerWeek: deposit,
		DraftBuffer:    c.DraftBuffer,
	}
}
