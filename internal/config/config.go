package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const DefaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Env      string `env:"APP_ENV" envDefault:"dev"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseDSN string `env:"DB_DSN"`

	// Empty RedisAddr keeps fan-out in-process.
	RedisAddr    string `env:"REDIS_ADDR"`
	RedisChannel string `env:"REDIS_CHANNEL" envDefault:"pairchat-events"`
	// ResetPresence marks every user OFFLINE at startup. Turn it off when
	// more than one instance shares the database.
	ResetPresence bool `env:"RESET_PRESENCE" envDefault:"true"`

	JWTSecret  string `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`
	AdminToken string `env:"ADMIN_TOKEN"`

	MessageCost       int64    `env:"MESSAGE_COST" envDefault:"2"`
	TopUpAmount       int64    `env:"TOPUP_AMOUNT" envDefault:"100"`
	PaymentTestTokens []string `env:"PAYMENT_TEST_TOKENS" envDefault:"4242424242424242" envSeparator:","`
	// StartingCredits seeds users the memory driver provisions on demand.
	StartingCredits int64 `env:"STARTING_CREDITS" envDefault:"10"`

	EventRate  float64 `env:"EVENT_RATE" envDefault:"20"`
	EventBurst int     `env:"EVENT_BURST" envDefault:"40"`

	HistoryLimit    int           `env:"HISTORY_LIMIT" envDefault:"200"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads an optional .env file, then the process environment.
func Load() (Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("HTTP_ADDR is empty"))
	}
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseDSN == "" {
			errs = append(errs, errors.New("DB_DSN is required for the postgres driver"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is empty"))
	}
	if c.Env != "dev" && c.JWTSecret == DefaultJWTSecret {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be changed in %s", c.Env))
	}
	if c.MessageCost <= 0 {
		errs = append(errs, errors.New("MESSAGE_COST must be positive"))
	}
	if c.TopUpAmount <= 0 {
		errs = append(errs, errors.New("TOPUP_AMOUNT must be positive"))
	}
	if c.EventRate <= 0 || c.EventBurst <= 0 {
		errs = append(errs, errors.New("EVENT_RATE and EVENT_BURST must be positive"))
	}
	if c.HistoryLimit <= 0 {
		errs = append(errs, errors.New("HISTORY_LIMIT must be positive"))
	}
	return errors.Join(errs...)
}
