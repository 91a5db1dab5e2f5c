package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"licensehub.org/internal/lease"
)

// Prefix is prepended to every environment variable name.
const Prefix = "LICENSEHUB"

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// Config is the process configuration read from the environment.
type Config struct {
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr        string        `envconfig:"GRPC_ADDR" default:":9090"`
	Store           string        `envconfig:"STORE" default:"memory"`
	PGDSN           string        `envconfig:"PG_DSN"`
	MongoURI        string        `envconfig:"MONGO_URI"`
	MongoDatabase   string        `envconfig:"MONGO_DATABASE" default:"licensehub"`
	AuthSecret      string        `envconfig:"AUTH_SECRET"`
	AuthIssuer      string        `envconfig:"AUTH_ISSUER" default:"licensehub"`
	AllowedOrigins  []string      `envconfig:"ALLOWED_ORIGINS"`
	RateBurst       int           `envconfig:"RATE_BURST" default:"20"`
	RatePerSec      float64       `envconfig:"RATE_PER_SEC" default:"10"`
	ReservationTTL  time.Duration `envconfig:"RESERVATION_TTL" default:"5m"`
	ActivationTTL   time.Duration `envconfig:"ACTIVATION_TTL" default:"2h"`
	ExtendWindow    time.Duration `envconfig:"EXTEND_WINDOW" default:"15m"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Load reads and validates the configuration.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.PGDSN == "" {
			errs = append(errs, errors.New("PG_DSN is required for the postgres store"))
		}
	case StoreMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("MONGO_URI is required for the mongo store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	if c.RatePerSec <= 0 || c.RateBurst <= 0 {
		errs = append(errs, errors.New("rate limit must be positive"))
	}
	if c.ExtendWindow >= c.ActivationTTL {
		errs = append(errs, errors.New("EXTEND_WINDOW must be shorter than ACTIVATION_TTL"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ValidateServer checks the settings only the API server needs.
func (c Config) ValidateServer() error {
	if strings.TrimSpace(c.AuthSecret) == "" {
		return errors.New("invalid config: AUTH_SECRET is required")
	}
	return nil
}

// Policy returns the lease durations.
func (c Config) Policy() lease.Policy {
	return lease.Policy{
		ReservationTTL: c.ReservationTTL,
		ActivationTTL:  c.ActivationTTL,
		ExtendWindow:   c.ExtendWindow,
	}
}
