package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"

	StreamModeSynthesize = "synthesize"
	StreamModeProxy      = "proxy"
)

type Config struct {
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	StoreBackend  string `env:"STORE_BACKEND" envDefault:"postgres"`
	DatabaseURL   string `env:"DATABASE_URL"`
	DBMaxConns    int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	RunMigrations bool   `env:"RUN_MIGRATIONS" envDefault:"true"`

	RagAPIURL  string        `env:"RAG_API_URL" envDefault:"http://localhost:5000"`
	RagTimeout time.Duration `env:"RAG_TIMEOUT" envDefault:"120s"`

	NatsURL   string `env:"NATS_URL"`
	NatsToken string `env:"NATS_TOKEN"`

	JWTSecret   string `env:"JWT_SECRET"`
	JWTIssuer   string `env:"JWT_ISSUER"`
	JWTAudience string `env:"JWT_AUDIENCE"`

	// Timezone names the location whose midnight resets the daily quota.
	Timezone string `env:"TIMEZONE" envDefault:"Local"`

	StreamMode       string        `env:"STREAM_MODE" envDefault:"synthesize"`
	StreamChunkSize  int           `env:"STREAM_CHUNK_SIZE" envDefault:"64"`
	StreamChunkDelay time.Duration `env:"STREAM_CHUNK_DELAY" envDefault:"20ms"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case StoreBackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE_BACKEND=postgres"))
		}
	case StoreBackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	switch c.StreamMode {
	case StreamModeSynthesize, StreamModeProxy:
	default:
		errs = append(errs, fmt.Errorf("unknown STREAM_MODE %q", c.StreamMode))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.StreamChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("STREAM_CHUNK_SIZE must be positive, got %d", c.StreamChunkSize))
	}
	if c.RagTimeout < 0 || c.StreamChunkDelay < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("TIMEZONE: %w", err))
	}
	return errors.Join(errs...)
}

// Location returns the quota timezone. Validate has already checked it.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
