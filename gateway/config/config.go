package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AuthConfig mirrors middleware.AuthConfig in YAML form.
type AuthConfig struct {
	Enabled    bool          `yaml:"enabled"`
	HMACSecret string        `yaml:"hmacSecret"`
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	ScopeClaim string        `yaml:"scopeClaim"`
	ClockSkew  time.Duration `yaml:"clockSkew"`
}

// RateLimitConfig bounds one route group.
type RateLimitConfig struct {
	ID            string  `yaml:"id"`
	RatePerSecond float64 `yaml:"ratePerSecond"`
	Burst         int     `yaml:"burst"`
}

type ObservabilityConfig struct {
	ServiceName   string `yaml:"serviceName"`
	MetricsPrefix string `yaml:"metricsPrefix"`
	Enabled       bool   `yaml:"enabled"`
	LogRequests   bool   `yaml:"logRequests"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	Metrics  bool   `yaml:"metrics"`
	Traces   bool   `yaml:"traces"`
}

// OracleConfig points the gateway at an external price feed. The feed is
// polled over HTTP and gated by staleness before engines consume it.
type OracleConfig struct {
	FeedURL      string        `yaml:"feedUrl"`
	PollInterval time.Duration `yaml:"pollInterval"`
	MaxStaleness time.Duration `yaml:"maxStaleness"`
	FeedDecimals uint8         `yaml:"feedDecimals"`
}

// SwapConfig points loan origination at an execution venue.
type SwapConfig struct {
	VenueURL string        `yaml:"venueUrl"`
	APIKey   string        `yaml:"apiKey"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Config is the collar gateway service configuration.
type Config struct {
	ListenAddress string        `yaml:"listen"`
	Environment   string        `yaml:"environment"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`

	// DataDir is the ledger store; empty runs an in-memory ledger for dev.
	DataDir string `yaml:"dataDir"`
	// RegistryPath is the TOML protocol registry consumed by the engines.
	RegistryPath string `yaml:"registryPath"`
	// IdempotencyDB is the sqlite file backing idempotency keys and the
	// audit log.
	IdempotencyDB string `yaml:"idempotencyDb"`

	Auth          AuthConfig          `yaml:"auth"`
	RateLimits    []RateLimitConfig   `yaml:"rateLimits"`
	Observability ObservabilityConfig `yaml:"observability"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Oracle        OracleConfig        `yaml:"oracle"`
	Swap          SwapConfig          `yaml:"swap"`
}

// Load reads, normalises and validates a YAML config file.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg = cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Normalise fills defaults.
func (c Config) Normalise() Config {
	if c.ListenAddress == "" {
		c.ListenAddress = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.IdempotencyDB == "" {
		c.IdempotencyDB = "collar-gateway.db"
	}
	if c.Oracle.PollInterval <= 0 {
		c.Oracle.PollInterval = 5 * time.Second
	}
	if c.Oracle.MaxStaleness <= 0 {
		c.Oracle.MaxStaleness = time.Minute
	}
	if c.Swap.Timeout <= 0 {
		c.Swap.Timeout = 10 * time.Second
	}
	return c
}

// Validate rejects configurations that cannot boot a working gateway.
func (c Config) Validate() error {
	if c.RegistryPath == "" {
		return errors.New("config: registryPath is required")
	}
	if c.Oracle.FeedURL == "" {
		return errors.New("config: oracle.feedUrl is required")
	}
	if c.Auth.Enabled && c.Auth.HMACSecret == "" {
		return errors.New("config: auth.hmacSecret required when auth is enabled")
	}
	for _, limit := range c.RateLimits {
		if limit.ID == "" {
			return errors.New("config: rate limit entries need an id")
		}
		if limit.RatePerSecond <= 0 {
			return fmt.Errorf("config: rate limit %q needs a positive ratePerSecond", limit.ID)
		}
	}
	return nil
}
