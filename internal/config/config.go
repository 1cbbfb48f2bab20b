// Package config provides configuration management for the route runner.
// It loads settings from environment variables, optionally seeded from a
// .env file, applies defaults and validates the result before any route is
// loaded.
//
// Environment Variables:
//
// Logging:
//   - LOG_LEVEL: Logging level - debug, info, warn or error (default: info)
//   - LOG_FILE: Also write logs to this file
//
// Delivery defaults (per-destination overrides in the route file win):
//   - DELIVERY_BATCH_SIZE: Records per destination batch (default: 100)
//   - DELIVERY_MAX_ATTEMPTS: Attempts per batch including the first (default: 3)
//   - DELIVERY_INITIAL_BACKOFF: Delay before the first retry (default: 1s)
//   - DELIVERY_MAX_BACKOFF: Upper bound for retry delays (default: 30s)
//   - DELIVERY_BACKOFF_MULTIPLIER: Growth factor between retries (default: 2)
//   - DELIVERY_JITTER: Random spread applied to each delay, 0-1 (default: 0.1)
//   - DELIVERY_ATTEMPT_TIMEOUT: Deadline for one attempt (default: 30s)
//   - DELIVERY_RATE_LIMIT: Batches per second per destination, 0 = unlimited
//   - DELIVERY_RATE_BURST: Burst allowed by the rate limit (default: 1)
//
// Execution:
//   - MAX_CONCURRENT_DESTINATIONS: Destinations delivered to at once (default: 10)
//
// Circuit breaking:
//   - BREAKER_ENABLED: Guard each destination with a breaker (default: true)
//   - BREAKER_MAX_FAILURES: Consecutive failures that open it (default: 5)
//   - BREAKER_TIMEOUT: Time spent open before probing again (default: 60s)
//
// Metrics:
//   - METRICS_ENABLED: Register Prometheus collectors (default: false)
//   - METRICS_NAMESPACE: Metric name prefix (default: data_router)
//   - METRICS_ADDR: Serve /metrics on this address while running
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//		log.Fatalf("Invalid configuration: %v", err)
//	}
//	loader := routing.NewLoader(factory, cfg.DeliveryPolicy(), logger)
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	"data-router/internal/circuitbreaker"
	"data-router/internal/delivery"
	"data-router/internal/metrics"
)

// Config holds all configuration values for the route runner
type Config struct {
	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile  string `env:"LOG_FILE"`

	// Delivery defaults
	BatchSize         int           `env:"DELIVERY_BATCH_SIZE" envDefault:"100"`
	MaxAttempts       int           `env:"DELIVERY_MAX_ATTEMPTS" envDefault:"3"`
	InitialBackoff    time.Duration `env:"DELIVERY_INITIAL_BACKOFF" envDefault:"1s"`
	MaxBackoff        time.Duration `env:"DELIVERY_MAX_BACKOFF" envDefault:"30s"`
	BackoffMultiplier float64       `env:"DELIVERY_BACKOFF_MULTIPLIER" envDefault:"2"`
	Jitter            float64       `env:"DELIVERY_JITTER" envDefault:"0.1"`
	AttemptTimeout    time.Duration `env:"DELIVERY_ATTEMPT_TIMEOUT" envDefault:"30s"`
	RateLimit         float64       `env:"DELIVERY_RATE_LIMIT" envDefault:"0"`
	RateBurst         int           `env:"DELIVERY_RATE_BURST" envDefault:"1"`

	// Execution
	MaxConcurrentDestinations int `env:"MAX_CONCURRENT_DESTINATIONS" envDefault:"10"`

	// Circuit breaking
	BreakerEnabled     bool          `env:"BREAKER_ENABLED" envDefault:"true"`
	BreakerMaxFailures int           `env:"BREAKER_MAX_FAILURES" envDefault:"5"`
	BreakerTimeout     time.Duration `env:"BREAKER_TIMEOUT" envDefault:"60s"`

	// Metrics
	MetricsEnabled   bool   `env:"METRICS_ENABLED" envDefault:"false"`
	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"data_router"`
	MetricsAddr      string `env:"METRICS_ADDR"`
}

// Load reads an optional .env file from the working directory, then parses
// the environment and validates the result. Variables already set in the
// environment take precedence over the file.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	return FromEnv()
}

// LoadFile is Load with an explicit env file, which must exist
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(path); err != nil {
		return nil, fmt.Errorf("failed to read env file %s: %w", path, err)
	}
	return FromEnv()
}

// FromEnv parses and validates the current environment only
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to read env file %s: %w", path, err)
	}
	return nil
}

// Validate performs validation on the configuration so a bad environment
// fails before any destination is built.
func (c *Config) Validate() error {
	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error")
	}

	if err := c.DeliveryPolicy().Validate(); err != nil {
		return fmt.Errorf("DELIVERY_* settings are invalid: %w", err)
	}

	if c.MaxConcurrentDestinations <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_DESTINATIONS must be positive")
	}

	if c.BreakerEnabled {
		if err := c.BreakerConfig().Validate(); err != nil {
			return fmt.Errorf("BREAKER_* settings are invalid: %w", err)
		}
	}

	if c.MetricsEnabled && c.MetricsNamespace == "" {
		return fmt.Errorf("METRICS_NAMESPACE is required when metrics are enabled")
	}
	if c.MetricsAddr != "" && !c.MetricsEnabled {
		return fmt.Errorf("METRICS_ADDR requires METRICS_ENABLED=true")
	}

	return nil
}

// isValidLogLevel checks if the log level is valid
func isValidLogLevel(level string) bool {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	return validLevels[level]
}

// DeliveryPolicy returns the global delivery defaults
func (c *Config) DeliveryPolicy() delivery.Policy {
	return delivery.Policy{
		BatchSize:         c.BatchSize,
		MaxAttempts:       c.MaxAttempts,
		InitialBackoff:    c.InitialBackoff,
		MaxBackoff:        c.MaxBackoff,
		BackoffMultiplier: c.BackoffMultiplier,
		Jitter:            c.Jitter,
		AttemptTimeout:    c.AttemptTimeout,
		RateLimit:         c.RateLimit,
		RateBurst:         c.RateBurst,
	}
}

// BreakerConfig returns the per-destination circuit breaker settings
func (c *Config) BreakerConfig() circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig()
	cfg.MaxFailures = c.BreakerMaxFailures
	cfg.Timeout = c.BreakerTimeout
	return cfg
}

// Namespace returns the metrics namespace, falling back to the default
func (c *Config) Namespace() string {
	if c.MetricsNamespace == "" {
		return metrics.DefaultNamespace
	}
	return c.MetricsNamespace
}

// String returns a summary of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{LogLevel=%s, BatchSize=%d, MaxAttempts=%d, AttemptTimeout=%v, "+
			"MaxConcurrentDestinations=%d, BreakerEnabled=%v, MetricsEnabled=%v}",
		c.LogLevel,
		c.BatchSize,
		c.MaxAttempts,
		c.AttemptTimeout,
		c.MaxConcurrentDestinations,
		c.BreakerEnabled,
		c.MetricsEnabled,
	)
}
