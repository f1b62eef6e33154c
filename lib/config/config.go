// Package config loads the TOML configuration shared by connpool tools.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	apperrors "github.com/go-i2p/connpool/lib/errors"
	"github.com/go-i2p/connpool/lib/pool"
	"github.com/go-i2p/connpool/lib/resilience"
)

// Default configuration values
const (
	DefaultNetwork       = "tcp"
	DefaultAddress       = "127.0.0.1:7000"
	DefaultDialTimeout   = 5 * time.Second
	DefaultKeepAlive     = 30 * time.Second
	DefaultBenchWorkers  = 8
	DefaultBenchDuration = 10 * time.Second
	DefaultPayload       = "ping"
	DefaultMetricsListen = "127.0.0.1:9100"
	DefaultMetricsPrefix = "connpool"
)

// Config holds all configuration for a pool and the tools that drive it.
type Config struct {
	Pool    PoolConfig    `toml:"pool"`
	Target  TargetConfig  `toml:"target"`
	Bench   BenchConfig   `toml:"bench"`
	Metrics MetricsConfig `toml:"metrics"`
}

// PoolConfig mirrors pool.Config.
type PoolConfig struct {
	// MaxSize is the maximum number of connections
	MaxSize int `toml:"max_size"`
	// MinIdle is the idle target; negative tracks max_size
	MinIdle int `toml:"min_idle"`
	// TestOnCheckOut validates connections before handing them out
	TestOnCheckOut bool `toml:"test_on_check_out"`
	// MaxLifetime closes connections older than this ("0s" disables)
	MaxLifetime Duration `toml:"max_lifetime"`
	// IdleTimeout closes connections idle longer than this ("0s" disables)
	IdleTimeout Duration `toml:"idle_timeout"`
	// ConnectionTimeout bounds how long a checkout waits
	ConnectionTimeout Duration `toml:"connection_timeout"`
	// ReaperRate is how often expired connections are collected
	ReaperRate Duration `toml:"reaper_rate"`
	// Workers is the size of the background executor
	Workers int `toml:"workers"`
	// BackoffInitial is the first retry delay floor
	BackoffInitial Duration `toml:"backoff_initial"`
	// BackoffMultiplier is the retry delay growth factor
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
	// BackoffMax caps the retry delay ("0s" means half the connection timeout)
	BackoffMax Duration `toml:"backoff_max"`
}

// TargetConfig describes the backend the pool connects to.
type TargetConfig struct {
	// Network is passed to net.Dial ("tcp", "tcp4", "unix", ...)
	Network string `toml:"network"`
	// Address is the backend address
	Address string `toml:"address"`
	// DialTimeout bounds a single connection attempt
	DialTimeout Duration `toml:"dial_timeout"`
	// KeepAlive is the TCP keep-alive period ("0s" uses the system default)
	KeepAlive Duration `toml:"keep_alive"`
	// BreakerThreshold is the number of consecutive dial failures that stops
	// dialing for BreakerOpenTimeout (0 disables the breaker)
	BreakerThreshold int `toml:"breaker_threshold"`
	// BreakerOpenTimeout is how long dialing stays suspended
	BreakerOpenTimeout Duration `toml:"breaker_open_timeout"`
}

// BenchConfig configures the poolbench load generator.
type BenchConfig struct {
	// Workers is the number of concurrent clients
	Workers int `toml:"workers"`
	// Duration is how long the run lasts
	Duration Duration `toml:"duration"`
	// Rate limits round trips per second across all workers (0 = unlimited)
	Rate float64 `toml:"rate"`
	// Burst is the rate limiter burst size
	Burst int `toml:"burst"`
	// Payload is the line sent on each round trip
	Payload string `toml:"payload"`
}

// MetricsConfig contains metrics endpoint settings.
type MetricsConfig struct {
	// Enabled controls whether the metrics endpoint is started
	Enabled bool `toml:"enabled"`
	// Listen is the address to bind the metrics server to
	Listen string `toml:"listen"`
	// Prefix is prepended to every metric name
	Prefix string `toml:"prefix"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	pc := pool.DefaultConfig()
	return &Config{
		Pool: PoolConfig{
			MaxSize:           pc.MaxSize,
			MinIdle:           pc.MinIdle,
			TestOnCheckOut:    pc.TestOnCheckOut,
			MaxLifetime:       Duration(pc.MaxLifetime),
			IdleTimeout:       Duration(pc.IdleTimeout),
			ConnectionTimeout: Duration(pc.ConnectionTimeout),
			ReaperRate:        Duration(pc.ReaperRate),
			Workers:           pc.Workers,
			BackoffInitial:    Duration(pc.Backoff.Initial),
			BackoffMultiplier: pc.Backoff.Multiplier,
			BackoffMax:        Duration(pc.Backoff.Max),
		},
		Target: TargetConfig{
			Network:     DefaultNetwork,
			Address:     DefaultAddress,
			DialTimeout: Duration(DefaultDialTimeout),
			KeepAlive:   Duration(DefaultKeepAlive),

			BreakerOpenTimeout: Duration(resilience.DefaultBreakerOpenTimeout),
		},
		Bench: BenchConfig{
			Workers:  DefaultBenchWorkers,
			Duration: Duration(DefaultBenchDuration),
			Burst:    1,
			Payload:  DefaultPayload,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  DefaultMetricsListen,
			Prefix:  DefaultMetricsPrefix,
		},
	}
}

// LoadConfig reads configuration from a TOML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.WithField("path", path).Debug("config file not found, using defaults")
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log.WithField("path", path).Debug("config loaded")
	return cfg, nil
}

// SaveConfig writes the configuration to a TOML file.
// It creates the parent directory if it doesn't exist.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.Pool.ToPool().Validate(); err != nil {
		return err
	}
	if c.Target.Network == "" {
		return configError("target.network is required")
	}
	if c.Target.Address == "" {
		return configError("target.address is required")
	}
	if c.Target.DialTimeout < 0 {
		return configError("target.dial_timeout must not be negative")
	}
	if c.Target.BreakerThreshold < 0 {
		return configError("target.breaker_threshold must not be negative")
	}
	if c.Target.BreakerThreshold > 0 && c.Target.BreakerOpenTimeout <= 0 {
		return configError("target.breaker_open_timeout must be positive when the breaker is enabled")
	}
	if c.Bench.Workers < 1 {
		return configError("bench.workers must be at least 1")
	}
	if c.Bench.Duration <= 0 {
		return configError("bench.duration must be positive")
	}
	if c.Bench.Rate < 0 {
		return configError("bench.rate must not be negative")
	}
	if c.Bench.Rate > 0 && c.Bench.Burst < 1 {
		return configError("bench.burst must be at least 1 when rate is set")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return configError("metrics.listen is required when metrics are enabled")
	}
	return nil
}

func configError(msg string) error {
	return fmt.Errorf("%w: %w", apperrors.ErrConfiguration, errors.New(msg))
}

// ToPool converts the file settings to a pool.Config.
func (p PoolConfig) ToPool() pool.Config {
	return pool.Config{
		MaxSize:           p.MaxSize,
		MinIdle:           p.MinIdle,
		TestOnCheckOut:    p.TestOnCheckOut,
		MaxLifetime:       p.MaxLifetime.Std(),
		IdleTimeout:       p.IdleTimeout.Std(),
		ConnectionTimeout: p.ConnectionTimeout.Std(),
		ReaperRate:        p.ReaperRate.Std(),
		Workers:           p.Workers,
		Backoff: resilience.BackoffConfig{
			Initial:    p.BackoffInitial.Std(),
			Multiplier: p.BackoffMultiplier,
			Max:        p.BackoffMax.Std(),
		},
	}
}

// NewBreaker returns the dial circuit breaker described by t, or nil when
// the breaker is disabled.
func (t TargetConfig) NewBreaker() *resilience.Breaker {
	if t.BreakerThreshold <= 0 {
		return nil
	}
	return resilience.NewBreaker("dial "+t.Address, resilience.BreakerConfig{
		FailureThreshold: t.BreakerThreshold,
		OpenTimeout:      t.BreakerOpenTimeout.Std(),
	})
}
