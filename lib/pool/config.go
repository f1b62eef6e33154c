package pool

import (
	"fmt"
	"time"

	apperrors "github.com/go-i2p/connpool/lib/errors"
	"github.com/go-i2p/connpool/lib/resilience"
)

// MinIdleUnset makes the pool keep as many idle connections as MaxSize allows.
const MinIdleUnset = -1

// Config configures the connection pool.
type Config struct {
	// MaxSize is the maximum number of connections managed by the pool,
	// idle and checked out combined.
	// Default: 10
	MaxSize int
	// MinIdle is the number of idle connections the pool tries to keep.
	// A negative value (MinIdleUnset) means MaxSize.
	// Default: MinIdleUnset
	MinIdle int
	// TestOnCheckOut runs Manager.IsValid on every connection before it is
	// handed out.
	// Default: false
	TestOnCheckOut bool
	// MaxLifetime is how long a connection may live before the reaper
	// closes it. 0 disables the limit.
	// Default: 30 minutes
	MaxLifetime time.Duration
	// IdleTimeout is how long a connection may sit idle before the reaper
	// closes it. 0 disables the limit.
	// Default: 10 minutes
	IdleTimeout time.Duration
	// ConnectionTimeout is how long Get waits for a connection.
	// Default: 30 seconds
	ConnectionTimeout time.Duration
	// ReaperRate is how often idle connections are checked against
	// IdleTimeout and MaxLifetime.
	// Default: 30 seconds
	ReaperRate time.Duration
	// Workers is the size of the pool-owned executor. Ignored when an
	// executor is supplied.
	// Default: 3
	Workers int
	// Backoff shapes the delay between failed connection attempts.
	Backoff resilience.BackoffConfig
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:           10,
		MinIdle:           MinIdleUnset,
		MaxLifetime:       30 * time.Minute,
		IdleTimeout:       10 * time.Minute,
		ConnectionTimeout: 30 * time.Second,
		ReaperRate:        30 * time.Second,
		Workers:           3,
		Backoff:           resilience.DefaultBackoffConfig(),
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.MaxSize <= 0:
		return fmt.Errorf("%w: max size must be positive, got %d", apperrors.ErrInvalidConfig, c.MaxSize)
	case c.MinIdle > c.MaxSize:
		return fmt.Errorf("%w: min idle %d exceeds max size %d", apperrors.ErrInvalidConfig, c.MinIdle, c.MaxSize)
	case c.ConnectionTimeout <= 0:
		return fmt.Errorf("%w: connection timeout must be positive", apperrors.ErrInvalidConfig)
	case c.MaxLifetime < 0:
		return fmt.Errorf("%w: max lifetime must not be negative", apperrors.ErrInvalidConfig)
	case c.IdleTimeout < 0:
		return fmt.Errorf("%w: idle timeout must not be negative", apperrors.ErrInvalidConfig)
	case c.reaps() && c.ReaperRate <= 0:
		return fmt.Errorf("%w: reaper rate must be positive", apperrors.ErrInvalidConfig)
	case c.Workers < 0:
		return fmt.Errorf("%w: workers must not be negative", apperrors.ErrInvalidConfig)
	}
	return nil
}

// idleTarget is the number of idle connections the pool maintains.
func (c Config) idleTarget() int {
	if c.MinIdle < 0 {
		return c.MaxSize
	}
	return c.MinIdle
}

func (c Config) reaps() bool {
	return c.IdleTimeout > 0 || c.MaxLifetime > 0
}

// Builder assembles a Pool. The zero value is not usable; call NewBuilder.
type Builder[C any] struct {
	cfg          Config
	customizer   Customizer[C]
	errorHandler ErrorHandler
	eventHandler EventHandler
	executor     Executor
}

// NewBuilder returns a builder with DefaultConfig and default hooks.
func NewBuilder[C any]() *Builder[C] {
	return &Builder[C]{
		cfg:          DefaultConfig(),
		customizer:   NopCustomizer[C]{},
		errorHandler: LoggingErrorHandler{},
		eventHandler: NopEventHandler{},
	}
}

// Config replaces every configuration value at once.
func (b *Builder[C]) Config(cfg Config) *Builder[C] {
	b.cfg = cfg
	return b
}

func (b *Builder[C]) MaxSize(n int) *Builder[C] {
	b.cfg.MaxSize = n
	return b
}

// MinIdle sets the idle target. Pass MinIdleUnset to track MaxSize.
func (b *Builder[C]) MinIdle(n int) *Builder[C] {
	b.cfg.MinIdle = n
	return b
}

func (b *Builder[C]) TestOnCheckOut(on bool) *Builder[C] {
	b.cfg.TestOnCheckOut = on
	return b
}

func (b *Builder[C]) MaxLifetime(d time.Duration) *Builder[C] {
	b.cfg.MaxLifetime = d
	return b
}

func (b *Builder[C]) IdleTimeout(d time.Duration) *Builder[C] {
	b.cfg.IdleTimeout = d
	return b
}

func (b *Builder[C]) ConnectionTimeout(d time.Duration) *Builder[C] {
	b.cfg.ConnectionTimeout = d
	return b
}

func (b *Builder[C]) ReaperRate(d time.Duration) *Builder[C] {
	b.cfg.ReaperRate = d
	return b
}

func (b *Builder[C]) Workers(n int) *Builder[C] {
	b.cfg.Workers = n
	return b
}

func (b *Builder[C]) Backoff(cfg resilience.BackoffConfig) *Builder[C] {
	b.cfg.Backoff = cfg
	return b
}

// Customizer sets the connection customizer. Nil restores the no-op one.
func (b *Builder[C]) Customizer(c Customizer[C]) *Builder[C] {
	if c == nil {
		c = NopCustomizer[C]{}
	}
	b.customizer = c
	return b
}

// ErrorHandler sets the error hook. Nil restores LoggingErrorHandler.
func (b *Builder[C]) ErrorHandler(h ErrorHandler) *Builder[C] {
	if h == nil {
		h = LoggingErrorHandler{}
	}
	b.errorHandler = h
	return b
}

// EventHandler sets the event hook. Nil restores NopEventHandler.
func (b *Builder[C]) EventHandler(h EventHandler) *Builder[C] {
	if h == nil {
		h = NopEventHandler{}
	}
	b.eventHandler = h
	return b
}

// Executor runs background work on e instead of a pool-owned scheduler.
// The pool does not close a supplied executor.
func (b *Builder[C]) Executor(e Executor) *Builder[C] {
	b.executor = e
	return b
}

// Build creates the pool and waits up to ConnectionTimeout for it to reach
// its idle target. If that fails the pool is closed and the *TimeoutError
// carries the last manager error.
func (b *Builder[C]) Build(m Manager[C]) (*Pool[C], error) {
	p, err := b.BuildUnchecked(m)
	if err != nil {
		return nil, err
	}
	if err := p.waitForInitialization(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// BuildUnchecked creates the pool without waiting for any connection.
// Initial connections are created in the background.
func (b *Builder[C]) BuildUnchecked(m Manager[C]) (*Pool[C], error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil manager", apperrors.ErrInvalidConfig)
	}
	if err := b.cfg.Validate(); err != nil {
		return nil, err
	}
	return newPool(m, b)
}

// New builds a pool from cfg with default hooks and waits for
// initialization, like Build.
func New[C any](m Manager[C], cfg Config) (*Pool[C], error) {
	return NewBuilder[C]().Config(cfg).Build(m)
}
