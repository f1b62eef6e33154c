package resilience

// This file implements a circuit breaker for connection attempts. While a
// backend keeps refusing connections the breaker opens and attempts fail
// immediately, until OpenTimeout has passed and a limited number of probe
// attempts are let through.
//
//	Closed -> Open -> HalfOpen -> Closed
//	            ^         |
//	            +---------+ (probe failed)

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/go-i2p/connpool/lib/errors"
)

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	// BreakerClosed lets every attempt through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects attempts.
	BreakerOpen
	// BreakerHalfOpen lets a limited number of probe attempts through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Default breaker tuning values.
const (
	DefaultBreakerFailureThreshold = 5
	DefaultBreakerSuccessThreshold = 1
	DefaultBreakerOpenTimeout      = 5 * time.Second
	DefaultBreakerHalfOpenProbes   = 1
)

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	// Default: 5
	FailureThreshold int
	// SuccessThreshold is the number of probe successes that closes it again.
	// Default: 1
	SuccessThreshold int
	// OpenTimeout is how long the breaker stays open before probing.
	// Default: 5 seconds
	OpenTimeout time.Duration
	// HalfOpenProbes is the number of attempts allowed while half-open.
	// Default: 1
	HalfOpenProbes int
}

// DefaultBreakerConfig returns the breaker tuning used for dialing.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: DefaultBreakerFailureThreshold,
		SuccessThreshold: DefaultBreakerSuccessThreshold,
		OpenTimeout:      DefaultBreakerOpenTimeout,
		HalfOpenProbes:   DefaultBreakerHalfOpenProbes,
	}
}

// Breaker is a circuit breaker. It is safe for concurrent use.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	probes    int
	openedAt  time.Time
	onChange  func(from, to BreakerState)
	now       func() time.Time
}

// NewBreaker creates a closed breaker. Non-positive fields fall back to defaults.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = def.HalfOpenProbes
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

// OnStateChange registers fn to run after every transition. fn runs with no
// lock held and must not block.
func (b *Breaker) OnStateChange(fn func(from, to BreakerState)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state. An open breaker whose timeout has passed
// reports half-open.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// Allow reserves an attempt. It returns an error wrapping
// apperrors.ErrCircuitOpen when the attempt must not be made. Every allowed
// attempt must be followed by Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	var from BreakerState
	changed := false

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenTimeout {
			b.mu.Unlock()
			return fmt.Errorf("%s: %w", b.name, apperrors.ErrCircuitOpen)
		}
		from, changed = b.transitionLocked(BreakerHalfOpen)
		b.probes = 1
	case BreakerHalfOpen:
		if b.probes >= b.cfg.HalfOpenProbes {
			b.mu.Unlock()
			return fmt.Errorf("%s: %w", b.name, apperrors.ErrCircuitOpen)
		}
		b.probes++
	}

	fn := b.onChange
	b.mu.Unlock()
	if changed && fn != nil {
		fn(from, BreakerHalfOpen)
	}
	return nil
}

// Record reports the outcome of an allowed attempt.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	var from, to BreakerState
	changed := false

	switch b.state {
	case BreakerClosed:
		if err == nil {
			b.failures = 0
			break
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			to = BreakerOpen
			from, changed = b.transitionLocked(to)
		}
	case BreakerHalfOpen:
		if err != nil {
			to = BreakerOpen
			from, changed = b.transitionLocked(to)
			break
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			to = BreakerClosed
			from, changed = b.transitionLocked(to)
		}
	}

	fn := b.onChange
	b.mu.Unlock()
	if changed && fn != nil {
		fn(from, to)
	}
}

// Do runs fn if the breaker allows it and records the result. A context
// cancellation is not counted against the backend.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil && ctx.Err() != nil {
		// Give the reserved probe back without judging the backend.
		b.release()
		return err
	}
	b.Record(err)
	return err
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from, changed := b.transitionLocked(BreakerClosed)
	fn := b.onChange
	b.mu.Unlock()
	if changed && fn != nil {
		fn(from, BreakerClosed)
	}
}

func (b *Breaker) release() {
	b.mu.Lock()
	if b.state == BreakerHalfOpen && b.probes > 0 {
		b.probes--
	}
	b.mu.Unlock()
}

// transitionLocked moves to state and resets the counters. The caller must
// hold b.mu.
func (b *Breaker) transitionLocked(state BreakerState) (BreakerState, bool) {
	from := b.state
	b.failures = 0
	b.successes = 0
	b.probes = 0
	if from == state {
		return from, false
	}
	b.state = state
	if state == BreakerOpen {
		b.openedAt = b.now()
	}

	log.WithField("breaker", b.name).
		WithField("from", from.String()).
		WithField("to", state.String()).
		Info("circuit breaker state transition")
	return from, true
}
