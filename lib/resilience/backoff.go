// Package resilience provides retry and failure-isolation policies for connpool.
// This file implements the bounded exponential backoff used when a connection
// manager keeps failing to create connections.
//
// Delays grow from Initial by Multiplier and are clamped to a cap:
//
//	next = min(cap, max(Initial, prev) * Multiplier)
//
// The cap is Max, or half of the fallback passed to Cap when Max is zero.
package resilience

import (
	"time"
)

// Default backoff tuning values.
const (
	DefaultBackoffInitial    = 200 * time.Millisecond
	DefaultBackoffMultiplier = 2.0
)

// BackoffConfig configures a Backoff.
type BackoffConfig struct {
	// Initial is the floor applied to the previous delay before it grows.
	// Default: 200ms
	Initial time.Duration
	// Multiplier is the growth factor between attempts.
	// Default: 2
	Multiplier float64
	// Max caps the delay. Zero means "derive from the owner's timeout".
	Max time.Duration
}

// DefaultBackoffConfig returns the backoff tuning used by connection pools.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    DefaultBackoffInitial,
		Multiplier: DefaultBackoffMultiplier,
	}
}

// Backoff computes successive retry delays. It is immutable and safe for
// concurrent use; callers carry the previous delay themselves.
type Backoff struct {
	initial    time.Duration
	multiplier float64
	max        time.Duration
}

// NewBackoff creates a backoff policy. When cfg.Max is zero, the cap becomes
// half of timeout, matching the pool's "retry at least twice per checkout
// window" behaviour. Non-positive fields fall back to defaults.
func NewBackoff(cfg BackoffConfig, timeout time.Duration) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = DefaultBackoffInitial
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = DefaultBackoffMultiplier
	}
	if cfg.Max <= 0 {
		cfg.Max = timeout / 2
	}
	if cfg.Max <= 0 {
		cfg.Max = cfg.Initial
	}

	log.WithField("initial", cfg.Initial).
		WithField("multiplier", cfg.Multiplier).
		WithField("max", cfg.Max).
		Debug("backoff policy created")

	return &Backoff{
		initial:    cfg.Initial,
		multiplier: cfg.Multiplier,
		max:        cfg.Max,
	}
}

// Next returns the delay to wait after an attempt that was itself scheduled
// with delay prev. The first failure passes prev == 0.
func (b *Backoff) Next(prev time.Duration) time.Duration {
	d := prev
	if d < b.initial {
		d = b.initial
	}
	next := time.Duration(float64(d) * b.multiplier)
	if next > b.max || next < 0 {
		next = b.max
	}
	return next
}

// Max returns the delay cap.
func (b *Backoff) Max() time.Duration {
	return b.max
}
