package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/go-i2p/connpool/lib/errors"
)

var errDial = errors.New("dial failed")

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg BreakerConfig) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := NewBreaker("test", cfg)
	b.now = clock.Now
	return b, clock
}

func TestBreakerDefaults(t *testing.T) {
	b := NewBreaker("dial", BreakerConfig{})
	if b.cfg != DefaultBreakerConfig() {
		t.Errorf("cfg = %+v, want defaults %+v", b.cfg, DefaultBreakerConfig())
	}
	if b.State() != BreakerClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
	if b.Name() != "dial" {
		t.Errorf("Name() = %q, want %q", b.Name(), "dial")
	}
}

func TestBreakerStateString(t *testing.T) {
	tests := []struct {
		state BreakerState
		want  string
	}{
		{BreakerClosed, "closed"},
		{BreakerOpen, "open"},
		{BreakerHalfOpen, "half-open"},
		{BreakerState(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3, OpenTimeout: time.Second})

	for i := 0; i < 3; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("attempt %d rejected: %v", i, err)
		}
		b.Record(errDial)
	}

	if b.State() != BreakerOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	err := b.Allow()
	if !errors.Is(err, apperrors.ErrCircuitOpen) {
		t.Errorf("Allow() = %v, want ErrCircuitOpen", err)
	}
	if !errors.Is(err, apperrors.ErrUnavailable) {
		t.Errorf("Allow() = %v, want it to wrap ErrUnavailable", err)
	}
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 2})

	b.Record(errDial)
	b.Record(nil)
	b.Record(errDial)

	if b.State() != BreakerClosed {
		t.Errorf("state = %v, want closed after interleaved success", b.State())
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		OpenTimeout:      time.Second,
		HalfOpenProbes:   2,
	})

	b.Record(errDial)
	if b.State() != BreakerOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	clock.Advance(time.Second)
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open after timeout", b.State())
	}

	if err := b.Allow(); err != nil {
		t.Fatalf("first probe rejected: %v", err)
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("second probe rejected: %v", err)
	}
	if err := b.Allow(); !errors.Is(err, apperrors.ErrCircuitOpen) {
		t.Errorf("third probe = %v, want ErrCircuitOpen", err)
	}

	b.Record(nil)
	b.Record(nil)
	if b.State() != BreakerClosed {
		t.Errorf("state = %v, want closed after probes succeeded", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Second})

	b.Record(errDial)
	clock.Advance(time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	b.Record(errDial)

	if b.State() != BreakerOpen {
		t.Errorf("state = %v, want open after failed probe", b.State())
	}
	if err := b.Allow(); err == nil {
		t.Error("expected rejection right after reopening")
	}
}

func TestBreakerStateChangeCallback(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Second})

	var transitions []string
	b.OnStateChange(func(from, to BreakerState) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	b.Record(errDial)
	clock.Advance(time.Second)
	b.Allow()
	b.Record(nil)

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestBreakerDo(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Minute})
	ctx := context.Background()

	calls := 0
	fail := func(context.Context) error {
		calls++
		return errDial
	}

	if err := b.Do(ctx, fail); !errors.Is(err, errDial) {
		t.Errorf("Do() = %v, want errDial", err)
	}
	if err := b.Do(ctx, fail); !errors.Is(err, apperrors.ErrCircuitOpen) {
		t.Errorf("Do() = %v, want ErrCircuitOpen", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
}

func TestBreakerDoIgnoresCancellation(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Do(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() = %v, want context.Canceled", err)
	}
	if b.State() != BreakerClosed {
		t.Errorf("state = %v, want closed after canceled attempt", b.State())
	}
}

func TestBreakerReset(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Hour})

	b.Record(errDial)
	b.Reset()

	if b.State() != BreakerClosed {
		t.Errorf("state = %v, want closed after Reset", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() after Reset = %v", err)
	}
}
