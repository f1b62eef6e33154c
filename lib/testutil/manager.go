package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrFakeConnect is returned by FakeManager when it refuses a connection.
var ErrFakeConnect = errors.New("fake connect failure")

// ErrFakeInvalid is returned by FakeManager.IsValid for invalid connections.
var ErrFakeInvalid = errors.New("fake connection invalid")

// FakeConn is a connection handed out by FakeManager.
type FakeConn struct {
	ID int64

	broken  atomic.Bool
	invalid atomic.Bool
	closed  atomic.Bool
}

// Break makes HasBroken report true for c.
func (c *FakeConn) Break() { c.broken.Store(true) }

// Invalidate makes IsValid fail for c.
func (c *FakeConn) Invalidate() { c.invalid.Store(true) }

// Close marks c as closed. The pool calls it when c leaves the pool.
func (c *FakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

// IsClosed reports whether Close was called.
func (c *FakeConn) IsClosed() bool { return c.closed.Load() }

// FakeManager creates FakeConns. It satisfies pool.Manager[*FakeConn].
// Configure it before handing it to a pool.
type FakeManager struct {
	// Limit caps the number of successful connects; further attempts fail.
	// 0 means unlimited.
	Limit int64
	// FailFirst makes the first n connect attempts fail.
	FailFirst int64
	// Err is returned instead of ErrFakeConnect when set.
	Err error
	// AlwaysBroken makes HasBroken report true for every connection.
	AlwaysBroken bool
	// ConnectDelay is slept before each connect attempt.
	ConnectDelay time.Duration
	// PanicOnConnect makes Connect panic instead of failing.
	PanicOnConnect bool

	attempts    atomic.Int64
	connects    atomic.Int64
	validations atomic.Int64

	mu    sync.Mutex
	conns []*FakeConn
}

// Connect implements pool.Manager.
func (m *FakeManager) Connect(ctx context.Context) (*FakeConn, error) {
	if m.ConnectDelay > 0 {
		select {
		case <-time.After(m.ConnectDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	n := m.attempts.Add(1)
	if m.PanicOnConnect {
		panic("fake manager panic")
	}
	if n <= m.FailFirst {
		return nil, m.err()
	}
	if m.Limit > 0 && m.connects.Load() >= m.Limit {
		return nil, m.err()
	}

	c := &FakeConn{ID: m.connects.Add(1)}
	m.mu.Lock()
	m.conns = append(m.conns, c)
	m.mu.Unlock()
	return c, nil
}

// IsValid implements pool.Manager.
func (m *FakeManager) IsValid(_ context.Context, c *FakeConn) error {
	m.validations.Add(1)
	if c.invalid.Load() {
		return ErrFakeInvalid
	}
	return nil
}

// HasBroken implements pool.Manager.
func (m *FakeManager) HasBroken(c *FakeConn) bool {
	return m.AlwaysBroken || c.broken.Load()
}

func (m *FakeManager) err() error {
	if m.Err != nil {
		return m.Err
	}
	return ErrFakeConnect
}

// Attempts returns the number of Connect calls.
func (m *FakeManager) Attempts() int64 { return m.attempts.Load() }

// Connects returns the number of connections created.
func (m *FakeManager) Connects() int64 { return m.connects.Load() }

// Validations returns the number of IsValid calls.
func (m *FakeManager) Validations() int64 { return m.validations.Load() }

// Conns returns every connection created so far.
func (m *FakeManager) Conns() []*FakeConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*FakeConn, len(m.conns))
	copy(out, m.conns)
	return out
}
