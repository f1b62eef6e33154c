package pool

import (
	"runtime"
	"sync/atomic"
	"time"
)

// connectionID hands out process-wide connection identifiers, starting at 1.
var connectionID atomic.Uint64

// conn is a live connection owned by the pool.
type conn[C any] struct {
	raw   C
	id    uint64
	birth time.Time
	ext   Extensions
}

func newConn[C any](raw C) *conn[C] {
	return &conn[C]{
		raw:   raw,
		id:    connectionID.Add(1),
		birth: time.Now(),
	}
}

// idleConn is a connection waiting in the idle list.
type idleConn[C any] struct {
	conn      *conn[C]
	idleStart time.Time
}

// PooledConn is a connection checked out of a Pool. Return it with Close;
// until then no other caller can obtain it.
//
// A PooledConn that is garbage collected without Close is returned to the
// pool by a finalizer and logged as a leak. Do not rely on that.
type PooledConn[C any] struct {
	pool       *sharedPool[C]
	owner      *Pool[C] // keeps the handle reachable while checked out
	checkedOut time.Time
	slot       atomic.Pointer[conn[C]]
	discard    atomic.Bool
}

func newPooledConn[C any](p *sharedPool[C], c *conn[C], checkedOut time.Time) *PooledConn[C] {
	pc := &PooledConn[C]{pool: p, checkedOut: checkedOut}
	pc.slot.Store(c)
	runtime.SetFinalizer(pc, finalizePooledConn[C])
	return pc
}

func finalizePooledConn[C any](pc *PooledConn[C]) {
	c := pc.slot.Swap(nil)
	if c == nil {
		return
	}
	log.WithField("connID", c.id).Warn("pooled connection garbage collected without Close")
	pc.pool.putBack(pc.checkedOut, c, pc.discard.Load())
}

// Conn returns the underlying connection, or the zero value after Close.
func (pc *PooledConn[C]) Conn() C {
	if c := pc.slot.Load(); c != nil {
		return c.raw
	}
	var zero C
	return zero
}

// ID returns the connection's identifier, or 0 after Close.
func (pc *PooledConn[C]) ID() uint64 {
	if c := pc.slot.Load(); c != nil {
		return c.id
	}
	return 0
}

// Extensions returns the connection's extension values, or nil after Close.
func (pc *PooledConn[C]) Extensions() *Extensions {
	if c := pc.slot.Load(); c != nil {
		return &c.ext
	}
	return nil
}

// CheckedOutAt returns when the connection was handed out.
func (pc *PooledConn[C]) CheckedOutAt() time.Time {
	return pc.checkedOut
}

// Age returns the time since the underlying connection was created.
func (pc *PooledConn[C]) Age() time.Duration {
	if c := pc.slot.Load(); c != nil {
		return time.Since(c.birth)
	}
	return 0
}

// Discard marks the connection as broken so Close removes it from the pool
// instead of returning it to the idle list.
func (pc *PooledConn[C]) Discard() {
	pc.discard.Store(true)
}

// Close returns the connection to the pool. Calling Close more than once is
// a no-op.
func (pc *PooledConn[C]) Close() error {
	c := pc.slot.Swap(nil)
	if c == nil {
		return nil
	}
	runtime.SetFinalizer(pc, nil)
	pc.pool.putBack(pc.checkedOut, c, pc.discard.Load())
	pc.owner = nil
	return nil
}
