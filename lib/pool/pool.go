// Package pool provides a generic connection pool.
//
// A Pool keeps up to MaxSize connections created by a Manager. Connections
// are created, retried and reaped in the background on an Executor, so a
// caller never pays for a dial; Get only waits for a connection to appear in
// the idle list. Callers return connections by closing the PooledConn.
//
// Manager, Customizer and hook calls never run while the pool lock is held.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/go-i2p/connpool/lib/errors"
	"github.com/go-i2p/connpool/lib/resilience"
	"github.com/go-i2p/connpool/lib/scheduler"
)

// errNoIdle reports an empty idle list to TryGet.
var errNoIdle = errors.New("no idle connection")

// internals is the mutable pool state guarded by Pool.mu.
type internals[C any] struct {
	// idle is used as a stack; the most recently returned connection is
	// handed out first.
	idle []idleConn[C]
	// numConns counts idle and checked out connections.
	numConns int
	// pendingConns counts creations scheduled or in progress, retries
	// included.
	pendingConns int
	lastErr      error
	closed       bool
	stopReaper   func()
}

// Pool is a generic connection pool. It is safe for concurrent use.
//
// Close releases the idle connections and the background workers. A Pool
// that becomes unreachable without Close is closed after the garbage
// collector notices, and a warning is logged; a checked out connection keeps
// its Pool reachable.
type Pool[C any] struct {
	*sharedPool[C]
}

// sharedPool is the state behind a Pool handle. Background tasks and
// checked out connections reference it, never the handle.
type sharedPool[C any] struct {
	manager      Manager[C]
	config       Config
	customizer   Customizer[C]
	errorHandler ErrorHandler
	eventHandler EventHandler
	executor     Executor
	// ownedExecutor is closed with the pool; nil when the executor was
	// supplied by the caller.
	ownedExecutor *scheduler.Scheduler
	backoff       *resilience.Backoff

	// ctx is passed to Manager calls and canceled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	cond      *sync.Cond
	internals internals[C]

	// Metrics
	acquireCount   uint64
	acquireSuccess uint64
	acquireFailed  uint64
	releaseCount   uint64
	healthFails    uint64
	timeouts       uint64
}

func newPool[C any](m Manager[C], b *Builder[C]) (*Pool[C], error) {
	s, err := newSharedPool(m, b)
	if err != nil {
		return nil, err
	}
	p := &Pool[C]{sharedPool: s}
	runtime.AddCleanup(p, (*sharedPool[C]).abandoned, s)
	return p, nil
}

func newSharedPool[C any](m Manager[C], b *Builder[C]) (*sharedPool[C], error) {
	cfg := b.cfg

	executor := b.executor
	var owned *scheduler.Scheduler
	if executor == nil {
		sched, err := scheduler.New(scheduler.Config{Workers: cfg.Workers})
		if err != nil {
			return nil, fmt.Errorf("creating executor: %w", err)
		}
		owned = sched
		executor = sched
	}

	p := &sharedPool[C]{
		manager:       m,
		config:        cfg,
		customizer:    b.customizer,
		errorHandler:  b.errorHandler,
		eventHandler:  b.eventHandler,
		executor:      executor,
		ownedExecutor: owned,
		backoff:       resilience.NewBackoff(cfg.Backoff, cfg.ConnectionTimeout),
		internals: internals[C]{
			idle: make([]idleConn[C], 0, cfg.MaxSize),
		},
	}
	p.cond = sync.NewCond(&p.mu)
	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.mu.Lock()
	p.ensureMinIdleLocked()
	p.mu.Unlock()

	if cfg.reaps() {
		stop, err := executor.ExecuteAtFixedRate(cfg.ReaperRate, cfg.ReaperRate, p.reap)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("scheduling reaper: %w", err)
		}
		p.mu.Lock()
		p.internals.stopReaper = stop
		p.mu.Unlock()
	}

	log.WithField("maxSize", cfg.MaxSize).
		WithField("minIdle", cfg.idleTarget()).
		WithField("connectionTimeout", cfg.ConnectionTimeout).
		Debug("pool created")
	return p, nil
}

// waitForInitialization blocks until the idle target is reached, the
// connection timeout expires or the pool is closed.
func (p *sharedPool[C]) waitForInitialization() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.ConnectionTimeout)
	defer cancel()

	target := p.config.idleTarget()

	p.mu.Lock()
	defer p.mu.Unlock()

	for p.internals.numConns < target {
		if p.internals.closed {
			return apperrors.ErrPoolClosed
		}
		if ctx.Err() != nil {
			return &apperrors.TimeoutError{
				Timeout: p.config.ConnectionTimeout,
				LastErr: p.internals.lastErr,
			}
		}
		p.waitWithContext(ctx)
	}
	return nil
}

// Get checks out a connection, waiting up to ConnectionTimeout.
func (p *Pool[C]) Get() (*PooledConn[C], error) {
	return p.GetTimeout(p.config.ConnectionTimeout)
}

// GetTimeout checks out a connection, waiting up to timeout.
// On timeout the error is a *errors.TimeoutError carrying the most recent
// manager error, if any.
func (p *Pool[C]) GetTimeout(timeout time.Duration) (*PooledConn[C], error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return p.hold(p.acquire(ctx, timeout))
}

// Acquire checks out a connection, waiting until ctx is done. Without a
// deadline on ctx, ConnectionTimeout applies.
func (p *Pool[C]) Acquire(ctx context.Context) (*PooledConn[C], error) {
	timeout := p.config.ConnectionTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	} else {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return p.hold(p.acquire(ctx, timeout))
}

// TryGet checks out an idle connection without waiting. It reports false if
// none is idle or the pool is closed. Unlike Get it does not request a
// connection when the idle list is empty.
func (p *Pool[C]) TryGet() (*PooledConn[C], bool) {
	pc, err := p.hold(p.tryGet())
	return pc, err == nil
}

// With checks out a connection, passes it to fn and returns it afterwards,
// also when fn panics.
func (p *Pool[C]) With(ctx context.Context, fn func(*PooledConn[C]) error) error {
	pc, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer pc.Close()
	return fn(pc)
}

// hold ties a checked out connection to the handle, so the pool stays
// reachable until the connection is returned.
func (p *Pool[C]) hold(pc *PooledConn[C], err error) (*PooledConn[C], error) {
	if pc != nil {
		pc.owner = p
	}
	return pc, err
}

func (p *sharedPool[C]) acquire(ctx context.Context, timeout time.Duration) (*PooledConn[C], error) {
	atomic.AddUint64(&p.acquireCount, 1)
	start := time.Now()

	p.mu.Lock()
	for {
		if p.internals.closed {
			p.mu.Unlock()
			atomic.AddUint64(&p.acquireFailed, 1)
			return nil, apperrors.ErrPoolClosed
		}

		if c, ok := p.takeIdleLocked(ctx); ok {
			p.mu.Unlock()
			return p.checkout(c, start), nil
		}

		if err := ctx.Err(); err != nil {
			lastErr := p.internals.lastErr
			p.mu.Unlock()
			atomic.AddUint64(&p.acquireFailed, 1)
			return nil, p.acquireError(err, timeout, lastErr)
		}

		p.addConnectionLocked()
		p.waitWithContext(ctx)
	}
}

func (p *sharedPool[C]) acquireError(ctxErr error, timeout time.Duration, lastErr error) error {
	if errors.Is(ctxErr, context.Canceled) {
		return fmt.Errorf("%w: %w", apperrors.ErrCanceled, ctxErr)
	}
	atomic.AddUint64(&p.timeouts, 1)
	p.emit(func() { p.eventHandler.HandleTimeout(TimeoutEvent{Timeout: timeout}) })
	log.WithField("timeout", timeout).WithError(lastErr).Debug("timed out waiting for connection")
	return &apperrors.TimeoutError{Timeout: timeout, LastErr: lastErr}
}

// tryGet pops an idle connection without waiting. The error is only a
// signal for hold; callers report a bool.
func (p *sharedPool[C]) tryGet() (*PooledConn[C], error) {
	atomic.AddUint64(&p.acquireCount, 1)
	start := time.Now()

	ctx, cancel := context.WithTimeout(p.ctx, p.config.ConnectionTimeout)
	defer cancel()

	p.mu.Lock()
	if p.internals.closed {
		p.mu.Unlock()
		atomic.AddUint64(&p.acquireFailed, 1)
		return nil, apperrors.ErrPoolClosed
	}
	c, ok := p.takeIdleLocked(ctx)
	p.mu.Unlock()

	if !ok {
		atomic.AddUint64(&p.acquireFailed, 1)
		return nil, errNoIdle
	}
	return p.checkout(c, start), nil
}

func (p *sharedPool[C]) checkout(c *conn[C], start time.Time) *PooledConn[C] {
	atomic.AddUint64(&p.acquireSuccess, 1)
	now := time.Now()
	p.emit(func() { p.eventHandler.HandleCheckout(CheckoutEvent{ID: c.id, Duration: now.Sub(start)}) })
	return newPooledConn(p, c, now)
}

// takeIdleLocked pops idle connections until one passes validation.
// The caller must hold p.mu; it is released around validation and held
// again on return.
func (p *sharedPool[C]) takeIdleLocked(ctx context.Context) (*conn[C], bool) {
	for {
		n := len(p.internals.idle)
		if n == 0 {
			return nil, false
		}
		ic := p.internals.idle[n-1]
		p.internals.idle[n-1] = idleConn[C]{}
		p.internals.idle = p.internals.idle[:n-1]
		p.ensureMinIdleLocked()

		if !p.config.TestOnCheckOut {
			return ic.conn, true
		}

		p.mu.Unlock()
		err := p.validate(ctx, ic.conn.raw)
		p.mu.Lock()

		if err != nil {
			atomic.AddUint64(&p.healthFails, 1)
			log.WithField("connID", ic.conn.id).WithError(err).Debug("connection failed validation")
			p.internals.lastErr = err
			p.mu.Unlock()
			p.reportError(err)
			p.mu.Lock()
			p.dropConnsLocked([]*conn[C]{ic.conn})
			p.mu.Lock()
			continue
		}

		if p.internals.closed {
			p.dropConnsLocked([]*conn[C]{ic.conn})
			p.mu.Lock()
			return nil, false
		}
		return ic.conn, true
	}
}

// waitWithContext waits for a condition signal or context cancellation.
func (p *sharedPool[C]) waitWithContext(ctx context.Context) {
	// Start a goroutine to signal on context cancellation
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-done:
		}
	}()
	p.cond.Wait()
	close(done)
}

// putBack takes a connection back from a PooledConn.
func (p *sharedPool[C]) putBack(checkedOut time.Time, c *conn[C], discard bool) {
	atomic.AddUint64(&p.releaseCount, 1)
	p.emit(func() { p.eventHandler.HandleCheckin(CheckinEvent{ID: c.id, Duration: time.Since(checkedOut)}) })

	broken := discard || p.hasBroken(c.raw)
	if !broken && p.config.MaxLifetime > 0 && time.Since(c.birth) >= p.config.MaxLifetime {
		log.WithField("connID", c.id).Debug("connection exceeded max lifetime while checked out")
		broken = true
	}

	p.mu.Lock()
	if broken || p.internals.closed {
		p.dropConnsLocked([]*conn[C]{c})
		return
	}
	p.internals.idle = append(p.internals.idle, idleConn[C]{conn: c, idleStart: time.Now()})
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Close closes the pool. Idle connections are released at once; checked out
// connections are released when they are returned. Pending creations are
// abandoned, and Get fails with ErrPoolClosed from now on.
func (p *sharedPool[C]) Close() error {
	p.mu.Lock()
	if p.internals.closed {
		p.mu.Unlock()
		return apperrors.ErrPoolClosed
	}
	p.internals.closed = true
	stop := p.internals.stopReaper
	p.internals.stopReaper = nil

	drained := make([]*conn[C], 0, len(p.internals.idle))
	for _, ic := range p.internals.idle {
		drained = append(drained, ic.conn)
	}
	p.internals.idle = nil
	p.internals.numConns -= len(drained)
	p.cond.Broadcast()
	p.mu.Unlock()

	if stop != nil {
		stop()
	}
	p.cancel()

	for _, c := range drained {
		p.release(c)
	}

	if p.ownedExecutor != nil {
		if err := p.ownedExecutor.Close(); err != nil {
			log.WithError(err).Warn("closing pool executor")
		}
	}

	log.WithField("released", len(drained)).Debug("pool closed")
	return nil
}

// abandoned closes a pool whose handle was garbage collected without Close.
// It runs on the runtime's cleanup goroutine, so the close itself is handed
// off.
func (p *sharedPool[C]) abandoned() {
	if p.isClosed() {
		return
	}
	log.WithField("maxSize", p.config.MaxSize).Warn("pool garbage collected without Close")
	go p.Close()
}

// State is a snapshot of the pool's connection counts.
type State struct {
	// Connections is the number of connections managed by the pool.
	Connections int
	// IdleConnections is the number of connections waiting to be checked out.
	IdleConnections int
}

// State returns the current connection counts.
func (p *sharedPool[C]) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{
		Connections:     p.internals.numConns,
		IdleConnections: len(p.internals.idle),
	}
}

// Stats returns pool statistics.
type Stats struct {
	// MaxSize is the maximum pool size.
	MaxSize int
	// NumOpen is the current number of open connections.
	NumOpen int
	// NumIdle is the current number of idle connections.
	NumIdle int
	// NumInUse is the number of connections currently in use.
	NumInUse int
	// NumPending is the number of connections being created.
	NumPending int
	// AcquireCount is the total number of acquire attempts.
	AcquireCount uint64
	// AcquireSuccess is the number of successful acquires.
	AcquireSuccess uint64
	// AcquireFailed is the number of failed acquires.
	AcquireFailed uint64
	// ReleaseCount is the number of releases.
	ReleaseCount uint64
	// HealthCheckFails is the number of connections that failed validation.
	HealthCheckFails uint64
	// Timeouts is the number of acquires that hit their deadline.
	Timeouts uint64
}

// Stats returns current pool statistics.
func (p *sharedPool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		MaxSize:          p.config.MaxSize,
		NumOpen:          p.internals.numConns,
		NumIdle:          len(p.internals.idle),
		NumInUse:         p.internals.numConns - len(p.internals.idle),
		NumPending:       p.internals.pendingConns,
		AcquireCount:     atomic.LoadUint64(&p.acquireCount),
		AcquireSuccess:   atomic.LoadUint64(&p.acquireSuccess),
		AcquireFailed:    atomic.LoadUint64(&p.acquireFailed),
		ReleaseCount:     atomic.LoadUint64(&p.releaseCount),
		HealthCheckFails: atomic.LoadUint64(&p.healthFails),
		Timeouts:         atomic.LoadUint64(&p.timeouts),
	}
}

// Config returns the pool's configuration.
func (p *sharedPool[C]) Config() Config { return p.config }

func (p *sharedPool[C]) MaxSize() int { return p.config.MaxSize }

// MinIdle returns the idle target, MaxSize when MinIdle is unset.
func (p *sharedPool[C]) MinIdle() int { return p.config.idleTarget() }

func (p *sharedPool[C]) TestOnCheckOut() bool { return p.config.TestOnCheckOut }

func (p *sharedPool[C]) MaxLifetime() time.Duration { return p.config.MaxLifetime }

func (p *sharedPool[C]) IdleTimeout() time.Duration { return p.config.IdleTimeout }

func (p *sharedPool[C]) ConnectionTimeout() time.Duration { return p.config.ConnectionTimeout }

// release hands a connection that left the pool to the event handler and the
// customizer, then closes it if it is an io.Closer.
func (p *sharedPool[C]) release(c *conn[C]) {
	p.emit(func() { p.eventHandler.HandleRelease(ReleaseEvent{ID: c.id, Age: time.Since(c.birth)}) })
	p.emit(func() { p.customizer.OnRelease(c.raw) })
	closeRaw(c.id, c.raw)
}

func closeRaw[C any](id uint64, raw C) {
	closer, ok := any(raw).(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		log.WithField("connID", id).WithError(err).Debug("closing released connection")
	}
}

// emit runs a user hook, logging instead of propagating a panic.
func (p *sharedPool[C]) emit(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithError(apperrors.PanicError(r)).Error("pool hook panicked")
		}
	}()
	fn()
}

func (p *sharedPool[C]) reportError(err error) {
	p.emit(func() { p.errorHandler.HandleError(err) })
}
