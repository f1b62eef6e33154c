package pool

import (
	"context"
	"time"

	apperrors "github.com/go-i2p/connpool/lib/errors"
)

// ensureMinIdleLocked schedules enough creations to reach the idle target.
// The caller must hold p.mu.
func (p *sharedPool[C]) ensureMinIdleLocked() {
	if p.internals.closed {
		return
	}
	need := p.config.idleTarget() - len(p.internals.idle) - p.internals.pendingConns
	for i := 0; i < need; i++ {
		if !p.addConnectionLocked() {
			return
		}
	}
}

// addConnectionLocked schedules one creation if MaxSize allows it.
// The caller must hold p.mu.
func (p *sharedPool[C]) addConnectionLocked() bool {
	if p.internals.closed || p.internals.numConns+p.internals.pendingConns >= p.config.MaxSize {
		return false
	}
	p.internals.pendingConns++
	if err := p.executor.ExecuteAfter(0, func() { p.createConnection(0) }); err != nil {
		p.internals.pendingConns--
		log.WithError(err).Warn("unable to schedule connection creation")
		return false
	}
	return true
}

// createConnection runs on the executor. A failed attempt reschedules itself
// with backoff and keeps its pending slot until it succeeds or the pool
// closes.
func (p *sharedPool[C]) createConnection(delay time.Duration) {
	if p.isClosed() {
		p.abandonPending()
		return
	}

	raw, err := p.connect()
	if err == nil {
		if err = p.customize(raw); err != nil {
			closeRaw(0, raw)
		}
	}

	if err != nil {
		p.mu.Lock()
		p.internals.lastErr = err
		closed := p.internals.closed
		p.mu.Unlock()

		p.reportError(err)
		if closed {
			p.abandonPending()
			return
		}

		next := p.backoff.Next(delay)
		log.WithField("retryIn", next).WithError(err).Debug("connection attempt failed")
		if serr := p.executor.ExecuteAfter(next, func() { p.createConnection(next) }); serr != nil {
			log.WithError(serr).Warn("unable to schedule connection retry")
			p.abandonPending()
		}
		return
	}

	c := newConn(raw)
	p.emit(func() { p.eventHandler.HandleAcquire(AcquireEvent{ID: c.id}) })

	p.mu.Lock()
	p.internals.pendingConns--
	if p.internals.closed {
		p.mu.Unlock()
		p.release(c)
		return
	}
	p.internals.lastErr = nil
	p.internals.numConns++
	p.internals.idle = append(p.internals.idle, idleConn[C]{conn: c, idleStart: time.Now()})
	p.cond.Broadcast()
	p.mu.Unlock()

	log.WithField("connID", c.id).Debug("connection created")
}

func (p *sharedPool[C]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.internals.closed
}

func (p *sharedPool[C]) abandonPending() {
	p.mu.Lock()
	p.internals.pendingConns--
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *sharedPool[C]) connect() (raw C, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &apperrors.ManagerError{Op: "connect", Err: apperrors.PanicError(r)}
		}
	}()
	raw, err = p.manager.Connect(p.ctx)
	if err != nil {
		return raw, &apperrors.ManagerError{Op: "connect", Err: err}
	}
	return raw, nil
}

func (p *sharedPool[C]) customize(raw C) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &apperrors.CustomizerError{Err: apperrors.PanicError(r)}
		}
	}()
	if err := p.customizer.OnAcquire(raw); err != nil {
		return &apperrors.CustomizerError{Err: err}
	}
	return nil
}

func (p *sharedPool[C]) validate(ctx context.Context, raw C) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &apperrors.ManagerError{Op: "validate", Err: apperrors.PanicError(r)}
		}
	}()
	if err := p.manager.IsValid(ctx, raw); err != nil {
		return &apperrors.ManagerError{Op: "validate", Err: err}
	}
	return nil
}

// hasBroken treats a panicking check as broken.
func (p *sharedPool[C]) hasBroken(raw C) (broken bool) {
	defer func() {
		if r := recover(); r != nil {
			log.WithError(apperrors.PanicError(r)).Error("has broken check panicked")
			broken = true
		}
	}()
	return p.manager.HasBroken(raw)
}

// dropConnsLocked removes connections that left the pool for good. The
// caller must hold p.mu; it is released before returning. Releases are
// reported before replacements are scheduled.
func (p *sharedPool[C]) dropConnsLocked(conns []*conn[C]) {
	p.internals.numConns -= len(conns)
	// Freed capacity lets waiters request a replacement.
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, c := range conns {
		p.release(c)
	}

	p.mu.Lock()
	p.ensureMinIdleLocked()
	p.mu.Unlock()
}

// reap closes idle connections past IdleTimeout or MaxLifetime.
func (p *sharedPool[C]) reap() {
	p.mu.Lock()
	if p.internals.closed {
		p.mu.Unlock()
		return
	}

	now := time.Now()
	old := p.internals.idle
	p.internals.idle = make([]idleConn[C], 0, p.config.MaxSize)

	var reaped []*conn[C]
	for _, ic := range old {
		expired := p.config.IdleTimeout > 0 && now.Sub(ic.idleStart) >= p.config.IdleTimeout
		if !expired && p.config.MaxLifetime > 0 && now.Sub(ic.conn.birth) >= p.config.MaxLifetime {
			expired = true
		}
		if expired {
			reaped = append(reaped, ic.conn)
		} else {
			p.internals.idle = append(p.internals.idle, ic)
		}
	}

	if len(reaped) == 0 {
		p.mu.Unlock()
		return
	}

	log.WithField("reaped", len(reaped)).Debug("reaper removed connections")
	p.dropConnsLocked(reaped)
}
