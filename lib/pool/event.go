package pool

import "time"

// EventHandler is notified of connection lifecycle events.
//
// Handlers are called synchronously, outside the pool lock, and are purely
// informational. Embed NopEventHandler to implement only some methods.
type EventHandler interface {
	// HandleAcquire is called when a new connection is created.
	HandleAcquire(event AcquireEvent)
	// HandleRelease is called when a connection leaves the pool for good.
	HandleRelease(event ReleaseEvent)
	// HandleCheckout is called when a connection is handed to a caller.
	HandleCheckout(event CheckoutEvent)
	// HandleCheckin is called when a caller returns a connection.
	HandleCheckin(event CheckinEvent)
	// HandleTimeout is called when a checkout attempt times out.
	HandleTimeout(event TimeoutEvent)
}

// AcquireEvent describes a newly created connection.
type AcquireEvent struct {
	// ID is the connection's process-wide identifier.
	ID uint64
}

// ReleaseEvent describes a connection leaving the pool.
type ReleaseEvent struct {
	ID uint64
	// Age is the time since the connection was created.
	Age time.Duration
}

// CheckoutEvent describes a successful checkout.
type CheckoutEvent struct {
	ID uint64
	// Duration is how long the caller waited.
	Duration time.Duration
}

// CheckinEvent describes a connection being returned.
type CheckinEvent struct {
	ID uint64
	// Duration is how long the connection was checked out.
	Duration time.Duration
}

// TimeoutEvent describes a failed checkout.
type TimeoutEvent struct {
	// Timeout is the deadline the caller asked for.
	Timeout time.Duration
}

// NopEventHandler ignores every event.
type NopEventHandler struct{}

func (NopEventHandler) HandleAcquire(AcquireEvent)   {}
func (NopEventHandler) HandleRelease(ReleaseEvent)   {}
func (NopEventHandler) HandleCheckout(CheckoutEvent) {}
func (NopEventHandler) HandleCheckin(CheckinEvent)   {}
func (NopEventHandler) HandleTimeout(TimeoutEvent)   {}

// EventHandlers returns a handler that forwards each event to every handler
// in order. Nil entries are skipped.
func EventHandlers(handlers ...EventHandler) EventHandler {
	hs := make(multiEventHandler, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			hs = append(hs, h)
		}
	}
	return hs
}

type multiEventHandler []EventHandler

func (m multiEventHandler) HandleAcquire(e AcquireEvent) {
	for _, h := range m {
		h.HandleAcquire(e)
	}
}

func (m multiEventHandler) HandleRelease(e ReleaseEvent) {
	for _, h := range m {
		h.HandleRelease(e)
	}
}

func (m multiEventHandler) HandleCheckout(e CheckoutEvent) {
	for _, h := range m {
		h.HandleCheckout(e)
	}
}

func (m multiEventHandler) HandleCheckin(e CheckinEvent) {
	for _, h := range m {
		h.HandleCheckin(e)
	}
}

func (m multiEventHandler) HandleTimeout(e TimeoutEvent) {
	for _, h := range m {
		h.HandleTimeout(e)
	}
}
