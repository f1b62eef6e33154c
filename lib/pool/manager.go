package pool

import (
	"context"
	"time"
)

// Manager knows how to create and check one kind of connection.
//
// C is usually a pointer type; the pool never copies connection state, it
// only hands the value back to Manager and Customizer methods.
type Manager[C any] interface {
	// Connect creates a new connection. It always runs on the pool's
	// executor, never on a caller's goroutine. ctx is canceled when the pool
	// is closed.
	Connect(ctx context.Context) (C, error)

	// IsValid checks that the connection still works, for example by
	// running a trivial query. It is called on checkout when TestOnCheckOut
	// is enabled.
	IsValid(ctx context.Context, conn C) error

	// HasBroken quickly reports whether the connection is unusable.
	//
	// It is called synchronously every time a connection is returned, so it
	// must not block. Implementations that cannot tell cheaply return false.
	HasBroken(conn C) bool
}

// Customizer hooks into connection setup and teardown.
type Customizer[C any] interface {
	// OnAcquire is called with each connection right after Manager.Connect
	// returns it. An error discards the connection and counts as a failed
	// creation attempt.
	OnAcquire(conn C) error

	// OnRelease is called exactly once for every connection that leaves the
	// pool: broken on return, failed validation, reaped, or drained by Close.
	OnRelease(conn C)
}

// NopCustomizer is a Customizer that does nothing.
type NopCustomizer[C any] struct{}

// OnAcquire implements Customizer.
func (NopCustomizer[C]) OnAcquire(C) error { return nil }

// OnRelease implements Customizer.
func (NopCustomizer[C]) OnRelease(C) {}

// ErrorHandler receives every error reported by the Manager or Customizer.
// Errors arrive wrapped as *errors.ManagerError or *errors.CustomizerError.
type ErrorHandler interface {
	HandleError(err error)
}

// NopErrorHandler discards errors.
type NopErrorHandler struct{}

// HandleError implements ErrorHandler.
func (NopErrorHandler) HandleError(error) {}

// LoggingErrorHandler logs errors at the error level. It is the default.
type LoggingErrorHandler struct{}

// HandleError implements ErrorHandler.
func (LoggingErrorHandler) HandleError(err error) {
	log.WithError(err).Error("connection manager error")
}

// ErrorHandlerFunc adapts a function to ErrorHandler.
type ErrorHandlerFunc func(err error)

// HandleError implements ErrorHandler.
func (f ErrorHandlerFunc) HandleError(err error) { f(err) }

// Executor runs the pool's background work: connection creation, retries
// and reaping. *scheduler.Scheduler implements it.
//
// Neither method may block the caller; the pool calls them while holding its
// internal lock.
type Executor interface {
	// ExecuteAfter runs task once after delay.
	ExecuteAfter(delay time.Duration, task func()) error
	// ExecuteAtFixedRate runs task after initialDelay and then every period.
	// The returned function stops the job.
	ExecuteAtFixedRate(initialDelay, period time.Duration, task func()) (func(), error)
}
