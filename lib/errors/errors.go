// Package errors provides structured error types for connpool.
//
// This package provides:
//   - Sentinel errors for common error conditions
//   - Error codes for categorizing failures (used by the bench tool's exit codes)
//   - The pool error taxonomy: TimeoutError, ManagerError and CustomizerError
//   - Safe error messages that don't leak manager internals
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Error codes for categorizing errors.
const (
	CodeInternal      = 1  // Internal error
	CodeTimeout       = 2  // Checkout deadline expired
	CodeUnavailable   = 3  // Backing resource unavailable
	CodeConnection    = 4  // Manager or customizer failure
	CodeState         = 5  // Invalid state (e.g. pool closed)
	CodeConfiguration = 6  // Invalid configuration
	CodeCanceled      = 7  // Caller canceled the operation
	CodeInvalidInput  = 8  // Invalid input
	CodeNotFound      = 9  // Resource not found
	CodeUsage         = 64 // Command line usage error
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these conditions.
var (
	// ErrNotFound indicates a resource was not found.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates invalid input was provided.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("timed out waiting for connection")

	// ErrUnavailable indicates a service is unavailable.
	ErrUnavailable = errors.New("service unavailable")

	// ErrClosed indicates a resource is closed.
	ErrClosed = errors.New("closed")

	// ErrInvalidState indicates an invalid state transition.
	ErrInvalidState = errors.New("invalid state")

	// ErrConnection indicates a connection error.
	ErrConnection = errors.New("connection error")

	// ErrInternal indicates an internal error.
	ErrInternal = errors.New("internal error")

	// ErrConfiguration indicates a configuration error.
	ErrConfiguration = errors.New("configuration error")

	// ErrCanceled indicates the caller gave up before the operation finished.
	ErrCanceled = errors.New("canceled")

	// ErrManagerPanic indicates a user-supplied callback panicked.
	ErrManagerPanic = errors.New("callback panicked")
)

// Pool errors
var (
	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = fmt.Errorf("pool: %w", ErrClosed)

	// ErrInvalidConfig is returned when a pool is built from an invalid configuration.
	ErrInvalidConfig = fmt.Errorf("pool: %w", ErrConfiguration)

	// ErrSchedulerClosed is returned when submitting work to a closed scheduler.
	ErrSchedulerClosed = fmt.Errorf("scheduler: %w", ErrClosed)

	// ErrCircuitOpen is returned when a circuit breaker rejects an attempt.
	ErrCircuitOpen = fmt.Errorf("circuit open: %w", ErrUnavailable)
)

// TimeoutError is returned when a connection could not be checked out before
// the deadline. LastErr holds the most recent manager error, if any.
type TimeoutError struct {
	Timeout time.Duration
	LastErr error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("%s: %v", ErrTimeout.Error(), e.LastErr)
	}
	return ErrTimeout.Error()
}

// Is makes every TimeoutError match ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Unwrap returns the last manager error.
func (e *TimeoutError) Unwrap() error {
	return e.LastErr
}

// ManagerError wraps a failure reported by a connection manager.
type ManagerError struct {
	// Op is the manager operation that failed ("connect" or "validate").
	Op  string
	Err error
}

// Error implements the error interface.
func (e *ManagerError) Error() string {
	return fmt.Sprintf("manager %s: %v", e.Op, e.Err)
}

// Is makes every ManagerError match ErrConnection.
func (e *ManagerError) Is(target error) bool {
	return target == ErrConnection
}

// Unwrap returns the manager's own error.
func (e *ManagerError) Unwrap() error {
	return e.Err
}

// CustomizerError wraps a failure returned by a connection customizer.
// The pool treats it exactly like a ManagerError.
type CustomizerError struct {
	Err error
}

// Error implements the error interface.
func (e *CustomizerError) Error() string {
	return fmt.Sprintf("customizer on_acquire: %v", e.Err)
}

// Is makes every CustomizerError match ErrConnection.
func (e *CustomizerError) Is(target error) bool {
	return target == ErrConnection
}

// Unwrap returns the customizer's own error.
func (e *CustomizerError) Unwrap() error {
	return e.Err
}

// PanicError converts a recovered panic value into an error wrapping ErrManagerPanic.
func PanicError(v any) error {
	if err, ok := v.(error); ok {
		return fmt.Errorf("%w: %w", ErrManagerPanic, err)
	}
	return fmt.Errorf("%w: %v", ErrManagerPanic, v)
}

// Error is a structured error with a code and safe message.
type Error struct {
	// Code is the error code for categorization
	Code int `json:"code"`
	// Message is a safe, user-facing error message
	Message string `json:"message"`
	// Err is the underlying error (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// SafeMessage returns a client-safe error message without internal details.
func (e *Error) SafeMessage() string {
	return e.Message
}

// New creates a new structured error with the given code and message.
func New(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a code and safe message.
func Wrap(code int, message string, err error) *Error {
	if err != nil {
		log.WithField("code", code).WithError(err).Debug("wrapping error")
	}
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// FromSentinel creates a structured error from any error in the taxonomy.
// It assigns an error code based on the sentinel the error matches.
func FromSentinel(err error) *Error {
	if err == nil {
		return nil
	}

	var coded *Error
	if errors.As(err, &coded) {
		return coded
	}

	return &Error{
		Code:    codeFromError(err),
		Message: err.Error(),
		Err:     err,
	}
}

// codeFromError maps sentinel errors to error codes.
// Order matters: a TimeoutError also unwraps to its last manager error.
func codeFromError(err error) int {
	switch {
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrCanceled):
		return CodeCanceled
	case errors.Is(err, ErrConfiguration):
		return CodeConfiguration
	case errors.Is(err, ErrClosed), errors.Is(err, ErrInvalidState):
		return CodeState
	case errors.Is(err, ErrConnection), errors.Is(err, ErrManagerPanic):
		return CodeConnection
	case errors.Is(err, ErrUnavailable):
		return CodeUnavailable
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	default:
		return CodeInternal
	}
}

// IsTimeout returns true if the error indicates a checkout timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsClosed returns true if the error indicates a resource is closed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// IsConnection returns true if the error came from a manager or customizer.
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsConfiguration returns true if the error indicates invalid configuration.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// Join combines multiple errors into a single error.
// Returns nil if all errors are nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target,
// and if so, sets target to that error value and returns true.
func As(err error, target any) bool {
	return errors.As(err, target)
}
