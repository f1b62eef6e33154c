package testutil

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ErrorRecorder collects errors. It satisfies pool.ErrorHandler.
type ErrorRecorder struct {
	mu   sync.Mutex
	errs []error
}

// HandleError implements pool.ErrorHandler.
func (r *ErrorRecorder) HandleError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

// Errors returns the recorded errors.
func (r *ErrorRecorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]error, len(r.errs))
	copy(out, r.errs)
	return out
}

// Len returns the number of recorded errors.
func (r *ErrorRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

// CountingCustomizer counts customizer calls. It satisfies
// pool.Customizer[*FakeConn].
type CountingCustomizer struct {
	// AcquireErr is returned from OnAcquire when set.
	AcquireErr error

	acquired atomic.Int64
	released atomic.Int64

	mu           sync.Mutex
	releasedByID map[int64]int
}

// OnAcquire implements pool.Customizer.
func (c *CountingCustomizer) OnAcquire(*FakeConn) error {
	c.acquired.Add(1)
	return c.AcquireErr
}

// OnRelease implements pool.Customizer.
func (c *CountingCustomizer) OnRelease(conn *FakeConn) {
	c.released.Add(1)
	c.mu.Lock()
	if c.releasedByID == nil {
		c.releasedByID = make(map[int64]int)
	}
	c.releasedByID[conn.ID]++
	c.mu.Unlock()
}

// Acquired returns the number of OnAcquire calls.
func (c *CountingCustomizer) Acquired() int64 { return c.acquired.Load() }

// Released returns the number of OnRelease calls.
func (c *CountingCustomizer) Released() int64 { return c.released.Load() }

// ReleasedTimes returns how often OnRelease saw the connection with id.
func (c *CountingCustomizer) ReleasedTimes(id int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releasedByID[id]
}

// Eventually polls cond every 5ms until it holds or timeout passes, then
// fails the test with msg. A zero timeout means DefaultWaitTimeout.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v: %s", timeout, msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
