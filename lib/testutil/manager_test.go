package testutil

import (
	"context"
	"errors"
	"testing"
)

func TestFakeManagerFailFirst(t *testing.T) {
	m := &FakeManager{FailFirst: 2}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := m.Connect(ctx); !errors.Is(err, ErrFakeConnect) {
			t.Fatalf("attempt %d: expected ErrFakeConnect, got %v", i, err)
		}
	}
	c, err := m.Connect(ctx)
	if err != nil {
		t.Fatalf("third attempt failed: %v", err)
	}
	if c.ID != 1 {
		t.Errorf("expected ID 1, got %d", c.ID)
	}
	if m.Attempts() != 3 || m.Connects() != 1 {
		t.Errorf("attempts=%d connects=%d", m.Attempts(), m.Connects())
	}
}

func TestFakeManagerLimit(t *testing.T) {
	boom := errors.New("blammo")
	m := &FakeManager{Limit: 1, Err: boom}
	ctx := context.Background()

	if _, err := m.Connect(ctx); err != nil {
		t.Fatalf("first connect failed: %v", err)
	}
	if _, err := m.Connect(ctx); !errors.Is(err, boom) {
		t.Errorf("expected custom error, got %v", err)
	}
	if len(m.Conns()) != 1 {
		t.Errorf("expected 1 conn, got %d", len(m.Conns()))
	}
}

func TestFakeConnState(t *testing.T) {
	m := &FakeManager{}
	c, _ := m.Connect(context.Background())

	if m.HasBroken(c) {
		t.Error("new conn should not be broken")
	}
	if err := m.IsValid(context.Background(), c); err != nil {
		t.Errorf("new conn should be valid: %v", err)
	}

	c.Break()
	c.Invalidate()
	if !m.HasBroken(c) {
		t.Error("Break should make HasBroken true")
	}
	if err := m.IsValid(context.Background(), c); !errors.Is(err, ErrFakeInvalid) {
		t.Errorf("expected ErrFakeInvalid, got %v", err)
	}
	if m.Validations() != 2 {
		t.Errorf("expected 2 validations, got %d", m.Validations())
	}

	c.Close()
	if !c.IsClosed() {
		t.Error("Close should mark the conn closed")
	}
}

func TestFakeManagerPanics(t *testing.T) {
	m := &FakeManager{PanicOnConnect: true}
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	m.Connect(context.Background())
}

func TestRecorders(t *testing.T) {
	var r ErrorRecorder
	r.HandleError(errors.New("a"))
	r.HandleError(errors.New("b"))
	if r.Len() != 2 || len(r.Errors()) != 2 {
		t.Errorf("expected 2 errors, got %d", r.Len())
	}

	c := &CountingCustomizer{}
	conn := &FakeConn{ID: 7}
	if err := c.OnAcquire(conn); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	c.OnRelease(conn)
	if c.Acquired() != 1 || c.Released() != 1 || c.ReleasedTimes(7) != 1 {
		t.Errorf("acquired=%d released=%d", c.Acquired(), c.Released())
	}
}
