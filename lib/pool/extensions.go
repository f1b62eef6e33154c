package pool

// Extensions is a small key/value bag attached to a pooled connection.
// Values survive checkin and are visible to the next caller that checks the
// same connection out. Keys follow the context.WithValue convention: use an
// unexported key type to avoid collisions.
//
// An Extensions is owned by whoever holds the connection and is not safe for
// concurrent use.
type Extensions struct {
	values map[any]any
}

// Get returns the value stored under key.
func (e *Extensions) Get(key any) (any, bool) {
	if e == nil || e.values == nil {
		return nil, false
	}
	v, ok := e.values[key]
	return v, ok
}

// Set stores value under key, replacing any previous value. Like the other
// methods it ignores a nil bag, which is what a closed PooledConn returns.
func (e *Extensions) Set(key, value any) {
	if e == nil {
		return
	}
	if e.values == nil {
		e.values = make(map[any]any)
	}
	e.values[key] = value
}

// Delete removes key.
func (e *Extensions) Delete(key any) {
	if e == nil {
		return
	}
	delete(e.values, key)
}

// Len returns the number of stored values.
func (e *Extensions) Len() int {
	if e == nil {
		return 0
	}
	return len(e.values)
}

// Clear removes every value.
func (e *Extensions) Clear() {
	if e == nil {
		return
	}
	clear(e.values)
}

// ExtensionValue returns the value stored under key if it has type T.
func ExtensionValue[T any](e *Extensions, key any) (T, bool) {
	v, ok := e.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
