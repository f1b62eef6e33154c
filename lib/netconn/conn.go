// Package netconn provides a pool.Manager for plain network connections.
package netconn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"
)

// Conn is a pooled network connection. Any failed read or write marks it
// broken so the pool drops it on return.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	broken atomic.Bool
}

func newConn(c net.Conn) *Conn {
	return &Conn{
		conn:   c,
		reader: bufio.NewReader(c),
	}
}

// Read reads through the connection's buffer.
func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.reader.Read(p)
	if err != nil {
		c.broken.Store(true)
	}
	return n, err
}

// Write writes to the connection.
func (c *Conn) Write(p []byte) (int, error) {
	n, err := c.conn.Write(p)
	if err != nil {
		c.broken.Store(true)
	}
	return n, err
}

// RoundTrip writes line followed by a newline and reads one response line,
// without the trailing newline. ctx bounds both directions.
func (c *Conn) RoundTrip(ctx context.Context, line []byte) ([]byte, error) {
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.broken.Store(true)
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	defer c.conn.SetDeadline(time.Time{})

	msg := make([]byte, 0, len(line)+1)
	msg = append(msg, line...)
	msg = append(msg, '\n')
	if _, err := c.Write(msg); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	resp, err := c.reader.ReadBytes('\n')
	if err != nil {
		c.broken.Store(true)
		return nil, fmt.Errorf("read response: %w", err)
	}
	return resp[:len(resp)-1], nil
}

// probe checks for a closed peer without consuming data. A byte that is
// already waiting stays buffered for the next read.
func (c *Conn) probe(wait time.Duration) error {
	if err := c.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		c.broken.Store(true)
		return fmt.Errorf("set read deadline: %w", err)
	}
	defer c.conn.SetReadDeadline(time.Time{})

	_, err := c.reader.Peek(1)
	if err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
		return nil
	}
	c.broken.Store(true)
	return fmt.Errorf("connection probe: %w", err)
}

// MarkBroken makes the pool discard the connection when it is returned.
func (c *Conn) MarkBroken() {
	c.broken.Store(true)
}

// Broken reports whether an I/O error has been seen.
func (c *Conn) Broken() bool {
	return c.broken.Load()
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection. The pool calls it when the
// connection leaves the pool.
func (c *Conn) Close() error {
	return c.conn.Close()
}
