package netconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	apperrors "github.com/go-i2p/connpool/lib/errors"
	"github.com/go-i2p/connpool/lib/resilience"
)

// Default manager settings.
const (
	DefaultDialTimeout = 5 * time.Second
	DefaultProbeWait   = time.Millisecond
)

// Manager dials connections for a pool. It implements pool.Manager[*Conn].
type Manager struct {
	// Network is passed to the dialer ("tcp", "unix", ...).
	// Default: "tcp"
	Network string
	// Address is the backend address.
	Address string
	// DialTimeout bounds a single dial.
	// Default: 5 seconds
	DialTimeout time.Duration
	// KeepAlive is the TCP keep-alive period. 0 uses the system default.
	KeepAlive time.Duration
	// ProbeWait is how long IsValid waits for a closed peer to show up.
	// Default: 1 millisecond
	ProbeWait time.Duration
	// Breaker, when set, fails dials fast while the backend keeps refusing
	// connections.
	Breaker *resilience.Breaker
}

// NewManager returns a TCP manager for address with default settings.
func NewManager(address string) *Manager {
	return &Manager{
		Network:     "tcp",
		Address:     address,
		DialTimeout: DefaultDialTimeout,
		ProbeWait:   DefaultProbeWait,
	}
}

// Connect implements pool.Manager.
func (m *Manager) Connect(ctx context.Context) (*Conn, error) {
	if m.Address == "" {
		return nil, errors.New("no connection address specified")
	}
	network := m.Network
	if network == "" {
		network = "tcp"
	}
	timeout := m.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	d := net.Dialer{Timeout: timeout, KeepAlive: m.KeepAlive}
	var c net.Conn
	dial := func(ctx context.Context) (err error) {
		c, err = d.DialContext(ctx, network, m.Address)
		return err
	}

	var err error
	if m.Breaker != nil {
		err = m.Breaker.Do(ctx, dial)
	} else {
		err = dial(ctx)
	}
	if err != nil {
		if errors.Is(err, apperrors.ErrCircuitOpen) {
			return nil, err
		}
		return nil, fmt.Errorf("connect %s: %w", network, err)
	}

	log.WithField("address", m.Address).WithField("local", c.LocalAddr().String()).Debug("dialed connection")
	return newConn(c), nil
}

// IsValid implements pool.Manager. It probes the socket for a closed peer
// without consuming data.
func (m *Manager) IsValid(ctx context.Context, c *Conn) error {
	if c.Broken() {
		return errors.New("connection is broken")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	wait := m.ProbeWait
	if wait <= 0 {
		wait = DefaultProbeWait
	}
	return c.probe(wait)
}

// HasBroken implements pool.Manager.
func (m *Manager) HasBroken(c *Conn) bool {
	return c.Broken()
}
