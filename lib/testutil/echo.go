// Package testutil provides fakes and helpers for connpool tests.
//
// Nothing here imports the pool package; FakeManager and the recorders
// satisfy its interfaces structurally.
package testutil

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWaitTimeout bounds Eventually when no timeout is given.
const DefaultWaitTimeout = 5 * time.Second

// EchoServer is a TCP server on the loopback interface that writes back
// everything it reads.
type EchoServer struct {
	listener net.Listener
	addr     string
	accepted atomic.Int64

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewEchoServer starts an echo server listening on a random port.
func NewEchoServer() (*EchoServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &EchoServer{
		listener: ln,
		addr:     ln.Addr().String(),
		conns:    make(map[net.Conn]struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return s, nil
}

// Addr returns the server's address.
func (s *EchoServer) Addr() string {
	return s.addr
}

// Accepted returns the number of connections accepted so far.
func (s *EchoServer) Accepted() int64 {
	return s.accepted.Load()
}

// Open returns the number of client connections still open.
func (s *EchoServer) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropAll closes every accepted connection, as a restarting backend would.
func (s *EchoServer) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// Close stops the server and closes all connections.
func (s *EchoServer) Close() error {
	err := s.listener.Close()
	s.DropAll()
	s.wg.Wait()
	return err
}

func (s *EchoServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.accepted.Add(1)
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *EchoServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	_, _ = io.Copy(conn, conn)
}
