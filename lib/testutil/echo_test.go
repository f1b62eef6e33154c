package testutil

import (
	"bufio"
	"net"
	"testing"
	"time"
)

func TestEchoServer(t *testing.T) {
	srv, err := NewEchoServer()
	if err != nil {
		t.Fatalf("failed to start echo server: %v", err)
	}
	defer srv.Close()

	if srv.Addr() == "" {
		t.Fatal("expected non-empty address")
	}

	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if line != "ping\n" {
		t.Errorf("got %q, want %q", line, "ping\n")
	}

	Eventually(t, time.Second, func() bool { return srv.Accepted() == 1 && srv.Open() == 1 }, "one open connection")
}

func TestEchoServerDropAll(t *testing.T) {
	srv, err := NewEchoServer()
	if err != nil {
		t.Fatalf("failed to start echo server: %v", err)
	}
	defer srv.Close()

	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	Eventually(t, time.Second, func() bool { return srv.Open() == 1 }, "connection accepted")
	srv.DropAll()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("expected read to fail after DropAll")
	}
}
