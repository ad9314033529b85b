// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package assuan

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/pinentry/lib/testutil"
)

// startListener runs a Listener in the background and returns its
// socket path and a function that stops it and waits for Serve.
func startListener(t *testing.T, setup Setup) (string, func() error) {
	t.Helper()
	socketPath := filepath.Join(testutil.SocketDir(t), "pinentry.sock")
	listener := NewListener(socketPath, Options{Logger: testLogger()}, setup)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- listener.Serve(ctx) }()
	testutil.RequireClosed(t, listener.Ready(), 5*time.Second, "listener ready")

	stop := func() error {
		cancel()
		return testutil.RequireReceive(t, done, 5*time.Second, "listener shutdown")
	}
	t.Cleanup(func() { cancel() })
	return socketPath, stop
}

func dialSession(t *testing.T, socketPath string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to socket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second)) //nolint:realclock socket I/O deadline
	return conn, bufio.NewReader(conn)
}

func readResponse(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	return strings.TrimSuffix(line, "\n")
}

func TestListener_Session(t *testing.T) {
	peers := make(chan Peer, 1)
	cleanedUp := make(chan struct{})

	setup := func(ctx *Context, peer Peer) (func(), error) {
		peers <- peer
		ctx.Register("WHOAMI", func(ctx *Context, _ string) error {
			ctx.SetOKText(peer.ConnectionID)
			return nil
		})
		return func() { close(cleanedUp) }, nil
	}
	socketPath, stop := startListener(t, setup)

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("socket file missing: %v", err)
	}
	if permissions := info.Mode().Perm(); permissions != 0o600 {
		t.Errorf("socket permissions = %o, want 600", permissions)
	}

	conn, reader := dialSession(t, socketPath)
	if greeting := readResponse(t, reader); greeting != "OK Pleased to meet you" {
		t.Fatalf("greeting = %q", greeting)
	}

	peer := testutil.RequireReceive(t, peers, 5*time.Second, "setup called")
	if peer.PID != int32(os.Getpid()) {
		t.Errorf("peer pid = %d, want %d", peer.PID, os.Getpid())
	}
	if peer.UID != uint32(os.Getuid()) {
		t.Errorf("peer uid = %d, want %d", peer.UID, os.Getuid())
	}
	if peer.ConnectionID == "" {
		t.Error("connection has no id")
	}

	if _, err := conn.Write([]byte("WHOAMI\nBYE\n")); err != nil {
		t.Fatalf("writing commands: %v", err)
	}
	if response := readResponse(t, reader); response != "OK "+peer.ConnectionID {
		t.Errorf("WHOAMI = %q", response)
	}
	if response := readResponse(t, reader); response != "OK" {
		t.Errorf("BYE = %q", response)
	}
	testutil.RequireClosed(t, cleanedUp, 5*time.Second, "connection cleanup")

	if err := stop(); err != nil {
		t.Fatalf("Serve returned error: %v", err)
	}
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("socket file not removed on shutdown: %v", err)
	}
}

func TestListener_FreshContextPerConnection(t *testing.T) {
	setup := func(ctx *Context, _ Peer) (func(), error) {
		// Registration would fail on a reused context.
		_, err := ctx.Register("PING", func(*Context, string) error { return nil })
		return nil, err
	}
	socketPath, stop := startListener(t, setup)

	for range 2 {
		conn, reader := dialSession(t, socketPath)
		readResponse(t, reader)
		conn.Write([]byte("PING\nBYE\n"))
		if response := readResponse(t, reader); response != "OK" {
			t.Errorf("PING = %q", response)
		}
		readResponse(t, reader)
	}

	if err := stop(); err != nil {
		t.Fatalf("Serve returned error: %v", err)
	}
}

func TestListener_StopWithIdleConnection(t *testing.T) {
	socketPath, stop := startListener(t, nil)

	_, reader := dialSession(t, socketPath)
	readResponse(t, reader)

	// The connection is blocked waiting for a command; stopping must
	// not hang on it.
	if err := stop(); err != nil {
		t.Fatalf("Serve returned error: %v", err)
	}
}

func TestListener_RemovesStaleSocket(t *testing.T) {
	directory := testutil.SocketDir(t)
	socketPath := filepath.Join(directory, "stale.sock")
	if err := os.WriteFile(socketPath, nil, 0o600); err != nil {
		t.Fatalf("creating stale file: %v", err)
	}

	listener := NewListener(socketPath, Options{Logger: testLogger()}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- listener.Serve(ctx) }()
	testutil.RequireClosed(t, listener.Ready(), 5*time.Second, "listener ready")

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "listener shutdown"); err != nil {
		t.Fatalf("Serve returned error: %v", err)
	}
}
