// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package assuan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Setup prepares the Context of a newly accepted socket connection,
// typically by registering commands and attaching request state. The
// returned cleanup, if non-nil, runs when the connection ends.
type Setup func(ctx *Context, peer Peer) (cleanup func(), err error)

// Peer describes the process on the other end of a socket connection.
type Peer struct {
	// ConnectionID identifies the connection in logs.
	ConnectionID string
	PID          int32
	UID          uint32
	GID          uint32
}

// Listener serves the protocol on a Unix socket. Connections are
// handled one at a time, to completion, on the goroutine that called
// Serve: the protocol engine is single-threaded and so are the request
// state and the secure pool behind it.
type Listener struct {
	socketPath string
	options    Options
	setup      Setup

	// allowAnyUID disables the check that the peer runs as our uid.
	allowAnyUID bool

	ready chan struct{}
}

// NewListener creates a listener for socketPath. setup runs for every
// accepted connection before its greeting is sent.
func NewListener(socketPath string, options Options, setup Setup) *Listener {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Listener{
		socketPath: socketPath,
		options:    options,
		setup:      setup,
		ready:      make(chan struct{}),
	}
}

// Ready is closed once the socket is listening.
func (l *Listener) Ready() <-chan struct{} { return l.ready }

// AllowAnyUID accepts peers running under a different uid.
func (l *Listener) AllowAnyUID() { l.allowAnyUID = true }

// Serve accepts connections until ctx is cancelled. Any existing socket
// file at the path is removed before listening; the socket file is
// removed on return.
func (l *Listener) Serve(ctx context.Context) error {
	logger := l.options.Logger
	if err := os.Remove(l.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", l.socketPath, err)
	}

	listener, err := net.Listen("unix", l.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", l.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(l.socketPath)
	}()
	if err := os.Chmod(l.socketPath, 0o600); err != nil {
		return fmt.Errorf("restricting socket permissions: %w", err)
	}

	// Unblock Accept when the context is cancelled.
	stop := context.AfterFunc(ctx, func() {
		listener.Close()
	})
	defer stop()

	logger.Info("assuan socket listening", "path", l.socketPath)
	close(l.ready)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Error("accept failed", "error", err)
			continue
		}
		l.handleConnection(ctx, conn)
	}
}

func (l *Listener) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	peer := Peer{ConnectionID: uuid.NewString(), PID: -1}
	options := l.options
	options.Logger = options.Logger.With("connection", peer.ConnectionID)
	logger := options.Logger

	if unixConn, ok := conn.(*net.UnixConn); ok {
		credentials, err := peerCredentials(unixConn)
		if err != nil {
			logger.Warn("reading peer credentials failed", "error", err)
			return
		}
		peer.PID, peer.UID, peer.GID = credentials.Pid, credentials.Uid, credentials.Gid
	}
	if !l.allowAnyUID && peer.PID >= 0 && peer.UID != uint32(os.Getuid()) {
		logger.Warn("rejecting connection from another user", "peer_uid", peer.UID, "peer_pid", peer.PID)
		return
	}

	// Closing the connection unblocks a pending read when ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	protocol := NewServer(conn, conn, options)
	if l.setup != nil {
		cleanup, err := l.setup(protocol, peer)
		if err != nil {
			logger.Error("connection setup failed", "error", err)
			return
		}
		if cleanup != nil {
			defer cleanup()
		}
	}

	logger.Debug("connection accepted", "peer_pid", peer.PID, "peer_uid", peer.UID)
	err := protocol.Serve(ctx)
	switch {
	case err == nil || ctx.Err() != nil:
	case peerGone(err):
		logger.Debug("peer went away", "error", err)
	default:
		logger.Warn("connection ended with error", "error", err)
	}
}

// peerCredentials reads SO_PEERCRED from a connected Unix socket.
func peerCredentials(conn *net.UnixConn) (*unix.Ucred, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}
	var credentials *unix.Ucred
	var credentialsErr error
	if err := raw.Control(func(fd uintptr) {
		credentials, credentialsErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return nil, err
	}
	return credentials, credentialsErr
}
