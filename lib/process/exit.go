// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var (
	exitMu    sync.Mutex
	exitHooks []func()

	// osExit and stderr are replaced in tests.
	osExit           = os.Exit
	stderr io.Writer = os.Stderr
)

// AtExit registers hook to run on Exit and Fatal. Hooks run once, most
// recently registered first.
func AtExit(hook func()) {
	exitMu.Lock()
	defer exitMu.Unlock()
	exitHooks = append(exitHooks, hook)
}

// RunExitHooks runs and clears the registered hooks. main calls it on
// a normal return; Exit and Fatal call it themselves.
func RunExitHooks() {
	exitMu.Lock()
	hooks := exitHooks
	exitHooks = nil
	exitMu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}

// Exit runs the exit hooks and exits with code.
func Exit(code int) {
	RunExitHooks()
	osExit(code)
}

// Fatal writes "error: err" to stderr, runs the exit hooks, and exits
// with code 1. Use it in main() for errors from run() where the
// structured logger may not be initialized.
func Fatal(err error) {
	fmt.Fprintf(stderr, "error: %v\n", err)
	Exit(1)
}

// SignalContext returns a context cancelled by SIGINT, SIGTERM or
// SIGHUP. stop releases the signal registration.
func SignalContext(parent context.Context) (ctx context.Context, stop context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
}
