// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"syscall"
	"testing"
	"time"

	"github.com/bureau-foundation/pinentry/lib/testutil"
)

// captureExit replaces osExit and stderr for the duration of the test.
func captureExit(t *testing.T) (*int, *bytes.Buffer) {
	t.Helper()
	code := -1
	var output bytes.Buffer
	savedExit, savedStderr := osExit, stderr
	osExit = func(c int) { code = c }
	stderr = &output
	t.Cleanup(func() {
		osExit, stderr = savedExit, savedStderr
		RunExitHooks()
	})
	return &code, &output
}

func TestExit_RunsHooksInReverse(t *testing.T) {
	code, _ := captureExit(t)

	var order []string
	AtExit(func() { order = append(order, "first") })
	AtExit(func() { order = append(order, "second") })

	Exit(3)

	if *code != 3 {
		t.Errorf("exit code = %d, want 3", *code)
	}
	if !slices.Equal(order, []string{"second", "first"}) {
		t.Errorf("hook order = %v", order)
	}

	// Hooks run once.
	Exit(0)
	if len(order) != 2 {
		t.Errorf("hooks ran again: %v", order)
	}
}

func TestFatal(t *testing.T) {
	code, output := captureExit(t)

	ran := false
	AtExit(func() { ran = true })

	Fatal(errors.New("pool unavailable"))

	if *code != 1 {
		t.Errorf("exit code = %d, want 1", *code)
	}
	if got := output.String(); got != "error: pool unavailable\n" {
		t.Errorf("stderr = %q", got)
	}
	if !ran {
		t.Error("Fatal did not run the exit hooks")
	}
}

func TestSignalContext(t *testing.T) {
	ctx, stop := SignalContext(context.Background())
	defer stop()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGHUP); err != nil {
		t.Fatalf("kill: %v", err)
	}

	testutil.RequireClosed(t, ctx.Done(), 5*time.Second, "context not cancelled by SIGHUP")
}
