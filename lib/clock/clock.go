// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time source for code with deadlines. Production code
// injects Real(); tests inject Fake() and move time with Advance.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f once d has elapsed and returns a Timer that can
	// cancel the call. If d <= 0, f runs immediately (in a new
	// goroutine for the real clock, synchronously for the fake one).
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a pending AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop cancels the call. It returns false if f already ran or the
// timer was already stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }
