// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source so that dialog
// timeouts can be tested without sleeping.
//
// Code that arms a deadline takes a Clock instead of calling
// time.AfterFunc:
//
//	state, err := pinentry.NewState(pinentry.Options{Pool: pool, UI: ui, Clock: clock.Real()})
//
// Tests inject Fake(), wait for the code under test to register its
// timer with WaitForTimers, then fire it with Advance:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	// ... start GETPIN in a goroutine ...
//	c.WaitForTimers(1)
//	c.Advance(30 * time.Second)
package clock
