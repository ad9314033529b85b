// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pinentry implements the pinentry command set on top of
// lib/assuan: the SETxxx commands that describe a dialog, the
// interactive GETPIN, CONFIRM and MESSAGE commands, GETINFO, and the
// OPTION keys a key-management agent sends at startup.
//
// A [State] binds one protocol connection to a pending [Request] and a
// [UI]. SETxxx commands fill the request; an interactive command hands
// it to the UI and turns the outcome into the protocol response:
//
//	GETPIN    D <pin> / OK, or ERR Canceled, LocaleProblem or Timeout
//	CONFIRM   OK, or ERR NotConfirmed, Canceled or Timeout
//	MESSAGE   OK, or ERR LocaleProblem or Timeout
//
// The PIN lives in a lib/secret pool buffer for exactly the duration of
// one GETPIN and is wiped and freed whatever the outcome. After every
// interactive command the error text, quality bar and repeat prompt
// are cleared, so stale state never reaches the next dialog.
//
// Timeouts are armed on an injected lib/clock Clock. Expiry cancels the
// context passed to the UI with [ErrTimeout] as the cause, and the
// command reports Timeout even if the UI itself reported a cancel: a
// timed-out dialog and an operator cancel are different outcomes.
//
// While a GETPIN with a quality bar runs, [Request.Quality] asks the
// caller to score the partial PIN through an INQUIRE QUALITY exchange
// ([InquireQuality]).
//
// lib/dialog provides the terminal and file implementations of [UI].
package pinentry
