// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pinentry

import (
	"context"
	"errors"
)

// Mode selects which interaction the UI performs.
type Mode int

const (
	// ModeGetPin reads a secret into Request.Pin.
	ModeGetPin Mode = iota
	// ModeConfirm asks a yes/no question (or a single acknowledge when
	// Request.OneButton is set).
	ModeConfirm
	// ModeMessage shows Request.Description with a single button.
	ModeMessage
)

func (m Mode) String() string {
	switch m {
	case ModeGetPin:
		return "getpin"
	case ModeConfirm:
		return "confirm"
	case ModeMessage:
		return "message"
	}
	return "unknown"
}

// ErrTimeout is the cancellation cause of the context passed to the UI
// when the request's timeout expires.
var ErrTimeout = errors.New("pinentry: dialog timed out")

// UI is the collaborator that talks to the operator. Prompt reads the
// display fields of request and blocks until the operator answers or
// ctx is done. It must return promptly once ctx is done.
//
// For ModeGetPin the PIN goes into request via AppendPin or SetPin and
// the result is its length; a canceled dialog sets request.Canceled.
// For ModeConfirm a positive result means yes and zero means no; the
// close or cancel affordance sets request.Canceled. The result of
// ModeMessage is ignored.
//
// Text that cannot be shown in the operator's locale is reported with
// request.LocaleError; richer diagnostics go in request.SpecificErr.
// A returned error fails the command.
type UI interface {
	Prompt(ctx context.Context, request *Request, mode Mode) (int, error)
}

// UIFunc adapts a function to the UI interface.
type UIFunc func(ctx context.Context, request *Request, mode Mode) (int, error)

// Prompt calls f.
func (f UIFunc) Prompt(ctx context.Context, request *Request, mode Mode) (int, error) {
	return f(ctx, request, mode)
}
