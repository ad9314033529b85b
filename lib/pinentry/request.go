// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pinentry

import (
	"context"
	"errors"
	"time"

	"github.com/bureau-foundation/pinentry/lib/secret"
)

// Default texts used when the caller did not set one.
const (
	DefaultPrompt       = "PIN:"
	DefaultQualityLabel = "Quality:"
	DefaultRepeatPrompt = "Repeat:"

	// DefaultPinCapacity is the initial size of the PIN buffer. The
	// buffer grows by doubling as the operator types.
	DefaultPinCapacity = 2048
)

// ErrNoQuality is returned by Request.Quality when no quality bar was
// requested or the request is not inside a GETPIN.
var ErrNoQuality = errors.New("pinentry: quality scoring not available")

// Request is the dialog state accumulated by SETxxx commands and
// consumed by the next GETPIN, CONFIRM or MESSAGE. The UI collaborator
// reads the display fields and fills in the result fields.
type Request struct {
	Title       string
	Description string

	// Error is shown above the prompt, typically after a wrong PIN. It
	// is cleared when an interactive command finishes.
	Error string

	Prompt string
	OK     string
	NotOK  string
	Cancel string

	// Pin holds the secret being typed. It is allocated from the secure
	// pool when GETPIN starts and freed when it ends. Use AppendPin,
	// TruncatePin and SetPin rather than writing it directly: growing the
	// buffer replaces the handle.
	Pin *secret.Buffer

	// PinCapacity is the initial capacity of Pin.
	PinCapacity int

	// Timeout bounds how long the UI may wait for the operator. Zero
	// means wait indefinitely.
	Timeout time.Duration

	// TTYName is the terminal the caller wants the dialog on, copied
	// from OPTION ttyname before each dialog. Empty means the UI's own
	// default.
	TTYName string

	// QualityBar is the label of the quality indicator; empty disables
	// it.
	QualityBar        string
	QualityBarTooltip string

	// RepeatPrompt, when set, asks the UI to read the PIN twice.
	RepeatPrompt string
	RepeatError  string
	RepeatOK     string

	// KeyInfo identifies the key the PIN unlocks, as sent by SETKEYINFO.
	KeyInfo string

	// OneButton reduces CONFIRM to a single acknowledge button.
	OneButton bool

	// Result fields, set by the UI.

	// Canceled reports that the operator dismissed the dialog.
	Canceled bool

	// LocaleError reports that text could not be converted for display.
	LocaleError bool

	// Repeated reports that the PIN was entered twice and both matched.
	Repeated bool

	// SpecificErr, when set, replaces the generic outcome. SpecificErrLoc
	// names where it happened and SpecificErrInfo adds detail.
	SpecificErr     error
	SpecificErrLoc  string
	SpecificErrInfo string

	pool    *secret.Pool
	quality func(ctx context.Context, pin []byte) (int, error)
}

// newRequest returns a request with defaults applied.
func newRequest(pool *secret.Pool, defaults Defaults) *Request {
	request := &Request{pool: pool}
	request.reset(defaults)
	return request
}

// reset restores every field to its default and frees the PIN.
func (r *Request) reset(defaults Defaults) {
	r.freePin()
	*r = Request{
		pool:        r.pool,
		PinCapacity: defaults.PinCapacity,
		Timeout:     defaults.Timeout,
	}
}

// finish clears the per-interaction fields after GETPIN, CONFIRM or
// MESSAGE so they do not leak into the next request.
func (r *Request) finish() {
	r.freePin()
	r.Error = ""
	r.QualityBar = ""
	r.QualityBarTooltip = ""
	r.RepeatPrompt = ""
	r.OneButton = false
	r.clearResult()
	r.quality = nil
}

func (r *Request) clearResult() {
	r.Canceled = false
	r.LocaleError = false
	r.Repeated = false
	r.SpecificErr = nil
	r.SpecificErrLoc = ""
	r.SpecificErrInfo = ""
}

func (r *Request) freePin() {
	if r.Pin != nil {
		r.Pin.Close()
		r.Pin = nil
	}
}

// allocPin gives the request an empty PIN buffer of PinCapacity bytes.
func (r *Request) allocPin() error {
	r.freePin()
	capacity := r.PinCapacity
	if capacity <= 0 {
		capacity = DefaultPinCapacity
	}
	pin, err := r.pool.Alloc(capacity)
	if err != nil {
		return err
	}
	if err := pin.SetLen(0); err != nil {
		pin.Close()
		return err
	}
	r.Pin = pin
	return nil
}

// PinLen returns the number of PIN bytes entered so far.
func (r *Request) PinLen() int {
	if r.Pin == nil {
		return 0
	}
	return r.Pin.Len()
}

// AppendPin adds typed bytes to the PIN, growing the pool buffer as
// needed.
func (r *Request) AppendPin(p ...byte) error {
	if r.Pin == nil {
		if err := r.allocPin(); err != nil {
			return err
		}
	}
	grown, err := r.Pin.Append(p...)
	r.Pin = grown
	return err
}

// TruncatePin shortens the PIN to n bytes, wiping the removed tail.
func (r *Request) TruncatePin(n int) error {
	if r.Pin == nil {
		if n == 0 {
			return nil
		}
		return secret.ErrInvalidSize
	}
	return r.Pin.SetLen(n)
}

// SetPin replaces the PIN with a copy of p. The caller still owns p
// and should wipe it.
func (r *Request) SetPin(p []byte) error {
	if err := r.TruncatePin(0); err != nil {
		return err
	}
	return r.AppendPin(p...)
}

// Quality asks the caller to score pin and returns a value in
// [-100, 100]. Negative scores mean the caller would reject the PIN.
// It returns ErrNoQuality unless a quality bar was requested for the
// current GETPIN. A front-end passes the context it was prompted with,
// so that a dialog timeout also ends a pending inquiry.
func (r *Request) Quality(ctx context.Context, pin []byte) (int, error) {
	if r.quality == nil || r.QualityBar == "" {
		return 0, ErrNoQuality
	}
	return r.quality(ctx, pin)
}
