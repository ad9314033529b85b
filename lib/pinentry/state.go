// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pinentry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/pinentry/lib/assuan"
	"github.com/bureau-foundation/pinentry/lib/clock"
	"github.com/bureau-foundation/pinentry/lib/secret"
)

// Defaults are the request values restored by RESET.
type Defaults struct {
	// PinCapacity is the initial PIN buffer size. Zero means
	// DefaultPinCapacity.
	PinCapacity int

	// Timeout is the dialog timeout. Zero means none.
	Timeout time.Duration

	// Prompt replaces DefaultPrompt for GETPIN when neither SETPROMPT
	// nor OPTION default-prompt supplied one.
	Prompt string
}

// Session holds the connection-wide settings sent with OPTION. They
// describe the caller's environment and survive RESET.
type Session struct {
	TTYName    string
	TTYType    string
	LCCtype    string
	LCMessages string
	Display    string

	// Owner of the request, from "OPTION owner=PID[/UID] HOST".
	OwnerPID  int
	OwnerUID  int
	OwnerHost string

	ParentWID string

	// Fallback labels used when the matching SETxxx was not sent.
	DefaultOK     string
	DefaultCancel string
	DefaultPrompt string

	Grab               bool
	AllowExternalCache bool

	// TouchFile has its modification time updated after every dialog.
	TouchFile string
}

// Options configures a State.
type Options struct {
	// Pool holds PIN buffers. Required.
	Pool *secret.Pool

	// UI talks to the operator. Required.
	UI UI

	// Clock arms dialog timeouts. Defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	Defaults Defaults

	// Session seeds the connection settings, for example a tty name
	// given on the command line.
	Session Session

	// Flavor names the UI for GETINFO flavor.
	Flavor string
}

// State is the pinentry command set bound to one protocol connection:
// the pending Request, the session settings, and the UI that serves
// interactive commands.
type State struct {
	pool     *secret.Pool
	ui       UI
	clock    clock.Clock
	logger   *slog.Logger
	flavor   string
	defaults Defaults

	session Session
	request *Request

	// ctx bounds interactive commands; cancelling it aborts a dialog
	// in progress.
	ctx context.Context
}

// NewState creates the command set with a request in its default
// state.
func NewState(options Options) (*State, error) {
	if options.Pool == nil {
		return nil, errors.New("pinentry: Options.Pool is required")
	}
	if options.UI == nil {
		return nil, errors.New("pinentry: Options.UI is required")
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Defaults.PinCapacity <= 0 {
		options.Defaults.PinCapacity = DefaultPinCapacity
	}
	if options.Flavor == "" {
		options.Flavor = "unknown"
	}
	if options.Session.OwnerUID == 0 && options.Session.OwnerPID == 0 {
		options.Session.OwnerUID = -1
	}

	return &State{
		pool:     options.Pool,
		ui:       options.UI,
		clock:    options.Clock,
		logger:   options.Logger,
		flavor:   options.Flavor,
		defaults: options.Defaults,
		session:  options.Session,
		request:  newRequest(options.Pool, options.Defaults),
		ctx:      context.Background(),
	}, nil
}

// Request returns the pending request.
func (s *State) Request() *Request { return s.request }

// Session returns the current session settings.
func (s *State) Session() Session { return s.session }

// Install registers the pinentry commands, the OPTION handler and the
// RESET hook on conn. ctx bounds every dialog started from conn.
func (s *State) Install(ctx context.Context, conn *assuan.Context) error {
	s.ctx = ctx
	for _, command := range s.commands() {
		if _, err := conn.Register(command.name, command.handler); err != nil {
			return fmt.Errorf("registering %s: %w", command.name, err)
		}
	}
	conn.RegisterOptionHandler(s.handleOption)
	conn.OnReset(func(*assuan.Context) { s.Reset() })
	conn.SetPointer(s)
	return nil
}

// Reset returns the request to its defaults and frees any PIN. Session
// settings are kept.
func (s *State) Reset() {
	s.request.reset(s.defaults)
	s.logger.Debug("request reset")
}

// Close frees the request's secure memory.
func (s *State) Close() {
	s.request.freePin()
}
