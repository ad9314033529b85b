// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dialog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/bureau-foundation/pinentry/lib/pinentry"
	"github.com/bureau-foundation/pinentry/lib/secret"
)

// DefaultDevice is the terminal used when neither the caller nor the
// configuration names one.
const DefaultDevice = "/dev/tty"

// Control bytes recognized while reading.
const (
	keyInterrupt = 0x03 // Ctrl-C
	keyEOF       = 0x04 // Ctrl-D
	keyBackspace = 0x08 // Ctrl-H
	keyLineKill  = 0x15 // Ctrl-U
	keyEscape    = 0x1b
	keyDelete    = 0x7f
)

// Terminal is the device a dialog runs on.
type Terminal interface {
	io.ReadWriter

	// MakeRaw disables echo and line editing. The returned function
	// restores the previous mode.
	MakeRaw() (restore func(), err error)

	// SetReadDeadline makes a pending or future Read fail once t has
	// passed.
	SetReadDeadline(t time.Time) error

	// Profile is the color profile output is rendered with.
	Profile() termenv.Profile

	Close() error
}

// TTYOptions configures a TTY.
type TTYOptions struct {
	// Pool holds the second entry of a repeated PIN. Required.
	Pool *secret.Pool

	// Device is used when the request names no terminal. Defaults to
	// DefaultDevice.
	Device string

	// Open opens a terminal by path. Defaults to OpenDevice.
	Open func(path string) (Terminal, error)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// TTY is a pinentry.UI on a text terminal.
type TTY struct {
	pool   *secret.Pool
	device string
	open   func(path string) (Terminal, error)
	logger *slog.Logger
}

// NewTTY returns a terminal UI.
func NewTTY(options TTYOptions) (*TTY, error) {
	if options.Pool == nil {
		return nil, errors.New("dialog: TTYOptions.Pool is required")
	}
	if options.Device == "" {
		options.Device = DefaultDevice
	}
	if options.Open == nil {
		options.Open = OpenDevice
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &TTY{
		pool:   options.Pool,
		device: options.Device,
		open:   options.Open,
		logger: options.Logger,
	}, nil
}

// Prompt implements pinentry.UI.
func (t *TTY) Prompt(ctx context.Context, request *pinentry.Request, mode pinentry.Mode) (int, error) {
	if !displayable(request) {
		request.LocaleError = true
		return 0, nil
	}

	path := request.TTYName
	if path == "" {
		path = t.device
	}
	terminal, err := t.open(path)
	if err != nil {
		request.SpecificErr = err
		request.SpecificErrLoc = "open_tty"
		request.SpecificErrInfo = path
		return 0, nil
	}
	defer terminal.Close()

	restore, err := terminal.MakeRaw()
	if err != nil {
		return 0, fmt.Errorf("setting raw mode on %s: %w", path, err)
	}
	defer restore()

	stop := context.AfterFunc(ctx, func() {
		terminal.SetReadDeadline(time.Now())
	})
	defer stop()

	current := newSession(ctx, terminal, request)
	defer current.finish()

	switch mode {
	case pinentry.ModeGetPin:
		return current.getPin(t.pool, t.logger)
	case pinentry.ModeConfirm:
		return current.confirm()
	case pinentry.ModeMessage:
		return current.message()
	}
	return 0, fmt.Errorf("dialog: unsupported mode %v", mode)
}

// displayable reports whether every caller-supplied text is valid
// UTF-8.
func displayable(request *pinentry.Request) bool {
	for _, text := range []string{
		request.Title, request.Description, request.Error, request.Prompt,
		request.OK, request.NotOK, request.Cancel,
		request.RepeatPrompt, request.RepeatError, request.QualityBar,
	} {
		if !utf8.ValidString(text) {
			return false
		}
	}
	return true
}

// session is one dialog on an open terminal.
type session struct {
	ctx      context.Context
	terminal Terminal
	request  *pinentry.Request

	title     lipgloss.Style
	errorText lipgloss.Style
	prompt    lipgloss.Style

	// scratch holds one input byte and is wiped after every read.
	scratch [1]byte
}

// writerOnly hides the terminal's file descriptor from the renderer.
type writerOnly struct{ io.Writer }

func newSession(ctx context.Context, terminal Terminal, request *pinentry.Request) *session {
	renderer := lipgloss.NewRenderer(writerOnly{terminal})
	renderer.SetColorProfile(terminal.Profile())
	return &session{
		ctx:       ctx,
		terminal:  terminal,
		request:   request,
		title:     renderer.NewStyle().Bold(true),
		errorText: renderer.NewStyle().Foreground(lipgloss.Color("1")),
		prompt:    renderer.NewStyle().Bold(true),
	}
}

func (s *session) finish() {
	secret.Zero(s.scratch[:])
}

// println writes text followed by a newline. Raw mode needs an
// explicit carriage return.
func (s *session) println(text string) error {
	text = strings.ReplaceAll(text, "\n", "\r\n")
	_, err := io.WriteString(s.terminal, text+"\r\n")
	return err
}

func (s *session) print(text string) error {
	_, err := io.WriteString(s.terminal, text)
	return err
}

// header draws the title, description and error.
func (s *session) header() error {
	if title := sanitize(s.request.Title); title != "" {
		if err := s.println(s.title.Render(title)); err != nil {
			return err
		}
	}
	if description := sanitize(s.request.Description); description != "" {
		if err := s.println(description); err != nil {
			return err
		}
	}
	if message := sanitize(s.request.Error); message != "" {
		if err := s.println(s.errorText.Render(message)); err != nil {
			return err
		}
	}
	return nil
}

// readByte reads one byte of input. A read interrupted by the context
// returns the context's cause.
func (s *session) readByte() (byte, error) {
	count, err := s.terminal.Read(s.scratch[:])
	if count == 1 {
		b := s.scratch[0]
		s.scratch[0] = 0
		return b, nil
	}
	if s.ctx.Err() != nil {
		return 0, context.Cause(s.ctx)
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return 0, err
}

// sanitize removes escape sequences so caller text cannot drive the
// terminal.
func sanitize(text string) string {
	return ansi.Strip(text)
}

// label renders a button label, dropping the "_" mnemonic markers. A
// doubled "__" is a literal underscore.
func label(text, fallback string) string {
	if text == "" {
		return fallback
	}
	var builder strings.Builder
	for index := 0; index < len(text); index++ {
		if text[index] == '_' {
			if index+1 < len(text) && text[index+1] == '_' {
				builder.WriteByte('_')
				index++
			}
			continue
		}
		builder.WriteByte(text[index])
	}
	return sanitize(builder.String())
}

// device is a Terminal backed by a character device.
type device struct {
	file *os.File
}

// OpenDevice opens the terminal at path without making it the
// controlling terminal.
func OpenDevice(path string) (Terminal, error) {
	file, err := os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, err
	}
	terminal := &device{file: file}

	// File.Fd would put the descriptor in blocking mode and break read
	// deadlines, so the descriptor is only used through control.
	isTerminal := false
	if err := terminal.control(func(fd int) { isTerminal = term.IsTerminal(fd) }); err != nil {
		file.Close()
		return nil, err
	}
	if !isTerminal {
		file.Close()
		return nil, fmt.Errorf("%s is not a terminal", path)
	}
	return terminal, nil
}

func (d *device) control(f func(fd int)) error {
	raw, err := d.file.SyscallConn()
	if err != nil {
		return err
	}
	return raw.Control(func(fd uintptr) { f(int(fd)) })
}

func (d *device) Read(p []byte) (int, error)  { return d.file.Read(p) }
func (d *device) Write(p []byte) (int, error) { return d.file.Write(p) }
func (d *device) Close() error                { return d.file.Close() }

func (d *device) SetReadDeadline(t time.Time) error {
	return d.file.SetReadDeadline(t)
}

func (d *device) MakeRaw() (func(), error) {
	var state *term.State
	var rawErr error
	if err := d.control(func(fd int) { state, rawErr = term.MakeRaw(fd) }); err != nil {
		return nil, err
	}
	if rawErr != nil {
		return nil, rawErr
	}
	return func() {
		d.control(func(fd int) { term.Restore(fd, state) })
	}, nil
}

func (d *device) Profile() termenv.Profile {
	if termenv.EnvNoColor() {
		return termenv.Ascii
	}
	return termenv.ANSI
}
