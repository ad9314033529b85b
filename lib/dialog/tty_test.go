// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dialog

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/muesli/termenv"

	"github.com/bureau-foundation/pinentry/lib/assuan"
	"github.com/bureau-foundation/pinentry/lib/pinentry"
	"github.com/bureau-foundation/pinentry/lib/secret"
	"github.com/bureau-foundation/pinentry/lib/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTerminal replays scripted input and records output.
type fakeTerminal struct {
	input     io.Reader
	interrupt func()

	mu       sync.Mutex
	output   bytes.Buffer
	raw      bool
	restored bool
	closed   bool
}

func scriptedTerminal(input string) *fakeTerminal {
	return &fakeTerminal{input: strings.NewReader(input), interrupt: func() {}}
}

// blockingTerminal never delivers input; a read deadline fails the
// pending read.
func blockingTerminal() *fakeTerminal {
	reader, _ := io.Pipe()
	return &fakeTerminal{
		input:     reader,
		interrupt: func() { reader.CloseWithError(os.ErrDeadlineExceeded) },
	}
}

func (f *fakeTerminal) Read(p []byte) (int, error) { return f.input.Read(p) }

func (f *fakeTerminal) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.output.Write(p)
}

func (f *fakeTerminal) MakeRaw() (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw = true
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.restored = true
	}, nil
}

func (f *fakeTerminal) SetReadDeadline(time.Time) error {
	f.interrupt()
	return nil
}

func (f *fakeTerminal) Profile() termenv.Profile { return termenv.Ascii }

func (f *fakeTerminal) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTerminal) Output() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.output.String()
}

type fixture struct {
	pool     *secret.Pool
	tty      *TTY
	state    *pinentry.State
	terminal *fakeTerminal
	opened   []string
}

func newFixture(t *testing.T, terminal *fakeTerminal) *fixture {
	t.Helper()
	pool, err := secret.NewPool(64*1024, testLogger())
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	f := &fixture{pool: pool, terminal: terminal}
	f.tty, err = NewTTY(TTYOptions{
		Pool:   pool,
		Device: "/dev/fake-tty",
		Logger: testLogger(),
		Open: func(path string) (Terminal, error) {
			f.opened = append(f.opened, path)
			return terminal, nil
		},
	})
	if err != nil {
		t.Fatalf("NewTTY failed: %v", err)
	}
	f.state, err = pinentry.NewState(pinentry.Options{
		Pool:   pool,
		UI:     f.tty,
		Logger: testLogger(),
		Flavor: "tty",
	})
	if err != nil {
		t.Fatalf("NewState failed: %v", err)
	}
	t.Cleanup(f.state.Close)
	return f
}

func (f *fixture) prompt(t *testing.T, mode pinentry.Mode) int {
	t.Helper()
	result, err := f.tty.Prompt(context.Background(), f.state.Request(), mode)
	if err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}
	return result
}

func pinOf(request *pinentry.Request) string {
	if request.Pin == nil {
		return ""
	}
	return string(request.Pin.Bytes())
}

func TestTTY_GetPin(t *testing.T) {
	f := newFixture(t, scriptedTerminal("hunter2\r"))
	request := f.state.Request()
	request.Title = "Unlock"
	request.Description = "Enter the passphrase for\nkey 0xDEADBEEF"
	request.Error = "Bad passphrase"
	request.Prompt = "Passphrase:"

	if result := f.prompt(t, pinentry.ModeGetPin); result != 7 {
		t.Errorf("result = %d, want 7", result)
	}
	if got := pinOf(request); got != "hunter2" {
		t.Errorf("PIN = %q, want %q", got, "hunter2")
	}
	if request.Canceled {
		t.Error("entry reported as canceled")
	}

	output := f.terminal.Output()
	for _, fragment := range []string{"Unlock\r\n", "Enter the passphrase for\r\nkey 0xDEADBEEF\r\n", "Bad passphrase", "Passphrase: "} {
		if !strings.Contains(output, fragment) {
			t.Errorf("output lacks %q:\n%q", fragment, output)
		}
	}
	if strings.Contains(output, "hunter2") {
		t.Error("PIN was echoed to the terminal")
	}
	if !f.terminal.raw || !f.terminal.restored || !f.terminal.closed {
		t.Errorf("terminal raw=%v restored=%v closed=%v", f.terminal.raw, f.terminal.restored, f.terminal.closed)
	}
	if len(f.opened) != 1 || f.opened[0] != "/dev/fake-tty" {
		t.Errorf("opened %v, want the default device", f.opened)
	}
}

func TestTTY_LineEditing(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "backspace", input: "abx\x7fc\r", expected: "abc"},
		{name: "ctrl-h", input: "abx\x08c\n", expected: "abc"},
		{name: "backspace on empty", input: "\x7f\x7fok\r", expected: "ok"},
		{name: "line kill", input: "junk\x15pin\r", expected: "pin"},
		{name: "multibyte backspace", input: "a\xc3\xa9\x7f\r", expected: "a"},
		{name: "control ignored", input: "a\x01\x02b\r", expected: "ab"},
		{name: "ctrl-d mid entry ignored", input: "ab\x04c\r", expected: "abc"},
		{name: "empty", input: "\r", expected: ""},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t, scriptedTerminal(test.input))
			result := f.prompt(t, pinentry.ModeGetPin)
			request := f.state.Request()
			if got := pinOf(request); got != test.expected {
				t.Errorf("PIN = %q, want %q", got, test.expected)
			}
			if result != len(test.expected) {
				t.Errorf("result = %d, want %d", result, len(test.expected))
			}
		})
	}
}

func TestRuneStart(t *testing.T) {
	tests := []struct {
		data     string
		expected int
	}{
		{"", 0},
		{"a", 0},
		{"ab", 1},
		{"a\xc3\xa9", 1},
		{"\xe2\x82\xac", 0},
		{"x\xf0\x9f\x94\x91", 1},
	}
	for _, test := range tests {
		if got := runeStart([]byte(test.data)); got != test.expected {
			t.Errorf("runeStart(%q) = %d, want %d", test.data, got, test.expected)
		}
	}
}

func TestTTY_GetPinCanceled(t *testing.T) {
	for name, input := range map[string]string{
		"ctrl-c":       "abc\x03",
		"escape":       "\x1b",
		"ctrl-d empty": "\x04",
		"end of input": "abc",
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, scriptedTerminal(input))
			result := f.prompt(t, pinentry.ModeGetPin)
			if !f.state.Request().Canceled {
				t.Error("entry not reported as canceled")
			}
			if result != 0 {
				t.Errorf("result = %d, want 0", result)
			}
		})
	}
}

func TestTTY_Repeat(t *testing.T) {
	f := newFixture(t, scriptedTerminal("first\rsecond\rpw\rpw\r"))
	request := f.state.Request()
	request.Prompt = "PIN:"
	request.RepeatPrompt = "Again:"

	if result := f.prompt(t, pinentry.ModeGetPin); result != 2 {
		t.Errorf("result = %d, want 2", result)
	}
	if got := pinOf(request); got != "pw" {
		t.Errorf("PIN = %q, want %q", got, "pw")
	}
	if !request.Repeated {
		t.Error("matching entries not reported as repeated")
	}
	output := f.terminal.Output()
	if strings.Count(output, DefaultRepeatError) != 1 {
		t.Errorf("expected one mismatch message:\n%q", output)
	}
	if strings.Count(output, "Again: ") != 2 {
		t.Errorf("expected two repeat prompts:\n%q", output)
	}
	if used := f.pool.Stats().Used; used != request.Pin.Cap() {
		t.Errorf("pool usage %d, want only the PIN (%d): scratch buffer leaked", used, request.Pin.Cap())
	}
}

func TestTTY_RepeatCanceled(t *testing.T) {
	f := newFixture(t, scriptedTerminal("pw\r\x03"))
	request := f.state.Request()
	request.RepeatPrompt = "Again:"
	request.RepeatError = "Mismatch"

	f.prompt(t, pinentry.ModeGetPin)
	if !request.Canceled || request.Repeated {
		t.Errorf("canceled=%v repeated=%v, want canceled only", request.Canceled, request.Repeated)
	}
}

func TestTTY_Confirm(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		notOK    string
		oneBtn   bool
		result   int
		canceled bool
	}{
		{name: "yes", input: "y", result: 1},
		{name: "enter", input: "\r", result: 1},
		{name: "no with a no button", input: "n", notOK: "_No", result: 0},
		{name: "no without a no button", input: "n", result: 0, canceled: true},
		{name: "cancel", input: "c", notOK: "_No", canceled: true},
		{name: "ctrl-c", input: "\x03", canceled: true},
		{name: "end of input", input: "", canceled: true},
		{name: "other keys ignored", input: "xzy", result: 1},
		{name: "one button", input: "q", oneBtn: true, result: 1},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t, scriptedTerminal(test.input))
			request := f.state.Request()
			request.NotOK = test.notOK
			request.OneButton = test.oneBtn

			result := f.prompt(t, pinentry.ModeConfirm)
			if result != test.result {
				t.Errorf("result = %d, want %d", result, test.result)
			}
			if request.Canceled != test.canceled {
				t.Errorf("canceled = %v, want %v", request.Canceled, test.canceled)
			}
		})
	}
}

func TestTTY_ConfirmLabels(t *testing.T) {
	f := newFixture(t, scriptedTerminal("y"))
	request := f.state.Request()
	request.OK = "_Sign"
	request.NotOK = "_Don't sign"
	request.Cancel = "Keep__going"

	f.prompt(t, pinentry.ModeConfirm)
	output := f.terminal.Output()
	if !strings.Contains(output, "[y] Sign  [n] Don't sign  [c] Keep_going: ") {
		t.Errorf("labels not rendered:\n%q", output)
	}
}

func TestTTY_Message(t *testing.T) {
	f := newFixture(t, scriptedTerminal(" "))
	request := f.state.Request()
	request.Description = "Card removed"

	if result := f.prompt(t, pinentry.ModeMessage); result != 1 {
		t.Errorf("result = %d, want 1", result)
	}
	output := f.terminal.Output()
	if !strings.Contains(output, "Card removed\r\n") || !strings.Contains(output, "[OK] ") {
		t.Errorf("unexpected output:\n%q", output)
	}
}

func TestTTY_LocaleError(t *testing.T) {
	f := newFixture(t, scriptedTerminal("pin\r"))
	request := f.state.Request()
	request.Description = "caf\xe9"

	if result := f.prompt(t, pinentry.ModeGetPin); result != 0 {
		t.Errorf("result = %d, want 0", result)
	}
	if !request.LocaleError {
		t.Error("invalid UTF-8 not reported as a locale error")
	}
	if len(f.opened) != 0 {
		t.Error("terminal opened for undisplayable text")
	}
}

func TestTTY_StripsEscapeSequences(t *testing.T) {
	f := newFixture(t, scriptedTerminal("y"))
	request := f.state.Request()
	request.Description = "\x1b[2J\x1b[31mred alert\x1b[0m"

	f.prompt(t, pinentry.ModeConfirm)
	output := f.terminal.Output()
	if strings.Contains(output, "\x1b") {
		t.Errorf("escape sequence reached the terminal:\n%q", output)
	}
	if !strings.Contains(output, "red alert") {
		t.Errorf("text lost while sanitizing:\n%q", output)
	}
}

func TestTTY_ContextEndsRead(t *testing.T) {
	f := newFixture(t, blockingTerminal())
	cause := errors.New("deadline")
	ctx, cancel := context.WithCancelCause(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := f.tty.Prompt(ctx, f.state.Request(), pinentry.ModeGetPin)
		done <- err
	}()

	cancel(cause)
	err := testutil.RequireReceive(t, done, 5*time.Second, "Prompt did not return after cancellation")
	if !errors.Is(err, cause) {
		t.Errorf("Prompt error = %v, want the context cause", err)
	}
	if !f.terminal.restored {
		t.Error("terminal mode not restored")
	}
}

func TestTTY_OpenFailure(t *testing.T) {
	pool, err := secret.NewPool(4096, testLogger())
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer pool.Close()
	tty, err := NewTTY(TTYOptions{Pool: pool, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewTTY failed: %v", err)
	}
	state, err := pinentry.NewState(pinentry.Options{Pool: pool, UI: tty, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewState failed: %v", err)
	}
	defer state.Close()

	request := state.Request()
	request.TTYName = t.TempDir() + "/no-such-tty"
	if _, err := tty.Prompt(context.Background(), request, pinentry.ModeGetPin); err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}
	if request.SpecificErr == nil || request.SpecificErrLoc != "open_tty" || request.SpecificErrInfo != request.TTYName {
		t.Errorf("specific error = %v at %q (%q)", request.SpecificErr, request.SpecificErrLoc, request.SpecificErrInfo)
	}
}

func TestNewTTY_RequiresPool(t *testing.T) {
	if _, err := NewTTY(TTYOptions{}); err == nil {
		t.Error("expected an error without a pool")
	}
}

// serve runs a protocol session against the fixture's state.
func (f *fixture) serve(t *testing.T, input string) string {
	t.Helper()
	var output bytes.Buffer
	conn := assuan.NewServer(strings.NewReader(input), &output, assuan.Options{
		Logger: testLogger(),
		Pool:   f.pool,
	})
	if err := f.state.Install(context.Background(), conn); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if err := conn.Serve(context.Background()); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	return output.String()
}

func TestTTY_Session(t *testing.T) {
	f := newFixture(t, scriptedTerminal("abc\r"))

	output := f.serve(t, "OPTION ttyname=/dev/pts/9\nSETQUALITYBAR\nGETPIN\nD 42\nEND\nBYE\n")

	expected := "OK Pleased to meet you\nOK\nOK\nINQUIRE QUALITY abc\nD abc\nOK\nOK\n"
	if output != expected {
		t.Errorf("protocol output:\n%q\nwant:\n%q", output, expected)
	}
	if len(f.opened) != 1 || f.opened[0] != "/dev/pts/9" {
		t.Errorf("opened %v, want the caller's ttyname", f.opened)
	}
	terminalOutput := f.terminal.Output()
	if !strings.Contains(terminalOutput, "PIN: ") || !strings.Contains(terminalOutput, "Quality: 42%") {
		t.Errorf("terminal output:\n%q", terminalOutput)
	}
}

func TestTTY_SessionCanceled(t *testing.T) {
	f := newFixture(t, scriptedTerminal("\x03"))
	output := f.serve(t, "GETPIN\n")
	if !strings.Contains(output, "ERR 83886179 Dialog cancelled by user\n") {
		t.Errorf("protocol output:\n%q", output)
	}
}
