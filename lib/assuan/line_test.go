// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package assuan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/pinentry/lib/secret"
)

func TestEscapeRoundTrip(t *testing.T) {
	inputs := [][]byte{
		nil,
		[]byte("plain text"),
		[]byte("100% sure"),
		[]byte("line one\nline two\r\n"),
		[]byte("%25 already looks escaped"),
		{0x00, 0x01, 0x1f, 0x20, 0x7f, 0x80, 0xff},
	}
	// Every single byte value.
	every := make([]byte, 256)
	for index := range every {
		every[index] = byte(index)
	}
	inputs = append(inputs, every)

	for _, input := range inputs {
		escaped := make([]byte, EscapedLen(input))
		written := EscapeInto(escaped, input)
		if written != len(escaped) {
			t.Errorf("EscapeInto wrote %d bytes, EscapedLen said %d", written, len(escaped))
		}
		if bytes.ContainsAny(escaped, "\r\n") {
			t.Errorf("escaped form of %q contains a line terminator: %q", input, escaped)
		}
		decoded, err := Unescape(escaped)
		if err != nil {
			t.Fatalf("Unescape(%q) failed: %v", escaped, err)
		}
		if !bytes.Equal(decoded, input) && !(len(decoded) == 0 && len(input) == 0) {
			t.Errorf("round trip of %q gave %q", input, decoded)
		}
	}
}

func TestUnescape(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		{name: "uppercase hex", input: "a%0Ab", expected: "a\nb"},
		{name: "lowercase hex", input: "a%0ab", expected: "a\nb"},
		{name: "percent", input: "50%25", expected: "50%"},
		{name: "no escapes", input: "hello", expected: "hello"},
		{name: "truncated", input: "abc%4", wantErr: true},
		{name: "bare percent", input: "abc%", wantErr: true},
		{name: "non hex", input: "%zz", wantErr: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			decoded, err := UnescapeString(test.input)
			if test.wantErr {
				if CodeOf(err) != SyntaxError {
					t.Fatalf("expected SyntaxError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("UnescapeString failed: %v", err)
			}
			if decoded != test.expected {
				t.Errorf("got %q, want %q", decoded, test.expected)
			}
		})
	}
}

func TestUnescapeDoesNotAliasInput(t *testing.T) {
	input := []byte("abc")
	decoded, err := Unescape(input)
	if err != nil {
		t.Fatalf("Unescape failed: %v", err)
	}
	decoded[0] = 'X'
	if input[0] != 'a' {
		t.Error("Unescape result aliases its input")
	}
}

func TestReadLine_Boundary(t *testing.T) {
	exact := strings.Repeat("a", MaxPayloadLength) + "\r\n"
	overlong := strings.Repeat("b", MaxLineLength) + "\n"

	reader := NewReader(strings.NewReader(exact + overlong + "NOP\n"))

	line, err := reader.ReadLine()
	if err != nil {
		t.Fatalf("a %d-byte line was rejected: %v", len(exact), err)
	}
	if len(line) != MaxPayloadLength {
		t.Errorf("expected %d payload bytes, got %d", MaxPayloadLength, len(line))
	}

	if _, err := reader.ReadLine(); CodeOf(err) != LineTooLong {
		t.Fatalf("a %d-byte line: expected LineTooLong, got %v", len(overlong), err)
	}

	// The reader resynchronises on the next line.
	line, err = reader.ReadLine()
	if err != nil || string(line) != "NOP" {
		t.Fatalf("expected NOP after the overlong line, got %q, %v", line, err)
	}

	if _, err := reader.ReadLine(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF at end of input, got %v", err)
	}
}

func TestReadLine_PayloadLimit(t *testing.T) {
	// Fits the 1002-byte window with a bare LF, but carries one payload
	// byte too many.
	oversized := strings.Repeat("c", MaxPayloadLength+1) + "\n"
	exact := strings.Repeat("d", MaxPayloadLength) + "\n"

	reader := NewReader(strings.NewReader(oversized + exact + "NOP\n"))

	if _, err := reader.ReadLine(); CodeOf(err) != LineTooLong {
		t.Fatalf("a %d-byte payload: expected LineTooLong, got %v", MaxPayloadLength+1, err)
	}
	line, err := reader.ReadLine()
	if err != nil || len(line) != MaxPayloadLength {
		t.Fatalf("a %d-byte payload with a bare LF: got %d bytes, %v", MaxPayloadLength, len(line), err)
	}
	line, err = reader.ReadLine()
	if err != nil || string(line) != "NOP" {
		t.Fatalf("expected NOP after the oversized payload, got %q, %v", line, err)
	}
}

func TestReadLine_StripsCR(t *testing.T) {
	reader := NewReader(strings.NewReader("SETDESC hi\r\n"))
	line, err := reader.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine failed: %v", err)
	}
	if string(line) != "SETDESC hi" {
		t.Errorf("got %q", line)
	}
}

func TestReadLine_NotTerminated(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "short partial line", input: "GETPIN"},
		{name: "overlong partial line", input: strings.Repeat("x", 1200)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			reader := NewReader(strings.NewReader(test.input))
			if _, err := reader.ReadLine(); CodeOf(err) != LineNotTerminated {
				t.Fatalf("expected LineNotTerminated, got %v", err)
			}
		})
	}
}

func TestPendingLine(t *testing.T) {
	reader := NewReader(strings.NewReader("NOP\nSETDESC x\nPARTIAL"))

	if reader.PendingLine() {
		t.Error("nothing has been read yet, nothing should be pending")
	}
	if _, err := reader.ReadLine(); err != nil {
		t.Fatalf("ReadLine failed: %v", err)
	}
	if !reader.PendingLine() {
		t.Error("expected the pipelined SETDESC to be pending")
	}
	if _, err := reader.ReadLine(); err != nil {
		t.Fatalf("ReadLine failed: %v", err)
	}
	if reader.PendingLine() {
		t.Error("a partial line must not count as pending")
	}
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		raw  string
		kind Kind
		verb string
		args string
	}{
		{raw: "# a comment", kind: KindComment, args: " a comment"},
		{raw: "D secret%25", kind: KindData, verb: "D", args: "secret%25"},
		{raw: "D  leading space", kind: KindData, verb: "D", args: " leading space"},
		{raw: "OK", kind: KindOK, verb: "OK"},
		{raw: "OK fine", kind: KindOK, verb: "OK", args: "fine"},
		{raw: "ERR 83886179 cancelled", kind: KindErr, verb: "ERR", args: "83886179 cancelled"},
		{raw: "CAN", kind: KindCancel, verb: "CAN"},
		{raw: "S PROGRESS 1", kind: KindStatus, verb: "S", args: "PROGRESS 1"},
		{raw: "END", kind: KindEnd, verb: "END"},
		{raw: "SETDESC   Please enter", kind: KindCommand, verb: "SETDESC", args: "Please enter"},
		{raw: "GETPIN", kind: KindCommand, verb: "GETPIN"},
		{raw: "OPTION\tgrab", kind: KindCommand, verb: "OPTION", args: "grab"},
		{raw: "getpin", kind: KindCommand, verb: "getpin"},
	}
	for _, test := range tests {
		line := ParseLine([]byte(test.raw))
		if line.Kind != test.kind || line.Verb != test.verb || line.Args != test.args {
			t.Errorf("ParseLine(%q) = %+v, want kind=%v verb=%q args=%q",
				test.raw, line, test.kind, test.verb, test.args)
		}
	}
}

func TestErrorWireFormat(t *testing.T) {
	if got := Canceled.Wire(); got != 83886179 {
		t.Errorf("Canceled.Wire() = %d, want 83886179", got)
	}
	if got := FormatError(NewError(Canceled, "Dialog cancelled by user")); got != "83886179 Dialog cancelled by user" {
		t.Errorf("FormatError = %q", got)
	}
	if got := FormatError(NewError(Timeout, "")); got != "83886142 Timeout" {
		t.Errorf("FormatError = %q", got)
	}

	parsed := ParseError("83886179 Operation cancelled")
	if parsed.Code != Canceled || parsed.Text != "Operation cancelled" {
		t.Errorf("ParseError = %+v", parsed)
	}
	if !errors.Is(parsed, NewError(Canceled, "")) {
		t.Error("errors.Is should match on code")
	}
}

func TestCodeOf(t *testing.T) {
	_, openErr := os.Open(filepath.Join(t.TempDir(), "missing"))

	tests := []struct {
		name string
		err  error
		code Code
	}{
		{name: "protocol error", err: NewError(Timeout, ""), code: Timeout},
		{name: "wrapped protocol error", err: fmt.Errorf("dialog: %w", NewError(Canceled, "")), code: Canceled},
		{name: "pool exhausted", err: fmt.Errorf("alloc: %w", secret.ErrOutOfCore), code: OutOfCore},
		{name: "bad size", err: secret.ErrInvalidSize, code: InvalidValue},
		{name: "errno", err: openErr, code: SystemError | Code(unix.ENOENT)},
		{name: "other", err: errors.New("boom"), code: General},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := CodeOf(test.err); got != test.code {
				t.Errorf("CodeOf(%v) = %d, want %d", test.err, got, test.code)
			}
		})
	}

	if got := FormatError(openErr); got != "83918850 no such file or directory" {
		t.Errorf("FormatError(ENOENT) = %q", got)
	}
	if got := OutOfCore.Wire(); got != 83918860 {
		t.Errorf("OutOfCore.Wire() = %d, want 83918860", got)
	}
}

func TestErrorf_KeepsCause(t *testing.T) {
	err := Errorf(ReadError, "reading line: %w", io.ErrUnexpectedEOF)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("cause not reachable through errors.Is")
	}
	if err.Error() != "reading line: unexpected EOF" {
		t.Errorf("Error() = %q", err.Error())
	}
	if CodeOf(err) != ReadError {
		t.Errorf("CodeOf = %d, want ReadError", CodeOf(err))
	}
	if errors.Unwrap(Errorf(Timeout, "after %d seconds", 30)) != nil {
		t.Error("Errorf without %w has a cause")
	}
}
