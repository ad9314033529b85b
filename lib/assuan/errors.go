// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package assuan

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/pinentry/lib/secret"
)

// Code is an error code in the libgpg-error numbering used on the wire.
type Code uint32

// Error codes. The values match libgpg-error so that callers built
// against it recognise them.
const (
	General           Code = 1
	InvalidValue      Code = 55
	Timeout           Code = 62
	NotImplemented    Code = 69
	Canceled          Code = 99
	NotConfirmed      Code = 114
	LocaleProblem     Code = 166
	InvalidOption     Code = 174
	InvalidResponse   Code = 260
	IncompleteLine    Code = 262
	LineTooLong       Code = 263
	NestedCommands    Code = 264
	NoDataCallback    Code = 265
	NoInquireCallback Code = 266
	NotAServer        Code = 267
	NotAClient        Code = 268
	ReadError         Code = 270
	WriteError        Code = 271
	TooMuchData       Code = 273
	UnexpectedCommand Code = 274
	UnknownCommand    Code = 275
	SyntaxError       Code = 276
	InquiryCanceled   Code = 277
	ParameterConflict Code = 280
	OutOfCore         Code = SystemError | Code(unix.ENOMEM)
)

// SystemError marks codes that carry an errno in the low bits.
const SystemError Code = 1 << 15

// LineNotTerminated is the code for a partial line at end of stream.
const LineNotTerminated = IncompleteLine

// SourcePinentry is the error source placed in the top byte of every
// code this package writes.
const SourcePinentry = 5

var descriptions = map[Code]string{
	General:           "General error",
	InvalidValue:      "Invalid value",
	Timeout:           "Timeout",
	NotImplemented:    "Not implemented",
	Canceled:          "Operation cancelled",
	NotConfirmed:      "Not confirmed",
	LocaleProblem:     "Problem with the locale",
	InvalidOption:     "Unknown option",
	InvalidResponse:   "Invalid response",
	IncompleteLine:    "Incomplete line",
	LineTooLong:       "Line too long",
	NestedCommands:    "Nested commands",
	NoDataCallback:    "No data callback",
	NoInquireCallback: "No inquire callback",
	NotAServer:        "Not a server",
	NotAClient:        "Not a client",
	ReadError:         "Read error",
	WriteError:        "Write error",
	TooMuchData:       "Too much data",
	UnexpectedCommand: "Unexpected command",
	UnknownCommand:    "Unknown IPC command",
	SyntaxError:       "IPC syntax error",
	InquiryCanceled:   "IPC call has been cancelled",
	ParameterConflict: "IPC parameter error",
	OutOfCore:         "Cannot allocate memory",
}

// String returns the default description for c.
func (c Code) String() string {
	if description, ok := descriptions[c]; ok {
		return description
	}
	if c&SystemError != 0 {
		return unix.Errno(c &^ SystemError).Error()
	}
	return fmt.Sprintf("Error %d", uint32(c))
}

// Wire returns the value written in ERR lines: the source in the top
// byte, the code in the low 16 bits.
func (c Code) Wire() uint32 {
	return SourcePinentry<<24 | uint32(c)&0xffff
}

// Error is a protocol error carrying a code and human-readable text.
type Error struct {
	Code Code
	Text string

	// cause is the error wrapped with %w by Errorf, if any.
	cause error
}

// NewError returns an *Error with the given text; an empty text means
// the code's default description.
func NewError(code Code, text string) *Error {
	return &Error{Code: code, Text: text}
}

// Errorf returns an *Error with formatted text. An operand formatted
// with %w is kept as the error's cause.
func Errorf(code Code, format string, args ...any) *Error {
	formatted := fmt.Errorf(format, args...)
	return &Error{Code: code, Text: formatted.Error(), cause: errors.Unwrap(formatted)}
}

// Unwrap returns the cause, so that stream errors stay inspectable.
func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Error() string {
	return e.text()
}

func (e *Error) text() string {
	if e.Text != "" {
		return e.Text
	}
	return e.Code.String()
}

// Is matches another *Error with the same code, so that
// errors.Is(err, assuan.NewError(assuan.Canceled, "")) works regardless
// of the text.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// CodeOf extracts the protocol code from err. Pool exhaustion maps to
// OutOfCore and an errno to its system code; any other non-protocol
// error is General.
func CodeOf(err error) Code {
	var protocolError *Error
	if errors.As(err, &protocolError) {
		return protocolError.Code
	}
	if errors.Is(err, secret.ErrOutOfCore) {
		return OutOfCore
	}
	if errors.Is(err, secret.ErrInvalidSize) {
		return InvalidValue
	}
	var errno unix.Errno
	if errors.As(err, &errno) && errno != 0 {
		return SystemError | Code(errno)&^SystemError
	}
	return General
}

// FormatError renders the ERR line payload for err: the wire code,
// then the text.
func FormatError(err error) string {
	code := CodeOf(err)
	var protocolError *Error
	text := code.String()
	if errors.As(err, &protocolError) {
		text = protocolError.text()
	}
	return fmt.Sprintf("%d %s", code.Wire(), text)
}

// ParseError parses the payload of an ERR line received from the peer
// (during an inquiry). Unknown numbers are kept as-is.
func ParseError(payload string) *Error {
	number, text, _ := strings.Cut(strings.TrimSpace(payload), " ")
	value, err := strconv.ParseUint(number, 10, 32)
	if err != nil {
		return NewError(InvalidResponse, "malformed ERR line")
	}
	return &Error{Code: Code(value & 0xffff), Text: text}
}
