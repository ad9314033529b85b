// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package assuan

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
)

const (
	// MaxLineLength is the hard cap on one line including the optional
	// CR and the mandatory LF.
	MaxLineLength = 1002

	// MaxPayloadLength is the longest payload a line may carry.
	MaxPayloadLength = MaxLineLength - 2
)

// Reader splits an input stream into protocol lines.
type Reader struct {
	buffered *bufio.Reader
}

// NewReader returns a Reader whose internal buffer is exactly one
// maximal line, so an overlong line is detected as soon as the buffer
// fills without a LF.
func NewReader(r io.Reader) *Reader {
	return &Reader{buffered: bufio.NewReaderSize(r, MaxLineLength)}
}

// ReadLine returns the next line without its CR/LF terminator, as a
// fresh copy. It returns io.EOF at a clean line boundary.
//
// A line longer than MaxLineLength, or one whose payload exceeds
// MaxPayloadLength once the CR/LF is stripped, is consumed up to its LF
// and reported as LineTooLong, leaving the reader at the start of the
// next line. If the stream ends before a terminator arrives, the result
// is LineNotTerminated, including for an overlong line whose LF never
// comes.
func (r *Reader) ReadLine() ([]byte, error) {
	raw, err := r.buffered.ReadSlice('\n')
	switch {
	case err == nil:
	case errors.Is(err, bufio.ErrBufferFull):
		return nil, r.discardOverlong()
	case errors.Is(err, io.EOF):
		if len(raw) == 0 {
			return nil, io.EOF
		}
		return nil, NewError(LineNotTerminated, "")
	default:
		return nil, Errorf(ReadError, "reading line: %w", err)
	}

	raw = raw[:len(raw)-1]
	raw = bytes.TrimSuffix(raw, []byte{'\r'})
	if len(raw) > MaxPayloadLength {
		return nil, NewError(LineTooLong, "")
	}
	return bytes.Clone(raw), nil
}

// discardOverlong skips the rest of a line that did not fit.
func (r *Reader) discardOverlong() error {
	for {
		_, err := r.buffered.ReadSlice('\n')
		switch {
		case err == nil:
			return NewError(LineTooLong, "")
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			return NewError(LineNotTerminated, "")
		default:
			return Errorf(ReadError, "reading line: %w", err)
		}
	}
}

// PendingLine reports whether a complete line is already buffered, so
// the next ReadLine will not block.
func (r *Reader) PendingLine() bool {
	count := r.buffered.Buffered()
	if count == 0 {
		return false
	}
	peeked, err := r.buffered.Peek(count)
	if err != nil {
		return false
	}
	return bytes.IndexByte(peeked, '\n') >= 0
}

// Kind classifies a line by its first token.
type Kind int

const (
	KindCommand Kind = iota
	KindComment
	KindData
	KindOK
	KindErr
	KindCancel
	KindStatus
	KindEnd
	KindInquire
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindComment:
		return "comment"
	case KindData:
		return "data"
	case KindOK:
		return "ok"
	case KindErr:
		return "err"
	case KindCancel:
		return "cancel"
	case KindStatus:
		return "status"
	case KindEnd:
		return "end"
	case KindInquire:
		return "inquire"
	}
	return "unknown"
}

// Line is a parsed protocol line. Verb is the first token; Args is the
// remainder after one separating space, left escaped.
type Line struct {
	Kind Kind
	Verb string
	Args string
}

// ParseLine classifies raw. Comments are recognised by a leading '#';
// the fixed response keywords (D, OK, ERR, CAN, S, END, INQUIRE) by
// exact match of the first token; everything else is a command.
func ParseLine(raw []byte) Line {
	text := string(raw)
	if strings.HasPrefix(text, "#") {
		return Line{Kind: KindComment, Args: text[1:]}
	}

	verb, args, _ := strings.Cut(text, " ")
	if tab := strings.IndexByte(verb, '\t'); tab >= 0 {
		verb, args = text[:tab], text[tab+1:]
	}
	line := Line{Verb: verb, Args: args}

	switch verb {
	case "D":
		line.Kind = KindData
	case "OK":
		line.Kind = KindOK
	case "ERR":
		line.Kind = KindErr
	case "CAN":
		line.Kind = KindCancel
	case "S":
		line.Kind = KindStatus
	case "END":
		line.Kind = KindEnd
	case "INQUIRE":
		line.Kind = KindInquire
	default:
		line.Kind = KindCommand
		line.Args = strings.TrimLeft(args, " \t")
	}
	return line
}

// truncatePayload clips text so that prefix+text fits one line.
func truncatePayload(prefix, text string) string {
	room := MaxPayloadLength - len(prefix)
	if room < 0 {
		return ""
	}
	if len(text) > room {
		return text[:room]
	}
	return text
}
