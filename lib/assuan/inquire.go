// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package assuan

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// Inquire asks the peer a question from inside a command handler. It
// sends "INQUIRE keyword payload" (payload percent-escaped, clipped to
// maxPayload bytes when maxPayload > 0) and reads the reply:
//
//   - comment lines are skipped
//   - the first D line is the answer; further D lines are a protocol
//     violation that is logged and ignored
//   - END completes the inquiry
//   - CAN returns an *Error with code InquiryCanceled
//   - ERR returns the peer's error
//
// The payload may be secret (a partially typed passphrase), so the
// request line is assembled like a D line: in pool memory, wiped after
// the write, never logged.
//
// When ctx ends while the peer has not answered, the pending read is
// aborted and Inquire returns a Timeout error for an expired deadline
// and a Canceled error otherwise, both wrapping the context's cause.
// The command's response is still written, but the stream is out of
// step with the peer, so the connection closes after it.
//
// Inquire fails with NoInquireCallback outside a command handler and
// with NestedCommands when an inquiry is already running.
func (c *Context) Inquire(ctx context.Context, keyword string, payload []byte, maxPayload int) ([]byte, error) {
	if !c.inCommand {
		return nil, NewError(NoInquireCallback, "")
	}
	if c.inInquire {
		return nil, NewError(NestedCommands, "")
	}
	if keyword == "" || strings.ContainsAny(keyword, " \t\r\n") {
		return nil, Errorf(InvalidValue, "invalid inquiry keyword %q", keyword)
	}

	if ctx.Err() != nil {
		return nil, inquiryAborted(ctx, keyword)
	}

	c.inInquire = true
	defer func() { c.inInquire = false }()

	stop := context.AfterFunc(ctx, c.abortRead)
	defer func() {
		if !stop() {
			c.closed = true
		}
	}()

	prefix := "INQUIRE " + keyword
	if len(payload) > 0 {
		prefix += " "
		if maxPayload > 0 && len(payload) > maxPayload {
			payload = payload[:maxPayload]
		}
		payload = payload[:dataChunk(payload, MaxPayloadLength-len(prefix))]
	}
	if err := c.writeSecretLine(prefix, payload); err != nil {
		return nil, err
	}

	var answer []byte
	answered := false
	for {
		raw, err := c.reader.ReadLine()
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Debug("inquiry aborted", "keyword", keyword, "cause", context.Cause(ctx))
				return nil, inquiryAborted(ctx, keyword)
			}
			if errors.Is(err, io.EOF) || CodeOf(err) == LineNotTerminated {
				c.closed = true
				return nil, Errorf(ReadError, "peer closed the connection during an inquiry: %w", io.ErrUnexpectedEOF)
			}
			if CodeOf(err) == ReadError {
				c.closed = true
			}
			return nil, err
		}
		c.traceIn(raw)

		line := ParseLine(raw)
		switch line.Kind {
		case KindComment:
			continue
		case KindData:
			if answered {
				c.logger.Warn("ignoring extra data line in inquiry response", "keyword", keyword)
				continue
			}
			decoded, err := Unescape([]byte(line.Args))
			if err != nil {
				return nil, err
			}
			answer = decoded
			answered = true
		case KindEnd:
			return answer, nil
		case KindCancel:
			return nil, NewError(InquiryCanceled, "inquiry cancelled by peer")
		case KindErr:
			return nil, ParseError(line.Args)
		default:
			return nil, Errorf(InvalidResponse, "unexpected %q during inquiry", line.Verb)
		}
	}
}

// abortRead unblocks a pending read on the input stream: a deadline in
// the past where the stream supports one, otherwise by closing it.
func (c *Context) abortRead() {
	if deadliner, ok := c.input.(interface{ SetReadDeadline(time.Time) error }); ok {
		if err := deadliner.SetReadDeadline(time.Now()); err == nil {
			return
		}
	}
	if closer, ok := c.input.(io.Closer); ok {
		closer.Close()
	}
}

func inquiryAborted(ctx context.Context, keyword string) *Error {
	cause := context.Cause(ctx)
	code := Canceled
	if errors.Is(cause, context.DeadlineExceeded) {
		code = Timeout
	}
	return Errorf(code, "inquiry %s aborted: %w", keyword, cause)
}
