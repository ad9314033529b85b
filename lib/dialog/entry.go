// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dialog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/bureau-foundation/pinentry/lib/pinentry"
	"github.com/bureau-foundation/pinentry/lib/secret"
)

// DefaultRepeatError is shown when the two entries of a repeated PIN
// differ and the caller sent no SETREPEATERROR.
const DefaultRepeatError = "PINs do not match"

// secretLine is an editable secret being typed.
type secretLine interface {
	Len() int
	Bytes() []byte
	Append(b byte) error
	Truncate(n int) error
}

type pinLine struct{ request *pinentry.Request }

func (l pinLine) Len() int { return l.request.PinLen() }

func (l pinLine) Bytes() []byte {
	if l.request.Pin == nil {
		return nil
	}
	return l.request.Pin.Bytes()
}

func (l pinLine) Append(b byte) error  { return l.request.AppendPin(b) }
func (l pinLine) Truncate(n int) error { return l.request.TruncatePin(n) }

type bufferLine struct{ buffer *secret.Buffer }

func (l *bufferLine) Len() int      { return l.buffer.Len() }
func (l *bufferLine) Bytes() []byte { return l.buffer.Bytes() }

func (l *bufferLine) Append(b byte) error {
	grown, err := l.buffer.Append(b)
	l.buffer = grown
	return err
}

func (l *bufferLine) Truncate(n int) error { return l.buffer.SetLen(n) }

// errCanceled ends an entry the operator dismissed.
var errCanceled = errors.New("entry canceled")

// readLine reads a secret into line until Enter. The entry is not
// echoed.
func (s *session) readLine(line secretLine) error {
	for {
		b, err := s.readByte()
		if errors.Is(err, io.EOF) {
			return errCanceled
		}
		if err != nil {
			return err
		}

		switch {
		case b == '\r' || b == '\n':
			return nil
		case b == keyInterrupt || b == keyEscape:
			return errCanceled
		case b == keyEOF:
			if line.Len() == 0 {
				return errCanceled
			}
		case b == keyBackspace || b == keyDelete:
			if err := line.Truncate(runeStart(line.Bytes())); err != nil {
				return err
			}
		case b == keyLineKill:
			if err := line.Truncate(0); err != nil {
				return err
			}
		case b < 0x20:
			// Other control characters are ignored.
		default:
			if err := line.Append(b); err != nil {
				return err
			}
		}
	}
}

// runeStart returns the offset of the last UTF-8 character in data, so
// that backspace removes a whole character.
func runeStart(data []byte) int {
	end := len(data)
	if end == 0 {
		return 0
	}
	start := end - 1
	for start > 0 && end-start < 4 && data[start]&0xc0 == 0x80 {
		start--
	}
	return start
}

func (s *session) getPin(pool *secret.Pool, logger *slog.Logger) (int, error) {
	request := s.request
	if err := s.header(); err != nil {
		return 0, err
	}

	for {
		if err := s.print(s.prompt.Render(sanitize(request.Prompt)) + " "); err != nil {
			return 0, err
		}
		if err := request.TruncatePin(0); err != nil {
			return 0, err
		}
		if err := s.entry(pinLine{request}); err != nil {
			return 0, err
		}
		if request.Canceled {
			return 0, nil
		}

		if request.QualityBar != "" {
			if err := s.showQuality(logger); err != nil {
				return 0, err
			}
		}

		if request.RepeatPrompt == "" {
			return request.PinLen(), nil
		}
		matched, err := s.repeat(pool)
		if err != nil || request.Canceled {
			return 0, err
		}
		if matched {
			request.Repeated = true
			return request.PinLen(), nil
		}
		message := request.RepeatError
		if message == "" {
			message = DefaultRepeatError
		}
		if err := s.println(s.errorText.Render(sanitize(message))); err != nil {
			return 0, err
		}
	}
}

// entry reads one secret line and ends the prompt line. Cancellation
// is recorded on the request.
func (s *session) entry(line secretLine) error {
	err := s.readLine(line)
	if errors.Is(err, errCanceled) {
		s.request.Canceled = true
		err = nil
	}
	if err != nil {
		return err
	}
	return s.println("")
}

// repeat reads the PIN a second time into scratch pool memory and
// reports whether it matches.
func (s *session) repeat(pool *secret.Pool) (bool, error) {
	capacity := max(s.request.PinLen(), 1)
	buffer, err := pool.Alloc(capacity)
	if err != nil {
		return false, err
	}
	line := &bufferLine{buffer: buffer}
	defer func() { line.buffer.Close() }()
	if err := line.Truncate(0); err != nil {
		return false, err
	}

	if err := s.print(s.prompt.Render(sanitize(s.request.RepeatPrompt)) + " "); err != nil {
		return false, err
	}
	if err := s.entry(line); err != nil || s.request.Canceled {
		return false, err
	}
	if s.request.Pin == nil {
		return line.Len() == 0, nil
	}
	return s.request.Pin.Equal(line.Bytes()), nil
}

// showQuality asks the caller to score the entered PIN and shows the
// result. A scoring failure is logged and the dialog continues.
func (s *session) showQuality(logger *slog.Logger) error {
	if s.request.PinLen() == 0 {
		return nil
	}
	score, err := s.request.Quality(s.ctx, s.request.Pin.Bytes())
	if err != nil {
		logger.Warn("quality check failed", "error", err)
		return nil
	}
	text := fmt.Sprintf("%s %d%%", sanitize(s.request.QualityBar), score)
	if score < 0 {
		return s.println(s.errorText.Render(text))
	}
	return s.println(text)
}

func (s *session) confirm() (int, error) {
	request := s.request
	if err := s.header(); err != nil {
		return 0, err
	}
	if request.OneButton {
		return s.acknowledge()
	}

	choices := fmt.Sprintf("[y] %s  [n] %s  [c] %s: ",
		label(request.OK, "OK"),
		label(request.NotOK, "No"),
		label(request.Cancel, "Cancel"),
	)
	if request.NotOK == "" {
		choices = fmt.Sprintf("[y] %s  [n] %s: ",
			label(request.OK, "OK"),
			label(request.Cancel, "Cancel"),
		)
	}
	if err := s.print(choices); err != nil {
		return 0, err
	}

	for {
		b, err := s.readByte()
		if errors.Is(err, io.EOF) {
			request.Canceled = true
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		switch b {
		case 'y', 'Y', '\r', '\n':
			return 1, s.println("")
		case 'n', 'N':
			if request.NotOK == "" {
				request.Canceled = true
			}
			return 0, s.println("")
		case 'c', 'C', keyInterrupt, keyEscape, keyEOF:
			request.Canceled = true
			return 0, s.println("")
		}
	}
}

func (s *session) message() (int, error) {
	if err := s.header(); err != nil {
		return 0, err
	}
	return s.acknowledge()
}

// acknowledge waits for any key below a single button.
func (s *session) acknowledge() (int, error) {
	if err := s.print(fmt.Sprintf("[%s] ", label(s.request.OK, "OK"))); err != nil {
		return 0, err
	}
	_, err := s.readByte()
	if errors.Is(err, io.EOF) {
		err = nil
	}
	if err != nil {
		return 0, err
	}
	return 1, s.println("")
}
