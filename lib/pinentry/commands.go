// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pinentry

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bureau-foundation/pinentry/lib/assuan"
	"github.com/bureau-foundation/pinentry/lib/version"
)

// canceledText is the ERR text for a dialog the operator dismissed.
const canceledText = "Dialog cancelled by user"

type command struct {
	name    string
	handler assuan.Handler
}

func (s *State) commands() []command {
	return []command{
		{"SETDESC", s.setText(func(r *Request) *string { return &r.Description }, "")},
		{"SETPROMPT", s.setText(func(r *Request) *string { return &r.Prompt }, "")},
		{"SETERROR", s.setText(func(r *Request) *string { return &r.Error }, "")},
		{"SETOK", s.setText(func(r *Request) *string { return &r.OK }, "")},
		{"SETNOTOK", s.setText(func(r *Request) *string { return &r.NotOK }, "")},
		{"SETCANCEL", s.setText(func(r *Request) *string { return &r.Cancel }, "")},
		{"SETTITLE", s.setText(func(r *Request) *string { return &r.Title }, "")},
		{"SETQUALITYBAR", s.setText(func(r *Request) *string { return &r.QualityBar }, DefaultQualityLabel)},
		{"SETQUALITYBAR_TT", s.setText(func(r *Request) *string { return &r.QualityBarTooltip }, "")},
		{"SETREPEAT", s.setText(func(r *Request) *string { return &r.RepeatPrompt }, DefaultRepeatPrompt)},
		{"SETREPEATERROR", s.setText(func(r *Request) *string { return &r.RepeatError }, "")},
		{"SETREPEATOK", s.setText(func(r *Request) *string { return &r.RepeatOK }, "")},
		{"SETTIMEOUT", s.handleSetTimeout},
		{"SETKEYINFO", s.handleSetKeyInfo},
		{"CLEARPASSPHRASE", s.handleClearPassphrase},
		{"GETPIN", s.handleGetPin},
		{"CONFIRM", s.handleConfirm},
		{"MESSAGE", s.handleMessage},
		{"GETINFO", s.handleGetInfo},
	}
}

// setText returns a handler storing its unescaped argument in the field
// selected by field. An empty argument stores fallback.
func (s *State) setText(field func(*Request) *string, fallback string) assuan.Handler {
	return func(_ *assuan.Context, args string) error {
		text, err := assuan.UnescapeString(args)
		if err != nil {
			return err
		}
		if text == "" {
			text = fallback
		}
		*field(s.request) = text
		return nil
	}
}

// parseSeconds parses a non-negative number of seconds.
func parseSeconds(text string) (time.Duration, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, nil
	}
	seconds, err := strconv.Atoi(text)
	if err != nil || seconds < 0 {
		return 0, assuan.Errorf(assuan.InvalidValue, "invalid timeout %q", text)
	}
	return time.Duration(seconds) * time.Second, nil
}

func (s *State) handleSetTimeout(_ *assuan.Context, args string) error {
	timeout, err := parseSeconds(args)
	if err != nil {
		return err
	}
	s.request.Timeout = timeout
	return nil
}

// handleSetKeyInfo stores the key identifier; "--clear" removes it.
func (s *State) handleSetKeyInfo(_ *assuan.Context, args string) error {
	args = strings.TrimSpace(args)
	if args == "--clear" {
		s.request.KeyInfo = ""
		return nil
	}
	keyInfo, err := assuan.UnescapeString(args)
	if err != nil {
		return err
	}
	s.request.KeyInfo = keyInfo
	return nil
}

// handleClearPassphrase acknowledges a request to forget a cached
// passphrase. No passphrase is ever cached outside the pool, so there
// is nothing to clear.
func (s *State) handleClearPassphrase(_ *assuan.Context, args string) error {
	s.logger.Debug("clear passphrase requested", "key", strings.TrimSpace(args))
	return nil
}

func (s *State) handleGetPin(conn *assuan.Context, _ string) error {
	request := s.request
	defer request.finish()

	if err := request.allocPin(); err != nil {
		return err
	}
	s.applyDefaults(ModeGetPin)
	if request.QualityBar != "" {
		request.quality = func(ctx context.Context, pin []byte) (int, error) {
			return InquireQuality(ctx, conn, pin)
		}
	}

	conn.BeginConfidential()
	defer conn.EndConfidential()

	result, err := s.interact(ModeGetPin)
	if err != nil {
		return err
	}
	if result < 0 || request.Canceled || request.SpecificErr != nil || request.LocaleError {
		if err := s.specificError(conn); err != nil {
			return err
		}
		if request.LocaleError {
			return assuan.NewError(assuan.LocaleProblem, "")
		}
		return assuan.NewError(assuan.Canceled, canceledText)
	}

	if request.Repeated {
		if err := conn.SendStatus("PIN_REPEATED", ""); err != nil {
			return err
		}
	}
	if request.PinLen() > 0 {
		if err := conn.SendData(request.Pin.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// handleConfirm asks a yes/no question. "--one-button" turns it into an
// acknowledgement that always succeeds.
func (s *State) handleConfirm(conn *assuan.Context, args string) error {
	request := s.request
	defer request.finish()

	request.OneButton = strings.Contains(args, "--one-button")
	s.applyDefaults(ModeConfirm)

	result, err := s.interact(ModeConfirm)
	if err != nil {
		return err
	}
	switch {
	case result > 0 && !request.Canceled:
		return nil
	case request.SpecificErr != nil:
		return s.specificError(conn)
	case request.LocaleError:
		return assuan.NewError(assuan.LocaleProblem, "")
	case request.OneButton:
		return nil
	case request.Canceled:
		return assuan.NewError(assuan.Canceled, canceledText)
	default:
		return assuan.NewError(assuan.NotConfirmed, "")
	}
}

// handleMessage shows the description with a single button.
func (s *State) handleMessage(conn *assuan.Context, _ string) error {
	request := s.request
	defer request.finish()

	request.OneButton = true
	s.applyDefaults(ModeMessage)

	if _, err := s.interact(ModeMessage); err != nil {
		return err
	}
	if request.SpecificErr != nil {
		return s.specificError(conn)
	}
	if request.LocaleError {
		return assuan.NewError(assuan.LocaleProblem, "")
	}
	return nil
}

// specificError reports request.SpecificErr, if set, as an ERROR status
// line and returns it.
func (s *State) specificError(conn *assuan.Context) error {
	request := s.request
	if request.SpecificErr == nil {
		return nil
	}
	location := request.SpecificErrLoc
	if location == "" {
		location = "?"
	}
	status := fmt.Sprintf("%s.%s %d", s.flavor, location, assuan.CodeOf(request.SpecificErr).Wire())
	if request.SpecificErrInfo != "" {
		status += " " + request.SpecificErrInfo
	}
	if err := conn.SendStatus("ERROR", status); err != nil {
		return err
	}
	return request.SpecificErr
}

// handleGetInfo answers a side-effect-free query with one D line.
func (s *State) handleGetInfo(conn *assuan.Context, args string) error {
	var answer string
	switch what := strings.TrimSpace(args); what {
	case "version":
		answer = version.Short()
	case "pid":
		answer = strconv.Itoa(os.Getpid())
	case "flavor":
		answer = s.flavor
	case "ttyinfo":
		answer = fmt.Sprintf("%s %s %s %d/%d %s",
			orDash(s.session.TTYName), orDash(s.session.TTYType), orDash(s.session.Display),
			s.session.OwnerPID, s.session.OwnerUID, orDash(s.session.OwnerHost))
	default:
		return assuan.Errorf(assuan.ParameterConflict, "unknown item %q", what)
	}
	return conn.SendData([]byte(answer))
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
