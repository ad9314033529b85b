// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pinentry

import (
	"context"
	"errors"
	"os"

	"github.com/bureau-foundation/pinentry/lib/assuan"
)

// applyDefaults fills labels the caller left unset from the session
// and configured defaults.
func (s *State) applyDefaults(mode Mode) {
	request := s.request
	if mode == ModeGetPin && request.Prompt == "" {
		switch {
		case s.session.DefaultPrompt != "":
			request.Prompt = s.session.DefaultPrompt
		case s.defaults.Prompt != "":
			request.Prompt = s.defaults.Prompt
		default:
			request.Prompt = DefaultPrompt
		}
	}
	request.TTYName = s.session.TTYName
	if request.OK == "" {
		request.OK = s.session.DefaultOK
	}
	if request.Cancel == "" {
		request.Cancel = s.session.DefaultCancel
	}
}

// interact runs the UI under the request's timeout. Expiry of the
// timeout yields a Timeout error whatever the UI returns, so a timed
// out dialog is never reported as canceled.
func (s *State) interact(mode Mode) (int, error) {
	request := s.request
	request.clearResult()

	ctx, cancel := context.WithCancelCause(s.ctx)
	defer cancel(nil)

	if request.Timeout > 0 {
		timer := s.clock.AfterFunc(request.Timeout, func() { cancel(ErrTimeout) })
		defer timer.Stop()
	}

	logger := s.logger.With("mode", mode.String())
	logger.Debug("dialog started", "timeout", request.Timeout)
	started := s.clock.Now()

	result, err := s.ui.Prompt(ctx, request, mode)
	s.touch()

	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrTimeout):
		logger.Info("dialog timed out", "timeout", request.Timeout)
		return 0, assuan.NewError(assuan.Timeout, "")
	case cause != nil && s.ctx.Err() != nil:
		logger.Info("dialog interrupted", "reason", cause)
		return 0, assuan.NewError(assuan.Canceled, "interrupted")
	case err != nil:
		logger.Warn("dialog failed", "error", err)
		return 0, err
	}

	logger.Debug("dialog finished",
		"elapsed", s.clock.Now().Sub(started),
		"canceled", request.Canceled,
		"result", result,
	)
	return result, nil
}

// touch updates the session's touch file, if any, to signal that the
// terminal may need redrawing.
func (s *State) touch() {
	path := s.session.TouchFile
	if path == "" {
		return
	}
	now := s.clock.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		s.logger.Warn("updating touch file failed", "path", path, "error", err)
	}
}
