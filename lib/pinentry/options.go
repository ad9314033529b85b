// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pinentry

import (
	"strconv"
	"strings"

	"github.com/bureau-foundation/pinentry/lib/assuan"
)

// handleOption applies one OPTION. Unknown names fail with
// InvalidOption.
func (s *State) handleOption(_ *assuan.Context, name, value string) error {
	value, err := assuan.UnescapeString(value)
	if err != nil {
		return err
	}

	session := &s.session
	switch name {
	case "grab":
		session.Grab = true
	case "no-grab":
		session.Grab = false
	case "ttyname":
		session.TTYName = value
	case "ttytype":
		session.TTYType = value
	case "lc-ctype":
		session.LCCtype = value
	case "lc-messages":
		session.LCMessages = value
	case "display":
		session.Display = value
	case "owner":
		return s.setOwner(value)
	case "parent-wid":
		session.ParentWID = value
	case "timeout":
		timeout, err := parseSeconds(value)
		if err != nil {
			return err
		}
		// Becomes the default for later requests as well.
		s.defaults.Timeout = timeout
		s.request.Timeout = timeout
	case "default-ok":
		session.DefaultOK = value
	case "default-cancel":
		session.DefaultCancel = value
	case "default-prompt":
		session.DefaultPrompt = value
	case "allow-external-password-cache":
		session.AllowExternalCache = true
	case "touch-file":
		session.TouchFile = value
	default:
		return assuan.Errorf(assuan.InvalidOption, "unknown option %q", name)
	}
	return nil
}

// setOwner parses "PID[/UID] [HOST]".
func (s *State) setOwner(value string) error {
	ids, host, _ := strings.Cut(strings.TrimSpace(value), " ")
	pidText, uidText, hasUID := strings.Cut(ids, "/")

	pid, err := strconv.Atoi(pidText)
	if err != nil || pid < 0 {
		return assuan.Errorf(assuan.InvalidValue, "invalid owner pid %q", pidText)
	}
	uid := -1
	if hasUID {
		uid, err = strconv.Atoi(uidText)
		if err != nil || uid < 0 {
			return assuan.Errorf(assuan.InvalidValue, "invalid owner uid %q", uidText)
		}
	}

	s.session.OwnerPID = pid
	s.session.OwnerUID = uid
	s.session.OwnerHost = strings.TrimSpace(host)
	return nil
}
