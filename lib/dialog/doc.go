// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dialog provides the operator-facing collaborators that
// implement [pinentry.UI].
//
// [TTY] draws on a terminal: the caller's OPTION ttyname, or a
// configured default device. Input is read in raw mode one byte at a
// time straight into the request's secure PIN buffer, so the secret
// never sits in a line buffer. Backspace and Ctrl-U edit, Enter
// accepts, Ctrl-C cancels, and Ctrl-D cancels an empty entry. When the
// dialog's context ends (timeout, interrupt) a read deadline unblocks
// the pending read. Caller-supplied text is stripped of terminal escape
// sequences before display, and text that is not valid UTF-8 is
// reported as a locale error instead of being drawn.
//
// [File] answers every GETPIN from a file and acknowledges every
// CONFIRM and MESSAGE. It is meant for automation and tests.
package dialog
