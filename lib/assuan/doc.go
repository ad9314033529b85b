// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package assuan implements the server side of the Assuan protocol: a
// line-based textual IPC protocol spoken over a pair of streams
// (inherited stdin/stdout for a pipe server, or a Unix socket).
//
// # Lines
//
// A line carries at most 1000 payload bytes plus an optional CR and a
// mandatory LF ([MaxLineLength] = 1002). [Reader] enforces the cap:
// an overlong line is skipped and reported as LineTooLong, a line cut
// off by end of stream as LineNotTerminated. [Reader.PendingLine]
// reports whether another complete line is already buffered. Payloads
// use %XX escaping ([Escape], [EscapeInto], [Unescape]).
//
// # Dispatch
//
// A [Context] holds one connection: command table, option handler,
// notify hooks, the confidential flag and a pointer for handler state.
// Commands are registered before [Context.Accept]; duplicates are
// rejected with [ErrDuplicateCommand]. The built-in verbs NOP, CANCEL,
// BYE, AUTH, RESET, OPTION, DATA, END, INPUT, OUTPUT and HELP take ids
// below [FirstCommandID]. [Context.Process] reads one line, runs the
// matching handler and answers OK or ERR; handlers send payload with
// [Context.SendData] and status with [Context.SendStatus] before
// returning. Hooks registered with OnBye, OnReset, OnCancel, OnInput
// and OnOutput run after the corresponding response has been written.
//
// # Inquiries
//
// [Context.Inquire] lets a running handler ask the peer a question
// and read back D/END, CAN or ERR before finishing its own response.
// Only one level of nesting is allowed. The wait for the answer ends
// with the handler's context; the connection then closes once the
// handler has answered.
//
// # Errors
//
// Protocol errors are [*Error] values with a [Code] in libgpg-error
// numbering, written on the wire as (source << 24) | code with the
// pinentry source. [CodeOf] maps pool exhaustion from lib/secret to
// OutOfCore.
//
// # Sockets
//
// [Listener] serves the protocol on a Unix socket, one connection at a
// time, rejecting peers that run under another uid. Each connection
// gets a fresh Context and a uuid for log correlation.
package assuan
