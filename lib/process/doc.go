// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers for bureau-pinentry.
//
// The secure pool must be unmapped (and therefore zeroed by the
// kernel) on every exit path, including fatal errors and signals.
// [AtExit] registers such cleanups and [Exit] and [Fatal] run them
// before the process terminates. [SignalContext] turns SIGINT, SIGTERM
// and SIGHUP into context cancellation so a running dialog ends as
// "interrupted" instead of killing the process with secrets mapped.
//
// Fatal writes to stderr directly because it runs before the logger
// exists or after it failed.
package process
