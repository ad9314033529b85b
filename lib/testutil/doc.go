// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [SocketDir] creates a short /tmp directory for Unix sockets, whose
// paths are limited to 108 bytes.
//
// [RequireReceive] and [RequireClosed] wrap a channel operation in a
// wall-clock timeout so a broken test fails instead of hanging. They
// are the only place tests wait on real time; everything else drives
// lib/clock's fake clock.
//
// Helpers call t.Fatalf on failure rather than returning errors.
package testutil
