// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for
// bureau-pinentry.
//
// Three package-level variables are injected at build time via
// -ldflags -X: [GitCommit], [GitDirty] and [BuildTime]. [Version] is
// set by hand for releases. Uninjected builds report "unknown" and
// "0.1.0-dev".
//
// [Short] is what GETINFO version returns to the caller. [Info] and
// [Full] are for --version.
package version
