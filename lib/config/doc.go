// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for
// bureau-pinentry.
//
// Configuration comes from a single file named by either the
// PINENTRY_CONFIG environment variable (via [Load]) or the --config
// flag (via [LoadFile]). There is no ~/.config discovery and no file
// search. Without a file the [Default] configuration applies, since
// agents usually start a pinentry with no arguments at all.
//
// ${VAR} and ${VAR:-default} patterns are expanded in path fields
// (ui.tty, ui.pin_file, server.socket, log.file). No environment
// variable overrides a configured value.
//
// Key exports:
//
//   - [Config] -- Pool, Dialog, UI, Server and Log sections
//   - [Default] -- the built-in defaults
//   - [Load] and [LoadFile] -- the two entry points
//   - [Config.Validate] -- reports every problem at once
package config
