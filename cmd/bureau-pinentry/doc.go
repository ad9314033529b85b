// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Bureau-pinentry asks an operator for a PIN or passphrase on behalf of
// an agent such as gpg-agent, speaking the Assuan protocol.
//
// By default the protocol runs on stdin and stdout, which is how agents
// start a pinentry, and the dialog is drawn on the terminal named by
// OPTION ttyname (or --ttyname, or /dev/tty). With --socket the same
// protocol is served on a Unix socket, one connection at a time, to
// clients running as the same user.
//
// Entered secrets live only in a locked, non-dumpable memory pool that
// is wiped when each dialog ends and unmapped on exit, including exits
// caused by SIGINT, SIGTERM or SIGHUP.
//
// --pin-file answers every GETPIN from a file and acknowledges every
// confirmation, for automation and tests.
//
// Configuration is read from the file named by --config or
// PINENTRY_CONFIG; flags override it. See lib/config.
package main
