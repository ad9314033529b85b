// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dialog

import (
	"context"
	"errors"
	"log/slog"

	"github.com/bureau-foundation/pinentry/lib/pinentry"
	"github.com/bureau-foundation/pinentry/lib/secret"
)

// MaxFileSecret bounds the secret File reads.
const MaxFileSecret = 64 * 1024

// File is a pinentry.UI without an operator. GETPIN answers with the
// trimmed contents of a file, read again for every dialog; CONFIRM and
// MESSAGE are acknowledged.
type File struct {
	pool   *secret.Pool
	path   string
	logger *slog.Logger
}

// NewFile returns a UI answering from path. A path of "-" reads one
// line from stdin.
func NewFile(pool *secret.Pool, path string, logger *slog.Logger) (*File, error) {
	if pool == nil {
		return nil, errors.New("dialog: pool is required")
	}
	if path == "" {
		return nil, errors.New("dialog: file path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &File{pool: pool, path: path, logger: logger}, nil
}

// Prompt implements pinentry.UI.
func (f *File) Prompt(ctx context.Context, request *pinentry.Request, mode pinentry.Mode) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, context.Cause(ctx)
	}
	if mode != pinentry.ModeGetPin {
		f.logger.Debug("acknowledging without an operator", "mode", mode.String())
		return 1, nil
	}

	buffer, err := secret.ReadFromPath(f.pool, f.path, MaxFileSecret)
	if err != nil {
		request.SpecificErr = err
		request.SpecificErrLoc = "read_pin_file"
		request.SpecificErrInfo = f.path
		return 0, nil
	}
	defer buffer.Close()

	if err := request.SetPin(buffer.Bytes()); err != nil {
		return 0, err
	}
	if request.RepeatPrompt != "" {
		request.Repeated = true
	}
	return request.PinLen(), nil
}
