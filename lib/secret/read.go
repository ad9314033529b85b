// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// readChunk is the size of the staging array ReadFrom reads through.
// The array is zeroed after every read.
const readChunk = 64

// ReadFromPath reads a secret from a file path, or from stdin if path
// is "-". Reading from stdin stops at the first newline. The returned
// buffer lives in pool memory and must be closed by the caller.
// Leading/trailing whitespace is trimmed; an empty secret is an error.
func ReadFromPath(pool *Pool, path string, limit int) (*Buffer, error) {
	if path == "-" {
		return readTrimmed(pool, os.Stdin, limit, true)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return readTrimmed(pool, file, limit, false)
}

// ReadFrom reads at most limit bytes from r into pool memory, stopping
// at EOF. The secret never passes through a heap buffer larger than a
// small staging array, which is wiped after each read.
func ReadFrom(pool *Pool, r io.Reader, limit int) (*Buffer, error) {
	return readInto(pool, r, limit, false)
}

func readTrimmed(pool *Pool, r io.Reader, limit int, stopAtNewline bool) (*Buffer, error) {
	buffer, err := readInto(pool, r, limit, stopAtNewline)
	if err != nil {
		return nil, err
	}

	data := buffer.Bytes()
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		buffer.Close()
		return nil, fmt.Errorf("secret is empty")
	}

	// copy handles the overlap; SetLen wipes the tail it leaves behind.
	length := copy(data, trimmed)
	if err := buffer.SetLen(length); err != nil {
		buffer.Close()
		return nil, err
	}
	return buffer, nil
}

func readInto(pool *Pool, r io.Reader, limit int, stopAtNewline bool) (*Buffer, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: read limit must be positive, got %d", ErrInvalidSize, limit)
	}

	initial := limit
	if initial > 256 {
		initial = 256
	}
	buffer, err := pool.Alloc(initial)
	if err != nil {
		return nil, err
	}
	if err := buffer.SetLen(0); err != nil {
		buffer.Close()
		return nil, err
	}

	var chunk [readChunk]byte
	defer Zero(chunk[:])

	for {
		size := len(chunk)
		if stopAtNewline {
			size = 1
		}
		count, readErr := r.Read(chunk[:size])
		if count > 0 {
			data := chunk[:count]
			done := false
			if stopAtNewline && data[0] == '\n' {
				data = data[:0]
				done = true
			}
			if buffer.Len()+len(data) > limit {
				buffer.Close()
				return nil, fmt.Errorf("secret exceeds %d bytes", limit)
			}
			buffer, err = buffer.Append(data...)
			Zero(chunk[:count])
			if err != nil {
				buffer.Close()
				return nil, err
			}
			if done {
				break
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			buffer.Close()
			return nil, fmt.Errorf("reading secret: %w", readErr)
		}
	}
	return buffer, nil
}
