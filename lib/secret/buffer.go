// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
)

// Buffer is a handle to one allocation inside a Pool. The bytes live in
// the pool's locked region, never on the Go heap.
//
// A Buffer must not be copied after creation. Release it with Close
// (or Pool.Free) when the secret is no longer needed; the block is
// zeroed before it is reused. After release, any access to the
// contents panics.
type Buffer struct {
	pool   *Pool
	offset int

	// data spans the whole block; length is the used prefix.
	data   []byte
	length int
	freed  bool
}

// NewFromBytes allocates a buffer from pool holding a copy of source,
// then zeros source so the caller's slice no longer holds the secret.
func NewFromBytes(pool *Pool, source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("secret: cannot create buffer from empty source")
	}

	buffer, err := pool.Alloc(len(source))
	if err != nil {
		return nil, err
	}
	copy(buffer.data, source)
	Zero(source)
	return buffer, nil
}

// Bytes returns the secret data. The returned slice points directly
// into the pool's region; do not hold references to it beyond the
// lifetime of the Buffer. Panics if the buffer has been released.
func (b *Buffer) Bytes() []byte {
	b.pool.mu.Lock()
	defer b.pool.mu.Unlock()

	if b.freed {
		panic("secret: read from freed buffer")
	}
	return b.data[:b.length]
}

// String returns the secret data as a string. The string is a heap
// copy, so use it only at API boundaries that demand a string.
//
// Panics if the buffer has been released.
func (b *Buffer) String() string {
	b.pool.mu.Lock()
	defer b.pool.mu.Unlock()

	if b.freed {
		panic("secret: read from freed buffer")
	}
	return string(b.data[:b.length])
}

// Len returns the length of the secret data.
func (b *Buffer) Len() int {
	b.pool.mu.Lock()
	defer b.pool.mu.Unlock()
	return b.length
}

// Cap returns the size of the underlying block.
func (b *Buffer) Cap() int {
	b.pool.mu.Lock()
	defer b.pool.mu.Unlock()
	return len(b.data)
}

// SetLen sets the length of the secret data within the block's
// capacity. Bytes cut off by a shorter length are wiped.
func (b *Buffer) SetLen(n int) error {
	b.pool.mu.Lock()
	defer b.pool.mu.Unlock()

	if b.freed {
		return ErrDoubleFree
	}
	if n < 0 || n > len(b.data) {
		return fmt.Errorf("%w: length %d outside capacity %d", ErrInvalidSize, n, len(b.data))
	}
	if n < b.length {
		Zero(b.data[n:b.length])
	}
	b.length = n
	return nil
}

// Append adds p to the end of the secret data. When the block is full
// the buffer moves to a block of double the capacity (see
// Pool.Realloc); like the builtin append, the returned handle must
// replace b.
func (b *Buffer) Append(p ...byte) (*Buffer, error) {
	length := b.Len()
	needed := length + len(p)
	target := b
	if needed > b.Cap() {
		capacity := 2 * b.Cap()
		if capacity < needed {
			capacity = needed
		}
		grown, err := b.pool.Realloc(b, capacity)
		if err != nil {
			return b, err
		}
		if err := grown.SetLen(length); err != nil {
			return grown, err
		}
		target = grown
	}

	target.pool.mu.Lock()
	defer target.pool.mu.Unlock()
	copy(target.data[length:needed], p)
	target.length = needed
	return target, nil
}

// Equal reports whether the secret equals other, in constant time.
func (b *Buffer) Equal(other []byte) bool {
	return subtle.ConstantTimeCompare(b.Bytes(), other) == 1
}

// WriteTo writes the secret to w without an intermediate heap copy.
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	written, err := w.Write(b.Bytes())
	return int64(written), err
}

// Close wipes the buffer and returns its block to the pool. Close is
// idempotent.
func (b *Buffer) Close() error {
	if b == nil {
		return nil
	}
	err := b.pool.Free(b)
	if errors.Is(err, ErrDoubleFree) {
		return nil
	}
	return err
}
