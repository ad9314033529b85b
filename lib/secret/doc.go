// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret provides locked memory for PINs and passphrases.
//
// A [Pool] is one fixed-size region allocated via mmap(MAP_ANONYMOUS)
// outside the Go heap, locked into physical RAM via mlock (preventing
// swap) and excluded from core dumps via madvise(MADV_DONTDUMP). The
// pool is created once at process start and never grows. If mlock is
// refused (RLIMIT_MEMLOCK, missing privileges) the pool still works in
// degraded mode and [Pool.Degraded] reports it.
//
// [Pool.Alloc] hands out [Buffer] handles using first-fit over an
// address-ordered block list. [Pool.Free] zeroes a block before it goes
// back on the free list and merges it with free neighbours, so every
// free byte in the region is zero. Freeing twice returns
// [ErrDoubleFree]; freeing a buffer of another pool panics.
// [Pool.Realloc] grows by moving to a new block and wiping the old one.
// [Pool.Close] wipes the entire region and unmaps it.
//
// Constructors and helpers:
//
//   - [NewFromBytes] -- copies into pool memory, zeros the source
//   - [ReadFrom] -- reads from an io.Reader with a size limit
//   - [ReadFromPath] -- reads a file (or stdin) and trims whitespace
//   - [Zero] -- wipes a byte slice
//
// Access via [Buffer.Bytes] (slice into the region) or [Buffer.String]
// (heap copy for API boundaries). [Buffer.Append] grows by doubling and
// returns the handle to keep, like the builtin append. [Buffer.Equal]
// uses constant-time comparison.
//
// Depends on golang.org/x/sys/unix. No other internal dependencies.
package secret
