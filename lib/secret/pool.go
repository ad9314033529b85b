// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

// blockAlign is the allocation granularity inside the pool. Every block
// offset and size is a multiple of it.
const blockAlign = 32

var (
	// ErrOutOfCore is returned when the pool has no free block large
	// enough for a request, or when the region could not be mapped.
	ErrOutOfCore = errors.New("secret: out of core memory")

	// ErrInvalidSize is returned for non-positive allocation sizes.
	ErrInvalidSize = errors.New("secret: invalid allocation size")

	// ErrDoubleFree is returned when a buffer that was already released
	// is freed again. The pool is not modified.
	ErrDoubleFree = errors.New("secret: buffer already freed")

	// ErrPoolClosed is returned by allocation calls after Close.
	ErrPoolClosed = errors.New("secret: pool closed")
)

// block is one contiguous range of the region. Blocks are kept in
// address order and always tile the whole region.
type block struct {
	offset int
	size   int

	// owner is the live handle for an allocated block, nil when free.
	owner *Buffer
}

// Pool is a fixed-size arena of locked memory for secrets. The region
// is mapped once outside the Go heap, locked against swapping and
// excluded from core dumps, and never grows. Allocation is first-fit
// over an address-ordered block list; freed blocks are zeroed before
// they return to the free list, so every free byte in the pool is zero.
type Pool struct {
	mu     sync.Mutex
	logger *slog.Logger

	region []byte
	blocks []*block
	used   int

	degraded bool
	closed   bool
}

// Stats is a snapshot of pool usage.
type Stats struct {
	Size        int
	Used        int
	Blocks      int
	FreeBlocks  int
	LargestFree int
	Degraded    bool
}

// NewPool maps and locks a region of at least minSize bytes, rounded
// up to the page size.
//
// A failed mlock does not fail the pool: it is created in degraded mode
// (see Degraded) and a warning is logged, since an operator can still
// enter a PIN, just without the swap guarantee. A failed mmap returns
// ErrOutOfCore.
func NewPool(minSize int, logger *slog.Logger) (*Pool, error) {
	if minSize <= 0 {
		return nil, fmt.Errorf("%w: pool size must be positive, got %d", ErrInvalidSize, minSize)
	}
	if logger == nil {
		logger = slog.Default()
	}

	pageSize := unix.Getpagesize()
	size := roundUp(minSize, pageSize)

	region, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap of %d bytes failed: %v", ErrOutOfCore, size, err)
	}

	pool := &Pool{
		logger: logger,
		region: region,
		blocks: []*block{{offset: 0, size: size}},
	}

	if err := unix.Mlock(region); err != nil {
		pool.degraded = true
		var limit unix.Rlimit
		_ = unix.Getrlimit(unix.RLIMIT_MEMLOCK, &limit)
		logger.Warn("secure memory could not be locked, secrets may be swapped to disk",
			"size", size,
			"memlock_limit", limit.Cur,
			"error", err,
		)
	}

	// Keeping secrets out of core files is best-effort; older kernels
	// reject MADV_DONTDUMP.
	if err := unix.Madvise(region, unix.MADV_DONTDUMP); err != nil {
		logger.Debug("madvise(MADV_DONTDUMP) failed", "error", err)
	}

	logger.Debug("secure memory pool ready", "size", size, "locked", !pool.degraded)
	return pool, nil
}

// Degraded reports whether the region could not be locked into RAM.
// Callers may surface this to the operator; the pool remains usable.
func (p *Pool) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

// Size returns the size of the region in bytes.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.region)
}

// Stats returns a snapshot of the pool's usage.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{
		Size:     len(p.region),
		Used:     p.used,
		Blocks:   len(p.blocks),
		Degraded: p.degraded,
	}
	for _, current := range p.blocks {
		if current.owner != nil {
			continue
		}
		stats.FreeBlocks++
		if current.size > stats.LargestFree {
			stats.LargestFree = current.size
		}
	}
	return stats
}

// Alloc returns a buffer of n bytes from the first free block that
// fits. The contents are zero.
func (p *Pool) Alloc(n int) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, n)
	}
	return p.allocLocked(n)
}

func (p *Pool) allocLocked(n int) (*Buffer, error) {
	size := roundUp(n, blockAlign)
	for index, current := range p.blocks {
		if current.owner != nil || current.size < size {
			continue
		}
		if current.size > size {
			rest := &block{offset: current.offset + size, size: current.size - size}
			current.size = size
			p.blocks = slices.Insert(p.blocks, index+1, rest)
		}
		end := current.offset + current.size
		buffer := &Buffer{
			pool:   p,
			offset: current.offset,
			data:   p.region[current.offset:end:end],
			length: n,
		}
		current.owner = buffer
		p.used += current.size
		return buffer, nil
	}
	return nil, fmt.Errorf("%w: no free block of %d bytes (used %d of %d)", ErrOutOfCore, size, p.used, len(p.region))
}

// Realloc resizes b to n bytes. Shrinking, or growing within the
// block's capacity, happens in place; bytes cut off by a shrink are
// wiped. Growing past the capacity allocates a new block, copies the
// contents, wipes and frees the old block, and returns the new handle;
// b must not be used afterwards. If the pool cannot satisfy the growth
// the error is ErrOutOfCore and b is left untouched.
//
// A nil b behaves like Alloc.
func (p *Pool) Realloc(b *Buffer, n int) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, n)
	}
	if b == nil {
		return p.allocLocked(n)
	}
	p.checkOwnedLocked(b)
	if b.freed {
		return nil, ErrDoubleFree
	}

	if n <= len(b.data) {
		if n < b.length {
			Zero(b.data[n:b.length])
		}
		b.length = n
		return b, nil
	}

	grown, err := p.allocLocked(n)
	if err != nil {
		return nil, err
	}
	copy(grown.data, b.data[:b.length])
	if err := p.freeLocked(b); err != nil {
		return nil, err
	}
	return grown, nil
}

// Free wipes b's block and returns it to the free list, merging it with
// free neighbours. Freeing b a second time returns ErrDoubleFree and
// leaves the pool unchanged.
//
// Freeing a buffer that does not belong to this pool panics: it means
// secret memory is no longer tracked correctly, which is not a state
// worth continuing from.
func (p *Pool) Free(b *Buffer) error {
	if b == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeLocked(b)
}

func (p *Pool) freeLocked(b *Buffer) error {
	if b.pool != p {
		panic("secret: free of a buffer owned by another pool")
	}
	if b.freed {
		return ErrDoubleFree
	}
	if p.closed {
		// Close already wiped and released the whole region.
		b.freed = true
		b.data = nil
		return nil
	}

	index := p.indexLocked(b)
	if index < 0 {
		panic("secret: free of a buffer the pool does not track")
	}
	current := p.blocks[index]
	Zero(p.region[current.offset : current.offset+current.size])
	current.owner = nil
	p.used -= current.size

	b.freed = true
	b.data = nil
	b.length = 0

	p.coalesceLocked(index)
	return nil
}

// checkOwnedLocked panics when b was handed out by a different pool.
func (p *Pool) checkOwnedLocked(b *Buffer) {
	if b.pool != p {
		panic("secret: buffer owned by another pool")
	}
}

// indexLocked returns the index of the block owned by b, or -1.
func (p *Pool) indexLocked(b *Buffer) int {
	index := sort.Search(len(p.blocks), func(i int) bool {
		return p.blocks[i].offset >= b.offset
	})
	if index == len(p.blocks) {
		return -1
	}
	if p.blocks[index].offset != b.offset || p.blocks[index].owner != b {
		return -1
	}
	return index
}

// coalesceLocked merges the free block at index with free neighbours.
func (p *Pool) coalesceLocked(index int) {
	if next := index + 1; next < len(p.blocks) && p.blocks[next].owner == nil {
		p.blocks[index].size += p.blocks[next].size
		p.blocks = slices.Delete(p.blocks, next, next+1)
	}
	if previous := index - 1; previous >= 0 && p.blocks[previous].owner == nil {
		p.blocks[previous].size += p.blocks[index].size
		p.blocks = slices.Delete(p.blocks, index, index+1)
	}
}

// Close wipes the whole region, unlocks and unmaps it. Buffers still
// outstanding become unusable. Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	Zero(p.region)
	for _, current := range p.blocks {
		if current.owner != nil {
			current.owner.freed = true
			current.owner.data = nil
			current.owner.length = 0
		}
	}
	if p.used > 0 {
		p.logger.Debug("secure memory pool closed with live buffers", "used", p.used)
	}

	var firstError error
	if !p.degraded {
		if err := unix.Munlock(p.region); err != nil {
			firstError = fmt.Errorf("secret: munlock failed: %w", err)
		}
	}
	if err := unix.Munmap(p.region); err != nil && firstError == nil {
		firstError = fmt.Errorf("secret: munmap failed: %w", err)
	}

	p.region = nil
	p.blocks = nil
	p.used = 0
	return firstError
}

func roundUp(n, multiple int) int {
	return (n + multiple - 1) / multiple * multiple
}
