package cdc

import (
	"math/bits"
	"sync/atomic"
)

// DefaultRingSize is the receive ring capacity used by New.
const DefaultRingSize = 512

// Ring is a single-producer single-consumer byte queue. One slot stays
// empty so that head == tail means empty, which leaves Cap() = size-1
// bytes usable.
//
// The producer (Write) and the consumer (Read) may run concurrently; each
// owns one index and reads the other atomically.
type Ring struct {
	buf  []byte
	mask uint32
	head atomic.Uint32 // next write
	tail atomic.Uint32 // next read
}

// NewRing returns a ring of size bytes rounded up to a power of two, and
// at least 2.
func NewRing(size int) *Ring {
	if size < 2 {
		size = 2
	}
	if size&(size-1) != 0 {
		size = 1 << bits.Len(uint(size))
	}
	return &Ring{buf: make([]byte, size), mask: uint32(size - 1)}
}

// Size returns the backing buffer length.
func (r *Ring) Size() int { return len(r.buf) }

// Cap returns the number of bytes the ring holds when full.
func (r *Ring) Cap() int { return len(r.buf) - 1 }

// Len returns the number of bytes waiting to be read.
func (r *Ring) Len() int {
	return int((r.head.Load() - r.tail.Load()) & r.mask)
}

// Free returns the number of bytes that can be written without loss.
func (r *Ring) Free() int {
	return int((r.tail.Load() - r.head.Load() - 1) & r.mask)
}

// Write appends as much of p as fits and returns the count. Bytes that do
// not fit are discarded.
func (r *Ring) Write(p []byte) int {
	head := r.head.Load()
	n := min(len(p), int((r.tail.Load()-head-1)&r.mask))
	if n == 0 {
		return 0
	}
	start := int(head)
	chunk := copy(r.buf[start:], p[:n])
	copy(r.buf, p[chunk:n])
	r.head.Store((head + uint32(n)) & r.mask)
	return n
}

// Read moves up to len(p) bytes out of the ring and returns the count.
func (r *Ring) Read(p []byte) int {
	tail := r.tail.Load()
	n := min(len(p), int((r.head.Load()-tail)&r.mask))
	if n == 0 {
		return 0
	}
	start := int(tail)
	chunk := copy(p[:n], r.buf[start:])
	copy(p[chunk:n], r.buf)
	r.tail.Store((tail + uint32(n)) & r.mask)
	return n
}

// Reset empties the ring. It must not race with Read or Write.
func (r *Ring) Reset() {
	r.head.Store(0)
	r.tail.Store(0)
}
