// Package ring implements the fixed-capacity sample buffer at the base of
// the analysis pipeline. The producer writes capture quanta into it and the
// block analyzers read or peek fixed windows back out.
//
// The buffer is deliberately unsynchronized: the whole producer pipeline
// (write, extract, volume) runs inside one execution context, so adding a
// lock here would only put contention on the real-time path. Single-writer/
// single-reader discipline is the caller's contract.
package ring

import (
	"errors"
	"fmt"
)

// ErrInsufficientData is returned by consuming reads, peeks, and skips that
// ask for more samples than the buffer currently holds. It is a frequent,
// expected condition in a streaming pipeline, pre-allocated so the hot path
// never formats an error.
var ErrInsufficientData = errors.New("ring: insufficient data")

// Buffer is a fixed-capacity FIFO of float32 samples backed by a single
// slice. Writes that exceed the free space overwrite the oldest samples;
// the producer never blocks. All methods are allocation-free except the
// convenience variants that return freshly allocated chunks.
//
// Cursors are monotonic sample counts since construction; the physical
// index is cursor modulo capacity. head <= tail and tail-head <= capacity
// hold at all times.
type Buffer struct {
	data []float32
	head uint64 // total samples consumed
	tail uint64 // total samples retained after overwrite accounting
}

// New creates a buffer holding exactly capacity samples.
func New(capacity int) (*Buffer, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("ring: capacity must be positive, got %d", capacity)
	}
	return &Buffer{data: make([]float32, capacity)}, nil
}

// Len returns the number of samples available to read.
func (b *Buffer) Len() int {
	return int(b.tail - b.head)
}

// Cap returns the fixed capacity in samples.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Write appends samples, overwriting the oldest data when the capacity
// would be exceeded. Writing a slice larger than the capacity keeps only
// the trailing Cap() samples. Write never fails and never blocks.
func (b *Buffer) Write(samples []float32) {
	n := len(samples)
	if n == 0 {
		return
	}
	capacity := len(b.data)
	end := b.tail + uint64(n)
	if n > capacity {
		// Only the trailing capacity samples can survive; skip the rest.
		samples = samples[n-capacity:]
	}
	start := end - uint64(len(samples))
	w := int(start % uint64(capacity))
	c := copy(b.data[w:], samples)
	if c < len(samples) {
		copy(b.data, samples[c:])
	}
	b.tail = end
	if b.tail-b.head > uint64(capacity) {
		b.head = b.tail - uint64(capacity)
	}
}

// ReadChunkInto consumes exactly len(dst) samples into dst, advancing the
// read cursor. If fewer samples are available the read fails whole with
// ErrInsufficientData and nothing is consumed.
func (b *Buffer) ReadChunkInto(dst []float32) error {
	n := len(dst)
	if n > b.Len() {
		return ErrInsufficientData
	}
	if n == 0 {
		return nil
	}
	b.copyOut(b.head, dst)
	b.head += uint64(n)
	return nil
}

// ReadChunk consumes exactly n samples and returns them in a fresh slice.
// Allocating variant of ReadChunkInto for cold paths and tests.
func (b *Buffer) ReadChunk(n int) ([]float32, error) {
	if n < 0 {
		return nil, ErrInsufficientData
	}
	dst := make([]float32, n)
	if err := b.ReadChunkInto(dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// PeekChunkInto copies len(dst) samples starting offset samples past the
// read cursor without consuming anything. The window [offset, offset+n)
// must be fully resident or the peek fails with ErrInsufficientData.
// A negative offset also fails.
func (b *Buffer) PeekChunkInto(offset int, dst []float32) error {
	if !b.CanReadWindow(offset, len(dst)) {
		return ErrInsufficientData
	}
	if len(dst) == 0 {
		return nil
	}
	b.copyOut(b.head+uint64(offset), dst)
	return nil
}

// PeekChunk returns n samples starting offset samples past the read cursor
// in a fresh slice, without consuming anything.
func (b *Buffer) PeekChunk(offset, n int) ([]float32, error) {
	if n < 0 {
		return nil, ErrInsufficientData
	}
	dst := make([]float32, n)
	if err := b.PeekChunkInto(offset, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// CanReadWindow reports whether a window of n samples starting offset
// samples past the read cursor is fully resident. Cheap pre-check for
// PeekChunkInto.
func (b *Buffer) CanReadWindow(offset, n int) bool {
	return offset >= 0 && n >= 0 && offset+n <= b.Len()
}

// Skip consumes n samples without copying them out. Used by the sliding
// analyzer to release samples no future window will touch.
func (b *Buffer) Skip(n int) error {
	if n < 0 || n > b.Len() {
		return ErrInsufficientData
	}
	b.head += uint64(n)
	return nil
}

// Reset discards all buffered samples. The backing storage is retained.
func (b *Buffer) Reset() {
	b.head = b.tail
}

// copyOut copies len(dst) samples starting at the given absolute cursor,
// handling the wrap split. The caller has already bounds-checked.
func (b *Buffer) copyOut(cursor uint64, dst []float32) {
	r := int(cursor % uint64(len(b.data)))
	c := copy(dst, b.data[r:])
	if c < len(dst) {
		copy(dst[c:], b.data)
	}
}
