// SPDX-License-Identifier: MIT

// Package transfer owns the boundary between the real-time producer
// and the analysis consumer: a pool of reusable sample buffers whose
// hand-off is modeled as an ownership move, and the typed message
// envelopes that cross the boundary in both directions.
//
// The pool is the only synchronization point between the two contexts.
// Everything it does under its lock is O(1), so the producer may call
// it from the capture path; exhaustion is back-pressure, answered by
// dropping the block, never by waiting.
package transfer

// BufferState tracks the ownership of one pooled buffer.
type BufferState int

const (
	// BufferFree means the pool owns the buffer.
	BufferFree BufferState = iota
	// BufferAcquired means the producer owns it and may fill it.
	BufferAcquired
	// BufferTransferred means ownership moved to the consumer; the
	// producer-side handle is stale.
	BufferTransferred
)

// String returns the lower-case state name.
func (s BufferState) String() string {
	switch s {
	case BufferFree:
		return "free"
	case BufferAcquired:
		return "acquired"
	case BufferTransferred:
		return "transferred"
	default:
		return "unknown"
	}
}

// PooledBuffer is a producer-side handle onto one pool slot. Exactly
// one context may touch the storage at a time: the producer between
// Acquire and MarkTransferred or Release, the consumer after a
// transfer. The handle itself is only ever mutated by the pool, under
// the pool lock.
type PooledBuffer struct {
	id    uint32
	slot  int
	data  []float32
	state BufferState
}

// ID identifies the slot; it is stable across transfers.
func (b *PooledBuffer) ID() uint32 {
	return b.id
}

// Data exposes the backing storage for the producer to fill. After a
// transfer the handle is detached and Data returns nil.
func (b *PooledBuffer) Data() []float32 {
	return b.data
}

// State returns the current ownership state.
func (b *PooledBuffer) State() BufferState {
	return b.state
}

// IsDetached reports whether the storage was moved away by a transfer
// while the caller kept a stale handle. Filling a detached handle does
// nothing; the samples never reach the consumer.
func (b *PooledBuffer) IsDetached() bool {
	return len(b.data) == 0
}
