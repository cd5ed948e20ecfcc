// SPDX-License-Identifier: MIT
package transfer

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// PoolConfig sizes the buffer pool. BufferCapacity is in samples and
// normally equals the analyzer block size times the batch size.
type PoolConfig struct {
	Size           int `yaml:"pool_size"`
	BufferCapacity int `yaml:"buffer_capacity"`
	TimeoutMS      int `yaml:"timeout_ms"` // 0 means never wait; only offline pumps set this
}

// DefaultPoolConfig returns a pool sized for live capture: enough
// slots to ride out consumer scheduling jitter without hoarding
// memory.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Size:           8,
		BufferCapacity: 1024,
		TimeoutMS:      0,
	}
}

// Validate checks the parameter ranges.
func (c PoolConfig) Validate() error {
	if c.Size < 1 || c.Size > 256 {
		return fmt.Errorf("pool size must be within [1, 256], got %d", c.Size)
	}
	if c.BufferCapacity < 1 {
		return fmt.Errorf("buffer capacity must be positive, got %d", c.BufferCapacity)
	}
	if c.TimeoutMS < 0 {
		return fmt.Errorf("timeout must be non-negative, got %d ms", c.TimeoutMS)
	}
	return nil
}

// Stats is a snapshot of pool observability counters. Conservation
// holds at every instant: Available + InUse == Size.
type Stats struct {
	Size      int `json:"size"`
	Available int `json:"available"`
	InUse     int `json:"in_use"`

	Acquires            uint64  `json:"acquires"`
	Transfers           uint64  `json:"transfers"`
	Exhaustions         uint64  `json:"exhaustions"`
	ConsecutiveFailures uint64  `json:"consecutive_failures"`
	HitRate             float64 `json:"hit_rate"`
	BytesTransferred    uint64  `json:"bytes_transferred"`

	AvgAcquire     time.Duration `json:"avg_acquire_ns"`
	FastestAcquire time.Duration `json:"fastest_acquire_ns"`
	SlowestAcquire time.Duration `json:"slowest_acquire_ns"`
}

// Pool hands fixed-capacity sample buffers to the producer and moves
// their storage to the consumer without per-block heap churn.
//
// Acquire never allocates: an empty free list is answered with nil,
// which the producer treats as back-pressure. MarkTransferred detaches
// the storage from the producer's handle and immediately provisions
// the slot again, preferring storage the consumer has returned through
// Reclaim; only when the consumer is behind does provisioning fall
// back to a fresh allocation. The stale handle stays permanently
// detached, which is what makes IsDetached trustworthy.
type Pool struct {
	mu       sync.Mutex
	capacity int // samples per buffer
	slots    []*PooledBuffer
	free     []int       // slot indexes, LIFO
	spares   [][]float32 // returned storage awaiting re-provision

	acquires         uint64
	transfers        uint64
	exhaustions      uint64
	consecFailures   uint64
	bytesTransferred uint64
	acquireTotalNS   int64
	acquireMinNS     int64
	acquireMaxNS     int64
}

// NewPool allocates all slots and their backing storage up front.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		capacity:     cfg.BufferCapacity,
		slots:        make([]*PooledBuffer, cfg.Size),
		free:         make([]int, 0, cfg.Size),
		spares:       make([][]float32, 0, cfg.Size),
		acquireMinNS: math.MaxInt64,
	}
	for i := range p.slots {
		p.slots[i] = &PooledBuffer{
			id:   uint32(i),
			slot: i,
			data: make([]float32, cfg.BufferCapacity),
		}
		p.free = append(p.free, i)
	}
	return p, nil
}

// Size returns the number of slots.
func (p *Pool) Size() int {
	return len(p.slots)
}

// Capacity returns the per-buffer capacity in samples.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Acquire pops a free buffer for the producer to fill, or nil when the
// pool is exhausted. Exhaustion is back-pressure: the caller drops or
// coalesces the current block and moves on, never waits.
func (p *Pool) Acquire() *PooledBuffer {
	start := time.Now()

	p.mu.Lock()
	if len(p.free) == 0 {
		p.exhaustions++
		p.consecFailures++
		p.mu.Unlock()
		return nil
	}

	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	b := p.slots[idx]
	b.state = BufferAcquired
	p.acquires++
	p.consecFailures = 0

	elapsed := time.Since(start).Nanoseconds()
	p.acquireTotalNS += elapsed
	if elapsed < p.acquireMinNS {
		p.acquireMinNS = elapsed
	}
	if elapsed > p.acquireMaxNS {
		p.acquireMaxNS = elapsed
	}
	p.mu.Unlock()
	return b
}

// AcquireTimeout polls Acquire until a buffer frees up or the timeout
// passes. Offline pumps use it to pace themselves against the
// consumer; the live capture path must call Acquire directly. Each
// poll counts as an acquire attempt in the statistics.
func (p *Pool) AcquireTimeout(timeout time.Duration) *PooledBuffer {
	if timeout <= 0 {
		return p.Acquire()
	}
	deadline := time.Now().Add(timeout)
	for {
		if b := p.Acquire(); b != nil {
			return b
		}
		if !time.Now().Before(deadline) {
			return nil
		}
		time.Sleep(200 * time.Microsecond)
	}
}

// MarkTransferred moves the buffer's storage out of the pool and
// returns it for hand-off to the consumer. The handle is detached and
// the slot is immediately provisioned with fresh storage, so it is
// available to Acquire again before this call returns.
func (p *Pool) MarkTransferred(b *PooledBuffer) ([]float32, error) {
	if b == nil {
		return nil, fmt.Errorf("transfer: nil buffer")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if b.state != BufferAcquired {
		return nil, fmt.Errorf("transfer: buffer %d is %s, only an acquired buffer can be transferred", b.id, b.state)
	}

	storage := b.data
	b.data = nil
	b.state = BufferTransferred

	p.slots[b.slot] = &PooledBuffer{
		id:   b.id,
		slot: b.slot,
		data: p.provisionLocked(),
	}
	p.free = append(p.free, b.slot)

	p.transfers++
	p.bytesTransferred += uint64(len(storage)) * 4
	return storage, nil
}

// Release returns a buffer the producer decided not to transfer.
func (p *Pool) Release(b *PooledBuffer) error {
	if b == nil {
		return fmt.Errorf("transfer: nil buffer")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if b.state != BufferAcquired {
		return fmt.Errorf("transfer: buffer %d is %s, only an acquired buffer can be released", b.id, b.state)
	}
	b.state = BufferFree
	p.free = append(p.free, b.slot)
	return nil
}

// Reclaim takes back storage the consumer has finished with, making
// it available for the next provision instead of a heap allocation.
// Storage beyond one spare per slot is let go to the garbage
// collector.
func (p *Pool) Reclaim(storage []float32) error {
	if len(storage) == 0 {
		return fmt.Errorf("transfer: reclaimed storage is empty")
	}
	if cap(storage) < p.capacity {
		return fmt.Errorf("transfer: reclaimed storage capacity %d is below the buffer capacity %d", cap(storage), p.capacity)
	}
	storage = storage[:p.capacity]

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.spares) < cap(p.spares) {
		p.spares = append(p.spares, storage)
	}
	return nil
}

// provisionLocked supplies storage for a re-provisioned slot,
// preferring reclaimed spares. Callers hold p.mu.
func (p *Pool) provisionLocked() []float32 {
	if n := len(p.spares); n > 0 {
		s := p.spares[n-1]
		p.spares[n-1] = nil
		p.spares = p.spares[:n-1]
		return s
	}
	return make([]float32, p.capacity)
}

// Stats returns a consistent snapshot of the observability counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Size:                len(p.slots),
		Available:           len(p.free),
		InUse:               len(p.slots) - len(p.free),
		Acquires:            p.acquires,
		Transfers:           p.transfers,
		Exhaustions:         p.exhaustions,
		ConsecutiveFailures: p.consecFailures,
		BytesTransferred:    p.bytesTransferred,
	}

	attempts := p.acquires + p.exhaustions
	if attempts == 0 {
		s.HitRate = 1
	} else {
		s.HitRate = float64(p.acquires) / float64(attempts)
	}
	if p.acquires > 0 {
		s.AvgAcquire = time.Duration(p.acquireTotalNS / int64(p.acquires))
		s.FastestAcquire = time.Duration(p.acquireMinNS)
		s.SlowestAcquire = time.Duration(p.acquireMaxNS)
	}
	return s
}
