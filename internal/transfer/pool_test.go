// SPDX-License-Identifier: MIT
package transfer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, size, capacity int) *Pool {
	t.Helper()
	p, err := NewPool(PoolConfig{Size: size, BufferCapacity: capacity})
	require.NoError(t, err)
	return p
}

// assertConservation checks the pool's core accounting invariant.
func assertConservation(t *testing.T, p *Pool) {
	t.Helper()
	s := p.Stats()
	assert.Equal(t, s.Size, s.Available+s.InUse, "available+in_use must equal size")
}

func TestPoolConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     PoolConfig
		wantErr bool
	}{
		{"defaults", DefaultPoolConfig(), false},
		{"zero size", PoolConfig{Size: 0, BufferCapacity: 1024}, true},
		{"oversized", PoolConfig{Size: 257, BufferCapacity: 1024}, true},
		{"zero capacity", PoolConfig{Size: 8, BufferCapacity: 0}, true},
		{"negative timeout", PoolConfig{Size: 8, BufferCapacity: 1024, TimeoutMS: -1}, true},
		{"single slot", PoolConfig{Size: 1, BufferCapacity: 128}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewPoolProvisionsAllSlots(t *testing.T) {
	p := newTestPool(t, 4, 1024)

	s := p.Stats()
	assert.Equal(t, 4, s.Size)
	assert.Equal(t, 4, s.Available)
	assert.Equal(t, 0, s.InUse)
	assert.Equal(t, 1.0, s.HitRate, "a fresh pool has missed nothing")
	assert.Equal(t, 1024, p.Capacity())
}

func TestAcquireAndRelease(t *testing.T) {
	p := newTestPool(t, 4, 512)

	b := p.Acquire()
	require.NotNil(t, b)
	assert.Equal(t, BufferAcquired, b.State())
	assert.Len(t, b.Data(), 512)
	assert.False(t, b.IsDetached())
	assertConservation(t, p)
	assert.Equal(t, 3, p.Stats().Available)

	require.NoError(t, p.Release(b))
	assert.Equal(t, BufferFree, b.State())
	assert.Equal(t, 4, p.Stats().Available)
	assertConservation(t, p)

	assert.Error(t, p.Release(b), "double release must fail")
	assert.Error(t, p.Release(nil))
}

func TestAcquireExhaustion(t *testing.T) {
	p := newTestPool(t, 2, 256)

	b1 := p.Acquire()
	b2 := p.Acquire()
	require.NotNil(t, b1)
	require.NotNil(t, b2)

	assert.Nil(t, p.Acquire(), "exhausted pool must return nil, not allocate")
	s := p.Stats()
	assert.Equal(t, uint64(1), s.Exhaustions)
	assert.Equal(t, uint64(1), s.ConsecutiveFailures)
	assertConservation(t, p)

	assert.Nil(t, p.Acquire())
	assert.Equal(t, uint64(2), p.Stats().ConsecutiveFailures)

	require.NoError(t, p.Release(b1))
	require.NotNil(t, p.Acquire())

	s = p.Stats()
	assert.Equal(t, uint64(0), s.ConsecutiveFailures, "a success resets the consecutive counter")
	assert.Equal(t, uint64(3), s.Acquires)
	assert.Equal(t, uint64(2), s.Exhaustions)
	assert.InDelta(t, 0.6, s.HitRate, 1e-9)
}

func TestMarkTransferredDetachesAndReprovisions(t *testing.T) {
	p := newTestPool(t, 1, 256)

	b := p.Acquire()
	require.NotNil(t, b)
	b.Data()[0] = 42

	storage, err := p.MarkTransferred(b)
	require.NoError(t, err)
	require.Len(t, storage, 256)
	assert.Equal(t, float32(42), storage[0], "transferred storage carries the produced samples")

	// The producer-side handle is permanently stale.
	assert.True(t, b.IsDetached())
	assert.Equal(t, BufferTransferred, b.State())
	assert.Nil(t, b.Data())

	// The slot went straight back into circulation.
	s := p.Stats()
	assert.Equal(t, 1, s.Available)
	assert.Equal(t, uint64(1), s.Transfers)
	assert.Equal(t, uint64(256*4), s.BytesTransferred)
	assertConservation(t, p)

	// Re-acquire yields a usable buffer of the same capacity at the
	// same slot, with storage distinct from what was moved away.
	fresh := p.Acquire()
	require.NotNil(t, fresh)
	assert.Equal(t, b.ID(), fresh.ID())
	assert.Len(t, fresh.Data(), 256)
	assert.Equal(t, float32(0), fresh.Data()[0])
	storage[0] = 99
	assert.Equal(t, float32(0), fresh.Data()[0], "consumer writes must not alias the new slot storage")

	_, err = p.MarkTransferred(b)
	assert.Error(t, err, "a stale handle cannot transfer again")
}

func TestMarkTransferredRejectsWrongStates(t *testing.T) {
	p := newTestPool(t, 2, 128)

	_, err := p.MarkTransferred(nil)
	assert.Error(t, err)

	b := p.Acquire()
	require.NotNil(t, b)
	require.NoError(t, p.Release(b))
	_, err = p.MarkTransferred(b)
	assert.Error(t, err, "a released buffer is the pool's again")
}

func TestReclaimFeedsProvisioning(t *testing.T) {
	p := newTestPool(t, 1, 128)

	b := p.Acquire()
	require.NotNil(t, b)
	first, err := p.MarkTransferred(b)
	require.NoError(t, err)

	// Tag the storage, hand it back, and watch it come around again.
	first[5] = 7
	require.NoError(t, p.Reclaim(first))

	b2 := p.Acquire()
	require.NotNil(t, b2)
	second, err := p.MarkTransferred(b2)
	require.NoError(t, err)

	b3 := p.Acquire()
	require.NotNil(t, b3)
	assert.Equal(t, float32(7), b3.Data()[5], "reclaimed storage must be reused for provisioning")

	_ = second
}

func TestReclaimValidation(t *testing.T) {
	p := newTestPool(t, 2, 128)

	assert.Error(t, p.Reclaim(nil))
	assert.Error(t, p.Reclaim([]float32{}))
	assert.Error(t, p.Reclaim(make([]float32, 10)), "undersized storage cannot back a slot")
	assert.NoError(t, p.Reclaim(make([]float32, 256)), "oversized storage is trimmed to capacity")
}

func TestAcquireTimeoutExpires(t *testing.T) {
	p := newTestPool(t, 1, 128)
	require.NotNil(t, p.Acquire())

	start := time.Now()
	b := p.AcquireTimeout(30 * time.Millisecond)
	elapsed := time.Since(start)

	assert.Nil(t, b)
	assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond, "timeout must be honored before giving up")
}

func TestAcquireTimeoutEventuallySucceeds(t *testing.T) {
	p := newTestPool(t, 1, 128)
	held := p.Acquire()
	require.NotNil(t, held)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = p.Release(held)
	}()

	b := p.AcquireTimeout(2 * time.Second)
	require.NotNil(t, b, "a release during the wait must satisfy the poll")
}

func TestAcquireTimingStats(t *testing.T) {
	p := newTestPool(t, 4, 128)

	for i := 0; i < 4; i++ {
		require.NotNil(t, p.Acquire())
	}

	s := p.Stats()
	assert.LessOrEqual(t, s.FastestAcquire, s.AvgAcquire)
	assert.LessOrEqual(t, s.AvgAcquire, s.SlowestAcquire)
	assert.GreaterOrEqual(t, s.FastestAcquire, time.Duration(0))
}

func TestPoolConservationUnderChurn(t *testing.T) {
	p := newTestPool(t, 4, 256)

	var held []*PooledBuffer
	for i := 0; i < 200; i++ {
		switch i % 4 {
		case 0, 1:
			if b := p.Acquire(); b != nil {
				held = append(held, b)
			}
		case 2:
			if len(held) > 0 {
				storage, err := p.MarkTransferred(held[0])
				require.NoError(t, err)
				held = held[1:]
				require.NoError(t, p.Reclaim(storage))
			}
		case 3:
			if len(held) > 0 {
				require.NoError(t, p.Release(held[len(held)-1]))
				held = held[:len(held)-1]
			}
		}
		assertConservation(t, p)
	}
}

func TestAcquireAllocations(t *testing.T) {
	p := newTestPool(t, 2, 256)

	allocs := testing.AllocsPerRun(100, func() {
		b := p.Acquire()
		if b != nil {
			_ = p.Release(b)
		}
	})
	assert.Zero(t, allocs, "acquire/release must not allocate")
}

func BenchmarkAcquireRelease(b *testing.B) {
	p, err := NewPool(PoolConfig{Size: 8, BufferCapacity: 1024})
	if err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf := p.Acquire()
		_ = p.Release(buf)
	}
}

func BenchmarkTransferReclaim(b *testing.B) {
	p, err := NewPool(PoolConfig{Size: 8, BufferCapacity: 1024})
	if err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf := p.Acquire()
		storage, err := p.MarkTransferred(buf)
		if err != nil {
			b.Fatal(err)
		}
		if err := p.Reclaim(storage); err != nil {
			b.Fatal(err)
		}
	}
}
