// SPDX-License-Identifier: MIT
package transfer

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The two directions form closed sets.
var (
	_ ControlMessage = StartProcessing{}
	_ ControlMessage = StopProcessing{}
	_ ControlMessage = UpdateSmoothing{}
	_ ControlMessage = UpdateAnalyzer{}
	_ ControlMessage = UpdateVolume{}
	_ ControlMessage = UpdateBatching{}
	_ ControlMessage = ReturnBuffer{}

	_ DataMessage = ProcessorReady{}
	_ DataMessage = ProcessingStarted{}
	_ DataMessage = ProcessingStopped{}
	_ DataMessage = AudioDataBatch{}
	_ DataMessage = (*ProcessingError)(nil)
)

func TestEnvelopeIDsAreMonotonic(t *testing.T) {
	a := NewEnvelope(StartProcessing{})
	b := NewEnvelope(StopProcessing{})
	c := NewEnvelope(ProcessingStopped{})

	assert.Less(t, a.ID, b.ID)
	assert.Less(t, b.ID, c.ID)
	assert.NotZero(t, a.Timestamp)
	assert.LessOrEqual(t, a.Timestamp, c.Timestamp)
}

func TestEnvelopeIDsUniqueUnderConcurrency(t *testing.T) {
	const (
		goroutines = 8
		perG       = 250
	)

	var (
		mu   sync.Mutex
		seen = make(map[uint64]bool, goroutines*perG)
		wg   sync.WaitGroup
	)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids := make([]uint64, 0, perG)
			for i := 0; i < perG; i++ {
				ids = append(ids, NewEnvelope(ProcessingStarted{}).ID)
			}
			mu.Lock()
			for _, id := range ids {
				seen[id] = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*perG, "concurrent envelopes must never share an id")
}

func TestEnvelopePayloadRoundTrip(t *testing.T) {
	batch := AudioDataBatch{
		BufferID:    3,
		Samples:     []float32{0.1, 0.2},
		SampleRate:  48000,
		SampleCount: 2,
		Sequence:    17,
	}
	env := NewEnvelope(batch)

	got, ok := env.Payload.(AudioDataBatch)
	require.True(t, ok)
	assert.Equal(t, uint32(3), got.BufferID)
	assert.Equal(t, uint64(17), got.Sequence)
	assert.Nil(t, got.PoolStats, "stats ride along only after drops")
}

func TestErrorCodeStrings(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{CodeInvalidConfiguration, "invalid_configuration"},
		{CodeBufferOverflow, "buffer_overflow"},
		{CodeMemoryAllocationFailed, "memory_allocation_failed"},
		{CodeProcessingFailed, "processing_failed"},
		{ErrorCode(42), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.code.String())

			if tt.code != ErrorCode(42) {
				text, err := tt.code.MarshalText()
				require.NoError(t, err)
				assert.Equal(t, tt.want, string(text))
			}
		})
	}
}

func TestProcessingErrorFormatting(t *testing.T) {
	err := NewProcessingError(CodeBufferOverflow, "batch of %d samples exceeds capacity %d", 2048, 1024)
	assert.Equal(t, "buffer_overflow: batch of 2048 samples exceeds capacity 1024", err.Error())

	err = err.WithContext("consumer", "reclaiming returned storage", map[string]any{"buffer_id": 3})
	assert.Contains(t, err.Error(), "(at consumer)")
	require.NotNil(t, err.Context)
	assert.False(t, err.Context.Timestamp.IsZero())
	assert.Equal(t, 3, err.Context.State["buffer_id"])
}

func TestProcessingErrorUnwrapsWithAs(t *testing.T) {
	inner := NewProcessingError(CodeInvalidConfiguration, "block size must be a positive multiple of 128")
	wrapped := fmt.Errorf("applying analyzer update: %w", inner)

	var pe *ProcessingError
	require.True(t, errors.As(wrapped, &pe))
	assert.Equal(t, CodeInvalidConfiguration, pe.Code)
}

func TestBufferStateStrings(t *testing.T) {
	assert.Equal(t, "free", BufferFree.String())
	assert.Equal(t, "acquired", BufferAcquired.String())
	assert.Equal(t, "transferred", BufferTransferred.String())
	assert.Equal(t, "unknown", BufferState(9).String())
}

func TestSmootherTargetStrings(t *testing.T) {
	assert.Equal(t, "frequency", SmoothFrequency.String())
	assert.Equal(t, "clarity", SmoothClarity.String())
	assert.Equal(t, "unknown", SmootherTarget(9).String())
}
