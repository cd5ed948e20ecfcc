// SPDX-License-Identifier: MIT
package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandersson1024/intonation-toy-sub007/internal/analysis"
	"github.com/mandersson1024/intonation-toy-sub007/internal/config"
	"github.com/mandersson1024/intonation-toy-sub007/internal/smooth"
	"github.com/mandersson1024/intonation-toy-sub007/internal/transfer"
	"github.com/mandersson1024/intonation-toy-sub007/pkg/utils"
)

// stubEstimator reports the same pitch for every block.
type stubEstimator struct {
	freq    float64
	clarity float64
}

func (s stubEstimator) Estimate(_ []float32, _ float64) (float64, float64) {
	return s.freq, s.clarity
}

// testConfig keeps the pipeline small and deterministic: short blocks,
// no window so RMS levels stay exact, gate off.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Analyzer.BlockSize = 256
	cfg.Analyzer.Strategy = "sequential"
	cfg.Analyzer.Window = "none"
	cfg.Analyzer.RingBlocks = 4
	cfg.Pool.Size = 4
	cfg.Batching.BatchSize = 1
	cfg.Gate.Enabled = false
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	eng, err := NewEngine(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

// pushQuanta feeds samples one capture quantum at a time, the way the
// audio callback would.
func pushQuanta(e *Engine, samples []float32) {
	for off := 0; off+analysis.Quantum <= len(samples); off += analysis.Quantum {
		e.PushSamples(samples[off : off+analysis.Quantum])
	}
}

// waitMeasurement keeps pushing the signal until a measurement shows
// up or the deadline passes.
func waitMeasurement(t *testing.T, e *Engine, signal []float32) analysis.Measurement {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pushQuanta(e, signal)
		if m, ok := e.LatestMeasurement(); ok {
			return m
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("no measurement before deadline")
	return analysis.Measurement{}
}

func nextEvent(t *testing.T, e *Engine) any {
	t.Helper()
	select {
	case env := <-e.Events():
		return env.Payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestNewEngineValidation(t *testing.T) {
	t.Run("block size not quantum aligned", func(t *testing.T) {
		cfg := testConfig()
		cfg.Analyzer.BlockSize = 100
		_, err := NewEngine(cfg)
		assert.Error(t, err)
	})

	t.Run("buffer capacity below one batch", func(t *testing.T) {
		cfg := testConfig()
		cfg.Pool.BufferCapacity = 256
		cfg.Batching.BatchSize = 4
		_, err := NewEngine(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "smaller than one batch")
	})

	t.Run("invalid smoothing", func(t *testing.T) {
		cfg := testConfig()
		cfg.Smoothing.Frequency.AlphaMin = 0
		_, err := NewEngine(cfg)
		assert.Error(t, err)
	})
}

func TestEngineLifecycle(t *testing.T) {
	eng := newTestEngine(t, testConfig())

	require.NoError(t, eng.Start(context.Background()))
	assert.Error(t, eng.Start(context.Background()), "second start must fail")
	assert.True(t, eng.Running())

	ready, ok := nextEvent(t, eng).(transfer.ProcessorReady)
	require.True(t, ok, "first event must be ProcessorReady")
	assert.Equal(t, 1, ready.BatchSize)
	assert.Equal(t, 48000.0, ready.SampleRate)

	_, ok = nextEvent(t, eng).(transfer.ProcessingStarted)
	assert.True(t, ok, "second event must be ProcessingStarted")

	require.NoError(t, eng.Stop())
	assert.False(t, eng.Running())
	_, ok = nextEvent(t, eng).(transfer.ProcessingStopped)
	assert.True(t, ok, "stop must emit ProcessingStopped")

	assert.NoError(t, eng.Stop(), "stop is idempotent")
}

func TestEngineCloseClosesTransports(t *testing.T) {
	eng := newTestEngine(t, testConfig())
	mt := &utils.MockTransport{}
	require.NoError(t, eng.AddTransport(mt))

	require.NoError(t, eng.Start(context.Background()))
	require.NoError(t, eng.Close())
	assert.True(t, mt.Closed)
}

func TestEngineRejectsWiringAfterStart(t *testing.T) {
	eng := newTestEngine(t, testConfig())
	require.NoError(t, eng.Start(context.Background()))

	assert.Error(t, eng.AddTransport(&utils.MockTransport{}))
	assert.Error(t, eng.SetPitchEstimator(stubEstimator{freq: 440}))
}

func TestEngineProducesMeasurements(t *testing.T) {
	eng := newTestEngine(t, testConfig())
	mt := &utils.MockTransport{}
	require.NoError(t, eng.AddTransport(mt))
	require.NoError(t, eng.SetPitchEstimator(stubEstimator{freq: 440, clarity: 0.9}))
	require.NoError(t, eng.Start(context.Background()))

	tone := utils.GenerateSineWave(4096, 48000, 440)
	m := waitMeasurement(t, eng, tone)

	assert.InDelta(t, 440.0, m.FrequencyHz, 1e-6, "constant input passes through the smoother unchanged")
	assert.InDelta(t, 440.0, m.RawFrequency, 1e-6)
	assert.InDelta(t, 0.9, m.Clarity, 1e-6)
	// A 0.9 amplitude sine sits near -3.9 dBFS RMS.
	assert.InDelta(t, -3.9, m.RMSDB, 0.6)
	assert.InDelta(t, -0.9, m.PeakDB, 0.2)
	assert.Equal(t, analysis.LoudnessHigh.String(), m.Loudness)
	assert.Equal(t, 1.0, m.Confidence, "a hot signal is fully trusted")
	assert.Greater(t, m.TimestampNS, int64(0))

	require.NoError(t, eng.Stop())

	// The consumer goroutine has joined; its state is safe to read.
	require.NotEmpty(t, mt.Sent)
	var lastSeq uint64
	for _, v := range mt.Sent {
		sent, ok := v.(analysis.Measurement)
		require.True(t, ok, "transports receive measurements")
		assert.Greater(t, sent.Sequence, lastSeq, "sequence numbers are strictly increasing")
		lastSeq = sent.Sequence
	}

	st := eng.Stats()
	assert.Greater(t, st.BlocksExtracted, uint64(0))
	assert.Greater(t, st.BatchesEmitted, uint64(0))
	assert.Equal(t, uint64(len(mt.Sent)), st.MeasurementsPublished)
	assert.Equal(t, st.Pool.Size, st.Pool.Available, "all storage is back in the pool after stop")
	assert.Equal(t, 0, st.Pool.InUse)

	// The spectrum workspace saw the tone: at 48 kHz over 256-sample
	// blocks the 440 Hz peak lands in bin 2 or 3.
	peak := utils.FindPeakBin(eng.Spectrum().Magnitudes(), 1, 20)
	assert.GreaterOrEqual(t, peak, 2)
	assert.LessOrEqual(t, peak, 3)
}

func TestEngineStopProcessingHaltsEmission(t *testing.T) {
	eng := newTestEngine(t, testConfig())
	require.NoError(t, eng.Start(context.Background()))
	tone := utils.GenerateSineWave(4096, 48000, 440)

	require.NoError(t, eng.Control(transfer.StopProcessing{}))
	assert.False(t, eng.Running())

	before := eng.Stats().BlocksExtracted
	pushQuanta(eng, tone)
	assert.Equal(t, before, eng.Stats().BlocksExtracted, "no extraction while stopped")

	require.NoError(t, eng.Control(transfer.StartProcessing{}))
	assert.True(t, eng.Running())
	pushQuanta(eng, tone)
	assert.Greater(t, eng.Stats().BlocksExtracted, before, "extraction resumes after restart")
}

func TestEngineStartProcessingBeforeStart(t *testing.T) {
	eng := newTestEngine(t, testConfig())
	assert.Error(t, eng.Control(transfer.StartProcessing{}), "processing cannot start before the session")
}

func TestEngineVolumeControl(t *testing.T) {
	eng := newTestEngine(t, testConfig())
	require.NoError(t, eng.Start(context.Background()))

	vcfg := eng.volume.Config()
	vcfg.InputGainDB = 6
	require.NoError(t, eng.Control(transfer.UpdateVolume{Config: vcfg}))
	assert.Equal(t, 6.0, eng.volume.Config().InputGainDB, "volume updates apply immediately")

	vcfg.InputGainDB = 100
	err := eng.Control(transfer.UpdateVolume{Config: vcfg})
	require.Error(t, err)
	assert.Equal(t, 6.0, eng.volume.Config().InputGainDB, "invalid update leaves the old config in force")
}

func TestEngineSmoothingControl(t *testing.T) {
	eng := newTestEngine(t, testConfig())
	require.NoError(t, eng.Start(context.Background()))

	bad := smooth.DefaultConfig()
	bad.AlphaMin = 0
	assert.Error(t, eng.Control(transfer.UpdateSmoothing{Target: transfer.SmoothFrequency, Config: bad}),
		"invalid smoothing config is rejected at submit")

	custom := smooth.DefaultConfig()
	custom.AlphaMax = 0.4
	require.NoError(t, eng.Control(transfer.UpdateSmoothing{Target: transfer.SmoothFrequency, Config: custom}))
	require.NoError(t, eng.Control(transfer.UpdateSmoothing{Target: transfer.SmootherTarget(9), Config: smooth.DefaultConfig()}))

	// Stop drains the pending updates before the consumer exits.
	require.NoError(t, eng.Stop())
	assert.Equal(t, 0.4, eng.freqSmoother.Config().AlphaMax)

	var procErr *transfer.ProcessingError
	for i := 0; i < 4; i++ {
		if pe, ok := nextEvent(t, eng).(*transfer.ProcessingError); ok {
			procErr = pe
			break
		}
	}
	require.NotNil(t, procErr, "unknown smoother target reports a processing error")
	assert.Equal(t, transfer.CodeInvalidConfiguration, procErr.Code)
}

func TestEngineStructuralControls(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.BufferCapacity = 2048
	eng := newTestEngine(t, cfg)
	require.NoError(t, eng.Start(context.Background()))

	blockCfg, err := cfg.Analyzer.BlockConfig()
	require.NoError(t, err)

	t.Run("window swap applies live", func(t *testing.T) {
		update := blockCfg
		update.Window = analysis.WindowHamming
		assert.NoError(t, eng.Control(transfer.UpdateAnalyzer{Config: update}))
	})

	t.Run("size change rejected while running", func(t *testing.T) {
		update := blockCfg
		update.Size = 512
		err := eng.Control(transfer.UpdateAnalyzer{Config: update})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "structural")
	})

	t.Run("batching rejected while running", func(t *testing.T) {
		err := eng.Control(transfer.UpdateBatching{BatchSize: 2})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "structural")
	})

	t.Run("batch size bounds", func(t *testing.T) {
		assert.Error(t, eng.Control(transfer.UpdateBatching{BatchSize: 0}))
		err := eng.Control(transfer.UpdateBatching{BatchSize: 9})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "capacity")
	})

	t.Run("structural changes apply while stopped", func(t *testing.T) {
		require.NoError(t, eng.Control(transfer.StopProcessing{}))

		update := blockCfg
		update.Size = 512
		require.NoError(t, eng.Control(transfer.UpdateAnalyzer{Config: update}))
		require.NoError(t, eng.Control(transfer.UpdateBatching{BatchSize: 2}))

		// Controls land at the next push, running or not.
		eng.PushSamples(utils.GenerateSilence(analysis.Quantum))
		assert.Equal(t, 512, eng.analyzerCfg.Load().Size)
		assert.Equal(t, 512, len(eng.block))
		assert.Equal(t, int64(2), eng.batchSize.Load())
	})
}

func TestEngineGateSuppressesSilence(t *testing.T) {
	cfg := testConfig()
	cfg.Gate.Enabled = true
	cfg.Gate.ThresholdDB = -40
	cfg.Gate.HoldBlocks = 2
	eng := newTestEngine(t, cfg)
	require.NoError(t, eng.SetPitchEstimator(stubEstimator{freq: 440, clarity: 0.9}))
	require.NoError(t, eng.Start(context.Background()))

	silence := utils.GenerateSilence(4096)
	tone := utils.GenerateSineWave(4096, 48000, 440)

	pushQuanta(eng, silence)
	st := eng.Stats()
	assert.Equal(t, uint64(16), st.GatedBlocks, "every silent block is gated")
	assert.Equal(t, uint64(0), st.BatchesEmitted)
	_, ok := eng.LatestMeasurement()
	assert.False(t, ok, "nothing is published while gated")

	waitMeasurement(t, eng, tone)

	// Let the consumer drain so the trailing batches cannot be lost
	// to a full data channel.
	require.Eventually(t, func() bool {
		queued, _ := eng.Backlog()
		return queued == 0
	}, time.Second, time.Millisecond)

	// After the signal drops the hold keeps the gate open for exactly
	// the configured number of blocks.
	emitted := eng.Stats().BatchesEmitted
	pushQuanta(eng, silence)
	assert.Equal(t, emitted+2, eng.Stats().BatchesEmitted, "hold passes two trailing blocks")
}

func TestNoiseGateHold(t *testing.T) {
	g := newNoiseGate(config.GateConfig{Enabled: true, ThresholdDB: -40, HoldBlocks: 2})

	assert.False(t, g.pass(0.0001), "quiet input with no hold is blocked")
	assert.True(t, g.pass(0.1), "loud input passes and arms the hold")
	assert.True(t, g.pass(0.0001), "first trailing block rides the hold")
	assert.True(t, g.pass(0.0001), "second trailing block rides the hold")
	assert.False(t, g.pass(0.0001), "hold exhausted")
	assert.True(t, g.pass(0.1), "loud input re-arms")

	off := newNoiseGate(config.GateConfig{Enabled: false})
	assert.True(t, off.pass(0), "disabled gate passes everything")
}

func TestEngineBatching(t *testing.T) {
	cfg := testConfig()
	cfg.Batching.BatchSize = 2
	eng := newTestEngine(t, cfg)
	mt := &utils.MockTransport{}
	require.NoError(t, eng.AddTransport(mt))
	require.NoError(t, eng.Start(context.Background()))

	// Four blocks make exactly two 2-block batches.
	pushQuanta(eng, utils.GenerateSineWave(1024, 48000, 440))
	require.Eventually(t, func() bool {
		return eng.Stats().MeasurementsPublished == 4
	}, 5*time.Second, 2*time.Millisecond, "two blocks per batch means four measurements")
	assert.Equal(t, uint64(2), eng.Stats().BatchesEmitted)

	// One more block only half-fills a batch.
	pushQuanta(eng, utils.GenerateSineWave(256, 48000, 440))
	assert.Equal(t, uint64(2), eng.Stats().BatchesEmitted)

	require.NoError(t, eng.Stop())
	st := eng.Stats()
	assert.Equal(t, st.Pool.Size, st.Pool.Available, "partial batch is released on stop")
	assert.Equal(t, 0, st.Pool.InUse)
	assert.Len(t, mt.Sent, 4)
}

func TestEngineForeignStorageReturn(t *testing.T) {
	eng := newTestEngine(t, testConfig())
	require.NoError(t, eng.Start(context.Background()))

	// A return of unknown storage is accepted and quietly rejected by
	// the pool at drain time.
	require.NoError(t, eng.Control(transfer.ReturnBuffer{ID: 99, Storage: make([]float32, 64)}))
	eng.PushSamples(utils.GenerateSilence(analysis.Quantum))

	st := eng.Stats()
	assert.Equal(t, st.Pool.Size, st.Pool.Available)
}

func TestEnginePushAllocationFree(t *testing.T) {
	t.Run("not running", func(t *testing.T) {
		eng := newTestEngine(t, testConfig())
		quantum := utils.GenerateSilence(analysis.Quantum)
		allocs := testing.AllocsPerRun(200, func() {
			eng.PushSamples(quantum)
		})
		assert.Zero(t, allocs)
	})

	t.Run("gated", func(t *testing.T) {
		cfg := testConfig()
		cfg.Gate.Enabled = true
		cfg.Gate.ThresholdDB = -40
		eng := newTestEngine(t, cfg)
		require.NoError(t, eng.Start(context.Background()))

		quantum := utils.GenerateSilence(analysis.Quantum)
		allocs := testing.AllocsPerRun(200, func() {
			eng.PushSamples(quantum)
		})
		assert.Zero(t, allocs, "gated producer path must not allocate")
	})
}

func BenchmarkPushSamples(b *testing.B) {
	eng, err := NewEngine(testConfig())
	if err != nil {
		b.Fatal(err)
	}
	if err := eng.Start(context.Background()); err != nil {
		b.Fatal(err)
	}
	defer eng.Close()

	quantum := utils.GenerateSineWave(analysis.Quantum, 48000, 440)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		eng.PushSamples(quantum)
	}
}
