// SPDX-License-Identifier: MIT
/*
Package engine wires the two halves of the analysis pipeline around
one transfer pool:

  - The producer half runs in the capture callback. It appends samples
    to the ring, extracts analysis blocks, gates silence, and moves
    full batches into pooled buffers. It never allocates, blocks or
    logs in steady state; when it cannot keep up it drops and counts.
  - The consumer half runs in its own goroutine. It turns batches into
    measurements, publishes them to the configured transports, and
    hands the storage back to the pool.

Control messages are applied in whichever context owns the state they
touch: atomically-updatable settings apply immediately, producer-owned
structure applies at the next capture quantum, and smoothing updates
are routed to the consumer goroutine.
*/
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/mandersson1024/intonation-toy-sub007/internal/analysis"
	"github.com/mandersson1024/intonation-toy-sub007/internal/config"
	"github.com/mandersson1024/intonation-toy-sub007/internal/ring"
	"github.com/mandersson1024/intonation-toy-sub007/internal/smooth"
	"github.com/mandersson1024/intonation-toy-sub007/internal/transfer"
	"github.com/mandersson1024/intonation-toy-sub007/internal/transport"
)

// PitchEstimator produces a pitch estimate for one analysis block.
// Implementations are called from the consumer goroutine only.
type PitchEstimator interface {
	Estimate(block []float32, sampleRate float64) (freqHz, confidence float64)
}

// Stats is a point-in-time snapshot of the engine counters.
type Stats struct {
	Pool                  transfer.Stats `json:"pool"`
	BlocksExtracted       uint64         `json:"blocks_extracted"`
	GatedBlocks           uint64         `json:"gated_blocks"`
	BatchesEmitted        uint64         `json:"batches_emitted"`
	DroppedPoolExhausted  uint64         `json:"dropped_pool_exhausted"`
	DroppedChannelFull    uint64         `json:"dropped_channel_full"`
	DroppedControls       uint64         `json:"dropped_controls"`
	MeasurementsPublished uint64         `json:"measurements_published"`
}

// Engine is one analysis session. Construct with NewEngine, feed it
// samples through PushSamples, and read results through the
// transports, Events, or LatestMeasurement.
type Engine struct {
	log *logrus.Entry

	sampleRate float64

	// Structural settings, readable from any goroutine. The producer
	// is the only writer once the engine is started.
	analyzerCfg atomic.Pointer[analysis.BlockConfig]
	batchSize   atomic.Int64

	// Producer-owned parts; touched only from the capture callback
	// once the engine is started.
	rb            *ring.Buffer
	analyzer      analysis.BlockProcessor
	gate          *noiseGate
	block         []float32
	current       *transfer.PooledBuffer
	filled        int
	sequence      uint64
	reportedDrops uint64

	// Shared between contexts through their own synchronization.
	volume *analysis.VolumeDetector
	pool   *transfer.Pool

	// Consumer-owned parts. The spectrum pointer is atomic because the
	// consumer replaces it after a structural change while readers may
	// hold it.
	spectrum        atomic.Pointer[analysis.SpectrumAnalyzer]
	spectrumBlock   int
	freqSmoother    *smooth.Smoother
	claritySmoother *smooth.Smoother
	onset           *analysis.OnsetDetector
	calibrator      *analysis.NoiseCalibrator
	estimator       PitchEstimator
	transports      []transport.Transport
	measurementSeq  uint64

	data      chan transfer.Envelope
	controls  chan transfer.Envelope
	smoothing chan transfer.Envelope
	events    chan transfer.Envelope

	running atomic.Bool
	started atomic.Bool
	stopped atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	latestMu sync.RWMutex
	latest   analysis.Measurement
	latestOK bool

	blocksExtracted    atomic.Uint64
	gatedBlocks        atomic.Uint64
	batchesEmitted     atomic.Uint64
	droppedExhausted   atomic.Uint64
	droppedChannelFull atomic.Uint64
	droppedControls    atomic.Uint64
	measurements       atomic.Uint64
}

// NewEngine builds a session from a validated configuration.
func NewEngine(cfg *config.Config) (*Engine, error) {
	blockCfg, err := cfg.Analyzer.BlockConfig()
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	rb, err := ring.New(cfg.Analyzer.RingCapacity())
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	analyzer, err := analysis.NewAnalyzer(rb, blockCfg)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	volume, err := analysis.NewVolumeDetector(cfg.Volume.VolumeConfig)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	pool, err := transfer.NewPool(cfg.Pool.Resolve(blockCfg.Size, cfg.Batching.BatchSize))
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if pool.Capacity() < blockCfg.Size*cfg.Batching.BatchSize {
		return nil, fmt.Errorf("engine: pooled buffer capacity %d is smaller than one batch (%d samples)",
			pool.Capacity(), blockCfg.Size*cfg.Batching.BatchSize)
	}
	freqSmoother, err := smooth.New(cfg.Smoothing.Frequency)
	if err != nil {
		return nil, fmt.Errorf("engine: smoothing.frequency: %w", err)
	}
	claritySmoother, err := smooth.New(cfg.Smoothing.Clarity)
	if err != nil {
		return nil, fmt.Errorf("engine: smoothing.clarity: %w", err)
	}
	spectrum, err := analysis.NewSpectrumAnalyzer(blockCfg.Size, cfg.Audio.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	onset, err := analysis.NewOnsetDetector(cfg.Onset)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	var calibrator *analysis.NoiseCalibrator
	if cfg.Volume.Calibrate {
		calibrator = analysis.NewNoiseCalibrator(cfg.Volume.CalibrationBlocks, cfg.Volume.CalibrationMarginDB)
	}

	e := &Engine{
		log:             logrus.WithField("component", "engine"),
		sampleRate:      cfg.Audio.SampleRate,
		rb:              rb,
		analyzer:        analyzer,
		gate:            newNoiseGate(cfg.Gate),
		block:           make([]float32, blockCfg.Size),
		volume:          volume,
		pool:            pool,
		freqSmoother:    freqSmoother,
		claritySmoother: claritySmoother,
		spectrumBlock:   blockCfg.Size,
		onset:           onset,
		calibrator:      calibrator,
		data:            make(chan transfer.Envelope, pool.Size()+4),
		controls:        make(chan transfer.Envelope, 64),
		smoothing:       make(chan transfer.Envelope, 8),
		events:          make(chan transfer.Envelope, 16),
	}
	e.analyzerCfg.Store(&blockCfg)
	e.batchSize.Store(int64(cfg.Batching.BatchSize))
	e.spectrum.Store(spectrum)
	return e, nil
}

// SetPitchEstimator injects the pitch estimation collaborator. Must be
// called before Start; without one, measurements report no pitch.
func (e *Engine) SetPitchEstimator(p PitchEstimator) error {
	if e.started.Load() {
		return fmt.Errorf("engine: cannot set estimator after start")
	}
	e.estimator = p
	return nil
}

// AddTransport attaches a measurement sink. Must be called before
// Start. The engine owns the transport from here and closes it on
// Close.
func (e *Engine) AddTransport(t transport.Transport) error {
	if e.started.Load() {
		return fmt.Errorf("engine: cannot add transport after start")
	}
	e.transports = append(e.transports, t)
	return nil
}

// Start launches the consumer goroutine and begins processing. The
// context bounds the whole session; cancelling it is equivalent to
// calling Stop.
func (e *Engine) Start(ctx context.Context) error {
	if e.started.Swap(true) {
		return fmt.Errorf("engine: already started")
	}

	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.consume(ctx)

	e.emitEvent(transfer.ProcessorReady{
		BatchSize:  int(e.batchSize.Load()),
		SampleRate: e.sampleRate,
	})
	e.running.Store(true)
	e.emitEvent(transfer.ProcessingStarted{})
	e.log.WithFields(logrus.Fields{
		"block_size": e.analyzerCfg.Load().Size,
		"batch_size": e.batchSize.Load(),
		"pool_size":  e.pool.Size(),
	}).Info("engine started")
	return nil
}

// Stop halts processing and waits for the consumer to drain. Safe to
// call more than once. The capture stream must be stopped first so no
// PushSamples call races the final cleanup.
func (e *Engine) Stop() error {
	if !e.started.Load() || e.stopped.Swap(true) {
		return nil
	}

	if e.running.Swap(false) {
		e.emitEvent(transfer.ProcessingStopped{})
	}
	e.cancel()
	e.wg.Wait()

	// The producer is quiescent now; release a half-filled batch and
	// reclaim any returns still queued.
	if e.current != nil {
		if err := e.pool.Release(e.current); err != nil {
			e.log.WithError(err).Warn("releasing partial batch")
		}
		e.current, e.filled = nil, 0
	}
	for {
		select {
		case env := <-e.controls:
			if rb, ok := env.Payload.(transfer.ReturnBuffer); ok {
				e.reclaim(rb.Storage)
			}
		default:
			e.log.Info("engine stopped")
			return nil
		}
	}
}

// Close stops the engine and closes every transport.
func (e *Engine) Close() error {
	err := e.Stop()
	for _, t := range e.transports {
		if cerr := t.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Control submits a control message. Settings with their own
// synchronization apply immediately; producer-owned structure applies
// at the next capture quantum; smoothing updates apply on the consumer
// goroutine.
func (e *Engine) Control(msg transfer.ControlMessage) error {
	switch m := msg.(type) {
	case transfer.StartProcessing:
		if !e.started.Load() || e.stopped.Load() {
			return fmt.Errorf("engine: not running")
		}
		if !e.running.Swap(true) {
			e.emitEvent(transfer.ProcessingStarted{})
			e.log.Info("processing started")
		}
		return nil

	case transfer.StopProcessing:
		if e.running.Swap(false) {
			e.emitEvent(transfer.ProcessingStopped{})
			e.log.Info("processing stopped")
		}
		return nil

	case transfer.UpdateVolume:
		// The detector swaps its configuration atomically, so this is
		// safe from any goroutine.
		if err := e.volume.SetConfig(m.Config); err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		return nil

	case transfer.UpdateSmoothing:
		if err := m.Config.Validate(); err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		return e.enqueue(e.smoothing, msg)

	case transfer.UpdateAnalyzer:
		if err := m.Config.Validate(); err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		cur := e.analyzerCfg.Load()
		structural := m.Config.Size != cur.Size ||
			m.Config.Strategy != cur.Strategy ||
			m.Config.Overlap != cur.Overlap
		if structural && e.running.Load() {
			return fmt.Errorf("engine: block size, strategy and overlap are structural, stop processing first")
		}
		if m.Config.Size*int(e.batchSize.Load()) > e.pool.Capacity() {
			return fmt.Errorf("engine: batch of %d blocks of %d samples exceeds pooled buffer capacity %d",
				e.batchSize.Load(), m.Config.Size, e.pool.Capacity())
		}
		return e.enqueue(e.controls, msg)

	case transfer.UpdateBatching:
		if m.BatchSize < 1 {
			return fmt.Errorf("engine: batch size must be at least 1, got %d", m.BatchSize)
		}
		if m.BatchSize*e.analyzerCfg.Load().Size > e.pool.Capacity() {
			return fmt.Errorf("engine: batch of %d blocks exceeds pooled buffer capacity %d",
				m.BatchSize, e.pool.Capacity())
		}
		if e.running.Load() {
			return fmt.Errorf("engine: batching is structural, stop processing first")
		}
		return e.enqueue(e.controls, msg)

	case transfer.ReturnBuffer:
		return e.enqueue(e.controls, msg)

	default:
		return fmt.Errorf("engine: unhandled control message %T", msg)
	}
}

// enqueue performs the non-blocking control submit. A full queue drops
// the message and counts it; blocking here would stall the caller on
// the producer's schedule.
func (e *Engine) enqueue(ch chan transfer.Envelope, msg transfer.ControlMessage) error {
	select {
	case ch <- transfer.NewEnvelope(msg):
		return nil
	default:
		e.droppedControls.Add(1)
		return fmt.Errorf("engine: control queue full")
	}
}

// Events exposes lifecycle and error messages. The channel is never
// closed; a slow reader loses the newest events, not the oldest.
func (e *Engine) Events() <-chan transfer.Envelope {
	return e.events
}

// emitEvent publishes to the events channel, dropping when full.
func (e *Engine) emitEvent(payload any) {
	select {
	case e.events <- transfer.NewEnvelope(payload):
	default:
	}
}

// LatestMeasurement returns the most recent measurement, if any. It
// satisfies the UDP publisher's provider interface.
func (e *Engine) LatestMeasurement() (analysis.Measurement, bool) {
	e.latestMu.RLock()
	defer e.latestMu.RUnlock()
	return e.latest, e.latestOK
}

// Spectrum exposes the consumer-side spectrum analyzer for read-only
// magnitude access.
func (e *Engine) Spectrum() *analysis.SpectrumAnalyzer {
	return e.spectrum.Load()
}

// Running reports whether the producer is emitting batches.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Backlog reports how many emitted batches are waiting for the
// consumer, and the queue capacity. Offline pumps use it to pace
// themselves so nothing is dropped; the live path never looks at it.
func (e *Engine) Backlog() (queued, capacity int) {
	return len(e.data), cap(e.data)
}

// Stats snapshots the engine and pool counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Pool:                  e.pool.Stats(),
		BlocksExtracted:       e.blocksExtracted.Load(),
		GatedBlocks:           e.gatedBlocks.Load(),
		BatchesEmitted:        e.batchesEmitted.Load(),
		DroppedPoolExhausted:  e.droppedExhausted.Load(),
		DroppedChannelFull:    e.droppedChannelFull.Load(),
		DroppedControls:       e.droppedControls.Load(),
		MeasurementsPublished: e.measurements.Load(),
	}
}

// reclaim hands storage back to the pool, tolerating rejects from
// stale or foreign slices.
func (e *Engine) reclaim(storage []float32) {
	if storage == nil {
		return
	}
	if err := e.pool.Reclaim(storage); err != nil {
		e.log.WithError(err).Debug("reclaim rejected")
	}
}
