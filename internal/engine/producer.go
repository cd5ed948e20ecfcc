// SPDX-License-Identifier: MIT
package engine

import (
	"time"

	"github.com/mandersson1024/intonation-toy-sub007/internal/analysis"
	"github.com/mandersson1024/intonation-toy-sub007/internal/config"
	"github.com/mandersson1024/intonation-toy-sub007/internal/transfer"
)

// noiseGate suppresses batch emission while the input stays below an
// RMS threshold. After the level drops, the gate stays open for a
// configured number of blocks so note tails are not clipped off.
type noiseGate struct {
	enabled     bool
	thresholdDB float64
	holdBlocks  int
	hold        int
}

func newNoiseGate(cfg config.GateConfig) *noiseGate {
	return &noiseGate{
		enabled:     cfg.Enabled,
		thresholdDB: cfg.ThresholdDB,
		holdBlocks:  cfg.HoldBlocks,
	}
}

// pass reports whether a block with the given linear RMS amplitude may
// proceed to batching. Crossing the threshold re-arms the hold window.
func (g *noiseGate) pass(rmsAmplitude float64) bool {
	if !g.enabled {
		return true
	}
	if analysis.AmplitudeDB(rmsAmplitude) >= g.thresholdDB {
		g.hold = g.holdBlocks
		return true
	}
	if g.hold > 0 {
		g.hold--
		return true
	}
	return false
}

// PushSamples feeds one capture quantum into the pipeline. This is the
// producer hot path: allocation-free in steady state, never blocking,
// never logging. It must be called from exactly one goroutine, the
// capture callback or a file pump.
func (e *Engine) PushSamples(in []float32) {
	e.drainControls()
	if !e.running.Load() {
		return
	}

	e.rb.Write(in)
	for e.analyzer.ProcessNextInto(e.block) == analysis.BlockReady {
		e.handleBlock()
	}
}

// handleBlock gates one extracted block and appends it to the batch in
// progress, emitting when the batch is full.
func (e *Engine) handleBlock() {
	e.blocksExtracted.Add(1)

	if e.gate.enabled {
		reading := e.volume.ProcessBuffer(e.block)
		if !e.gate.pass(reading.RMSAmplitude) {
			e.gatedBlocks.Add(1)
			return
		}
	}

	if e.current == nil {
		e.current = e.pool.Acquire()
		if e.current == nil {
			e.droppedExhausted.Add(1)
			return
		}
		e.filled = 0
	}

	copy(e.current.Data()[e.filled:], e.block)
	e.filled += len(e.block)

	if e.filled >= len(e.block)*int(e.batchSize.Load()) {
		e.emitBatch()
	}
}

// emitBatch moves the assembled batch out of the pool and hands it to
// the consumer. A full data channel means the consumer is behind; the
// batch is dropped and its storage reclaimed rather than blocking.
func (e *Engine) emitBatch() {
	buf := e.current
	count := e.filled
	e.current, e.filled = nil, 0

	id := buf.ID()
	storage, err := e.pool.MarkTransferred(buf)
	if err != nil {
		// Unreachable short of a bookkeeping bug; drop the batch but
		// keep the buffer in the pool.
		e.pool.Release(buf)
		return
	}

	e.sequence++
	batch := transfer.AudioDataBatch{
		BufferID:    id,
		Samples:     storage,
		SampleRate:  e.sampleRate,
		BlockSize:   len(e.block),
		SampleCount: count,
		TimestampNS: time.Now().UnixNano(),
		Sequence:    e.sequence,
	}
	// Bundle pool statistics only on the first batch after a drop, so
	// the consumer can see the pressure without the steady-state path
	// paying for the snapshot.
	if drops := e.droppedExhausted.Load() + e.droppedChannelFull.Load(); drops != e.reportedDrops {
		st := e.pool.Stats()
		batch.PoolStats = &st
		e.reportedDrops = drops
	}

	select {
	case e.data <- transfer.NewEnvelope(batch):
		e.batchesEmitted.Add(1)
	default:
		e.droppedChannelFull.Add(1)
		e.reclaim(storage)
	}
}

// drainControls applies queued control messages in the producer
// context. It runs at the top of every capture quantum and never
// blocks.
func (e *Engine) drainControls() {
	for {
		select {
		case env := <-e.controls:
			e.applyControl(env)
		default:
			return
		}
	}
}

func (e *Engine) applyControl(env transfer.Envelope) {
	switch m := env.Payload.(type) {
	case transfer.ReturnBuffer:
		e.reclaim(m.Storage)

	case transfer.UpdateAnalyzer:
		e.applyAnalyzerUpdate(m.Config)

	case transfer.UpdateBatching:
		// Re-checked here because the running state may have changed
		// since the message was vetted at submit time.
		if !e.running.Load() && m.BatchSize >= 1 && m.BatchSize*len(e.block) <= e.pool.Capacity() {
			e.batchSize.Store(int64(m.BatchSize))
		} else {
			e.droppedControls.Add(1)
		}
	}
}

// applyAnalyzerUpdate swaps the window function live; size, strategy
// and overlap are structural and rebuild the extractor, which only
// happens while processing is stopped.
func (e *Engine) applyAnalyzerUpdate(cfg analysis.BlockConfig) {
	cur := *e.analyzerCfg.Load()
	structural := cfg.Size != cur.Size ||
		cfg.Strategy != cur.Strategy ||
		cfg.Overlap != cur.Overlap

	if !structural {
		if cfg.Window == cur.Window {
			return
		}
		if ws, ok := e.analyzer.(interface{ SetWindow(analysis.WindowFunc) error }); ok {
			if ws.SetWindow(cfg.Window) != nil {
				e.droppedControls.Add(1)
				return
			}
		}
		next := cfg
		e.analyzerCfg.Store(&next)
		return
	}

	if e.running.Load() {
		// Vetted at submit time, but a racing StartProcessing can
		// still land us here. Refuse to rebuild under traffic.
		e.droppedControls.Add(1)
		return
	}
	if cfg.Size*int(e.batchSize.Load()) > e.pool.Capacity() {
		// The batch size may have changed since this message was
		// vetted; a block that no longer fits the pool is refused.
		e.droppedControls.Add(1)
		return
	}

	analyzer, err := analysis.NewAnalyzer(e.rb, cfg)
	if err != nil {
		e.droppedControls.Add(1)
		return
	}
	if e.current != nil {
		e.pool.Release(e.current)
		e.current, e.filled = nil, 0
	}
	e.analyzer = analyzer
	e.block = make([]float32, cfg.Size)
	next := cfg
	e.analyzerCfg.Store(&next)
}
