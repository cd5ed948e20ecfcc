// SPDX-License-Identifier: MIT
package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/mandersson1024/intonation-toy-sub007/internal/analysis"
	"github.com/mandersson1024/intonation-toy-sub007/internal/transfer"
)

// consume is the consumer goroutine: batches in, measurements out. It
// owns the smoothers, the spectrum analyzer, the onset detector and
// the transports, so none of them need locking.
func (e *Engine) consume(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			e.drainPending()
			return
		case env := <-e.data:
			e.handleData(env)
		case env := <-e.smoothing:
			e.applySmoothing(env)
		}
	}
}

// drainPending flushes both inbound queues at shutdown: queued batches
// so their storage finds its way back to the pool, and queued
// smoothing updates so a submit accepted before shutdown is never
// silently lost.
func (e *Engine) drainPending() {
	for {
		select {
		case env := <-e.data:
			e.handleData(env)
		case env := <-e.smoothing:
			e.applySmoothing(env)
		default:
			return
		}
	}
}

func (e *Engine) handleData(env transfer.Envelope) {
	if batch, ok := env.Payload.(transfer.AudioDataBatch); ok {
		e.handleBatch(batch)
	}
}

func (e *Engine) handleBatch(batch transfer.AudioDataBatch) {
	// The storage goes back through the control queue whatever happens
	// below; losing a return only costs the pool a reusable slice.
	defer func() {
		if err := e.Control(transfer.ReturnBuffer{ID: batch.BufferID, Storage: batch.Samples}); err != nil {
			e.log.WithError(err).Debug("buffer return dropped")
		}
	}()

	if batch.BlockSize <= 0 || batch.SampleCount > len(batch.Samples) {
		return
	}
	if batch.PoolStats != nil {
		e.log.WithFields(logrus.Fields{
			"available":   batch.PoolStats.Available,
			"in_use":      batch.PoolStats.InUse,
			"exhaustions": batch.PoolStats.Exhaustions,
			"transfers":   batch.PoolStats.Transfers,
		}).Debug("pool pressure report")
	}
	if batch.BlockSize != e.spectrumBlock {
		// The block size changed while this batch was in flight.
		// Rebuild the spectrum workspace to match before processing.
		spectrum, err := analysis.NewSpectrumAnalyzer(batch.BlockSize, batch.SampleRate)
		if err != nil {
			e.log.WithError(err).Warn("spectrum rebuild failed, skipping batch")
			return
		}
		e.spectrum.Store(spectrum)
		e.spectrumBlock = batch.BlockSize
	}

	for off := 0; off+batch.BlockSize <= batch.SampleCount; off += batch.BlockSize {
		e.processBlock(batch.Samples[off:off+batch.BlockSize], batch)
	}
}

// processBlock turns one analysis block into a measurement and
// publishes it.
func (e *Engine) processBlock(block []float32, batch transfer.AudioDataBatch) {
	reading := e.volume.ProcessBuffer(block)
	volCfg := e.volume.Config()

	rmsDB, peakDB := reading.RMSDB, reading.PeakDB
	loudness, confidence := reading.Loudness, reading.Confidence
	if !volCfg.ReportDB {
		// The detector skipped the dB work; measurements still carry
		// the derived fields, so compute them here on the cold side.
		rmsDB = analysis.AmplitudeDB(reading.RMSAmplitude)
		peakDB = analysis.AmplitudeDB(reading.PeakAmplitude)
		loudness = analysis.ClassifyLoudness(rmsDB)
		confidence = analysis.ConfidenceWeight(rmsDB, volCfg.NoiseFloorDB)
	}

	if e.calibrator != nil && !e.calibrator.Done() {
		if floor, done := e.calibrator.Add(rmsDB); done {
			cfg := volCfg
			cfg.NoiseFloorDB = floor
			if err := e.volume.SetConfig(cfg); err != nil {
				e.log.WithError(err).Warn("calibrated noise floor rejected")
			} else {
				e.log.WithField("noise_floor_db", floor).Info("noise floor calibrated")
			}
		}
	}

	var freq, clarity float64
	if e.estimator != nil {
		f, c := e.estimator.Estimate(block, batch.SampleRate)
		if !math.IsNaN(f) && !math.IsInf(f, 0) && f > 0 {
			freq = f
		}
		if !math.IsNaN(c) && !math.IsInf(c, 0) {
			clarity = math.Max(0, math.Min(1, c))
		}
	}

	// Frequency is only smoothed through voiced blocks; feeding zeros
	// from unvoiced input would drag the estimate toward silence.
	// Clarity is smoothed unconditionally so it decays naturally.
	smoothedFreq := 0.0
	if freq > 0 {
		smoothedFreq = e.freqSmoother.Update(freq)
	}
	smoothedClarity := e.claritySmoother.Update(clarity)

	e.spectrum.Load().Process(block)
	onset := e.onset.Process(reading.RMSAmplitude)

	e.measurementSeq++
	e.publish(analysis.Measurement{
		Sequence:     e.measurementSeq,
		TimestampNS:  batch.TimestampNS,
		FrequencyHz:  smoothedFreq,
		RawFrequency: freq,
		Clarity:      smoothedClarity,
		RMSDB:        analysis.ClampDB(rmsDB),
		PeakDB:       analysis.ClampDB(peakDB),
		Loudness:     loudness.String(),
		Confidence:   confidence,
		Onset:        onset,
	})
}

// publish records the latest measurement and fans it out to the
// transports. Transports that cannot keep up drop internally; a send
// failure here never stalls the consumer.
func (e *Engine) publish(m analysis.Measurement) {
	e.latestMu.Lock()
	e.latest, e.latestOK = m, true
	e.latestMu.Unlock()

	for _, t := range e.transports {
		if err := t.Send(m); err != nil {
			e.log.WithError(err).Debug("transport send failed")
		}
	}
	e.measurements.Add(1)
}

// applySmoothing swaps one smoother's configuration on the consumer
// goroutine, where the smoothers live.
func (e *Engine) applySmoothing(env transfer.Envelope) {
	m, ok := env.Payload.(transfer.UpdateSmoothing)
	if !ok {
		return
	}
	var err error
	switch m.Target {
	case transfer.SmoothFrequency:
		err = e.freqSmoother.SetConfig(m.Config)
	case transfer.SmoothClarity:
		err = e.claritySmoother.SetConfig(m.Config)
	default:
		err = fmt.Errorf("unknown smoother target %d", m.Target)
	}
	if err != nil {
		e.emitEvent(transfer.NewProcessingError(transfer.CodeInvalidConfiguration,
			"smoothing update rejected: %v", err))
		return
	}
	e.log.WithField("target", m.Target.String()).Info("smoothing updated")
}
