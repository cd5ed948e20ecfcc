// SPDX-License-Identifier: MIT
package analysis

import (
	"fmt"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"

	"github.com/mandersson1024/intonation-toy-sub007/pkg/bitint"
)

// SpectrumAnalyzer computes magnitude spectra from analysis blocks on
// the consumer side. Blocks whose size is not a power of two are
// zero-padded up to the next one.
//
// Process and the readers may run on different goroutines; the
// workspace is guarded so readers always observe a complete spectrum.
type SpectrumAnalyzer struct {
	fft        *fourier.FFT
	fftSize    int
	sampleRate float64

	mu        sync.RWMutex
	input     []float64    // windowed, zero-padded signal
	coeffs    []complex128 // FFT results
	magnitude []float64
	hann      []float64 // spans the real samples, not the padding
}

// NewSpectrumAnalyzer sizes the workspace for blocks of blockSize
// samples at the given rate. All buffers are allocated here; Process
// does not allocate.
func NewSpectrumAnalyzer(blockSize int, sampleRate float64) (*SpectrumAnalyzer, error) {
	if blockSize < 1 {
		return nil, fmt.Errorf("block size must be positive, got %d", blockSize)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %v", sampleRate)
	}

	fftSize := blockSize
	if !bitint.IsPowerOfTwo(fftSize) {
		fftSize = bitint.NextPowerOfTwo(fftSize)
	}

	// gonum windows multiply in place, so seed with ones first.
	hann := make([]float64, blockSize)
	for i := range hann {
		hann[i] = 1.0
	}
	window.Hann(hann)

	// Real-input FFT yields N/2 + 1 complex coefficients.
	bins := fftSize/2 + 1

	return &SpectrumAnalyzer{
		fft:        fourier.NewFFT(fftSize),
		fftSize:    fftSize,
		sampleRate: sampleRate,
		input:      make([]float64, fftSize),
		coeffs:     make([]complex128, bins),
		magnitude:  make([]float64, bins),
		hann:       hann,
	}, nil
}

// Process windows the block, runs the FFT, and updates the magnitude
// spectrum. Blocks shorter than the configured size are zero-padded;
// longer ones are truncated to the FFT size.
func (s *SpectrumAnalyzer) Process(block []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.input {
		if i < len(block) && i < len(s.hann) {
			s.input[i] = float64(block[i]) * s.hann[i]
		} else {
			s.input[i] = 0
		}
	}

	s.fft.Coefficients(s.coeffs, s.input)
	for i, c := range s.coeffs {
		s.magnitude[i] = cmplx.Abs(c)
	}
}

// Magnitudes returns a copy of the latest spectrum. The copy keeps
// callers isolated from concurrent Process calls; readers that care
// about the allocation should use MagnitudesInto.
func (s *SpectrumAnalyzer) Magnitudes() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]float64, len(s.magnitude))
	copy(out, s.magnitude)
	return out
}

// MagnitudesInto copies the latest spectrum into dst, which must hold
// exactly BinCount values.
func (s *SpectrumAnalyzer) MagnitudesInto(dst []float64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(dst) != len(s.magnitude) {
		return fmt.Errorf("destination length %d does not match bin count %d", len(dst), len(s.magnitude))
	}
	copy(dst, s.magnitude)
	return nil
}

// FrequencyForBin returns the center frequency in Hz for a bin index,
// or 0 for an out-of-range index.
func (s *SpectrumAnalyzer) FrequencyForBin(bin int) float64 {
	if bin < 0 || bin >= len(s.magnitude) {
		return 0
	}
	return float64(bin) * (s.sampleRate / float64(s.fftSize))
}

// BinCount returns the number of spectrum bins (FFT size / 2 + 1).
func (s *SpectrumAnalyzer) BinCount() int {
	return len(s.magnitude)
}

// FFTSize returns the transform size after any zero-padding.
func (s *SpectrumAnalyzer) FFTSize() int {
	return s.fftSize
}
