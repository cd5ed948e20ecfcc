// SPDX-License-Identifier: MIT

// Package analysis contains the per-block signal machinery of the
// pipeline: block extraction policies over the ring buffer, window
// tables, volume metering, and the consumer-side spectrum and onset
// detectors.
//
// Everything that runs in the producer context (block extraction,
// windowing, volume) is allocation-free in steady state; the components
// document which side of the real-time boundary they belong to.
package analysis

import (
	"fmt"
	"strings"

	"github.com/mandersson1024/intonation-toy-sub007/internal/ring"
	"github.com/mandersson1024/intonation-toy-sub007/pkg/bitint"
)

// Quantum is the fixed number of samples delivered per real-time audio
// callback. Block sizes and hop sizes are multiples of it.
const Quantum = 128

// Strategy tags the block extraction policy.
type Strategy int

const (
	// StrategySequential consumes block-size chunks with no overlap;
	// every sample is analyzed exactly once, in order.
	StrategySequential Strategy = iota
	// StrategySliding peeks overlapping windows and advances by a
	// quantum-aligned hop derived from the overlap ratio.
	StrategySliding
)

// String returns the lower-case name used in configuration files.
func (s Strategy) String() string {
	switch s {
	case StrategySequential:
		return "sequential"
	case StrategySliding:
		return "sliding"
	default:
		return "unknown"
	}
}

// ParseStrategy converts a string name (case-insensitive) to a
// Strategy, returning StrategySequential and an error if the name is
// unknown.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(name) {
	case "", "sequential":
		return StrategySequential, nil
	case "sliding":
		return StrategySliding, nil
	default:
		return StrategySequential, fmt.Errorf("unknown block strategy name: '%s'", name)
	}
}

// windowTables precomputes one table per window kind so a window change
// arriving over the control channel is a pointer swap, never an
// allocation on the real-time path.
func windowTables(size int) ([WindowBlackman + 1]*Window, error) {
	var tables [WindowBlackman + 1]*Window
	for kind := WindowNone; kind <= WindowBlackman; kind++ {
		w, err := NewWindow(kind, size)
		if err != nil {
			return tables, err
		}
		tables[kind] = w
	}
	return tables, nil
}

// Outcome is the result of one extraction attempt. An under-filled ring
// is an expected, frequent condition in a streaming pipeline, so it is
// encoded as a plain enum rather than an error value.
type Outcome int

const (
	// NeedMoreData means the ring does not yet hold a full window; try
	// again after the next capture quantum.
	NeedMoreData Outcome = iota
	// BlockReady means a full block was extracted into the destination.
	BlockReady
)

// BlockProcessor is the closed-set extraction contract shared by the
// sequential and sliding policies.
//
// ProcessNextInto is the mandatory form on the real-time path: it fills
// a caller-owned slice of exactly BlockSize() samples and never
// allocates. Passing a wrongly sized destination is a programmer error
// and panics. ProcessNext is the allocating convenience for cold paths
// and tests.
type BlockProcessor interface {
	ProcessNextInto(dst []float32) Outcome
	ProcessNext() ([]float32, Outcome)
	CanProcess() bool
	BlockSize() int
	Strategy() Strategy
}

// Compile-time checks for the two policies.
var _ BlockProcessor = (*SequentialAnalyzer)(nil)
var _ BlockProcessor = (*SlidingAnalyzer)(nil)

// BlockConfig configures block extraction. Overlap only applies to the
// sliding strategy.
type BlockConfig struct {
	Size     int
	Strategy Strategy
	Overlap  float64 // [0, 1), fraction of the block shared between consecutive windows
	Window   WindowFunc
}

// Validate checks the ranges shared by both strategies.
func (c BlockConfig) Validate() error {
	if c.Size <= 0 || !bitint.IsAligned(c.Size, Quantum) {
		return fmt.Errorf("block size must be a positive multiple of %d, got %d", Quantum, c.Size)
	}
	if c.Overlap < 0 || c.Overlap >= 1 {
		return fmt.Errorf("overlap ratio must be within [0, 1), got %v", c.Overlap)
	}
	return nil
}

// NewAnalyzer constructs the extraction policy selected by the
// configuration, reading from rb.
func NewAnalyzer(rb *ring.Buffer, cfg BlockConfig) (BlockProcessor, error) {
	switch cfg.Strategy {
	case StrategySequential:
		return NewSequentialAnalyzer(rb, cfg)
	case StrategySliding:
		return NewSlidingAnalyzer(rb, cfg)
	default:
		return nil, fmt.Errorf("unknown block strategy: %d", cfg.Strategy)
	}
}

// SequentialAnalyzer consumes non-overlapping blocks in arrival order.
type SequentialAnalyzer struct {
	ring    *ring.Buffer
	window  *Window
	windows [WindowBlackman + 1]*Window
	size    int
}

// NewSequentialAnalyzer validates the configuration, precomputes the
// window tables, and binds the analyzer to rb.
func NewSequentialAnalyzer(rb *ring.Buffer, cfg BlockConfig) (*SequentialAnalyzer, error) {
	if rb == nil {
		return nil, fmt.Errorf("sequential analyzer requires a ring buffer")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tables, err := windowTables(cfg.Size)
	if err != nil {
		return nil, err
	}
	a := &SequentialAnalyzer{ring: rb, windows: tables, size: cfg.Size}
	if err := a.SetWindow(cfg.Window); err != nil {
		return nil, err
	}
	return a, nil
}

// ProcessNextInto consumes one block into dst and applies the window.
func (a *SequentialAnalyzer) ProcessNextInto(dst []float32) Outcome {
	if len(dst) != a.size {
		panic(fmt.Sprintf("analysis: destination of %d samples for block size %d", len(dst), a.size))
	}
	if err := a.ring.ReadChunkInto(dst); err != nil {
		return NeedMoreData
	}
	a.window.Apply(dst)
	return BlockReady
}

// ProcessNext is the allocating variant of ProcessNextInto.
func (a *SequentialAnalyzer) ProcessNext() ([]float32, Outcome) {
	dst := make([]float32, a.size)
	if a.ProcessNextInto(dst) == NeedMoreData {
		return nil, NeedMoreData
	}
	return dst, BlockReady
}

// CanProcess reports whether a full block is available.
func (a *SequentialAnalyzer) CanProcess() bool {
	return a.ring.Len() >= a.size
}

// BlockSize returns the configured block size in samples.
func (a *SequentialAnalyzer) BlockSize() int { return a.size }

// Strategy returns StrategySequential.
func (a *SequentialAnalyzer) Strategy() Strategy { return StrategySequential }

// SetWindow swaps the active window table. All tables are precomputed
// at construction, so this is allocation-free and safe between
// extractions.
func (a *SequentialAnalyzer) SetWindow(kind WindowFunc) error {
	if kind < WindowNone || kind > WindowBlackman {
		return fmt.Errorf("unknown window function: %d", kind)
	}
	a.window = a.windows[kind]
	return nil
}

// SlidingAnalyzer peeks overlapping windows and releases consumed
// samples through the ring as the window slides forward. Residency in
// the ring stays bounded by one block regardless of how long the
// session runs.
type SlidingAnalyzer struct {
	ring    *ring.Buffer
	window  *Window
	windows [WindowBlackman + 1]*Window
	size    int
	hop     int
}

// NewSlidingAnalyzer validates the configuration and derives the hop:
//
//	hop = align_down(size · (1 − overlap), quantum)
//
// When the ideal hop is smaller than one quantum, the largest
// power-of-two divisor of the quantum that still fits is used instead,
// so extreme overlap ratios degrade gracefully rather than failing.
// Construction fails when the hop works out to 0 or is not strictly
// smaller than the block (use the sequential strategy for overlap 0).
func NewSlidingAnalyzer(rb *ring.Buffer, cfg BlockConfig) (*SlidingAnalyzer, error) {
	if rb == nil {
		return nil, fmt.Errorf("sliding analyzer requires a ring buffer")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tables, err := windowTables(cfg.Size)
	if err != nil {
		return nil, err
	}

	ideal := int(float64(cfg.Size) * (1 - cfg.Overlap))
	hop := bitint.AlignDown(ideal, Quantum)
	if hop == 0 {
		hop = bitint.PrevPowerOfTwo(ideal)
	}
	if hop == 0 {
		return nil, fmt.Errorf("overlap ratio %v leaves no usable hop for block size %d", cfg.Overlap, cfg.Size)
	}
	if hop >= cfg.Size {
		return nil, fmt.Errorf("hop %d must be smaller than block size %d; use the sequential strategy for overlap 0", hop, cfg.Size)
	}

	a := &SlidingAnalyzer{ring: rb, windows: tables, size: cfg.Size, hop: hop}
	if err := a.SetWindow(cfg.Window); err != nil {
		return nil, err
	}
	return a, nil
}

// ProcessNextInto peeks the next window into dst, applies the window
// function, and slides forward by the hop, releasing the samples no
// future window will touch.
func (a *SlidingAnalyzer) ProcessNextInto(dst []float32) Outcome {
	if len(dst) != a.size {
		panic(fmt.Sprintf("analysis: destination of %d samples for block size %d", len(dst), a.size))
	}
	if err := a.ring.PeekChunkInto(0, dst); err != nil {
		return NeedMoreData
	}
	a.window.Apply(dst)
	// The peek succeeded, so at least size >= hop samples are resident
	// and the skip cannot fail.
	_ = a.ring.Skip(a.hop)
	return BlockReady
}

// ProcessNext is the allocating variant of ProcessNextInto.
func (a *SlidingAnalyzer) ProcessNext() ([]float32, Outcome) {
	dst := make([]float32, a.size)
	if a.ProcessNextInto(dst) == NeedMoreData {
		return nil, NeedMoreData
	}
	return dst, BlockReady
}

// CanProcess reports whether a full window is resident.
func (a *SlidingAnalyzer) CanProcess() bool {
	return a.ring.CanReadWindow(0, a.size)
}

// BlockSize returns the configured block size in samples.
func (a *SlidingAnalyzer) BlockSize() int { return a.size }

// Strategy returns StrategySliding.
func (a *SlidingAnalyzer) Strategy() Strategy { return StrategySliding }

// HopSize returns the derived hop in samples.
func (a *SlidingAnalyzer) HopSize() int { return a.hop }

// SetWindow swaps the active window table. All tables are precomputed
// at construction, so this is allocation-free.
func (a *SlidingAnalyzer) SetWindow(kind WindowFunc) error {
	if kind < WindowNone || kind > WindowBlackman {
		return fmt.Errorf("unknown window function: %d", kind)
	}
	a.window = a.windows[kind]
	return nil
}
