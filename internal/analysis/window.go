// SPDX-License-Identifier: MIT
package analysis

import (
	"fmt"
	"math"
	"strings"
)

// WindowFunc selects the window applied to extracted analysis blocks.
type WindowFunc int

// Enum for available window functions. The set is closed: downstream
// pitch analysis only calibrates against these three.
const (
	WindowNone WindowFunc = iota
	WindowHamming
	WindowBlackman
)

// String returns the lower-case name used in configuration files.
func (w WindowFunc) String() string {
	switch w {
	case WindowNone:
		return "none"
	case WindowHamming:
		return "hamming"
	case WindowBlackman:
		return "blackman"
	default:
		return "unknown"
	}
}

// ParseWindowFunc converts a string name (case-insensitive) to a
// WindowFunc enum, returning WindowNone and an error if the name is
// unknown.
func ParseWindowFunc(name string) (WindowFunc, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return WindowNone, nil
	case "hamming":
		return WindowHamming, nil
	case "blackman":
		return WindowBlackman, nil
	default:
		return WindowNone, fmt.Errorf("unknown window function name: '%s'", name)
	}
}

// Window holds a precomputed coefficient table for one block size.
// Tables are built once at construction so the real-time path only
// performs the in-place multiply.
type Window struct {
	kind   WindowFunc
	coeffs []float32 // nil for WindowNone
}

// NewWindow precomputes the coefficient table for the given kind and
// block size.
//
// Coefficients follow the classic closed forms:
//
//	Hamming:  w[n] = 0.54 − 0.46·cos(2πn/(N−1))
//	Blackman: w[n] = 0.42 − 0.5·cos(2πn/(N−1)) + 0.08·cos(4πn/(N−1))
func NewWindow(kind WindowFunc, size int) (*Window, error) {
	if size < 1 {
		return nil, fmt.Errorf("window size must be positive, got %d", size)
	}
	w := &Window{kind: kind}
	if kind == WindowNone {
		return w, nil
	}

	coeffs := make([]float32, size)
	if size == 1 {
		coeffs[0] = 1
		w.coeffs = coeffs
		return w, nil
	}
	n1 := float64(size - 1)
	for n := range coeffs {
		t := float64(n) / n1
		switch kind {
		case WindowHamming:
			coeffs[n] = float32(0.54 - 0.46*math.Cos(2*math.Pi*t))
		case WindowBlackman:
			coeffs[n] = float32(0.42 - 0.5*math.Cos(2*math.Pi*t) + 0.08*math.Cos(4*math.Pi*t))
		default:
			return nil, fmt.Errorf("unknown window function: %d", kind)
		}
	}
	w.coeffs = coeffs
	return w, nil
}

// Kind returns the window function the table was built for.
func (w *Window) Kind() WindowFunc {
	return w.kind
}

// Size returns the block size the table was built for, or 0 for a
// WindowNone table, which fits any block.
func (w *Window) Size() int {
	return len(w.coeffs)
}

// Apply multiplies block in place by the coefficient table. WindowNone
// leaves the block untouched. The block length must match the table;
// a mismatch is a programmer error and panics.
func (w *Window) Apply(block []float32) {
	if w.kind == WindowNone {
		return
	}
	if len(block) != len(w.coeffs) {
		panic(fmt.Sprintf("analysis: window table size %d applied to block of %d samples",
			len(w.coeffs), len(block)))
	}
	for i, c := range w.coeffs {
		block[i] *= c
	}
}
