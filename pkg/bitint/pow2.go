/*
Package bitint provides bit manipulation helpers for real-time audio
processing: power-of-2 sizing for FFT workspaces and quantum alignment
for hop sizes.

All operations are O(1), allocation-free, and safe on the real-time
path (no locks, syscalls, or blocking operations).

Usage:

	// Size an FFT workspace
	fftSize := bitint.NextPowerOfTwo(1000) // 1024

	// Quantize a hop to the audio quantum
	hop := bitint.AlignDown(972, 128) // 896
*/
package bitint

import "math/bits"

// NextPowerOfTwo returns the smallest power of 2 >= size. Powers of 2
// are returned unchanged; zero and negative inputs return 1.
//
// The (size-1) subtraction keeps exact powers of 2 from doubling:
// bits.Len64(8-1) = 3, so 1<<3 = 8, while bits.Len64(8) = 4 would
// yield 16.
func NextPowerOfTwo(size int) int {
	if size <= 0 {
		return 1
	}
	return 1 << bits.Len64(uint64(size-1))
}

// PrevPowerOfTwo returns the largest power of 2 <= size.
// Returns 0 for zero and negative inputs.
func PrevPowerOfTwo(size int) int {
	if size <= 0 {
		return 0
	}
	return 1 << (bits.Len64(uint64(size)) - 1)
}

// IsPowerOfTwo reports whether n is a positive power of 2. Powers of 2
// have exactly one bit set, so n&(n-1) clears to zero only for them.
func IsPowerOfTwo(n int) bool {
	return n > 0 && (n&(n-1)) == 0
}

// AlignDown rounds n down to the nearest multiple of align.
// align must be a positive power of 2; otherwise 0 is returned.
// Negative n also returns 0.
func AlignDown(n, align int) int {
	if n <= 0 || !IsPowerOfTwo(align) {
		return 0
	}
	return n &^ (align - 1)
}

// AlignUp rounds n up to the nearest multiple of align.
// align must be a positive power of 2; otherwise 0 is returned.
func AlignUp(n, align int) int {
	if n < 0 || !IsPowerOfTwo(align) {
		return 0
	}
	return (n + align - 1) &^ (align - 1)
}

// IsAligned reports whether n is a non-negative multiple of align.
// align must be a positive power of 2.
func IsAligned(n, align int) bool {
	return IsPowerOfTwo(align) && n >= 0 && n&(align-1) == 0
}
