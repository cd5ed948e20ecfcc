// SPDX-License-Identifier: MIT
package utils

import (
	"errors"
	"math"
	"os"
	"testing"
)

const (
	testSize       = 1024
	testSampleRate = 48000
	testFrequency  = 440.0 // A4
)

var testMagnitudes []float64

func TestMain(m *testing.M) {
	// A "hill" with its peak at position testSize/4.
	testMagnitudes = make([]float64, testSize)
	for i := range testMagnitudes {
		testMagnitudes[i] = math.Exp(-0.01 * math.Pow(float64(i-testSize/4), 2))
	}

	os.Exit(m.Run())
}

func TestMockTransportRecordsValues(t *testing.T) {
	mt := &MockTransport{}

	if mt.Last() != nil {
		t.Errorf("Last() on fresh transport = %v, want nil", mt.Last())
	}

	if err := mt.Send("first"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := mt.Send(42); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(mt.Sent) != 2 {
		t.Fatalf("recorded %d values, want 2", len(mt.Sent))
	}
	if mt.Sent[0] != "first" || mt.Last() != 42 {
		t.Errorf("recorded sequence = %v", mt.Sent)
	}

	if err := mt.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !mt.Closed {
		t.Error("Closed flag not set after Close()")
	}
}

func TestMockTransportInjectedError(t *testing.T) {
	wantErr := errors.New("send failed")
	mt := &MockTransport{Err: wantErr}

	if err := mt.Send("value"); !errors.Is(err, wantErr) {
		t.Errorf("Send() error = %v, want injected error", err)
	}
	if len(mt.Sent) != 0 {
		t.Errorf("failed Send recorded %d values, want 0", len(mt.Sent))
	}
}

func TestGenerateSineWave(t *testing.T) {
	tests := []struct {
		name       string
		size       int
		sampleRate float64
		frequency  float64
	}{
		{"A4 Note", 1024, 48000, 440.0},
		{"Middle C", 1024, 44100, 261.63},
		{"High Sample Rate", 1024, 192000, 440.0},
		{"Low Sample Rate", 1024, 8000, 440.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := GenerateSineWave(tt.size, tt.sampleRate, tt.frequency)

			if len(result) != tt.size {
				t.Fatalf("buffer size = %d, want %d", len(result), tt.size)
			}

			// A sine crosses zero twice per cycle; count the crossings
			// and compare against sampleRate/frequency.
			samplesPerCycle := tt.sampleRate / tt.frequency
			if samplesPerCycle > 2 && float64(tt.size) > samplesPerCycle {
				crossCount := 0
				for i := 1; i < tt.size; i++ {
					if (result[i-1] < 0 && result[i] >= 0) ||
						(result[i-1] >= 0 && result[i] < 0) {
						crossCount++
					}
				}

				expected := float64(tt.size) / (samplesPerCycle / 2)
				tolerance := 0.2 * expected
				if math.Abs(float64(crossCount)-expected) > tolerance {
					t.Errorf("zero crossings = %d, expected approximately %.1f±%.1f",
						crossCount, expected, tolerance)
				}
			}

			for i, v := range result {
				if v < -0.9000001 || v > 0.9000001 {
					t.Fatalf("sample %d = %v exceeds the 0.9 amplitude", i, v)
				}
			}
		})
	}
}

func TestGenerateComplexWave(t *testing.T) {
	result := GenerateComplexWave(testSize, testSampleRate)

	if len(result) != testSize {
		t.Fatalf("buffer size = %d, want %d", len(result), testSize)
	}

	hasNonZero := false
	for _, v := range result {
		if v != 0 {
			hasNonZero = true
			break
		}
	}
	if !hasNonZero {
		t.Error("complex wave produced all zeros")
	}
}

func TestGenerateSilence(t *testing.T) {
	result := GenerateSilence(256)
	if len(result) != 256 {
		t.Fatalf("buffer size = %d, want 256", len(result))
	}
	for i, v := range result {
		if v != 0 {
			t.Fatalf("sample %d = %v, want 0", i, v)
		}
	}
}

func TestFindPeakBin(t *testing.T) {
	tests := []struct {
		name     string
		mags     []float64
		start    int
		end      int
		expected int
	}{
		{"Full Range", testMagnitudes, 0, testSize - 1, testSize / 4},
		{"Partial Range Start", testMagnitudes, testSize / 8, testSize - 1, testSize / 4},
		{"Partial Range End", testMagnitudes, 0, testSize / 3, testSize / 4},
		{"Negative Start", testMagnitudes, -10, testSize - 1, testSize / 4},
		{"Out of Range End", testMagnitudes, 0, testSize * 2, testSize / 4},
		{"Empty Slice", []float64{}, 0, 10, 0},
		{"Single Value", []float64{1.0}, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := FindPeakBin(tt.mags, tt.start, tt.end); result != tt.expected {
				t.Errorf("FindPeakBin() = %d, want %d", result, tt.expected)
			}
		})
	}

	allocs := testing.AllocsPerRun(100, func() {
		FindPeakBin(testMagnitudes, 0, len(testMagnitudes)-1)
	})
	if allocs > 0 {
		t.Errorf("FindPeakBin allocated memory: got %.1f allocs, want 0", allocs)
	}
}

func BenchmarkGenerateSineWave(b *testing.B) {
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		GenerateSineWave(testSize, testSampleRate, testFrequency)
	}
}

func BenchmarkFindPeakBin(b *testing.B) {
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		FindPeakBin(testMagnitudes, 0, len(testMagnitudes)-1)
	}
}
