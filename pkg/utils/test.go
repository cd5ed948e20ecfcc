package utils

import "math"

// MockTransport implements the Transport interface for testing. It
// records every value handed to Send so tests can inspect the exact
// sequence a component emitted.
type MockTransport struct {
	Sent   []any
	Closed bool
	Err    error // when set, Send fails with this error
}

// Send stores the value for later inspection instead of transmitting.
func (m *MockTransport) Send(v any) error {
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, v)
	return nil
}

// Close marks the transport closed.
func (m *MockTransport) Close() error {
	m.Closed = true
	return nil
}

// Last returns the most recently sent value, or nil when nothing has
// been sent.
func (m *MockTransport) Last() any {
	if len(m.Sent) == 0 {
		return nil
	}
	return m.Sent[len(m.Sent)-1]
}

// GenerateSineWave returns a pure tone at the given frequency with 0.9
// amplitude, sized for one analysis block.
func GenerateSineWave(size int, sampleRate, frequency float64) []float32 {
	buffer := make([]float32, size)
	for i := range buffer {
		t := float64(i) / sampleRate
		buffer[i] = float32(0.9 * math.Sin(2*math.Pi*frequency*t))
	}
	return buffer
}

// GenerateComplexWave returns a 440 Hz fundamental with two harmonics,
// the kind of spectrum a sung or bowed note produces.
func GenerateComplexWave(size int, sampleRate float64) []float32 {
	buffer := make([]float32, size)
	for i := range buffer {
		t := float64(i) / sampleRate
		signal := math.Sin(2*math.Pi*440*t)*0.5 +
			math.Sin(2*math.Pi*880*t)*0.3 +
			math.Sin(2*math.Pi*1320*t)*0.2
		buffer[i] = float32(signal * 0.9)
	}
	return buffer
}

// GenerateSilence returns a zeroed buffer.
func GenerateSilence(size int) []float32 {
	return make([]float32, size)
}

// FindPeakBin returns the index of the largest magnitude within
// [startBin, endBin], clamping the range to the slice. An empty slice
// yields 0.
func FindPeakBin(magnitudes []float64, startBin, endBin int) int {
	if len(magnitudes) == 0 {
		return 0
	}
	if startBin < 0 {
		startBin = 0
	}
	if endBin >= len(magnitudes) {
		endBin = len(magnitudes) - 1
	}

	peakBin := startBin
	peakValue := magnitudes[startBin]
	for bin := startBin + 1; bin <= endBin; bin++ {
		if magnitudes[bin] > peakValue {
			peakValue = magnitudes[bin]
			peakBin = bin
		}
	}
	return peakBin
}
