// SPDX-License-Identifier: MIT
package source

import (
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// writeTestWAV encodes int samples as a PCM wav file and returns its
// path.
func writeTestWAV(t *testing.T, sampleRate, channels, bitDepth int, data []int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enc := wav.NewEncoder(f, sampleRate, bitDepth, channels, 1)
	buf := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:   data,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
	return path
}

func writeGarbageFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("definitely not audio data"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestOpenDispatch(t *testing.T) {
	if _, err := Open("tune.flac"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
	if _, err := Open("missing.wav"); err == nil {
		t.Error("expected error for missing wav file")
	}
	if _, err := Open("missing.mp3"); err == nil {
		t.Error("expected error for missing mp3 file")
	}
	if _, err := Open("missing.ogg"); err == nil {
		t.Error("expected error for missing ogg file")
	}
}

func TestWAVRoundTrip(t *testing.T) {
	data := make([]int, 64)
	for i := range data {
		data[i] = (i - 32) * 500 // spans negative and positive int16 values
	}
	path := writeTestWAV(t, 8000, 1, 16, data)

	src, err := OpenWAV(path)
	if err != nil {
		t.Fatalf("OpenWAV: %v", err)
	}
	defer src.Close()

	if src.SampleRate() != 8000 {
		t.Errorf("SampleRate() = %d, want 8000", src.SampleRate())
	}
	if src.Channels() != 1 {
		t.Errorf("Channels() = %d, want 1", src.Channels())
	}

	// Read in two chunks to exercise the buffer reuse path.
	got := make([]float32, 0, len(data))
	chunk := make([]float32, 40)
	for {
		n, err := src.ReadSamples(chunk)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadSamples: %v", err)
		}
		got = append(got, chunk[:n]...)
	}

	if len(got) != len(data) {
		t.Fatalf("read %d samples, want %d", len(got), len(data))
	}
	for i, want := range data {
		expected := float32(want) / 32768.0
		if math.Abs(float64(got[i]-expected)) > 1e-7 {
			t.Fatalf("sample %d = %v, want %v", i, got[i], expected)
		}
	}
}

func TestWAVStereoThroughMonoMixer(t *testing.T) {
	// Constant left and right values; the mono mix is their average.
	frames := 32
	data := make([]int, 0, frames*2)
	for i := 0; i < frames; i++ {
		data = append(data, 1000, 3000)
	}
	path := writeTestWAV(t, 44100, 2, 16, data)

	src, err := OpenWAV(path)
	if err != nil {
		t.Fatalf("OpenWAV: %v", err)
	}
	mixer := NewMonoMixer(src)
	defer mixer.Close()

	if mixer.Channels() != 1 {
		t.Errorf("Channels() = %d, want 1", mixer.Channels())
	}
	if mixer.SampleRate() != 44100 {
		t.Errorf("SampleRate() = %d, want 44100", mixer.SampleRate())
	}

	out := make([]float32, frames)
	n, err := mixer.ReadSamples(out)
	if err != nil {
		t.Fatalf("ReadSamples: %v", err)
	}
	want := float32(2000) / 32768.0
	for i := 0; i < n; i++ {
		if math.Abs(float64(out[i]-want)) > 1e-7 {
			t.Fatalf("frame %d = %v, want %v", i, out[i], want)
		}
	}
}

func TestWAVRejectsGarbage(t *testing.T) {
	path := writeGarbageFile(t, "garbage.wav")
	if _, err := OpenWAV(path); err == nil {
		t.Error("expected error for invalid wav data")
	}
}

func TestMP3RejectsGarbage(t *testing.T) {
	path := writeGarbageFile(t, "garbage.mp3")
	if _, err := OpenMP3(path); err == nil {
		t.Error("expected error for invalid mp3 data")
	}
}

func TestVorbisRejectsGarbage(t *testing.T) {
	path := writeGarbageFile(t, "garbage.ogg")
	if _, err := OpenVorbis(path); err == nil {
		t.Error("expected error for invalid vorbis data")
	}
}

// stubSource feeds a fixed sample slice to the mixer tests.
type stubSource struct {
	rate     int
	channels int
	samples  []float32
	pos      int
	closed   bool
}

func (s *stubSource) SampleRate() int { return s.rate }
func (s *stubSource) Channels() int   { return s.channels }
func (s *stubSource) Close() error    { s.closed = true; return nil }

func (s *stubSource) ReadSamples(dst []float32) (int, error) {
	if s.pos >= len(s.samples) {
		return 0, io.EOF
	}
	n := copy(dst, s.samples[s.pos:])
	s.pos += n
	return n, nil
}

func TestMonoMixerAveragesChannels(t *testing.T) {
	src := &stubSource{
		rate:     48000,
		channels: 4,
		samples:  []float32{0.1, 0.2, 0.3, 0.4, 0.8, 0.8, 0.8, 0.8},
	}
	mixer := NewMonoMixer(src)

	out := make([]float32, 4)
	n, err := mixer.ReadSamples(out)
	if err != nil {
		t.Fatalf("ReadSamples: %v", err)
	}
	if n != 2 {
		t.Fatalf("frames = %d, want 2", n)
	}
	if math.Abs(float64(out[0]-0.25)) > 1e-6 || math.Abs(float64(out[1]-0.8)) > 1e-6 {
		t.Errorf("mixed frames = %v, want [0.25 0.8]", out[:n])
	}

	if _, err := mixer.ReadSamples(out); err != io.EOF {
		t.Errorf("expected io.EOF after stream end, got %v", err)
	}
}

func TestMonoMixerDropsDanglingSamples(t *testing.T) {
	// Five values over two channels is two whole frames plus a
	// dangling one at the stream end.
	src := &stubSource{
		rate:     48000,
		channels: 2,
		samples:  []float32{0.2, 0.4, 0.6, 0.8, 0.5},
	}
	mixer := NewMonoMixer(src)

	out := make([]float32, 8)
	n, err := mixer.ReadSamples(out)
	if err != nil {
		t.Fatalf("ReadSamples: %v", err)
	}
	if n != 2 {
		t.Fatalf("frames = %d, want 2", n)
	}
}

func TestMonoMixerPassesMonoThrough(t *testing.T) {
	src := &stubSource{
		rate:     16000,
		channels: 1,
		samples:  []float32{0.5, -0.5, 0.25},
	}
	mixer := NewMonoMixer(src)

	out := make([]float32, 3)
	n, err := mixer.ReadSamples(out)
	if err != nil {
		t.Fatalf("ReadSamples: %v", err)
	}
	if n != 3 || out[0] != 0.5 || out[1] != -0.5 || out[2] != 0.25 {
		t.Errorf("passthrough = %v (n=%d)", out, n)
	}

	if err := mixer.Close(); err != nil || !src.closed {
		t.Error("Close must reach the wrapped source")
	}
}
