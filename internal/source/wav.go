package source

import (
	"fmt"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

type wavSource struct {
	file       *os.File
	dec        *wav.Decoder
	buf        *audio.IntBuffer
	scale      float32
	sampleRate int
	channels   int
}

// OpenWAV opens a PCM WAV file. 16, 24 and 32 bit integer formats are
// supported.
func OpenWAV(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wav: %w", err)
	}

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("wav: %q is not a valid wav file", path)
	}
	if dec.WavAudioFormat != 1 {
		f.Close()
		return nil, fmt.Errorf("wav: only PCM integer format is supported, got format %d", dec.WavAudioFormat)
	}
	bitDepth := int(dec.BitDepth)
	switch bitDepth {
	case 16, 24, 32:
	default:
		f.Close()
		return nil, fmt.Errorf("wav: unsupported bit depth %d", bitDepth)
	}

	return &wavSource{
		file: f,
		dec:  dec,
		buf: &audio.IntBuffer{
			Format: &audio.Format{
				NumChannels: int(dec.NumChans),
				SampleRate:  int(dec.SampleRate),
			},
			Data: make([]int, 4096),
		},
		scale:      1.0 / float32(int64(1)<<(bitDepth-1)),
		sampleRate: int(dec.SampleRate),
		channels:   int(dec.NumChans),
	}, nil
}

func (s *wavSource) SampleRate() int { return s.sampleRate }
func (s *wavSource) Channels() int   { return s.channels }

func (s *wavSource) ReadSamples(dst []float32) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	if cap(s.buf.Data) < len(dst) {
		s.buf.Data = make([]int, len(dst))
	}
	// PCMBuffer reslices Data down on short reads; restore it first.
	s.buf.Data = s.buf.Data[:len(dst)]

	n, err := s.dec.PCMBuffer(s.buf)
	if err != nil {
		return 0, fmt.Errorf("wav: %w", err)
	}
	if n == 0 {
		return 0, io.EOF
	}
	for i := 0; i < n; i++ {
		dst[i] = float32(s.buf.Data[i]) * s.scale
	}
	return n, nil
}

func (s *wavSource) Close() error {
	return s.file.Close()
}

var _ Source = (*wavSource)(nil)
