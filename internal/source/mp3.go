// SPDX-License-Identifier: MIT
package source

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	gomp3 "github.com/hajimehoshi/go-mp3"
)

type mp3Source struct {
	file *os.File
	dec  *gomp3.Decoder
	buf  []byte
}

// OpenMP3 opens an MP3 file. The decoder always produces 16 bit
// stereo, whatever the encoded channel layout.
func OpenMP3(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mp3: %w", err)
	}

	dec, err := gomp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mp3: %w", err)
	}

	return &mp3Source{
		file: f,
		dec:  dec,
		buf:  make([]byte, 8192),
	}, nil
}

func (s *mp3Source) SampleRate() int { return s.dec.SampleRate() }
func (s *mp3Source) Channels() int   { return 2 }

func (s *mp3Source) ReadSamples(dst []float32) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	want := len(dst) * 2 // 16 bit little-endian PCM
	if cap(s.buf) < want {
		s.buf = make([]byte, want)
	}
	buf := s.buf[:want]

	n, err := io.ReadFull(s.dec, buf)
	if n == 0 {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, io.EOF
		}
		if err != nil {
			return 0, fmt.Errorf("mp3: %w", err)
		}
		return 0, nil
	}

	// A truncated final read can split a sample; the dangling bytes
	// are dropped with the end of the stream.
	samples := n / 2
	for i := 0; i < samples; i++ {
		v := int16(binary.LittleEndian.Uint16(buf[2*i:]))
		dst[i] = float32(v) / 32768.0
	}
	return samples, nil
}

func (s *mp3Source) Close() error {
	return s.file.Close()
}

var _ Source = (*mp3Source)(nil)
