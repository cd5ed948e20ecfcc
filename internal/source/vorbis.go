// SPDX-License-Identifier: MIT
package source

import (
	"fmt"
	"io"
	"os"

	"github.com/jfreymuth/oggvorbis"
)

type vorbisSource struct {
	file *os.File
	dec  *oggvorbis.Reader
}

// OpenVorbis opens an Ogg Vorbis file.
func OpenVorbis(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("vorbis: %w", err)
	}

	dec, err := oggvorbis.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("vorbis: %w", err)
	}

	return &vorbisSource{file: f, dec: dec}, nil
}

func (s *vorbisSource) SampleRate() int { return s.dec.SampleRate() }
func (s *vorbisSource) Channels() int   { return s.dec.Channels() }

func (s *vorbisSource) ReadSamples(dst []float32) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}

	// The reader already produces interleaved float32 values, so dst
	// is filled directly.
	n, err := s.dec.Read(dst)
	if n == 0 {
		if err == io.EOF {
			return 0, io.EOF
		}
		if err != nil {
			return 0, fmt.Errorf("vorbis: %w", err)
		}
		return 0, nil
	}
	return n, nil
}

func (s *vorbisSource) Close() error {
	return s.file.Close()
}

var _ Source = (*vorbisSource)(nil)
