// SPDX-License-Identifier: MIT

// Package source decodes audio files into the interleaved float32
// stream the analysis engine consumes. WAV, MP3 and Ogg Vorbis files
// are supported; analysis runs at the file's native sample rate.
package source

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Source is a readable PCM stream.
type Source interface {
	// SampleRate of the stream in Hz.
	SampleRate() int
	// Channels count, 1 for mono and 2 for stereo.
	Channels() int
	// ReadSamples fills dst with interleaved float32 samples in
	// [-1, 1] and returns the number of values written. End of
	// stream is reported as (0, io.EOF).
	ReadSamples(dst []float32) (int, error)
	// Close releases the underlying file.
	Close() error
}

// ErrUnsupportedFormat is returned by Open for file extensions no
// decoder claims.
var ErrUnsupportedFormat = errors.New("source: unsupported file format")

// Open picks a decoder by file extension.
func Open(path string) (Source, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return OpenWAV(path)
	case ".mp3":
		return OpenMP3(path)
	case ".ogg", ".oga":
		return OpenVorbis(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
}
