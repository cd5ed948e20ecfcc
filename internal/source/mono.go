package source

// MonoMixer wraps a multichannel source and averages each frame down
// to one sample. Mono sources pass through untouched.
type MonoMixer struct {
	src Source
	tmp []float32
}

// NewMonoMixer wraps src.
func NewMonoMixer(src Source) *MonoMixer {
	return &MonoMixer{
		src: src,
		tmp: make([]float32, 8192),
	}
}

func (m *MonoMixer) SampleRate() int { return m.src.SampleRate() }
func (m *MonoMixer) Channels() int   { return 1 }
func (m *MonoMixer) Close() error    { return m.src.Close() }

// ReadSamples fills dst with mono samples and returns the frame count.
func (m *MonoMixer) ReadSamples(dst []float32) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	channels := m.src.Channels()
	if channels == 1 {
		return m.src.ReadSamples(dst)
	}

	need := len(dst) * channels
	if cap(m.tmp) < need {
		m.tmp = make([]float32, need)
	}

	n, err := m.src.ReadSamples(m.tmp[:need])
	if n == 0 {
		return 0, err
	}

	// A short read can end mid-frame; the dangling values go with the
	// end of the stream.
	frames := n / channels
	switch channels {
	case 2:
		for f := 0; f < frames; f++ {
			dst[f] = (m.tmp[2*f] + m.tmp[2*f+1]) * 0.5
		}
	default:
		inv := 1.0 / float32(channels)
		for f := 0; f < frames; f++ {
			sum := float32(0)
			base := f * channels
			for c := 0; c < channels; c++ {
				sum += m.tmp[base+c]
			}
			dst[f] = sum * inv
		}
	}
	return frames, nil
}

var _ Source = (*MonoMixer)(nil)
