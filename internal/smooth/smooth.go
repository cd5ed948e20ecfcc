// Package smooth implements the adaptive scalar filter used to stabilize
// per-block measurements (frequency, clarity) before they reach consumers.
//
// The filter is an EMA whose coefficient follows the observed rate of
// change: small deltas get heavy smoothing, large deltas pass through
// quickly. Optional prefilters (median-of-3, causal Hampel) reject
// spikes before they can drag the average, a deadband pins micro-jitter,
// and a two-threshold hysteresis keeps the filter from toggling between
// smooth and responsive behavior near a single threshold.
package smooth

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"
)

// madScale converts a median absolute deviation into a consistent
// estimate of the standard deviation for normally distributed data.
const madScale = 1.4826

// HampelConfig configures the causal Hampel outlier filter.
type HampelConfig struct {
	Enabled bool    `yaml:"enabled"`
	Window  int     `yaml:"window"` // odd, >= 3
	NSigma  float64 `yaml:"nsigma"`
}

// HysteresisConfig configures the two-threshold rate-of-change state
// machine. DDown must be strictly below DUp.
type HysteresisConfig struct {
	Enabled bool    `yaml:"enabled"`
	DDown   float64 `yaml:"d_down"`
	DUp     float64 `yaml:"d_up"`
}

// Config holds every tunable of the filter. The zero value is invalid;
// start from DefaultConfig.
type Config struct {
	AlphaMin      float64          `yaml:"alpha_min"`
	AlphaMax      float64          `yaml:"alpha_max"`
	BaseThreshold float64          `yaml:"base_threshold"` // logistic center when hysteresis is off
	Softness      float64          `yaml:"softness"`       // logistic width, larger = gentler transition
	Deadband      float64          `yaml:"deadband"`       // 0 disables
	UseMedian3    bool             `yaml:"use_median3"`
	Hampel        HampelConfig     `yaml:"hampel"`
	Hysteresis    HysteresisConfig `yaml:"hysteresis"`
}

// DefaultConfig returns the tuning used for pitch-adjacent measurement
// streams. With these values a steady input stays pinned by the deadband
// while a genuine jump flips the hysteresis into its responsive mode
// within one sample.
func DefaultConfig() Config {
	return Config{
		AlphaMin:      0.05,
		AlphaMax:      0.6,
		BaseThreshold: 1.0,
		Softness:      1.0,
		Deadband:      0.1,
		UseMedian3:    false,
		Hampel: HampelConfig{
			Enabled: false,
			Window:  7,
			NSigma:  3.0,
		},
		Hysteresis: HysteresisConfig{
			Enabled: true,
			DDown:   0.5,
			DUp:     2.0,
		},
	}
}

// Validate checks all parameter ranges. It is called by New and
// SetConfig; an invalid configuration never reaches a running filter.
func (c Config) Validate() error {
	if !(c.AlphaMin > 0 && c.AlphaMin <= c.AlphaMax && c.AlphaMax < 1) {
		return fmt.Errorf("smooth: alpha bounds must satisfy 0 < alpha_min <= alpha_max < 1, got [%v, %v]",
			c.AlphaMin, c.AlphaMax)
	}
	if c.BaseThreshold <= 0 {
		return fmt.Errorf("smooth: base_threshold must be positive, got %v", c.BaseThreshold)
	}
	if c.Softness <= 0 {
		return fmt.Errorf("smooth: softness must be positive, got %v", c.Softness)
	}
	if c.Deadband < 0 {
		return fmt.Errorf("smooth: deadband must be non-negative, got %v", c.Deadband)
	}
	if c.Hampel.Enabled {
		if c.Hampel.Window < 3 || c.Hampel.Window%2 == 0 {
			return fmt.Errorf("smooth: hampel window must be odd and >= 3, got %d", c.Hampel.Window)
		}
		if c.Hampel.NSigma <= 0 {
			return fmt.Errorf("smooth: hampel nsigma must be positive, got %v", c.Hampel.NSigma)
		}
	}
	if c.Hysteresis.Enabled {
		if !(c.Hysteresis.DDown > 0 && c.Hysteresis.DDown < c.Hysteresis.DUp) {
			return fmt.Errorf("smooth: hysteresis thresholds must satisfy 0 < d_down < d_up, got [%v, %v]",
				c.Hysteresis.DDown, c.Hysteresis.DUp)
		}
	}
	return nil
}

// Smoother is the stateful filter for one logical signal stream. Create
// one per tracked scalar. Update is allocation-free; the rolling windows
// and sort scratch are sized at construction.
//
// Not safe for concurrent use; each stream has a single owner.
type Smoother struct {
	cfg Config

	prev   float64
	seeded bool
	moving bool // hysteresis state, false = Quiet

	lastAlpha float64

	med3    [3]float64
	med3Len int
	med3Pos int

	hampelBuf []float64 // rolling raw window
	hampelLen int
	hampelPos int
	scratch   []float64 // sorted copy for the median quantile
	devs      []float64 // absolute deviations for the MAD quantile
}

// New creates a Smoother. Invalid configuration is a construction-time
// failure, never a runtime panic.
func New(cfg Config) (*Smoother, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Smoother{cfg: cfg}
	s.sizeHampel(cfg.Hampel.Window)
	return s, nil
}

func (s *Smoother) sizeHampel(window int) {
	if window < 0 {
		window = 0
	}
	s.hampelBuf = make([]float64, window)
	s.scratch = make([]float64, window)
	s.devs = make([]float64, window)
	s.hampelLen = 0
	s.hampelPos = 0
}

// SetConfig re-validates and applies a new configuration atomically: a
// rejected update leaves the previous configuration and all filter state
// untouched. The smoothed value carries across an accepted update; the
// Hampel window is rebuilt (and its history cleared) only when the
// window length changes.
func (s *Smoother) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Hampel.Window != s.cfg.Hampel.Window {
		s.sizeHampel(cfg.Hampel.Window)
	}
	s.cfg = cfg
	return nil
}

// Config returns the active configuration.
func (s *Smoother) Config() Config {
	return s.cfg
}

// Update feeds one raw measurement through the filter and returns the
// smoothed value. The first sample after construction or Reset is
// returned verbatim and seeds the filter. Non-finite inputs are ignored
// and the current value is returned unchanged.
func (s *Smoother) Update(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return s.prev
	}

	if s.cfg.UseMedian3 {
		x = s.median3(x)
	}
	if s.cfg.Hampel.Enabled {
		x = s.hampel(x)
	}

	if !s.seeded {
		s.seeded = true
		s.prev = x
		return x
	}

	delta := math.Abs(x - s.prev)

	var alpha float64
	if s.cfg.Deadband > 0 && delta < s.cfg.Deadband {
		// Micro-jitter: maximum smoothing, hysteresis untouched.
		alpha = s.cfg.AlphaMin
	} else {
		dEff := s.cfg.BaseThreshold
		if s.cfg.Hysteresis.Enabled {
			if s.moving {
				if delta < s.cfg.Hysteresis.DDown {
					s.moving = false
				}
			} else if delta > s.cfg.Hysteresis.DUp {
				s.moving = true
			}
			if s.moving {
				dEff = s.cfg.Hysteresis.DUp
			} else {
				dEff = s.cfg.Hysteresis.DDown
			}
		}
		u := (delta - dEff) / s.cfg.Softness
		alpha = s.cfg.AlphaMin + (s.cfg.AlphaMax-s.cfg.AlphaMin)*sigmoid(u)
		if alpha < s.cfg.AlphaMin {
			alpha = s.cfg.AlphaMin
		} else if alpha > s.cfg.AlphaMax {
			alpha = s.cfg.AlphaMax
		}
	}

	s.lastAlpha = alpha
	s.prev = (1-alpha)*s.prev + alpha*x
	return s.prev
}

// Value returns the current smoothed value and whether the filter has
// been seeded by at least one sample.
func (s *Smoother) Value() (float64, bool) {
	return s.prev, s.seeded
}

// LastAlpha returns the EMA coefficient applied by the most recent
// blended update. It is 0 until the second sample.
func (s *Smoother) LastAlpha() float64 {
	return s.lastAlpha
}

// Reset clears the smoothed value, hysteresis mode, and all prefilter
// windows, restoring the filter to its just-constructed state.
func (s *Smoother) Reset() {
	s.prev = 0
	s.seeded = false
	s.moving = false
	s.lastAlpha = 0
	s.med3Len = 0
	s.med3Pos = 0
	s.hampelLen = 0
	s.hampelPos = 0
}

// median3 buffers the last three raw inputs and emits their median once
// three are available; before that the input passes through.
func (s *Smoother) median3(x float64) float64 {
	s.med3[s.med3Pos] = x
	s.med3Pos = (s.med3Pos + 1) % 3
	if s.med3Len < 3 {
		s.med3Len++
	}
	if s.med3Len < 3 {
		return x
	}
	return medianOf3(s.med3[0], s.med3[1], s.med3[2])
}

// hampel replaces x with the window median when it deviates more than
// nsigma robust standard deviations. The window is causal and includes
// the candidate sample itself; until it fills, samples pass through.
// A zero spread never flags.
func (s *Smoother) hampel(x float64) float64 {
	w := len(s.hampelBuf)
	if w == 0 {
		return x
	}
	s.hampelBuf[s.hampelPos] = x
	s.hampelPos = (s.hampelPos + 1) % w
	if s.hampelLen < w {
		s.hampelLen++
	}
	if s.hampelLen < w {
		return x
	}

	copy(s.scratch, s.hampelBuf)
	slices.Sort(s.scratch)
	m := stat.Quantile(0.5, stat.Empirical, s.scratch, nil)

	for i, v := range s.hampelBuf {
		s.devs[i] = math.Abs(v - m)
	}
	slices.Sort(s.devs)
	sigma := madScale * stat.Quantile(0.5, stat.Empirical, s.devs, nil)

	if sigma == 0 {
		return x
	}
	if math.Abs(x-m) > s.cfg.Hampel.NSigma*sigma {
		return m
	}
	return x
}

func medianOf3(a, b, c float64) float64 {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	if c < lo {
		return lo
	}
	if c > hi {
		return hi
	}
	return c
}

func sigmoid(u float64) float64 {
	return 1 / (1 + math.Exp(-u))
}
