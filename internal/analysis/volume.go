// SPDX-License-Identifier: MIT
package analysis

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Loudness classifies an RMS dB value against fixed breakpoints. The
// classes drive the level meter and the confidence weighting of pitch
// measurements.
type Loudness int

const (
	LoudnessSilent Loudness = iota
	LoudnessLow
	LoudnessOptimal
	LoudnessHigh
	LoudnessClipping
)

// String returns the lower-case class name.
func (l Loudness) String() string {
	switch l {
	case LoudnessSilent:
		return "silent"
	case LoudnessLow:
		return "low"
	case LoudnessOptimal:
		return "optimal"
	case LoudnessHigh:
		return "high"
	case LoudnessClipping:
		return "clipping"
	default:
		return "unknown"
	}
}

// Fixed dB breakpoints for the loudness classes.
const (
	silentCeilDB  = -60.0
	lowCeilDB     = -30.0
	optimalCeilDB = -9.0
	highCeilDB    = -3.0
)

// confidenceFullDB is the RMS level at which measurements are trusted
// fully; the confidence weight ramps linearly from the noise floor up
// to this point.
const confidenceFullDB = -30.0

// ClassifyLoudness maps an RMS dB value to its loudness class. Pure
// function of the input; -Inf (digital silence) classifies as silent.
func ClassifyLoudness(rmsDB float64) Loudness {
	switch {
	case rmsDB < silentCeilDB:
		return LoudnessSilent
	case rmsDB < lowCeilDB:
		return LoudnessLow
	case rmsDB < optimalCeilDB:
		return LoudnessOptimal
	case rmsDB < highCeilDB:
		return LoudnessHigh
	default:
		return LoudnessClipping
	}
}

// ConfidenceWeight derives the weight consumers use to discount
// unreliable low-volume measurements: 0 at or below the noise floor,
// ramping linearly to 1 at the fully-trusted level. Pure function of
// its inputs.
func ConfidenceWeight(rmsDB, noiseFloorDB float64) float64 {
	if rmsDB <= noiseFloorDB {
		return 0
	}
	if rmsDB >= confidenceFullDB || noiseFloorDB >= confidenceFullDB {
		return 1
	}
	return (rmsDB - noiseFloorDB) / (confidenceFullDB - noiseFloorDB)
}

// VolumeConfig configures the detector. Updates are validated and
// rejected atomically; prior configuration stays in force on error.
type VolumeConfig struct {
	InputGainDB  float64 `yaml:"input_gain_db"`  // [-60, 60]
	NoiseFloorDB float64 `yaml:"noise_floor_db"` // [-96, 0)
	SampleRate   float64 `yaml:"sample_rate"`
	ReportDB     bool    `yaml:"report_db"`
}

// DefaultVolumeConfig returns the detector tuning for a typical
// microphone chain at 48 kHz.
func DefaultVolumeConfig() VolumeConfig {
	return VolumeConfig{
		InputGainDB:  0,
		NoiseFloorDB: -60,
		SampleRate:   48000,
		ReportDB:     true,
	}
}

// Validate checks all parameter ranges.
func (c VolumeConfig) Validate() error {
	if c.InputGainDB < -60 || c.InputGainDB > 60 {
		return fmt.Errorf("input gain must be within [-60, 60] dB, got %v", c.InputGainDB)
	}
	if c.NoiseFloorDB < -96 || c.NoiseFloorDB >= 0 {
		return fmt.Errorf("noise floor must be within [-96, 0) dB, got %v", c.NoiseFloorDB)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %v", c.SampleRate)
	}
	return nil
}

// VolumeReading is the per-block level measurement handed to consumers.
// Amplitudes are linear and always non-negative and finite. The dB
// fields, loudness class, and confidence weight are populated only in
// dB-reporting mode; an empty or fully non-finite block reports -Inf dB.
type VolumeReading struct {
	RMSAmplitude  float64
	PeakAmplitude float64
	RMSDB         float64
	PeakDB        float64
	Loudness      Loudness
	Confidence    float64
	Timestamp     time.Time
}

// VolumeDetector computes RMS and peak amplitude per block.
// ProcessBuffer is allocation-free and applies the configured input
// gain inline; the configuration swaps under a read-write lock so it
// may be replaced while blocks are being processed.
type VolumeDetector struct {
	mu   sync.RWMutex
	cfg  VolumeConfig
	gain float64 // linear, precomputed from InputGainDB
}

// NewVolumeDetector validates the configuration and precomputes the
// linear gain.
func NewVolumeDetector(cfg VolumeConfig) (*VolumeDetector, error) {
	d := &VolumeDetector{}
	if err := d.SetConfig(cfg); err != nil {
		return nil, err
	}
	return d, nil
}

// SetConfig validates and applies a new configuration atomically. A
// rejected update leaves the previous configuration in force.
func (d *VolumeDetector) SetConfig(cfg VolumeConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	d.cfg = cfg
	d.gain = math.Pow(10, cfg.InputGainDB/20)
	d.mu.Unlock()
	return nil
}

// Config returns the active configuration.
func (d *VolumeDetector) Config() VolumeConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// ProcessBuffer computes the level reading for one block. Non-finite
// samples are excluded from the aggregates rather than propagated, so
// the reading is always finite in the linear domain. An empty buffer
// yields a zero reading rather than a division failure.
func (d *VolumeDetector) ProcessBuffer(samples []float32) VolumeReading {
	d.mu.RLock()
	gain := d.gain
	reportDB := d.cfg.ReportDB
	floorDB := d.cfg.NoiseFloorDB
	d.mu.RUnlock()

	var (
		sumSq float64
		peak  float64
		n     int
	)
	for _, s := range samples {
		x := float64(s) * gain
		if math.IsNaN(x) || math.IsInf(x, 0) {
			continue
		}
		n++
		sumSq += x * x
		if ax := math.Abs(x); ax > peak {
			peak = ax
		}
	}

	r := VolumeReading{Timestamp: time.Now()}
	if n > 0 {
		r.RMSAmplitude = math.Sqrt(sumSq / float64(n))
		r.PeakAmplitude = peak
	}
	if reportDB {
		r.RMSDB = AmplitudeDB(r.RMSAmplitude)
		r.PeakDB = AmplitudeDB(r.PeakAmplitude)
		r.Loudness = ClassifyLoudness(r.RMSDB)
		r.Confidence = ConfidenceWeight(r.RMSDB, floorDB)
	}
	return r
}

// AmplitudeDB converts a linear amplitude to dBFS. Zero amplitude is
// -Inf by definition; callers in dB mode expect that for silence.
func AmplitudeDB(a float64) float64 {
	if a == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(a)
}

// NoiseCalibrator derives a noise floor from the opening blocks of a
// session: it collects RMS dB readings and, once enough have arrived,
// reports the 25th percentile plus a safety margin. Runs on the
// consumer side, which then pushes the result back through a volume
// configuration update.
type NoiseCalibrator struct {
	samples  []float64
	need     int
	marginDB float64
	done     bool
}

// NewNoiseCalibrator collects blocks readings before settling. A
// margin of about 6 dB above the measured floor keeps room tone from
// flickering the confidence weight.
func NewNoiseCalibrator(blocks int, marginDB float64) *NoiseCalibrator {
	if blocks < 1 {
		blocks = 1
	}
	return &NoiseCalibrator{
		samples:  make([]float64, 0, blocks),
		need:     blocks,
		marginDB: marginDB,
	}
}

// Add feeds one RMS dB reading. Once enough readings have been
// collected it returns the calibrated noise floor and true; afterwards
// further readings are ignored. Non-finite readings (digital silence)
// carry no floor information and are skipped.
func (c *NoiseCalibrator) Add(rmsDB float64) (float64, bool) {
	if c.done {
		return 0, false
	}
	if math.IsNaN(rmsDB) || math.IsInf(rmsDB, 0) {
		return 0, false
	}
	c.samples = append(c.samples, rmsDB)
	if len(c.samples) < c.need {
		return 0, false
	}

	slices.Sort(c.samples)
	floor := stat.Quantile(0.25, stat.Empirical, c.samples, nil) + c.marginDB
	if floor >= -1 {
		floor = -1
	}
	if floor < -96 {
		floor = -96
	}
	c.samples = nil
	c.done = true
	return floor, true
}

// Done reports whether calibration has completed.
func (c *NoiseCalibrator) Done() bool {
	return c.done
}
