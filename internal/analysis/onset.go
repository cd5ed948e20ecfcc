// SPDX-License-Identifier: MIT
package analysis

import "fmt"

// OnsetConfig tunes note-onset detection.
type OnsetConfig struct {
	MinEnergy      float64 `yaml:"min_energy"`      // RMS below this never triggers
	EnergyRatio    float64 `yaml:"energy_ratio"`    // required jump over the previous block
	CooldownBlocks int     `yaml:"cooldown_blocks"` // refractory period after a trigger
}

// DefaultOnsetConfig returns tuning suited to sung or bowed notes at
// typical block rates.
func DefaultOnsetConfig() OnsetConfig {
	return OnsetConfig{
		MinEnergy:      0.01,
		EnergyRatio:    2.0,
		CooldownBlocks: 4,
	}
}

// Validate checks the parameter ranges.
func (c OnsetConfig) Validate() error {
	if c.MinEnergy < 0 {
		return fmt.Errorf("min energy must be non-negative, got %v", c.MinEnergy)
	}
	if c.EnergyRatio <= 1 {
		return fmt.Errorf("energy ratio must exceed 1, got %v", c.EnergyRatio)
	}
	if c.CooldownBlocks < 0 {
		return fmt.Errorf("cooldown must be non-negative, got %d", c.CooldownBlocks)
	}
	return nil
}

// OnsetDetector flags the start of a new note from block-to-block RMS
// jumps. Consumers use onsets to reset the smoothing pipelines so a
// fresh note is not averaged against the tail of the previous one.
//
// It runs on the consumer side and takes the RMS already computed by
// the volume detector rather than rescanning the samples.
type OnsetDetector struct {
	cfg      OnsetConfig
	lastRMS  float64
	cooldown int
}

// NewOnsetDetector validates the configuration.
func NewOnsetDetector(cfg OnsetConfig) (*OnsetDetector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &OnsetDetector{cfg: cfg}, nil
}

// Process feeds one block's RMS amplitude and reports whether it marks
// an onset. A block triggers when its energy clears the minimum and
// jumps past the configured ratio over the previous block; the first
// energetic block after silence always triggers. After a trigger the
// detector stays quiet for the cooldown period so one attack cannot
// fire repeatedly.
func (d *OnsetDetector) Process(rms float64) bool {
	onset := false
	if d.cooldown > 0 {
		d.cooldown--
	} else if rms > d.cfg.MinEnergy && (d.lastRMS == 0 || rms/d.lastRMS > d.cfg.EnergyRatio) {
		onset = true
		d.cooldown = d.cfg.CooldownBlocks
	}
	d.lastRMS = rms
	return onset
}

// Reset clears detector state, such as when a session restarts.
func (d *OnsetDetector) Reset() {
	d.lastRMS = 0
	d.cooldown = 0
}
