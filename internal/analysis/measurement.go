// SPDX-License-Identifier: MIT
package analysis

import "math"

// Measurement is one consumer-side analysis result: the smoothed pitch
// estimate with its level context, ready for transports and the UI.
// Field values are always finite so the record can be marshaled as
// JSON, which has no encoding for NaN or the infinities.
type Measurement struct {
	Sequence     uint64  `json:"sequence"`
	TimestampNS  int64   `json:"timestamp_ns"`
	FrequencyHz  float64 `json:"frequency_hz"`
	RawFrequency float64 `json:"raw_frequency_hz"`
	Clarity      float64 `json:"clarity"`
	RMSDB        float64 `json:"rms_db"`
	PeakDB       float64 `json:"peak_db"`
	Loudness     string  `json:"loudness"`
	Confidence   float64 `json:"confidence"`
	Onset        bool    `json:"onset"`
}

// ClampDB maps a dB value into the finite range [-96, 24]. Digital
// silence reports -Inf from the level meter; measurements pin it to
// the bottom of the range instead.
func ClampDB(db float64) float64 {
	if math.IsNaN(db) || db < -96 {
		return -96
	}
	if db > 24 {
		return 24
	}
	return db
}
