package model

import "fmt"

// Calibration maps a soil probe's raw ADC counts to percent. RawDry and
// RawWet are the two reference points; capacitive probes usually read
// higher when dry, so RawDry > RawWet is the common case. RawMin/RawMax
// bound the plausible raw range; anything outside is OutOfRange.
type Calibration struct {
	RawDry int `json:"raw_dry"`
	RawWet int `json:"raw_wet"`
	RawMin int `json:"raw_min"`
	RawMax int `json:"raw_max"`
}

// Validate rejects calibrations that cannot map anything.
func (c Calibration) Validate() error {
	if c.RawDry == c.RawWet {
		return fmt.Errorf("raw_dry and raw_wet must differ")
	}
	if c.RawMin >= c.RawMax {
		return fmt.Errorf("raw_min %d must be below raw_max %d", c.RawMin, c.RawMax)
	}
	return nil
}

// Percent maps a raw count linearly between the reference points and
// clamps to [0,100]. The mapping works for both probe polarities.
func (c Calibration) Percent(raw int) float32 {
	span := float64(c.RawWet - c.RawDry)
	p := float64(raw-c.RawDry) / span * 100
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return float32(p)
}

// InRange reports whether a raw count is inside the plausible range.
func (c Calibration) InRange(raw int) bool {
	return raw >= c.RawMin && raw <= c.RawMax
}
