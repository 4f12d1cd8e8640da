package model

import (
	"math"
	"time"
)

// Quality classifies a single sensor sample within a Reading.
type Quality uint8

const (
	// QualityGood marks a sample whose value is usable for control decisions.
	QualityGood Quality = iota
	// QualityOutOfRange marks a sample whose raw value fell outside the
	// probe's plausible range.
	QualityOutOfRange
	// QualityStale marks a sample for which the driver produced no fresh
	// data this cycle (timeout or bus error) but the probe is not yet Failed.
	QualityStale
	// QualityFailed marks a sample from a probe that exceeded its
	// consecutive error budget.
	QualityFailed
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityOutOfRange:
		return "out_of_range"
	case QualityStale:
		return "stale"
	case QualityFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Sentinel is the value carried by samples that produced no usable data.
// It is NaN so it can never be confused with a real percentage and never
// silently flows into an average; test with IsSentinel, not ==.
func Sentinel() float32 { return float32(math.NaN()) }

// IsSentinel reports whether v is the not-a-value sentinel.
func IsSentinel(v float32) bool { return v != v }

// SoilSample is one probe's contribution to a Reading. Percent holds the
// calibrated volumetric moisture (0..100) for Good samples and Sentinel
// for everything else.
type SoilSample struct {
	Percent float32
	Raw     int
	Quality Quality
}

// Usable reports whether the sample may participate in aggregates.
func (s SoilSample) Usable() bool { return s.Quality == QualityGood }

// Reading is one complete acquisition cycle across all configured sensors.
// A Reading is always produced, even while sensors are failing: bad samples
// carry Sentinel values and a Quality other than Good, so downstream code
// can always distinguish "no data" from "zero".
type Reading struct {
	At             time.Time
	Temperature    float32 // °C; Sentinel unless AmbientQuality is Good
	Humidity       float32 // %RH; Sentinel unless AmbientQuality is Good
	AmbientQuality Quality
	Soil           []SoilSample
}

// AmbientOK reports whether temperature and humidity are usable.
func (r Reading) AmbientOK() bool { return r.AmbientQuality == QualityGood }

// GoodSoil counts the probes that produced a usable sample.
func (r Reading) GoodSoil() int {
	n := 0
	for _, s := range r.Soil {
		if s.Usable() {
			n++
		}
	}
	return n
}

// FailedSoil counts the probes marked Failed.
func (r Reading) FailedSoil() int {
	n := 0
	for _, s := range r.Soil {
		if s.Quality == QualityFailed {
			n++
		}
	}
	return n
}

// SoilAvg averages the Good soil samples. ok is false when no probe
// produced a usable value this cycle.
func (r Reading) SoilAvg() (avg float32, ok bool) {
	var sum float64
	n := 0
	for _, s := range r.Soil {
		if s.Usable() {
			sum += float64(s.Percent)
			n++
		}
	}
	if n == 0 {
		return Sentinel(), false
	}
	return float32(sum / float64(n)), true
}

// SoilMax returns the highest Good soil sample. ok is false when no probe
// produced a usable value this cycle.
func (r Reading) SoilMax() (max float32, ok bool) {
	max = Sentinel()
	for _, s := range r.Soil {
		if !s.Usable() {
			continue
		}
		if !ok || s.Percent > max {
			max = s.Percent
			ok = true
		}
	}
	return max, ok
}
