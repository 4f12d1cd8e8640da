package model

import (
	"strings"
	"time"
)

// Alert is a bitmask of watchdog findings for one check.
type Alert uint8

const (
	// AlertSessionTimeout: a session exceeded the hard runtime ceiling.
	AlertSessionTimeout Alert = 1 << iota
	// AlertValveTimeout: a valve has been open suspiciously long. Advisory.
	AlertValveTimeout
	// AlertRemoteOverrideTimeout: a remote override went idle too long.
	AlertRemoteOverrideTimeout
	// AlertTemperatureCritical: ambient temperature at or above the
	// critical stop threshold.
	AlertTemperatureCritical
	// AlertOverMoisture: average soil moisture at or above the saturation
	// backstop.
	AlertOverMoisture
	// AlertRainDetected is reserved; no deployed hardware reports rain yet.
	AlertRainDetected
)

// Has reports whether all bits in a are set.
func (a Alert) Has(bits Alert) bool { return a&bits == bits }

func (a Alert) String() string {
	if a == 0 {
		return "none"
	}
	var parts []string
	if a.Has(AlertSessionTimeout) {
		parts = append(parts, "session_timeout")
	}
	if a.Has(AlertValveTimeout) {
		parts = append(parts, "valve_timeout")
	}
	if a.Has(AlertRemoteOverrideTimeout) {
		parts = append(parts, "remote_override_timeout")
	}
	if a.Has(AlertTemperatureCritical) {
		parts = append(parts, "temperature_critical")
	}
	if a.Has(AlertOverMoisture) {
		parts = append(parts, "over_moisture")
	}
	if a.Has(AlertRainDetected) {
		parts = append(parts, "rain_detected")
	}
	return strings.Join(parts, ",")
}

// WatchdogInputs is everything a watchdog check may look at. Durations
// are elapsed times, not deadlines; Sentinel marks unusable floats.
type WatchdogInputs struct {
	SessionElapsed time.Duration
	ValveElapsed   time.Duration
	RemoteIdle     time.Duration
	Temperature    float32
	SoilAvg        float32
	Rain           bool // reserved
}
