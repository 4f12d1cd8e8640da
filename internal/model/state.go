package model

// State is the control loop's top-level state.
type State uint8

const (
	// StateIdle: valves closed, monitoring.
	StateIdle State = iota
	// StateActive: a session is running on exactly one valve.
	StateActive
	// StateThermalHold: watering suppressed until ambient temperature
	// drops back below the warning threshold.
	StateThermalHold
	// StateError: a decision-critical sensor is failed; valves closed.
	StateError
	// StateEmergencyLock: operator-latched stop. Survives reboots and is
	// exited only by an explicit remote Stop.
	StateEmergencyLock
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateThermalHold:
		return "thermal_hold"
	case StateError:
		return "error"
	case StateEmergencyLock:
		return "emergency_lock"
	default:
		return "unknown"
	}
}

// OfflineLevel is the severity ladder the controller climbs while it
// cannot reach the broker. Higher is more severe and polls faster.
type OfflineLevel uint8

const (
	LevelNormal OfflineLevel = iota
	LevelWarning
	LevelCritical
	LevelEmergency
)

func (l OfflineLevel) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}
