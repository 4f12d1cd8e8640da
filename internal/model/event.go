package model

import "time"

// EventType is the closed set of operational notifications the controller
// emits. The strings are part of the external contract; do not rename.
type EventType string

const (
	EventIrrigationOn  EventType = "irrigation_on"
	EventIrrigationOff EventType = "irrigation_off"
	EventEmergencyStop EventType = "emergency_stop"
	EventThermalStop   EventType = "thermal_stop"
	EventSensorError   EventType = "sensor_error"
	EventOverMoisture  EventType = "over_moisture"
)

// Event is one operational notification plus the sensor snapshot taken
// when it fired. Events flow one way out of the control loop and are
// fanned out to the status topic and the fleet webhook.
type Event struct {
	Type        EventType
	Reason      string
	At          time.Time
	SoilAvg     float32
	Humidity    float32
	Temperature float32
}
