// Package wire holds the JSON documents and topic names of the MQTT
// contract. Field names and topic shapes are frozen; fleet-side consumers
// parse them byte for byte.
package wire

import (
	"fmt"
	"strings"
	"time"

	"github.com/tbertani/soilguard/internal/model"
)

const (
	TypeRegister   = "register"
	TypeSensorData = "sensor_data"
)

// RegisterTopic is where every controller announces itself on connect.
const RegisterTopic = "irrigation/register"

// DataTopic carries periodic sensor documents for one device.
func DataTopic(crop, mac string) string {
	return fmt.Sprintf("irrigation/data/%s/%s", crop, mac)
}

// StatusTopic carries the controller state snapshot for one device.
func StatusTopic(mac string) string {
	return fmt.Sprintf("irrigation/status/%s", mac)
}

// ControlTopic carries remote commands addressed to one device.
func ControlTopic(mac string) string {
	return fmt.Sprintf("irrigation/control/%s", mac)
}

// Fleet-side subscription filters covering every device.
const (
	DataWildcard   = "irrigation/data/#"
	StatusWildcard = "irrigation/status/#"
)

// ParseDataTopic extracts crop and device from a concrete data topic.
func ParseDataTopic(topic string) (crop, mac string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != "irrigation" || parts[1] != "data" ||
		parts[2] == "" || parts[3] == "" {
		return "", "", fmt.Errorf("not a data topic: %q", topic)
	}
	return parts[2], parts[3], nil
}

// ParseStatusTopic extracts the device from a concrete status topic.
func ParseStatusTopic(topic string) (mac string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "irrigation" || parts[1] != "status" || parts[2] == "" {
		return "", fmt.Errorf("not a status topic: %q", topic)
	}
	return parts[2], nil
}

// Registration is published on irrigation/register after every (re)connect.
type Registration struct {
	EventType           string `json:"event_type"`
	MACAddress          string `json:"mac_address"`
	DeviceName          string `json:"device_name"`
	IPAddress           string `json:"ip_address"`
	LocationDescription string `json:"location_description"`
}

// NewRegistration fills the envelope for one device.
func NewRegistration(mac, name, ip, location string) Registration {
	return Registration{
		EventType:           TypeRegister,
		MACAddress:          mac,
		DeviceName:          name,
		IPAddress:           ip,
		LocationDescription: location,
	}
}

// SensorData is the periodic reading document. Ambient fields and soil
// entries are null when the corresponding sensor produced no usable value;
// they are never reported as zero.
type SensorData struct {
	EventType   string     `json:"event_type"`
	MACAddress  string     `json:"mac_address"`
	Temperature *float32   `json:"temperature"`
	Humidity    *float32   `json:"humidity"`
	Soil        []*float32 `json:"soil"`
}

// NewSensorData converts an in-process Reading to its wire form.
func NewSensorData(mac string, r model.Reading) SensorData {
	d := SensorData{
		EventType:  TypeSensorData,
		MACAddress: mac,
		Soil:       make([]*float32, 0, len(r.Soil)),
	}
	if r.AmbientOK() {
		t, h := r.Temperature, r.Humidity
		d.Temperature, d.Humidity = &t, &h
	}
	for _, s := range r.Soil {
		if s.Usable() {
			v := s.Percent
			d.Soil = append(d.Soil, &v)
		} else {
			d.Soil = append(d.Soil, nil)
		}
	}
	return d
}

// Status is the controller state snapshot published every cycle.
// ActiveValve is -1 when no valve is open.
type Status struct {
	State             string  `json:"state"`
	Mode              string  `json:"mode"`
	SessionElapsedSec int64   `json:"session_elapsed_sec"`
	ActiveValve       int     `json:"active_valve"`
	LastSoilAvg       float32 `json:"last_soil_avg"`
}

// NewStatus builds the snapshot document. A sentinel soil average
// flattens to 0, matching the event document's convention.
func NewStatus(state model.State, online bool, elapsed time.Duration, valve int, soilAvg float32) Status {
	mode := "offline"
	if online {
		mode = "online"
	}
	return Status{
		State:             state.String(),
		Mode:              mode,
		SessionElapsedSec: int64(elapsed / time.Second),
		ActiveValve:       valve,
		LastSoilAvg:       finite(soilAvg),
	}
}

// EventSensorData is the snapshot nested in an Event. The field name
// soil_moisture_prom is historical and must not change.
type EventSensorData struct {
	SoilMoistureAvg float32 `json:"soil_moisture_prom"`
	Humidity        float32 `json:"humidity"`
	Temperature     float32 `json:"temperature"`
}

// Event is the notification document sent to the status topic and the
// fleet webhook.
type Event struct {
	EventType  string          `json:"event_type"`
	DeviceID   string          `json:"device_id"`
	SensorData EventSensorData `json:"sensor_data"`
}

// NewEvent converts an in-process Event to its wire form. Sentinel values
// are flattened to 0 here: the document schema has no null slot and the
// event type itself carries the failure information.
func NewEvent(deviceID string, ev model.Event) Event {
	return Event{
		EventType: string(ev.Type),
		DeviceID:  deviceID,
		SensorData: EventSensorData{
			SoilMoistureAvg: finite(ev.SoilAvg),
			Humidity:        finite(ev.Humidity),
			Temperature:     finite(ev.Temperature),
		},
	}
}

func finite(v float32) float32 {
	if model.IsSentinel(v) {
		return 0
	}
	return v
}

// Control is the inbound command document.
type Control struct {
	Command         string `json:"command"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
}
