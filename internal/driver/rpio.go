package driver

import (
	"fmt"

	"github.com/stianeikeland/go-rpio/v4"

	"github.com/tbertani/soilguard/internal/model"
)

// RPiValves drives solenoid relays through the Pi GPIO header. Relays are
// wired active-high behind a pull-down, so a reset or a crashed process
// leaves every valve closed.
type RPiValves struct {
	pins map[model.ValveID]rpio.Pin
}

// NewRPiValves maps valve ids to BCM pin numbers.
func NewRPiValves(pins map[model.ValveID]int) *RPiValves {
	m := make(map[model.ValveID]rpio.Pin, len(pins))
	for id, p := range pins {
		m[id] = rpio.Pin(p)
	}
	return &RPiValves{pins: m}
}

func (d *RPiValves) Init(ids []model.ValveID) error {
	if err := rpio.Open(); err != nil {
		return fmt.Errorf("open gpio: %w", err)
	}
	for _, id := range ids {
		pin, ok := d.pins[id]
		if !ok {
			return fmt.Errorf("no pin mapped for %s", id)
		}
		pin.Output()
		pin.PullDown()
		pin.Low()
	}
	return nil
}

func (d *RPiValves) Write(id model.ValveID, open bool) error {
	pin, ok := d.pins[id]
	if !ok {
		return fmt.Errorf("no pin mapped for %s", id)
	}
	if open {
		pin.High()
	} else {
		pin.Low()
	}
	return nil
}

func (d *RPiValves) Read(id model.ValveID) (bool, error) {
	pin, ok := d.pins[id]
	if !ok {
		return false, fmt.Errorf("no pin mapped for %s", id)
	}
	return pin.Read() == rpio.High, nil
}

func (d *RPiValves) Close() error { return rpio.Close() }
