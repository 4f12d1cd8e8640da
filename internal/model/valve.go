package model

import (
	"fmt"
	"time"
)

// ValveID identifies one irrigation valve. The controller drives at most
// two; which one is the primary comes from configuration.
type ValveID uint8

func (id ValveID) String() string { return fmt.Sprintf("valve%d", uint8(id)) }

// ValvePosition is the commanded position of a valve.
type ValvePosition uint8

const (
	ValveClosed ValvePosition = iota
	ValveOpen
)

func (p ValvePosition) String() string {
	if p == ValveOpen {
		return "open"
	}
	return "closed"
}

// ValveState is the actuator's shadow of one valve: the last commanded
// position and when it was commanded. The shadow is authoritative for
// control decisions between hardware read-backs.
type ValveState struct {
	Position  ValvePosition
	ChangedAt time.Time
}
