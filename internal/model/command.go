package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownCommand is returned for command strings outside the contract.
var ErrUnknownCommand = errors.New("unknown command")

// CommandKind is the verb of a remote command.
type CommandKind uint8

const (
	CommandStart CommandKind = iota
	CommandStop
	CommandEmergencyStop
)

func (k CommandKind) String() string {
	switch k {
	case CommandStart:
		return "start"
	case CommandStop:
		return "stop"
	case CommandEmergencyStop:
		return "emergency_stop"
	default:
		return "unknown"
	}
}

// ParseCommandKind maps the wire verb to a CommandKind.
func ParseCommandKind(s string) (CommandKind, error) {
	switch s {
	case "start":
		return CommandStart, nil
	case "stop":
		return CommandStop, nil
	case "emergency_stop":
		return CommandEmergencyStop, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCommand, s)
	}
}

// Command is a remote request accepted from the command topic. Duration
// applies to Start only; zero means "use the configured default".
type Command struct {
	Kind       CommandKind
	Duration   time.Duration
	ReceivedAt time.Time
}
