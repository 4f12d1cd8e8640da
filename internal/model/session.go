package model

import "time"

// SessionReason records why a watering session was started.
type SessionReason string

const (
	// ReasonAutoDry: dry-soil auto-start under an online policy that
	// authorizes it. The deployed contract is recommend-only while online,
	// so this reason is reserved; remote confirmations record RemoteStart.
	ReasonAutoDry SessionReason = "auto_dry"
	// ReasonRemoteStart: an operator issued a Start command.
	ReasonRemoteStart SessionReason = "remote_start"
	// ReasonOfflineEscalation: the offline policy reached Critical or worse
	// and the controller started watering on its own authority.
	ReasonOfflineEscalation SessionReason = "offline_escalation"
)

// Session is one watering run on a single valve. It exists exactly while
// that valve is open: created when the control loop opens the valve,
// destroyed when the valve closes, for whatever reason.
type Session struct {
	ID          string
	Reason      SessionReason
	Valve       ValveID
	StartedAt   time.Time
	MaxDuration time.Duration
	SoilAtStart float32
}

// Elapsed returns how long the session has been running at now.
func (s Session) Elapsed(now time.Time) time.Duration {
	d := now.Sub(s.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}
