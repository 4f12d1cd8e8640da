package core

import (
	"fmt"

	"github.com/tbertani/soilguard/internal/model"
)

// Rejection causes returned to remote Start callers.
const (
	RejectEmergencyLock = "emergency_lock"
	RejectMinInterval   = "min_interval"
	RejectDailyBudget   = "daily_budget"
	RejectNotIdle       = "not_idle"
)

// Rejection is the structured refusal for a Start that fails the safety
// preconditions. Nothing is mutated when one is returned.
type Rejection struct {
	Kind  model.CommandKind
	Cause string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s rejected: %s", r.Kind.String(), r.Cause)
}

// Submit is the single entry point for remote commands.
//
// EmergencyStop is handled inside this call: the valves are closed and
// the latch set before Submit returns, and it can never be rejected.
// Start and Stop are validated, queued for the loop and picked up by
// the next tick at the latest; a newer command of the same kind
// supersedes an unserved older one.
func (c *Core) Submit(cmd model.Command) error {
	switch cmd.Kind {
	case model.CommandStart, model.CommandStop, model.CommandEmergencyStop:
	default:
		return fmt.Errorf("%w: kind %d", model.ErrUnknownCommand, int(cmd.Kind))
	}
	if cmd.ReceivedAt.IsZero() {
		cmd.ReceivedAt = c.now()
	}
	if cmd.Kind == model.CommandEmergencyStop {
		c.emergencyStop()
		return nil
	}

	c.mu.Lock()
	if cmd.Kind == model.CommandStart {
		if rej := c.checkStartLocked(c.now()); rej != nil {
			c.stats.RejectedStarts++
			c.mu.Unlock()
			c.log.Warnw("remote start rejected", "cause", rej.Cause)
			return rej
		}
	}
	// Any accepted command counts as remote activity for the override
	// idleness window.
	c.guard.ResetRemoteOverrideTimer()
	c.mailbox[cmd.Kind] = cmd
	c.log.Infow("remote command queued",
		"command", cmd.Kind.String(), "duration", cmd.Duration.String())
	c.mu.Unlock()

	c.kickLoop()
	return nil
}

// emergencyStop is the one path that cannot wait for the loop: the
// valves are closed inside this call, which also discards any queued
// intents so nothing reopens them.
func (c *Core) emergencyStop() {
	var p pending
	c.mu.Lock()
	c.lockdownLocked("remote", c.lastReading, c.now(), &p)
	c.mu.Unlock()
	c.flush(p)
	c.kickLoop()
}
