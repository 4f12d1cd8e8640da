package core

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tbertani/soilguard/internal/model"
	"github.com/tbertani/soilguard/internal/offline"
)

// Tick runs one evaluator pass and returns how long to wait before the
// next one. Sensor I/O happens before the state mutex is taken; every
// mutation after it is serialized with Submit.
func (c *Core) Tick(ctx context.Context) time.Duration {
	online := c.net.Online()
	reading := c.sensors.ReadAll(ctx)

	var p pending
	c.mu.Lock()
	now := c.now()
	entryState := c.state
	c.stats.Ticks++
	c.lastOnline = online
	c.rollover(now, &p)

	soilAvg, avgOK := reading.SoilAvg()
	soilMax, maxOK := reading.SoilMax()
	if avgOK {
		c.lastSoilAvg = soilAvg
	}
	ladderInput := soilAvg
	if !avgOK {
		ladderInput = model.Sentinel()
	}
	dec := c.ladder.Evaluate(ladderInput)

	alerts := c.guard.Check(model.WatchdogInputs{
		SessionElapsed: c.guard.SessionElapsed(),
		ValveElapsed:   c.guard.ValveElapsed(),
		RemoteIdle:     c.guard.RemoteIdle(),
		Temperature:    reading.Temperature,
		SoilAvg:        ladderInput,
	})

	// The shadow must agree with the hardware at every tick entry. A
	// mismatch is treated like a failed safety sensor.
	if err := c.valves.Verify(); err != nil {
		c.valves.EmergencyCloseAll()
		c.stats.MirrorMismatches++
		if c.session != nil {
			c.closeSessionLocked(now, &p)
		}
		if c.state != model.StateError && c.state != model.StateEmergencyLock {
			c.state = model.StateError
			c.emitLocked(model.EventSensorError, "valve_mirror_mismatch", reading, now)
		}
		c.log.Errorw("valve mirror mismatch", "err", err)
	}

	// Losing the decision-critical sensors forces Error from any state
	// but the latch.
	if c.criticalFault(reading) &&
		c.state != model.StateError && c.state != model.StateEmergencyLock {
		if c.session != nil {
			c.endSession("", "sensor_fault", false, model.StateError, reading, now, &p)
		} else {
			c.state = model.StateError
		}
		c.stats.SensorFaults++
		c.emitLocked(model.EventSensorError, "sensor_fault", reading, now)
		c.log.Errorw("decision-critical sensors failed",
			"failed_soil", reading.FailedSoil(), "ambient", reading.AmbientQuality.String())
	}

	// An idle override hands control back to the loop in any state.
	if c.remoteOverride && alerts.Has(model.AlertRemoteOverrideTimeout) {
		c.remoteOverride = false
		c.guard.ClearRemoteOverrideTimer()
		c.stats.OverrideExpiries++
		c.log.Infow("remote override expired, autonomous control resumed")
	}

	// Queued remote commands, oldest first.
	for _, cmd := range c.drainMailbox() {
		c.applyCommand(cmd, reading, now, &p)
	}

	c.dispatch(reading, soilAvg, avgOK, soilMax, maxOK, alerts, dec, online, entryState, now, &p)

	c.lastReading = reading
	c.lastAlerts = alerts

	next := c.cadence(online, dec)
	c.reportLocked(Report{Snapshot: c.snapshotLocked(now), Reading: reading, Alerts: alerts, Cadence: next})
	c.mu.Unlock()

	c.flush(p)
	return next
}

// criticalFault reports whether the reading is unusable for control: the
// air probe gone, or more than half of the soil probes gone.
func (c *Core) criticalFault(r model.Reading) bool {
	if r.AmbientQuality == model.QualityFailed {
		return true
	}
	return r.FailedSoil() > len(r.Soil)/2
}

func (c *Core) dispatch(reading model.Reading, soilAvg float32, avgOK bool,
	soilMax float32, maxOK bool, alerts model.Alert, dec offline.Decision,
	online bool, entryState model.State, now time.Time, p *pending) {

	switch c.state {
	case model.StateIdle:
		c.tickIdle(reading, soilAvg, avgOK, alerts, dec, online, now, p)
	case model.StateActive:
		c.tickActive(reading, soilAvg, avgOK, soilMax, maxOK, alerts, now, p)
	case model.StateThermalHold:
		if reading.AmbientOK() && reading.Temperature < c.cfg.TempWarn {
			c.state = model.StateIdle
			c.log.Infow("thermal hold released", "temperature", reading.Temperature)
		}
	case model.StateError:
		// Recovery needs a later tick's clean reading, never the one
		// that caused the entry.
		if entryState == model.StateError && !c.criticalFault(reading) {
			c.state = model.StateIdle
			c.log.Infow("sensors recovered, leaving error state",
				"good_soil", reading.GoodSoil(), "ambient", reading.AmbientQuality.String())
		}
	case model.StateEmergencyLock:
		// Latched: force the closed position on every pass.
		c.valves.EmergencyCloseAll()
	}
}

func (c *Core) tickIdle(reading model.Reading, soilAvg float32, avgOK bool,
	alerts model.Alert, dec offline.Decision, online bool, now time.Time, p *pending) {

	if alerts.Has(model.AlertTemperatureCritical) {
		c.state = model.StateThermalHold
		c.emitLocked(model.EventThermalStop, "critical_temperature", reading, now)
		c.log.Warnw("critical temperature while idle", "temperature", reading.Temperature)
		return
	}

	dry := avgOK && soilAvg <= c.cfg.StartBelow
	if !dry || c.remoteOverride {
		c.recommending = false
		return
	}

	if online {
		// Online the cloud decides: record the recommendation and wait
		// for a remote Start to confirm it.
		if !c.recommending {
			c.recommending = true
			c.stats.Recommendations++
			c.log.Infow("irrigation recommended, awaiting remote start",
				"soil_avg", soilAvg, "start_below", c.cfg.StartBelow)
		}
		return
	}
	c.recommending = false

	if dec.Level < model.LevelCritical {
		return
	}
	if rej := c.checkStartLocked(now); rej != nil {
		c.log.Debugw("autonomous start blocked", "cause", rej.Cause)
		return
	}
	c.startSession(model.ReasonOfflineEscalation, c.cfg.DefaultDuration, reading, soilAvg, avgOK, now, p)
}

// tickActive evaluates the stop conditions in priority order; the first
// match wins and the rest are not consulted.
func (c *Core) tickActive(reading model.Reading, soilAvg float32, avgOK bool,
	soilMax float32, maxOK bool, alerts model.Alert, now time.Time, p *pending) {

	elapsed := c.session.Elapsed(now)
	switch {
	case maxOK && soilMax >= c.cfg.DangerAbove:
		c.log.Warnw("over-moisture, emergency close",
			"soil_max", soilMax, "danger_above", c.cfg.DangerAbove)
		c.endSession(model.EventOverMoisture, "danger_above", true, model.StateIdle, reading, now, p)
	case alerts.Has(model.AlertTemperatureCritical):
		c.log.Warnw("critical temperature, entering thermal hold", "temperature", reading.Temperature)
		c.endSession(model.EventThermalStop, "critical_temperature", false, model.StateThermalHold, reading, now, p)
	case alerts.Has(model.AlertSessionTimeout):
		c.endSession(model.EventIrrigationOff, "timeout", false, model.StateIdle, reading, now, p)
	case elapsed >= c.session.MaxDuration:
		c.endSession(model.EventIrrigationOff, "duration", false, model.StateIdle, reading, now, p)
	case c.dayUsed+elapsed >= c.cfg.MaxDaily:
		c.endSession(model.EventIrrigationOff, "daily_budget", false, model.StateIdle, reading, now, p)
	case alerts.Has(model.AlertOverMoisture):
		c.log.Warnw("soil average saturated", "soil_avg", soilAvg)
		c.endSession(model.EventIrrigationOff, "saturated", false, model.StateIdle, reading, now, p)
	case avgOK && soilAvg >= c.cfg.StopAbove:
		c.endSession(model.EventIrrigationOff, "target", false, model.StateIdle, reading, now, p)
	default:
		if alerts.Has(model.AlertValveTimeout) {
			c.stats.ValveAdvisories++
			c.log.Warnw("valve open past advisory limit, continuing",
				"valve_open", c.guard.ValveElapsed().String())
		}
	}
}

// cadence picks the wait until the next tick. Online runs at the fixed
// tick; offline follows the ladder, except that abnormal states poll at
// the fastest offline cadence and an active session is never evaluated
// slower than the online tick.
func (c *Core) cadence(online bool, dec offline.Decision) time.Duration {
	next := dec.Interval
	if online {
		next = c.cfg.OnlineTick
	} else {
		switch c.state {
		case model.StateError, model.StateThermalHold, model.StateEmergencyLock:
			next = c.ladder.Interval(model.LevelEmergency)
		}
	}
	if c.state == model.StateActive && next > c.cfg.OnlineTick {
		next = c.cfg.OnlineTick
	}
	if c.startupLeft > 0 {
		c.startupLeft--
		next = c.cfg.OnlineTick
	}
	return next
}

// checkStartLocked enforces the safety preconditions common to remote
// and autonomous starts. nil means the start may proceed.
func (c *Core) checkStartLocked(now time.Time) *Rejection {
	switch {
	case c.state == model.StateEmergencyLock:
		return &Rejection{Kind: model.CommandStart, Cause: RejectEmergencyLock}
	case c.state != model.StateIdle:
		return &Rejection{Kind: model.CommandStart, Cause: RejectNotIdle}
	case now.Before(c.lastSessionEnd.Add(c.cfg.MinInterval)):
		return &Rejection{Kind: model.CommandStart, Cause: RejectMinInterval}
	case c.dayUsed >= c.cfg.MaxDaily:
		return &Rejection{Kind: model.CommandStart, Cause: RejectDailyBudget}
	}
	return nil
}

// clampDuration normalizes a requested session length: zero means the
// default, the result stays within [1 min, max session] and never
// exceeds what is left of the daily budget.
func (c *Core) clampDuration(d time.Duration) time.Duration {
	if d <= 0 {
		d = c.cfg.DefaultDuration
	}
	if d < time.Minute {
		d = time.Minute
	}
	if d > c.cfg.MaxSession {
		d = c.cfg.MaxSession
	}
	if rem := c.cfg.MaxDaily - c.dayUsed; d > rem {
		d = rem
	}
	return d
}

func (c *Core) startSession(reason model.SessionReason, want time.Duration,
	reading model.Reading, soilAvg float32, avgOK bool, now time.Time, p *pending) {

	dur := c.clampDuration(want)
	if err := c.valves.Open(c.primary); err != nil {
		c.openFailures++
		c.stats.ActuatorFaults++
		c.log.Errorw("valve open failed", "valve", c.primary.String(),
			"consecutive", c.openFailures, "err", err)
		if c.openFailures >= maxOpenFailures {
			c.lockdownLocked("actuator_fault", reading, now, p)
			return
		}
		c.valves.EmergencyCloseAll()
		c.state = model.StateError
		c.emitLocked(model.EventSensorError, "actuator_fault", reading, now)
		return
	}
	c.openFailures = 0

	soilStart := soilAvg
	if !avgOK {
		soilStart = model.Sentinel()
	}
	c.session = &model.Session{
		ID:          uuid.NewString(),
		Reason:      reason,
		Valve:       c.primary,
		StartedAt:   now,
		MaxDuration: dur,
		SoilAtStart: soilStart,
	}
	c.guard.ResetSessionTimer()
	c.guard.ResetValveTimer()
	c.state = model.StateActive
	c.recommending = false
	c.stats.Starts++
	c.emitLocked(model.EventIrrigationOn, string(reason), reading, now)
	c.log.Infow("session started", "id", c.session.ID, "reason", string(reason),
		"valve", c.primary.String(), "duration", dur.String(), "soil_avg", soilStart)
}

// closeSessionLocked tears the session down and books its runtime. The
// valve itself must already be closed by the caller.
func (c *Core) closeSessionLocked(now time.Time, p *pending) time.Duration {
	elapsed := c.session.Elapsed(now)
	c.dayUsed += elapsed
	if c.dayUsed > c.cfg.MaxDaily {
		c.dayUsed = c.cfg.MaxDaily
	}
	c.lastSessionEnd = now
	c.session = nil
	c.guard.ClearSessionTimer()
	c.guard.ClearValveTimer()
	c.stats.Stops++
	p.daily, p.day, p.used = true, c.day, c.dayUsed
	p.lastEnd = &now
	return elapsed
}

// endSession closes the valve, books the session and moves to next. An
// empty event type suppresses the notification for paths that emit
// their own.
func (c *Core) endSession(evt model.EventType, reason string, emergency bool,
	next model.State, reading model.Reading, now time.Time, p *pending) {

	s := *c.session
	if emergency {
		c.valves.EmergencyCloseAll()
	} else if err := c.valves.Close(s.Valve); err != nil {
		c.log.Errorw("valve close failed, forcing emergency close",
			"valve", s.Valve.String(), "err", err)
		c.valves.EmergencyCloseAll()
	}
	elapsed := c.closeSessionLocked(now, p)
	c.state = next
	if evt != "" {
		c.emitLocked(evt, reason, reading, now)
	}
	c.log.Infow("session ended", "id", s.ID, "reason", reason,
		"elapsed", elapsed.String(), "day_used", c.dayUsed.String())
}

// lockdownLocked latches EmergencyLock: everything closes, every timer
// and queued intent is discarded, and the latch is persisted so a
// reboot cannot clear it.
func (c *Core) lockdownLocked(reason string, reading model.Reading, now time.Time, p *pending) {
	c.valves.EmergencyCloseAll()
	if c.session != nil {
		c.closeSessionLocked(now, p)
	}
	c.remoteOverride = false
	c.recommending = false
	c.guard.ClearSessionTimer()
	c.guard.ClearValveTimer()
	c.guard.ClearRemoteOverrideTimer()
	for k := range c.mailbox {
		delete(c.mailbox, k)
	}
	c.state = model.StateEmergencyLock
	c.stats.EmergencyStops++
	lock := true
	p.lock = &lock
	c.emitLocked(model.EventEmergencyStop, reason, reading, now)
	c.log.Errorw("emergency lock latched", "reason", reason)
}

func (c *Core) drainMailbox() []model.Command {
	if len(c.mailbox) == 0 {
		return nil
	}
	out := make([]model.Command, 0, len(c.mailbox))
	for k, cmd := range c.mailbox {
		out = append(out, cmd)
		delete(c.mailbox, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

func (c *Core) applyCommand(cmd model.Command, reading model.Reading, now time.Time, p *pending) {
	switch cmd.Kind {
	case model.CommandStop:
		c.remoteOverride = false
		c.guard.ClearRemoteOverrideTimer()
		switch c.state {
		case model.StateActive:
			c.endSession(model.EventIrrigationOff, "operator", false, model.StateIdle, reading, now, p)
		case model.StateEmergencyLock:
			c.state = model.StateIdle
			unlock := false
			p.lock = &unlock
			c.log.Warnw("emergency lock cleared by operator stop")
		default:
			c.log.Infow("stop with no session, override cleared")
		}
	case model.CommandStart:
		// Conditions may have changed since Submit accepted it.
		if rej := c.checkStartLocked(now); rej != nil {
			c.stats.RejectedStarts++
			c.log.Warnw("queued start no longer allowed", "cause", rej.Cause)
			return
		}
		soilAvg, avgOK := reading.SoilAvg()
		c.startSession(model.ReasonRemoteStart, cmd.Duration, reading, soilAvg, avgOK, now, p)
		if c.state == model.StateActive {
			c.remoteOverride = true
			c.guard.ResetRemoteOverrideTimer()
		}
	}
}
