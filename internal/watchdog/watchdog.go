// Package watchdog is the safety net under the control loop. It owns the
// timer anchors for the running session, the open valve and the remote
// override window, and derives alert flags from a snapshot of inputs.
// The thresholds are compile-time constants: configuration may tighten
// the override window but can never widen any limit.
package watchdog

import (
	"sync"
	"time"

	"github.com/tbertani/soilguard/internal/model"
)

// Hard limits. Changing these is a firmware change, not a config change.
const (
	// SessionMax is the absolute ceiling on a single watering session.
	SessionMax = 120 * time.Minute
	// ValveOpenWarn flags a valve open suspiciously long. Advisory only.
	ValveOpenWarn = 40 * time.Minute
	// RemoteOverrideIdleMax expires a remote override that has gone quiet.
	RemoteOverrideIdleMax = 30 * time.Minute
	// TemperatureCriticalC stops irrigation outright.
	TemperatureCriticalC float32 = 40
	// OverMoisturePct is the soil saturation backstop on the average.
	OverMoisturePct float32 = 80
)

// Stats counts checks and raised alerts since boot.
type Stats struct {
	Checks                 uint64
	SessionTimeouts        uint64
	ValveTimeouts          uint64
	RemoteOverrideTimeouts uint64
	TemperatureCriticals   uint64
	OverMoistures          uint64
}

// Watchdog holds the timer anchors and statistics. Check itself is pure
// over its inputs and the constants; the anchors only feed the elapsed
// accessors that callers use to build those inputs.
type Watchdog struct {
	mu        sync.Mutex
	now       func() time.Time
	idleLimit time.Duration

	sessionStart time.Time
	valveOpenAt  time.Time
	lastRemote   time.Time

	stats Stats
}

// New builds a Watchdog. now may be nil to use the wall clock; tests
// inject a fake.
func New(now func() time.Time) *Watchdog {
	if now == nil {
		now = time.Now
	}
	return &Watchdog{now: now, idleLimit: RemoteOverrideIdleMax}
}

// SetRemoteIdleLimit tightens the remote override idle window. Values
// outside (0, RemoteOverrideIdleMax] are ignored.
func (w *Watchdog) SetRemoteIdleLimit(d time.Duration) {
	if d <= 0 || d > RemoteOverrideIdleMax {
		return
	}
	w.mu.Lock()
	w.idleLimit = d
	w.mu.Unlock()
}

// ResetSessionTimer anchors the session timer at now.
func (w *Watchdog) ResetSessionTimer() { w.stamp(&w.sessionStart) }

// ClearSessionTimer drops the session anchor; SessionElapsed returns 0.
func (w *Watchdog) ClearSessionTimer() { w.clear(&w.sessionStart) }

// ResetValveTimer anchors the valve-open timer at now.
func (w *Watchdog) ResetValveTimer() { w.stamp(&w.valveOpenAt) }

// ClearValveTimer drops the valve anchor.
func (w *Watchdog) ClearValveTimer() { w.clear(&w.valveOpenAt) }

// ResetRemoteOverrideTimer marks remote activity at now.
func (w *Watchdog) ResetRemoteOverrideTimer() { w.stamp(&w.lastRemote) }

// ClearRemoteOverrideTimer ends the override window.
func (w *Watchdog) ClearRemoteOverrideTimer() { w.clear(&w.lastRemote) }

func (w *Watchdog) stamp(anchor *time.Time) {
	w.mu.Lock()
	*anchor = w.now()
	w.mu.Unlock()
}

func (w *Watchdog) clear(anchor *time.Time) {
	w.mu.Lock()
	*anchor = time.Time{}
	w.mu.Unlock()
}

// SessionElapsed returns time since the session anchor, 0 when cleared.
func (w *Watchdog) SessionElapsed() time.Duration { return w.since(&w.sessionStart) }

// ValveElapsed returns time since the valve anchor, 0 when cleared.
func (w *Watchdog) ValveElapsed() time.Duration { return w.since(&w.valveOpenAt) }

// RemoteIdle returns time since the last remote activity, 0 when no
// override window is open.
func (w *Watchdog) RemoteIdle() time.Duration { return w.since(&w.lastRemote) }

func (w *Watchdog) since(anchor *time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if anchor.IsZero() {
		return 0
	}
	d := w.now().Sub(*anchor)
	if d < 0 {
		return 0
	}
	return d
}

// Check derives the alert bitset for one tick. Comparisons are inclusive:
// hitting a limit exactly already raises the alert. Alerts are never
// cached; callers must consume them in the same tick.
func (w *Watchdog) Check(in model.WatchdogInputs) model.Alert {
	w.mu.Lock()
	idleLimit := w.idleLimit
	w.mu.Unlock()

	var a model.Alert
	if in.SessionElapsed >= SessionMax {
		a |= model.AlertSessionTimeout
	}
	if in.ValveElapsed >= ValveOpenWarn {
		a |= model.AlertValveTimeout
	}
	if in.RemoteIdle >= idleLimit && in.RemoteIdle > 0 {
		a |= model.AlertRemoteOverrideTimeout
	}
	if !model.IsSentinel(in.Temperature) && in.Temperature >= TemperatureCriticalC {
		a |= model.AlertTemperatureCritical
	}
	if !model.IsSentinel(in.SoilAvg) && in.SoilAvg >= OverMoisturePct {
		a |= model.AlertOverMoisture
	}
	if in.Rain {
		a |= model.AlertRainDetected
	}

	w.mu.Lock()
	w.stats.Checks++
	if a.Has(model.AlertSessionTimeout) {
		w.stats.SessionTimeouts++
	}
	if a.Has(model.AlertValveTimeout) {
		w.stats.ValveTimeouts++
	}
	if a.Has(model.AlertRemoteOverrideTimeout) {
		w.stats.RemoteOverrideTimeouts++
	}
	if a.Has(model.AlertTemperatureCritical) {
		w.stats.TemperatureCriticals++
	}
	if a.Has(model.AlertOverMoisture) {
		w.stats.OverMoistures++
	}
	w.mu.Unlock()

	return a
}

// Stats returns a copy of the counters.
func (w *Watchdog) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
