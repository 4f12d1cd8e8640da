// Package core implements the irrigation control loop: a single periodic
// evaluator that reads the probes, consults the safety watchdog and the
// offline ladder, drives the valve actuator and emits events, plus the
// arbiter entry point that feeds remote commands into it.
//
// All mutable control state (machine state, session, override flag,
// daily runtime) lives on one Core value and changes either inside the
// tick or inside Submit, both serialized by one mutex. The mutex is
// never held across sensor I/O; only GPIO writes, which do not block,
// happen under it.
package core

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tbertani/soilguard/internal/config"
	"github.com/tbertani/soilguard/internal/model"
	"github.com/tbertani/soilguard/internal/offline"
	"github.com/tbertani/soilguard/internal/sensor"
	"github.com/tbertani/soilguard/internal/store"
	"github.com/tbertani/soilguard/internal/valve"
	"github.com/tbertani/soilguard/internal/watchdog"
)

const (
	// connCheckEvery chunks long offline waits so a broker reconnect is
	// noticed promptly instead of after a multi-hour sleep.
	connCheckEvery = 10 * time.Second

	// maxOpenFailures is how many consecutive failed open attempts are
	// tolerated before the controller latches EmergencyLock.
	maxOpenFailures = 2

	dayLayout = "2006-01-02"

	eventBuffer  = 32
	reportBuffer = 8
)

// ConnectivityProbe answers whether the broker link is currently up. The
// MQTT client implements it; tests swap in a scripted value.
type ConnectivityProbe interface {
	Online() bool
}

// Deps are the collaborators the core orchestrates. All of them are
// required except Log and Now.
type Deps struct {
	Sensors *sensor.Manager
	Valves  *valve.Actuator
	Guard   *watchdog.Watchdog
	Ladder  *offline.Evaluator
	Store   *store.Store
	Net     ConnectivityProbe

	Log *zap.SugaredLogger
	Now func() time.Time
}

// Stats are the loop's lifetime counters, exported through Snapshot for
// the metrics and status surfaces.
type Stats struct {
	Ticks            uint64
	Starts           uint64
	Stops            uint64
	EmergencyStops   uint64
	Recommendations  uint64
	RejectedStarts   uint64
	SensorFaults     uint64
	ActuatorFaults   uint64
	MirrorMismatches uint64
	OverrideExpiries uint64
	ValveAdvisories  uint64
	DroppedEvents    uint64
	DroppedReports   uint64
}

// Snapshot is a consistent copy of the loop's externally visible state.
type Snapshot struct {
	State          model.State
	Online         bool
	Level          model.OfflineLevel
	RemoteOverride bool

	ActiveValve    int // -1 when no valve is open
	SessionID      string
	SessionReason  model.SessionReason
	SessionElapsed time.Duration

	LastSoilAvg float32 // sentinel until the first good average
	Day         string
	DayUsed     time.Duration
	StartupLeft int

	Stats Stats
}

// Report is what one tick looked like, pushed to the telemetry layer.
type Report struct {
	Snapshot Snapshot
	Reading  model.Reading
	Alerts   model.Alert
	Cadence  time.Duration
}

// Core is the evaluator. Construct with New, drive with Run (or Tick in
// tests), feed with Submit.
type Core struct {
	cfg     config.ControlConfig
	primary model.ValveID
	log     *zap.SugaredLogger
	now     func() time.Time

	sensors *sensor.Manager
	valves  *valve.Actuator
	guard   *watchdog.Watchdog
	ladder  *offline.Evaluator
	store   *store.Store
	net     ConnectivityProbe

	mu             sync.Mutex
	state          model.State
	session        *model.Session
	remoteOverride bool
	recommending   bool
	mailbox        map[model.CommandKind]model.Command
	openFailures   int
	startupLeft    int
	lastOnline     bool
	lastReading    model.Reading
	lastAlerts     model.Alert
	lastSoilAvg    float32
	day            string
	dayUsed        time.Duration
	lastSessionEnd time.Time
	stats          Stats

	events  chan model.Event
	reports chan Report
	kick    chan struct{}
}

// New wires a Core, forces the valves closed and restores the persisted
// latch, daily runtime and last session end. The returned Core is in
// Idle unless a persisted EmergencyLock says otherwise.
func New(cfg config.ControlConfig, primary model.ValveID, d Deps) (*Core, error) {
	switch {
	case d.Sensors == nil:
		return nil, fmt.Errorf("sensor manager is nil")
	case d.Valves == nil:
		return nil, fmt.Errorf("valve actuator is nil")
	case d.Guard == nil:
		return nil, fmt.Errorf("watchdog is nil")
	case d.Ladder == nil:
		return nil, fmt.Errorf("offline evaluator is nil")
	case d.Store == nil:
		return nil, fmt.Errorf("state store is nil")
	case d.Net == nil:
		return nil, fmt.Errorf("connectivity probe is nil")
	}
	if d.Log == nil {
		d.Log = zap.NewNop().Sugar()
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	// Valves must be observably Closed before anything else runs.
	if err := d.Valves.Init(); err != nil {
		return nil, fmt.Errorf("valve init: %w", err)
	}
	d.Guard.SetRemoteIdleLimit(cfg.RemoteOverrideIdle)

	c := &Core{
		cfg:         cfg,
		primary:     primary,
		log:         d.Log,
		now:         d.Now,
		sensors:     d.Sensors,
		valves:      d.Valves,
		guard:       d.Guard,
		ladder:      d.Ladder,
		store:       d.Store,
		net:         d.Net,
		state:       model.StateIdle,
		mailbox:     make(map[model.CommandKind]model.Command),
		startupLeft: cfg.StartupTicks,
		lastSoilAvg: model.Sentinel(),
		lastReading: model.Reading{Temperature: model.Sentinel(), Humidity: model.Sentinel()},
		events:      make(chan model.Event, eventBuffer),
		reports:     make(chan Report, reportBuffer),
		kick:        make(chan struct{}, 1),
	}

	if locked, err := d.Store.EmergencyLock(); err != nil {
		d.Log.Warnw("cannot read persisted lock flag", "err", err)
	} else if locked {
		c.state = model.StateEmergencyLock
		d.Log.Warnw("resuming in emergency lock, awaiting operator stop")
	}
	if day, used, err := d.Store.DailyRuntime(); err != nil {
		d.Log.Warnw("cannot read persisted daily runtime", "err", err)
	} else {
		c.day, c.dayUsed = day, used
	}
	if end, ok, err := d.Store.LastSessionEnd(); err != nil {
		d.Log.Warnw("cannot read persisted session end", "err", err)
	} else if ok {
		c.lastSessionEnd = end
	}
	return c, nil
}

// Events is the outbound notification stream. The channel is buffered;
// when nobody drains it, events are dropped and counted, never blocked on.
func (c *Core) Events() <-chan model.Event { return c.events }

// Reports streams one Report per tick for the telemetry publisher.
func (c *Core) Reports() <-chan Report { return c.reports }

// Snapshot returns a consistent copy of the visible state.
func (c *Core) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(c.now())
}

func (c *Core) snapshotLocked(now time.Time) Snapshot {
	s := Snapshot{
		State:          c.state,
		Online:         c.lastOnline,
		Level:          c.ladder.Level(),
		RemoteOverride: c.remoteOverride,
		ActiveValve:    -1,
		LastSoilAvg:    c.lastSoilAvg,
		Day:            c.day,
		DayUsed:        c.dayUsed,
		StartupLeft:    c.startupLeft,
		Stats:          c.stats,
	}
	if c.session != nil {
		s.ActiveValve = int(c.session.Valve)
		s.SessionID = c.session.ID
		s.SessionReason = c.session.Reason
		s.SessionElapsed = c.session.Elapsed(now)
	}
	return s
}

// LastReading returns the most recent reading the loop has consumed.
func (c *Core) LastReading() model.Reading {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReading
}

// Shutdown force-closes the valves and releases the GPIO driver. The
// store stays open; its owner closes it.
func (c *Core) Shutdown() error {
	return c.valves.Shutdown()
}

func (c *Core) onlineAtLastTick() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOnline
}

// emitLocked queues an event without ever blocking the loop.
func (c *Core) emitLocked(t model.EventType, reason string, r model.Reading, now time.Time) {
	avg, ok := r.SoilAvg()
	if !ok {
		avg = model.Sentinel()
	}
	ev := model.Event{
		Type:        t,
		Reason:      reason,
		At:          now,
		SoilAvg:     avg,
		Humidity:    r.Humidity,
		Temperature: r.Temperature,
	}
	select {
	case c.events <- ev:
	default:
		c.stats.DroppedEvents++
		c.log.Warnw("event dropped, consumer too slow", "event", string(t))
	}
}

func (c *Core) reportLocked(rep Report) {
	select {
	case c.reports <- rep:
	default:
		c.stats.DroppedReports++
	}
}

func (c *Core) kickLoop() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// pending collects store writes decided under the mutex; they are
// flushed after it is released.
type pending struct {
	daily   bool
	day     string
	used    time.Duration
	lastEnd *time.Time
	lock    *bool
}

func (c *Core) flush(p pending) {
	if p.daily {
		if err := c.store.SetDailyRuntime(p.day, p.used); err != nil {
			c.log.Errorw("persist daily runtime failed", "err", err)
		}
	}
	if p.lastEnd != nil {
		if err := c.store.SetLastSessionEnd(*p.lastEnd); err != nil {
			c.log.Errorw("persist session end failed", "err", err)
		}
	}
	if p.lock != nil {
		if err := c.store.SetEmergencyLock(*p.lock); err != nil {
			c.log.Errorw("persist lock flag failed", "err", err)
		}
	}
}

// rollover resets the daily runtime at the first tick of a new local
// day. A wall clock that steps backwards keeps accumulating into the
// newer bucket rather than resetting, so the cap can only under-report.
func (c *Core) rollover(now time.Time, p *pending) {
	day := now.Format(dayLayout)
	if day <= c.day {
		return
	}
	if c.day != "" {
		c.log.Infow("daily runtime rollover", "from", c.day, "to", day,
			"used", c.dayUsed.String())
	}
	c.day = day
	c.dayUsed = 0
	p.daily, p.day, p.used = true, c.day, 0
}
