// Package offline implements the adaptive cadence ladder used while the
// broker is unreachable. Soil moisture maps to one of four severity
// levels, each with its own evaluation interval; escalation is damped by
// a hysteresis margin so a noisy probe cannot make the controller flap,
// while de-escalation is immediate: alarms may be delayed, relief never.
package offline

import (
	"time"

	"go.uber.org/zap"

	"github.com/tbertani/soilguard/internal/model"
)

// Config holds the level floors, the escalation hysteresis and the
// per-level cadence. A level's floor is the soil value at which the level
// above it begins.
type Config struct {
	NormalFloor   float32
	WarningFloor  float32
	CriticalFloor float32
	Hysteresis    float32

	NormalEvery    time.Duration
	WarningEvery   time.Duration
	CriticalEvery  time.Duration
	EmergencyEvery time.Duration
}

// DefaultConfig returns the deployed defaults.
func DefaultConfig() Config {
	return Config{
		NormalFloor:    45,
		WarningFloor:   40,
		CriticalFloor:  30,
		Hysteresis:     2,
		NormalEvery:    2 * time.Hour,
		WarningEvery:   time.Hour,
		CriticalEvery:  30 * time.Minute,
		EmergencyEvery: 15 * time.Minute,
	}
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Level    model.OfflineLevel
	Interval time.Duration
	Reason   string
}

// Evaluator carries the current level across ticks. It is not safe for
// concurrent use; the control loop owns it and republishes the level in
// its own status snapshot.
type Evaluator struct {
	cfg Config
	log *zap.SugaredLogger

	level   model.OfflineLevel
	changes uint64
	invalid uint64
}

// New builds an Evaluator starting at Normal.
func New(cfg Config, log *zap.SugaredLogger) *Evaluator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Evaluator{cfg: cfg, log: log, level: model.LevelNormal}
}

// Evaluate folds one soil average into the ladder and returns the level
// to operate at plus the cadence to wait before the next evaluation.
// Input outside [0,100] (including the sentinel) is substituted with 50%
// and counted; the ladder then runs on the substitute, so sustained
// garbage drifts the level toward Normal, never toward Emergency.
func (e *Evaluator) Evaluate(soilAvg float32) Decision {
	soil := soilAvg
	if model.IsSentinel(soil) || soil < 0 || soil > 100 {
		e.invalid++
		e.log.Warnw("invalid soil average, assuming midpoint", "soil_avg", soilAvg)
		soil = 50
	}

	raw := e.classify(soil)
	next := e.level
	reason := "steady"
	switch {
	case raw > e.level:
		if esc := e.escalated(soil); esc > e.level {
			next = esc
			reason = "escalate"
		} else {
			reason = "hold"
		}
	case raw < e.level:
		next = raw
		reason = "de_escalate"
	}

	if next != e.level {
		e.changes++
		e.log.Infow("offline level change",
			"from", e.level.String(), "to", next.String(), "soil_avg", soil, "reason", reason)
		e.level = next
	}
	return Decision{Level: e.level, Interval: e.Interval(e.level), Reason: reason}
}

// classify maps soil to a level by the plain floors.
func (e *Evaluator) classify(soil float32) model.OfflineLevel {
	switch {
	case soil >= e.cfg.NormalFloor:
		return model.LevelNormal
	case soil >= e.cfg.WarningFloor:
		return model.LevelWarning
	case soil >= e.cfg.CriticalFloor:
		return model.LevelCritical
	default:
		return model.LevelEmergency
	}
}

// escalated maps soil to the most severe level whose entry boundary has
// been crossed by at least the hysteresis margin. The comparison is
// inclusive: crossing by exactly the margin escalates.
func (e *Evaluator) escalated(soil float32) model.OfflineLevel {
	h := e.cfg.Hysteresis
	switch {
	case soil <= e.cfg.CriticalFloor-h:
		return model.LevelEmergency
	case soil <= e.cfg.WarningFloor-h:
		return model.LevelCritical
	case soil <= e.cfg.NormalFloor-h:
		return model.LevelWarning
	default:
		return model.LevelNormal
	}
}

// Interval returns the evaluation cadence for a level.
func (e *Evaluator) Interval(l model.OfflineLevel) time.Duration {
	switch l {
	case model.LevelWarning:
		return e.cfg.WarningEvery
	case model.LevelCritical:
		return e.cfg.CriticalEvery
	case model.LevelEmergency:
		return e.cfg.EmergencyEvery
	default:
		return e.cfg.NormalEvery
	}
}

// Level returns the current level without evaluating.
func (e *Evaluator) Level() model.OfflineLevel { return e.level }

// Changes returns how many level transitions have happened since boot.
func (e *Evaluator) Changes() uint64 { return e.changes }

// InvalidInputs returns how many garbage soil averages were substituted.
func (e *Evaluator) InvalidInputs() uint64 { return e.invalid }
