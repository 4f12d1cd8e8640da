// Package valve is the only path to the irrigation outputs. The actuator
// keeps a shadow of every valve and changes shadow and hardware together
// under one mutex, so the rest of the controller can trust the shadow
// between hardware read-backs.
package valve

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tbertani/soilguard/internal/model"
)

var (
	// ErrUnknownValve rejects an id outside the configured set. State is
	// left untouched.
	ErrUnknownValve = errors.New("unknown valve id")
	// ErrNotInitialized rejects use before Init.
	ErrNotInitialized = errors.New("actuator not initialized")
	// ErrActuator wraps a hardware write failure.
	ErrActuator = errors.New("actuator fault")
	// ErrMirrorMismatch reports a shadow that disagrees with the hardware.
	ErrMirrorMismatch = errors.New("valve mirror mismatch")
)

// Driver is the hardware behind the actuator.
type Driver interface {
	// Init configures the outputs with safe pull-downs and drives every
	// valve closed.
	Init(ids []model.ValveID) error
	// Write drives one valve.
	Write(id model.ValveID, open bool) error
	// Read returns the current hardware level of one valve.
	Read(id model.ValveID) (bool, error)
	// Close releases the hardware.
	Close() error
}

// Actuator owns the valves.
type Actuator struct {
	mu  sync.Mutex
	drv Driver
	log *zap.SugaredLogger
	now func() time.Time

	ids         []model.ValveID
	states      map[model.ValveID]model.ValveState
	initialized bool

	emergencyCloses uint64
	writeFaults     uint64
}

// New builds an actuator over drv for the given valves. now may be nil.
func New(drv Driver, ids []model.ValveID, log *zap.SugaredLogger, now func() time.Time) *Actuator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if now == nil {
		now = time.Now
	}
	return &Actuator{
		drv:    drv,
		log:    log,
		now:    now,
		ids:    append([]model.ValveID(nil), ids...),
		states: make(map[model.ValveID]model.ValveState, len(ids)),
	}
}

// Init configures the hardware and forces every valve Closed. Nothing may
// observe the actuator before Init returns.
func (a *Actuator) Init() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.drv.Init(a.ids); err != nil {
		return fmt.Errorf("%w: init: %v", ErrActuator, err)
	}
	now := a.now()
	for _, id := range a.ids {
		if err := a.drv.Write(id, false); err != nil {
			return fmt.Errorf("%w: force close %s: %v", ErrActuator, id, err)
		}
		a.states[id] = model.ValveState{Position: model.ValveClosed, ChangedAt: now}
	}
	a.initialized = true
	a.log.Infow("valves initialized", "count", len(a.ids))
	return nil
}

// Open drives a valve open. Opening an open valve is a no-op.
func (a *Actuator) Open(id model.ValveID) error { return a.set(id, model.ValveOpen) }

// Close drives a valve closed. Closing a closed valve is a no-op.
func (a *Actuator) Close(id model.ValveID) error { return a.set(id, model.ValveClosed) }

func (a *Actuator) set(id model.ValveID, pos model.ValvePosition) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized {
		return ErrNotInitialized
	}
	st, ok := a.states[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownValve, id)
	}
	if st.Position == pos {
		return nil
	}
	if err := a.drv.Write(id, pos == model.ValveOpen); err != nil {
		a.writeFaults++
		return fmt.Errorf("%w: %s %s: %v", ErrActuator, pos, id, err)
	}
	a.states[id] = model.ValveState{Position: pos, ChangedAt: a.now()}
	a.log.Infow("valve moved", "valve", id.String(), "position", pos.String())
	return nil
}

// IsOpen reports the shadow position of one valve.
func (a *Actuator) IsOpen(id model.ValveID) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownValve, id)
	}
	return st.Position == model.ValveOpen, nil
}

// State returns the shadow of one valve.
func (a *Actuator) State(id model.ValveID) (model.ValveState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[id]
	if !ok {
		return model.ValveState{}, fmt.Errorf("%w: %s", ErrUnknownValve, id)
	}
	return st, nil
}

// EmergencyCloseAll drives every valve closed, no matter what. It never
// returns an error once the actuator is initialized: write failures are
// logged and counted, and the shadow is forced Closed regardless, so the
// controller always converges on "everything closed".
func (a *Actuator) EmergencyCloseAll() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized {
		return
	}
	a.emergencyCloses++
	now := a.now()
	for _, id := range a.ids {
		if err := a.drv.Write(id, false); err != nil {
			a.writeFaults++
			a.log.Errorw("emergency close write failed", "valve", id.String(), "err", err)
		}
		a.states[id] = model.ValveState{Position: model.ValveClosed, ChangedAt: now}
	}
	a.log.Warnw("emergency close all", "count", len(a.ids))
}

// StateBitmask packs the shadow into a bitmask, bit i = valve i open.
func (a *Actuator) StateBitmask() uint8 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var mask uint8
	for _, id := range a.ids {
		if a.states[id].Position == model.ValveOpen {
			mask |= 1 << uint8(id)
		}
	}
	return mask
}

// AnyOpen reports whether any valve is open.
func (a *Actuator) AnyOpen() bool { return a.StateBitmask() != 0 }

// Verify reads back every valve and compares against the shadow. A
// mismatch means something else is driving the pins or the hardware is
// lying; the caller is expected to emergency-close and stop trusting it.
func (a *Actuator) Verify() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized {
		return ErrNotInitialized
	}
	for _, id := range a.ids {
		hw, err := a.drv.Read(id)
		if err != nil {
			return fmt.Errorf("%w: read %s: %v", ErrActuator, id, err)
		}
		want := a.states[id].Position == model.ValveOpen
		if hw != want {
			return fmt.Errorf("%w: %s shadow=%s hardware_open=%v", ErrMirrorMismatch, id, a.states[id].Position, hw)
		}
	}
	return nil
}

// Stats returns counters for the status surface.
func (a *Actuator) Stats() (emergencyCloses, writeFaults uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.emergencyCloses, a.writeFaults
}

// Shutdown closes every valve and releases the driver.
func (a *Actuator) Shutdown() error {
	a.EmergencyCloseAll()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initialized = false
	return a.drv.Close()
}
