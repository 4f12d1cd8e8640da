package valve

import (
	"errors"
	"testing"
	"time"

	"github.com/tbertani/soilguard/internal/driver"
	"github.com/tbertani/soilguard/internal/model"
)

var testIDs = []model.ValveID{0, 1}

func newActuator(t *testing.T) (*Actuator, *driver.MemoryValves) {
	t.Helper()
	drv := driver.NewMemoryValves()
	a := New(drv, testIDs, nil, nil)
	if err := a.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return a, drv
}

func TestInitForcesEverythingClosed(t *testing.T) {
	a, drv := newActuator(t)
	for _, id := range testIDs {
		open, err := a.IsOpen(id)
		if err != nil {
			t.Fatalf("is_open %s: %v", id, err)
		}
		if open || drv.IsOpen(id) {
			t.Fatalf("%s not closed after init (shadow=%v pin=%v)", id, open, drv.IsOpen(id))
		}
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	a, drv := newActuator(t)

	if err := a.Open(0); err != nil {
		t.Fatalf("open: %v", err)
	}
	writesAfterFirst := drv.Writes()
	if err := a.Open(0); err != nil {
		t.Fatalf("second open: %v", err)
	}
	if drv.Writes() != writesAfterFirst {
		t.Fatalf("second open reached the hardware: %d -> %d writes", writesAfterFirst, drv.Writes())
	}
	if open, _ := a.IsOpen(0); !open {
		t.Fatalf("valve0 should be open")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	a, drv := newActuator(t)
	if err := a.Open(0); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := a.Close(0); err != nil {
		t.Fatalf("close: %v", err)
	}
	writes := drv.Writes()
	if err := a.Close(0); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if drv.Writes() != writes {
		t.Fatalf("second close reached the hardware")
	}
}

func TestUnknownValveLeavesStateUntouched(t *testing.T) {
	a, _ := newActuator(t)
	if err := a.Open(7); !errors.Is(err, ErrUnknownValve) {
		t.Fatalf("expected ErrUnknownValve, got %v", err)
	}
	if mask := a.StateBitmask(); mask != 0 {
		t.Fatalf("state changed by rejected open: bitmask=%08b", mask)
	}
	if _, err := a.IsOpen(7); !errors.Is(err, ErrUnknownValve) {
		t.Fatalf("expected ErrUnknownValve from IsOpen, got %v", err)
	}
}

func TestUseBeforeInitIsRejected(t *testing.T) {
	a := New(driver.NewMemoryValves(), testIDs, nil, nil)
	if err := a.Open(0); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestDriverFaultSurfacesAsActuatorError(t *testing.T) {
	drv := driver.NewMemoryValves()
	a := New(drv, testIDs, nil, nil)
	if err := a.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	drv.WriteErr = errors.New("relay stuck")
	err := a.Open(0)
	if !errors.Is(err, ErrActuator) {
		t.Fatalf("expected ErrActuator, got %v", err)
	}
	if open, _ := a.IsOpen(0); open {
		t.Fatalf("shadow must not claim open after a failed write")
	}
}

func TestEmergencyCloseAllConverges(t *testing.T) {
	a, drv := newActuator(t)
	if err := a.Open(0); err != nil {
		t.Fatalf("open 0: %v", err)
	}
	if err := a.Open(1); err != nil {
		t.Fatalf("open 1: %v", err)
	}

	a.EmergencyCloseAll()

	if mask := a.StateBitmask(); mask != 0 {
		t.Fatalf("bitmask %08b after emergency close", mask)
	}
	for _, id := range testIDs {
		if drv.IsOpen(id) {
			t.Fatalf("%s pin still high after emergency close", id)
		}
	}
	closes, _ := a.Stats()
	if closes != 1 {
		t.Fatalf("expected 1 emergency close recorded, got %d", closes)
	}
}

func TestEmergencyCloseAllForcesShadowEvenOnWriteFault(t *testing.T) {
	a, drv := newActuator(t)
	if err := a.Open(0); err != nil {
		t.Fatalf("open: %v", err)
	}

	drv.WriteErr = errors.New("bus gone")
	a.EmergencyCloseAll()

	if a.AnyOpen() {
		t.Fatalf("shadow must read all-closed after emergency close, even when writes fail")
	}
	_, faults := a.Stats()
	if faults == 0 {
		t.Fatalf("write fault not counted")
	}
}

func TestStateBitmaskTracksOpenSet(t *testing.T) {
	a, _ := newActuator(t)
	if err := a.Open(1); err != nil {
		t.Fatalf("open: %v", err)
	}
	if mask := a.StateBitmask(); mask != 0b10 {
		t.Fatalf("expected bitmask 10, got %08b", mask)
	}
}

func TestVerifyDetectsForeignPinDrive(t *testing.T) {
	a, drv := newActuator(t)
	if err := a.Verify(); err != nil {
		t.Fatalf("verify on agreeing state: %v", err)
	}

	drv.Force(1, true) // someone else drives the pin
	if err := a.Verify(); !errors.Is(err, ErrMirrorMismatch) {
		t.Fatalf("expected ErrMirrorMismatch, got %v", err)
	}
}

func TestTransitionTimestampUsesInjectedClock(t *testing.T) {
	drv := driver.NewMemoryValves()
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	a := New(drv, testIDs, nil, func() time.Time { return at })
	if err := a.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := a.Open(0); err != nil {
		t.Fatalf("open: %v", err)
	}
	st, err := a.State(0)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if !st.ChangedAt.Equal(at) || st.Position != model.ValveOpen {
		t.Fatalf("unexpected state %+v", st)
	}
}
