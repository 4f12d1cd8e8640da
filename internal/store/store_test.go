package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/tbertani/soilguard/internal/model"
)

func open(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSettingsRoundTrip(t *testing.T) {
	s := open(t)

	if err := s.PutString("crop", "tomato"); err != nil {
		t.Fatalf("put string: %v", err)
	}
	if err := s.PutInt("soil_count", 3); err != nil {
		t.Fatalf("put int: %v", err)
	}
	if err := s.PutFloat("stop_above", 50.5); err != nil {
		t.Fatalf("put float: %v", err)
	}

	if v, ok, err := s.GetString("crop"); err != nil || !ok || v != "tomato" {
		t.Fatalf("string round-trip: %q %v %v", v, ok, err)
	}
	if v, ok, err := s.GetInt("soil_count"); err != nil || !ok || v != 3 {
		t.Fatalf("int round-trip: %d %v %v", v, ok, err)
	}
	if v, ok, err := s.GetFloat("stop_above"); err != nil || !ok || v != 50.5 {
		t.Fatalf("float round-trip: %v %v %v", v, ok, err)
	}
}

func TestMissingKeysReportAbsent(t *testing.T) {
	s := open(t)
	if _, ok, err := s.GetString("nope"); err != nil || ok {
		t.Fatalf("expected absent key, got ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.LastSessionEnd(); err != nil || ok {
		t.Fatalf("expected no last session end, got ok=%v err=%v", ok, err)
	}
	if locked, err := s.EmergencyLock(); err != nil || locked {
		t.Fatalf("fresh store must be unlocked, got locked=%v err=%v", locked, err)
	}
}

func TestDailyRuntimePairIsAtomic(t *testing.T) {
	s := open(t)

	day, used, err := s.DailyRuntime()
	if err != nil || day != "" || used != 0 {
		t.Fatalf("fresh store: day=%q used=%s err=%v", day, used, err)
	}

	if err := s.SetDailyRuntime("2024-06-01", 42*time.Minute); err != nil {
		t.Fatalf("set daily runtime: %v", err)
	}
	day, used, err = s.DailyRuntime()
	if err != nil {
		t.Fatalf("daily runtime: %v", err)
	}
	if day != "2024-06-01" || used != 42*time.Minute {
		t.Fatalf("expected 2024-06-01/42m, got %s/%s", day, used)
	}
}

func TestLastSessionEndKeepsWallTime(t *testing.T) {
	s := open(t)
	end := time.Date(2024, 6, 1, 17, 30, 0, 0, time.UTC)
	if err := s.SetLastSessionEnd(end); err != nil {
		t.Fatalf("set last session end: %v", err)
	}
	got, ok, err := s.LastSessionEnd()
	if err != nil || !ok {
		t.Fatalf("last session end: ok=%v err=%v", ok, err)
	}
	if !got.Equal(end) {
		t.Fatalf("expected %s, got %s", end, got)
	}
}

func TestEmergencyLockLatch(t *testing.T) {
	s := open(t)
	if err := s.SetEmergencyLock(true); err != nil {
		t.Fatalf("latch: %v", err)
	}
	if locked, _ := s.EmergencyLock(); !locked {
		t.Fatalf("latch did not persist")
	}
	if err := s.SetEmergencyLock(false); err != nil {
		t.Fatalf("unlatch: %v", err)
	}
	if locked, _ := s.EmergencyLock(); locked {
		t.Fatalf("unlatch did not persist")
	}
}

func TestCalibrationPerProbe(t *testing.T) {
	s := open(t)

	if _, ok, err := s.Calibration(0); err != nil || ok {
		t.Fatalf("expected no calibration yet, ok=%v err=%v", ok, err)
	}

	cal := model.Calibration{RawDry: 3100, RawWet: 1250, RawMin: 900, RawMax: 3500}
	if err := s.SetCalibration(0, cal); err != nil {
		t.Fatalf("set calibration: %v", err)
	}
	got, ok, err := s.Calibration(0)
	if err != nil || !ok {
		t.Fatalf("calibration: ok=%v err=%v", ok, err)
	}
	if got != cal {
		t.Fatalf("expected %+v, got %+v", cal, got)
	}

	// A different probe is untouched.
	if _, ok, _ := s.Calibration(1); ok {
		t.Fatalf("probe 1 must not inherit probe 0 calibration")
	}
}

func TestSetCalibrationRejectsBrokenMapping(t *testing.T) {
	s := open(t)
	bad := model.Calibration{RawDry: 2000, RawWet: 2000, RawMin: 0, RawMax: 4000}
	if err := s.SetCalibration(0, bad); err == nil {
		t.Fatalf("expected rejection for raw_dry == raw_wet")
	}
}
