package offline

import (
	"testing"
	"time"

	"github.com/tbertani/soilguard/internal/model"
)

func TestDryingTrajectoryEscalatesThroughLevels(t *testing.T) {
	e := New(DefaultConfig(), nil)

	steps := []struct {
		soil float32
		want model.OfflineLevel
	}{
		{46, model.LevelNormal},
		{44, model.LevelNormal}, // within hysteresis of the Warning floor
		{43, model.LevelWarning},
		{31, model.LevelCritical},
		{27, model.LevelEmergency},
	}
	for _, s := range steps {
		d := e.Evaluate(s.soil)
		if d.Level != s.want {
			t.Fatalf("soil %.1f: expected level %s, got %s (reason %s)", s.soil, s.want, d.Level, d.Reason)
		}
	}
}

func TestEscalationRequiresCrossingByHysteresis(t *testing.T) {
	e := New(DefaultConfig(), nil)

	if d := e.Evaluate(44.5); d.Level != model.LevelNormal {
		t.Fatalf("expected Normal at 44.5 (inside hysteresis band), got %s", d.Level)
	}
	if d := e.Evaluate(43.1); d.Level != model.LevelNormal {
		t.Fatalf("expected Normal at 43.1, got %s", d.Level)
	}
	if d := e.Evaluate(43.0); d.Level != model.LevelWarning {
		t.Fatalf("expected Warning at exactly floor-hysteresis, got %s", d.Level)
	}
}

func TestDeEscalationIsImmediate(t *testing.T) {
	e := New(DefaultConfig(), nil)
	e.Evaluate(25) // straight to Emergency
	if e.Level() != model.LevelEmergency {
		t.Fatalf("setup failed: expected Emergency, got %s", e.Level())
	}

	if d := e.Evaluate(30); d.Level != model.LevelCritical {
		t.Fatalf("expected immediate de-escalation to Critical at 30, got %s", d.Level)
	}
	if d := e.Evaluate(40); d.Level != model.LevelWarning {
		t.Fatalf("expected Warning at 40, got %s", d.Level)
	}
	if d := e.Evaluate(45); d.Level != model.LevelNormal {
		t.Fatalf("expected Normal at 45, got %s", d.Level)
	}
}

func TestOscillationInsideBandDoesNotFlap(t *testing.T) {
	e := New(DefaultConfig(), nil)

	// Noise around the Normal/Warning boundary, amplitude below the
	// hysteresis margin.
	for i := 0; i < 20; i++ {
		soil := float32(44.2)
		if i%2 == 1 {
			soil = 45.8
		}
		e.Evaluate(soil)
	}
	if e.Level() != model.LevelNormal {
		t.Fatalf("expected level pinned at Normal, got %s", e.Level())
	}
	if e.Changes() != 0 {
		t.Fatalf("expected 0 level changes under in-band oscillation, got %d", e.Changes())
	}
}

func TestMultiLevelJumpInOneEvaluation(t *testing.T) {
	e := New(DefaultConfig(), nil)
	d := e.Evaluate(20)
	if d.Level != model.LevelEmergency {
		t.Fatalf("expected direct jump to Emergency at 20, got %s", d.Level)
	}
	if e.Changes() != 1 {
		t.Fatalf("a multi-level jump is one transition, got %d", e.Changes())
	}
}

func TestIntervalTracksLevel(t *testing.T) {
	e := New(DefaultConfig(), nil)

	cases := []struct {
		soil float32
		want time.Duration
	}{
		{60, 2 * time.Hour},
		{42, time.Hour},
		{35, 30 * time.Minute},
		{20, 15 * time.Minute},
	}
	for _, c := range cases {
		d := e.Evaluate(c.soil)
		if d.Interval != c.want {
			t.Fatalf("soil %.0f: expected interval %s, got %s", c.soil, c.want, d.Interval)
		}
	}
}

func TestInvalidInputIsMidpointWithWarning(t *testing.T) {
	// Garbage must act like 50%, which de-escalates to Normal rather
	// than crashing or holding a stale emergency cadence.
	for _, bad := range []float32{-5, 140, model.Sentinel()} {
		e := New(DefaultConfig(), nil)
		e.Evaluate(20)
		d := e.Evaluate(bad)
		if d.Level != model.LevelNormal {
			t.Fatalf("invalid input %v: expected Normal (50%% substitute), got %s", bad, d.Level)
		}
		if e.InvalidInputs() != 1 {
			t.Fatalf("invalid input %v not counted", bad)
		}
	}
}

func TestChangeCountOverFullCycle(t *testing.T) {
	e := New(DefaultConfig(), nil)
	for _, soil := range []float32{46, 42.5, 37.5, 27.5, 46} {
		e.Evaluate(soil)
	}
	// Normal -> Warning -> Critical -> Emergency -> Normal.
	if e.Changes() != 4 {
		t.Fatalf("expected 4 transitions over the full cycle, got %d", e.Changes())
	}
}
