package watchdog

import (
	"testing"
	"time"

	"github.com/tbertani/soilguard/internal/model"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func TestCheckQuietInputs(t *testing.T) {
	w := New(nil)
	a := w.Check(model.WatchdogInputs{Temperature: 22, SoilAvg: 50})
	if a != 0 {
		t.Fatalf("expected no alerts for quiet inputs, got %s", a)
	}
}

func TestSessionTimeoutInclusiveBoundary(t *testing.T) {
	w := New(nil)
	in := model.WatchdogInputs{SessionElapsed: SessionMax - time.Second, Temperature: 22, SoilAvg: 50}
	if a := w.Check(in); a.Has(model.AlertSessionTimeout) {
		t.Fatalf("session timeout fired below the limit: %s", a)
	}
	in.SessionElapsed = SessionMax
	if a := w.Check(in); !a.Has(model.AlertSessionTimeout) {
		t.Fatalf("session timeout did not fire at exactly %s", SessionMax)
	}
}

func TestValveTimeoutIsRaisedIndependently(t *testing.T) {
	w := New(nil)
	in := model.WatchdogInputs{ValveElapsed: ValveOpenWarn, Temperature: 22, SoilAvg: 50}
	a := w.Check(in)
	if !a.Has(model.AlertValveTimeout) {
		t.Fatalf("valve timeout did not fire at %s", ValveOpenWarn)
	}
	if a.Has(model.AlertSessionTimeout) {
		t.Fatalf("session timeout fired without a session: %s", a)
	}
}

func TestTemperatureCriticalBoundary(t *testing.T) {
	w := New(nil)
	in := model.WatchdogInputs{Temperature: 39.9, SoilAvg: 50}
	if a := w.Check(in); a.Has(model.AlertTemperatureCritical) {
		t.Fatalf("temperature critical fired at 39.9: %s", a)
	}
	in.Temperature = TemperatureCriticalC
	if a := w.Check(in); !a.Has(model.AlertTemperatureCritical) {
		t.Fatalf("temperature critical did not fire at exactly %.1f", TemperatureCriticalC)
	}
}

func TestSentinelTemperatureRaisesNothing(t *testing.T) {
	w := New(nil)
	in := model.WatchdogInputs{Temperature: model.Sentinel(), SoilAvg: model.Sentinel()}
	if a := w.Check(in); a != 0 {
		t.Fatalf("sentinel inputs raised alerts: %s", a)
	}
}

func TestOverMoistureBoundary(t *testing.T) {
	w := New(nil)
	in := model.WatchdogInputs{Temperature: 22, SoilAvg: 79.9}
	if a := w.Check(in); a.Has(model.AlertOverMoisture) {
		t.Fatalf("over-moisture fired at 79.9: %s", a)
	}
	in.SoilAvg = OverMoisturePct
	if a := w.Check(in); !a.Has(model.AlertOverMoisture) {
		t.Fatalf("over-moisture did not fire at exactly %.0f", OverMoisturePct)
	}
}

func TestRemoteIdleZeroNeverFires(t *testing.T) {
	w := New(nil)
	in := model.WatchdogInputs{Temperature: 22, SoilAvg: 50, RemoteIdle: 0}
	if a := w.Check(in); a.Has(model.AlertRemoteOverrideTimeout) {
		t.Fatalf("override timeout fired with no override window open")
	}
	in.RemoteIdle = RemoteOverrideIdleMax
	if a := w.Check(in); !a.Has(model.AlertRemoteOverrideTimeout) {
		t.Fatalf("override timeout did not fire at %s", RemoteOverrideIdleMax)
	}
}

func TestRainReservedFlag(t *testing.T) {
	w := New(nil)
	a := w.Check(model.WatchdogInputs{Temperature: 22, SoilAvg: 50, Rain: true})
	if !a.Has(model.AlertRainDetected) {
		t.Fatalf("rain flag not reflected in alerts: %s", a)
	}
}

func TestTimersFollowInjectedClock(t *testing.T) {
	clk := newFakeClock()
	w := New(clk.now)

	if d := w.SessionElapsed(); d != 0 {
		t.Fatalf("expected 0 session elapsed before reset, got %s", d)
	}
	w.ResetSessionTimer()
	w.ResetValveTimer()
	clk.advance(10 * time.Minute)
	if d := w.SessionElapsed(); d != 10*time.Minute {
		t.Fatalf("expected 10m session elapsed, got %s", d)
	}
	if d := w.ValveElapsed(); d != 10*time.Minute {
		t.Fatalf("expected 10m valve elapsed, got %s", d)
	}

	w.ClearSessionTimer()
	w.ClearValveTimer()
	if d := w.SessionElapsed(); d != 0 {
		t.Fatalf("expected 0 after clear, got %s", d)
	}
}

func TestRemoteOverrideTimerLifecycle(t *testing.T) {
	clk := newFakeClock()
	w := New(clk.now)

	w.ResetRemoteOverrideTimer()
	clk.advance(29 * time.Minute)
	in := model.WatchdogInputs{Temperature: 22, SoilAvg: 50, RemoteIdle: w.RemoteIdle()}
	if a := w.Check(in); a.Has(model.AlertRemoteOverrideTimeout) {
		t.Fatalf("override timeout fired at 29m idle")
	}

	clk.advance(time.Minute)
	in.RemoteIdle = w.RemoteIdle()
	if a := w.Check(in); !a.Has(model.AlertRemoteOverrideTimeout) {
		t.Fatalf("override timeout did not fire at 30m idle")
	}

	w.ClearRemoteOverrideTimer()
	if d := w.RemoteIdle(); d != 0 {
		t.Fatalf("expected 0 idle after clear, got %s", d)
	}
}

func TestSetRemoteIdleLimitOnlyTightens(t *testing.T) {
	w := New(nil)
	w.SetRemoteIdleLimit(10 * time.Minute)
	in := model.WatchdogInputs{Temperature: 22, SoilAvg: 50, RemoteIdle: 10 * time.Minute}
	if a := w.Check(in); !a.Has(model.AlertRemoteOverrideTimeout) {
		t.Fatalf("tightened idle limit not applied")
	}

	w.SetRemoteIdleLimit(2 * RemoteOverrideIdleMax)
	in.RemoteIdle = 10 * time.Minute
	if a := w.Check(in); !a.Has(model.AlertRemoteOverrideTimeout) {
		t.Fatalf("widening the idle limit must be ignored")
	}
}

func TestCheckHasNoSideEffectsBeyondStats(t *testing.T) {
	w := New(nil)
	in := model.WatchdogInputs{SessionElapsed: SessionMax, Temperature: TemperatureCriticalC, SoilAvg: 50}
	first := w.Check(in)
	second := w.Check(in)
	if first != second {
		t.Fatalf("same inputs produced different alerts: %s then %s", first, second)
	}
	st := w.Stats()
	if st.Checks != 2 || st.SessionTimeouts != 2 || st.TemperatureCriticals != 2 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}
