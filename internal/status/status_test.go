package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tbertani/soilguard/internal/core"
	"github.com/tbertani/soilguard/internal/model"
	"github.com/tbertani/soilguard/internal/sensor"
)

type rig struct {
	router http.Handler

	snap    core.Snapshot
	reading model.Reading
	ready   bool

	calProbe int
	cal      model.Calibration
	calErr   error
	resets   []sensor.Kind
}

func newRig() *rig {
	r := &rig{
		snap:    core.Snapshot{ActiveValve: -1, LastSoilAvg: model.Sentinel()},
		reading: model.Reading{Temperature: model.Sentinel(), Humidity: model.Sentinel()},
		ready:   true,
	}
	r.router = NewRouter(Deps{
		Snapshot: func() core.Snapshot { return r.snap },
		Reading:  func() model.Reading { return r.reading },
		Sensors:  func() sensor.Health { return sensor.Health{Reads: 5} },
		Ready:    func() bool { return r.ready },
		Calibrate: func(probe int, c model.Calibration) error {
			if r.calErr != nil {
				return r.calErr
			}
			r.calProbe, r.cal = probe, c
			return nil
		},
		ResetErrors: func(kind sensor.Kind) { r.resets = append(r.resets, kind) },
	}, nil)
	return r
}

func (r *rig) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	rec := httptest.NewRecorder()
	r.router.ServeHTTP(rec, req)
	return rec
}

func TestStatusDocument(t *testing.T) {
	r := newRig()
	r.snap = core.Snapshot{
		State:          model.StateActive,
		Online:         true,
		Level:          model.LevelNormal,
		RemoteOverride: true,
		ActiveValve:    0,
		SessionID:      "s-1",
		SessionReason:  model.ReasonRemoteStart,
		SessionElapsed: 90 * time.Second,
		LastSoilAvg:    33.5,
		Day:            "2025-06-10",
		DayUsed:        20 * time.Minute,
		Stats:          core.Stats{Ticks: 12, Starts: 1},
	}
	r.reading = model.Reading{
		Temperature:    24.5,
		Humidity:       61,
		AmbientQuality: model.QualityGood,
		Soil: []model.SoilSample{
			{Percent: 33.5, Quality: model.QualityGood},
			{Percent: model.Sentinel(), Quality: model.QualityFailed},
		},
	}

	rec := r.do(t, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var doc Document
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.State != "active" || doc.Mode != "online" || doc.OfflineLevel != "normal" {
		t.Fatalf("header fields = %q %q %q", doc.State, doc.Mode, doc.OfflineLevel)
	}
	if doc.Session == nil || doc.Session.Reason != "remote_start" || doc.Session.ElapsedSec != 90 {
		t.Fatalf("session = %+v", doc.Session)
	}
	if doc.DayUsedSec != 1200 {
		t.Fatalf("day_used_sec = %d", doc.DayUsedSec)
	}
	if doc.SoilAvg == nil || *doc.SoilAvg != 33.5 {
		t.Fatalf("soil_avg = %v", doc.SoilAvg)
	}
	if doc.Temperature == nil || *doc.Temperature != 24.5 {
		t.Fatalf("temperature = %v", doc.Temperature)
	}
	if len(doc.Soil) != 2 {
		t.Fatalf("soil slots = %d", len(doc.Soil))
	}
	if doc.Soil[1].Percent != nil || doc.Soil[1].Quality != "failed" {
		t.Fatalf("failed probe must serialize null, got %+v", doc.Soil[1])
	}
	if doc.Counters.Ticks != 12 || doc.Counters.Starts != 1 {
		t.Fatalf("counters = %+v", doc.Counters)
	}
	if doc.Sensors.Reads != 5 {
		t.Fatalf("sensors.reads = %d", doc.Sensors.Reads)
	}
}

func TestStatusNullsWhileSensorsDown(t *testing.T) {
	r := newRig()
	rec := r.do(t, http.MethodGet, "/status", "")
	var raw map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"soil_avg", "temperature", "humidity"} {
		if v, ok := raw[key]; !ok || v != nil {
			t.Fatalf("%s = %v, want null", key, v)
		}
	}
	if _, ok := raw["session"]; ok {
		t.Fatalf("idle document must omit session")
	}
}

func TestReadyzGatesOnReadiness(t *testing.T) {
	r := newRig()
	r.ready = false
	if rec := r.do(t, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("not ready: status = %d", rec.Code)
	}
	r.ready = true
	if rec := r.do(t, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Fatalf("ready: status = %d", rec.Code)
	}
	if rec := r.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz: status = %d", rec.Code)
	}
}

func TestCalibrateRoundTrip(t *testing.T) {
	r := newRig()
	body := `{"raw_dry":2900,"raw_wet":1100,"raw_min":600,"raw_max":3400}`
	rec := r.do(t, http.MethodPost, "/calibrate/1", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if r.calProbe != 1 {
		t.Fatalf("probe = %d", r.calProbe)
	}
	want := model.Calibration{RawDry: 2900, RawWet: 1100, RawMin: 600, RawMax: 3400}
	if r.cal != want {
		t.Fatalf("calibration = %+v", r.cal)
	}
}

func TestCalibrateRejectsBadRequests(t *testing.T) {
	r := newRig()
	if rec := r.do(t, http.MethodPost, "/calibrate/two", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("non-integer probe: status = %d", rec.Code)
	}
	if rec := r.do(t, http.MethodPost, "/calibrate/0", `{not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad body: status = %d", rec.Code)
	}
	if rec := r.do(t, http.MethodGet, "/calibrate/0", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET calibrate: status = %d", rec.Code)
	}
}

func TestResetErrorsParsesKind(t *testing.T) {
	r := newRig()
	if rec := r.do(t, http.MethodPost, "/reset-errors", ""); rec.Code != http.StatusOK {
		t.Fatalf("default kind: status = %d", rec.Code)
	}
	if rec := r.do(t, http.MethodPost, "/reset-errors?kind=ambient", ""); rec.Code != http.StatusOK {
		t.Fatalf("ambient kind: status = %d", rec.Code)
	}
	if rec := r.do(t, http.MethodPost, "/reset-errors?kind=bogus", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus kind: status = %d", rec.Code)
	}
	want := []sensor.Kind{sensor.KindAll, sensor.KindAmbient}
	if len(r.resets) != 2 || r.resets[0] != want[0] || r.resets[1] != want[1] {
		t.Fatalf("resets = %v, want %v", r.resets, want)
	}
}
