package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tbertani/soilguard/internal/core"
	"github.com/tbertani/soilguard/internal/model"
	"github.com/tbertani/soilguard/internal/notify"
)

func TestSamplesSnapshotSeries(t *testing.T) {
	snap := core.Snapshot{
		State:       model.StateActive,
		Online:      true,
		ActiveValve: 1,
		DayUsed:     90 * time.Second,
		LastSoilAvg: 33.5,
		Stats:       core.Stats{Ticks: 42, Starts: 3},
	}
	a := New(Sources{Snapshot: func() core.Snapshot { return snap }})

	expected := `
# HELP soilguard_controller_state Controller state (0 idle, 1 active, 2 thermal_hold, 3 error, 4 emergency_lock).
# TYPE soilguard_controller_state gauge
soilguard_controller_state 1
# HELP soilguard_daily_runtime_seconds Watering time consumed against today's budget.
# TYPE soilguard_daily_runtime_seconds gauge
soilguard_daily_runtime_seconds 90
# HELP soilguard_sessions_started_total Watering sessions opened.
# TYPE soilguard_sessions_started_total counter
soilguard_sessions_started_total 3
# HELP soilguard_ticks_total Control loop evaluations.
# TYPE soilguard_ticks_total counter
soilguard_ticks_total 42
`
	err := testutil.GatherAndCompare(a.Registry(), strings.NewReader(expected),
		"soilguard_controller_state",
		"soilguard_daily_runtime_seconds",
		"soilguard_sessions_started_total",
		"soilguard_ticks_total")
	if err != nil {
		t.Fatal(err)
	}
}

func TestProbeSeriesCarryIndexLabel(t *testing.T) {
	reading := model.Reading{
		Temperature:    24.5,
		Humidity:       61,
		AmbientQuality: model.QualityGood,
		Soil: []model.SoilSample{
			{Percent: 40.5, Quality: model.QualityGood},
			{Percent: model.Sentinel(), Quality: model.QualityFailed},
		},
	}
	a := New(Sources{Probes: 2, Reading: func() model.Reading { return reading }})

	expected := `
# HELP soilguard_ambient_temperature_celsius Air temperature; NaN while the sensor is failing.
# TYPE soilguard_ambient_temperature_celsius gauge
soilguard_ambient_temperature_celsius 24.5
# HELP soilguard_soil_moisture_percent Calibrated soil moisture; NaN while the probe is failing.
# TYPE soilguard_soil_moisture_percent gauge
soilguard_soil_moisture_percent{probe="0"} 40.5
soilguard_soil_moisture_percent{probe="1"} NaN
`
	err := testutil.GatherAndCompare(a.Registry(), strings.NewReader(expected),
		"soilguard_ambient_temperature_celsius",
		"soilguard_soil_moisture_percent")
	if err != nil {
		t.Fatal(err)
	}
}

func TestNilSourcesRegisterNothing(t *testing.T) {
	a := New(Sources{})
	n, err := testutil.GatherAndCount(a.Registry())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("gathered %d series from empty sources", n)
	}
}

func TestWebhookCountersTrackNotifier(t *testing.T) {
	st := notify.Stats{Delivered: 7, Failed: 2, Dropped: 1}
	a := New(Sources{Notify: func() notify.Stats { return st }})

	expected := `
# HELP soilguard_webhook_delivered_total Event documents accepted by the fleet webhook.
# TYPE soilguard_webhook_delivered_total counter
soilguard_webhook_delivered_total 7
# HELP soilguard_webhook_dropped_total Event documents dropped on a full delivery queue.
# TYPE soilguard_webhook_dropped_total counter
soilguard_webhook_dropped_total 1
# HELP soilguard_webhook_failed_total Event documents abandoned after the retry budget.
# TYPE soilguard_webhook_failed_total counter
soilguard_webhook_failed_total 2
`
	err := testutil.GatherAndCompare(a.Registry(), strings.NewReader(expected),
		"soilguard_webhook_delivered_total",
		"soilguard_webhook_dropped_total",
		"soilguard_webhook_failed_total")
	if err != nil {
		t.Fatal(err)
	}
}
