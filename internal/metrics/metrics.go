// Package metrics registers the agent's Prometheus collectors. All
// series are sampled from the owning components at scrape time, so the
// control loop never touches a collector.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tbertani/soilguard/internal/core"
	"github.com/tbertani/soilguard/internal/model"
	"github.com/tbertani/soilguard/internal/notify"
	"github.com/tbertani/soilguard/internal/sensor"
	"github.com/tbertani/soilguard/internal/telemetry"
	"github.com/tbertani/soilguard/internal/watchdog"
)

const namespace = "soilguard"

// Sources provides the live values the collectors sample. Every closure
// must be safe to call from the scrape goroutine; nil closures disable
// their series.
type Sources struct {
	Probes    int
	Snapshot  func() core.Snapshot
	Reading   func() model.Reading
	Sensors   func() sensor.Health
	Valve     func() (emergencyCloses, writeFaults uint64)
	Watchdog  func() watchdog.Stats
	Telemetry func() telemetry.Stats
	Notify    func() notify.Stats
}

// Agent owns the registry the collectors are bound to.
type Agent struct {
	reg *prometheus.Registry
}

// Registry exposes the registry for the HTTP surface to serve.
func (a *Agent) Registry() *prometheus.Registry { return a.reg }

// New builds a registry and binds one collector per exported series.
func New(src Sources) *Agent {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	if src.Snapshot != nil {
		f.NewGaugeFunc(gauge("controller_state",
			"Controller state (0 idle, 1 active, 2 thermal_hold, 3 error, 4 emergency_lock)."),
			func() float64 { return float64(src.Snapshot().State) })
		f.NewGaugeFunc(gauge("network_online", "1 while the broker connection is up."),
			func() float64 { return b2f(src.Snapshot().Online) })
		f.NewGaugeFunc(gauge("offline_level",
			"Offline conservation level (0 normal, 1 warning, 2 critical, 3 emergency)."),
			func() float64 { return float64(src.Snapshot().Level) })
		f.NewGaugeFunc(gauge("remote_override_active", "1 while a remote command outranks the local ladder."),
			func() float64 { return b2f(src.Snapshot().RemoteOverride) })
		f.NewGaugeFunc(gauge("active_valve", "Open valve index, -1 when all valves are closed."),
			func() float64 { return float64(src.Snapshot().ActiveValve) })
		f.NewGaugeFunc(gauge("session_elapsed_seconds", "Runtime of the session in progress."),
			func() float64 { return src.Snapshot().SessionElapsed.Seconds() })
		f.NewGaugeFunc(gauge("daily_runtime_seconds", "Watering time consumed against today's budget."),
			func() float64 { return src.Snapshot().DayUsed.Seconds() })
		f.NewGaugeFunc(gauge("startup_ticks_left", "Fast-cadence ticks remaining after boot."),
			func() float64 { return float64(src.Snapshot().StartupLeft) })
		f.NewGaugeFunc(gauge("soil_moisture_avg_percent",
			"Average of the usable soil probes; NaN until one succeeds."),
			func() float64 { return float64(src.Snapshot().LastSoilAvg) })

		stat := func(name, help string, pick func(core.Stats) uint64) {
			f.NewCounterFunc(counter(name, help),
				func() float64 { return float64(pick(src.Snapshot().Stats)) })
		}
		stat("ticks_total", "Control loop evaluations.",
			func(s core.Stats) uint64 { return s.Ticks })
		stat("sessions_started_total", "Watering sessions opened.",
			func(s core.Stats) uint64 { return s.Starts })
		stat("sessions_stopped_total", "Watering sessions closed.",
			func(s core.Stats) uint64 { return s.Stops })
		stat("emergency_stops_total", "Emergency close-all actions.",
			func(s core.Stats) uint64 { return s.EmergencyStops })
		stat("recommendations_total", "Advisory irrigation_on events published while online.",
			func(s core.Stats) uint64 { return s.Recommendations })
		stat("rejected_starts_total", "Start commands refused by the arbiter.",
			func(s core.Stats) uint64 { return s.RejectedStarts })
		stat("sensor_faults_total", "Transitions into the sensor fault state.",
			func(s core.Stats) uint64 { return s.SensorFaults })
		stat("actuator_faults_total", "Valve write failures observed by the loop.",
			func(s core.Stats) uint64 { return s.ActuatorFaults })
		stat("mirror_mismatches_total", "Valve mirror verifications that disagreed with hardware.",
			func(s core.Stats) uint64 { return s.MirrorMismatches })
		stat("override_expiries_total", "Remote overrides released by the idle timeout.",
			func(s core.Stats) uint64 { return s.OverrideExpiries })
		stat("valve_advisories_total", "Valve runtime advisories logged during long sessions.",
			func(s core.Stats) uint64 { return s.ValveAdvisories })
		stat("events_dropped_total", "Events lost to a full event channel.",
			func(s core.Stats) uint64 { return s.DroppedEvents })
		stat("reports_dropped_total", "Tick reports lost to a full report channel.",
			func(s core.Stats) uint64 { return s.DroppedReports })
	}

	if src.Reading != nil {
		f.NewGaugeFunc(gauge("ambient_temperature_celsius", "Air temperature; NaN while the sensor is failing."),
			func() float64 { return float64(src.Reading().Temperature) })
		f.NewGaugeFunc(gauge("ambient_humidity_percent", "Relative humidity; NaN while the sensor is failing."),
			func() float64 { return float64(src.Reading().Humidity) })
		for i := 0; i < src.Probes; i++ {
			i := i
			f.NewGaugeFunc(probeGauge("soil_moisture_percent",
				"Calibrated soil moisture; NaN while the probe is failing.", i),
				func() float64 {
					r := src.Reading()
					if i >= len(r.Soil) {
						return float64(model.Sentinel())
					}
					return float64(r.Soil[i].Percent)
				})
		}
	}

	if src.Sensors != nil {
		f.NewCounterFunc(counter("sensor_reads_total", "Completed acquisition cycles."),
			func() float64 { return float64(src.Sensors().Reads) })
		f.NewGaugeFunc(gauge("ambient_sensor_failed", "1 while the ambient sensor is past its error budget."),
			func() float64 { return b2f(src.Sensors().Ambient.Failed) })
		for i := 0; i < src.Probes; i++ {
			i := i
			f.NewGaugeFunc(probeGauge("soil_probe_failed",
				"1 while the probe is past its consecutive error budget.", i),
				func() float64 {
					h := src.Sensors()
					if i >= len(h.Probes) {
						return 0
					}
					return b2f(h.Probes[i].Failed)
				})
		}
	}

	if src.Valve != nil {
		f.NewCounterFunc(counter("valve_emergency_closes_total", "Close-all sweeps issued to the actuator."),
			func() float64 { ec, _ := src.Valve(); return float64(ec) })
		f.NewCounterFunc(counter("valve_write_faults_total", "Failed pin writes."),
			func() float64 { _, wf := src.Valve(); return float64(wf) })
	}

	if src.Watchdog != nil {
		wd := func(name, help string, pick func(watchdog.Stats) uint64) {
			f.NewCounterFunc(counter(name, help),
				func() float64 { return float64(pick(src.Watchdog())) })
		}
		wd("watchdog_checks_total", "Safety evaluations.",
			func(s watchdog.Stats) uint64 { return s.Checks })
		wd("watchdog_session_timeouts_total", "Sessions cut by the hard runtime ceiling.",
			func(s watchdog.Stats) uint64 { return s.SessionTimeouts })
		wd("watchdog_valve_timeouts_total", "Valve open-time advisories raised.",
			func(s watchdog.Stats) uint64 { return s.ValveTimeouts })
		wd("watchdog_override_timeouts_total", "Remote overrides flagged idle.",
			func(s watchdog.Stats) uint64 { return s.RemoteOverrideTimeouts })
		wd("watchdog_temperature_criticals_total", "Critical-temperature trips.",
			func(s watchdog.Stats) uint64 { return s.TemperatureCriticals })
		wd("watchdog_over_moistures_total", "Saturation trips while a valve was open.",
			func(s watchdog.Stats) uint64 { return s.OverMoistures })
	}

	if src.Telemetry != nil {
		tm := func(name, help string, pick func(telemetry.Stats) uint64) {
			f.NewCounterFunc(counter(name, help),
				func() float64 { return float64(pick(src.Telemetry())) })
		}
		tm("mqtt_registrations_total", "Registration documents published.",
			func(s telemetry.Stats) uint64 { return s.Registrations })
		tm("mqtt_data_published_total", "Sensor data documents published.",
			func(s telemetry.Stats) uint64 { return s.DataPublished })
		tm("mqtt_status_published_total", "Status documents published.",
			func(s telemetry.Stats) uint64 { return s.StatusPublished })
		tm("mqtt_events_published_total", "Event documents published.",
			func(s telemetry.Stats) uint64 { return s.EventsPublished })
		tm("mqtt_publish_failures_total", "Documents the broker refused or timed out.",
			func(s telemetry.Stats) uint64 { return s.PublishFailures })
		tm("commands_accepted_total", "Remote commands handed to the arbiter.",
			func(s telemetry.Stats) uint64 { return s.Commands })
		tm("commands_rejected_total", "Remote commands the arbiter refused.",
			func(s telemetry.Stats) uint64 { return s.CommandRejects })
		tm("commands_duplicate_total", "Redelivered command payloads dropped by the deduper.",
			func(s telemetry.Stats) uint64 { return s.Duplicates })
		tm("commands_malformed_total", "Command payloads that failed to decode.",
			func(s telemetry.Stats) uint64 { return s.BadPayloads })
	}

	if src.Notify != nil {
		nf := func(name, help string, pick func(notify.Stats) uint64) {
			f.NewCounterFunc(counter(name, help),
				func() float64 { return float64(pick(src.Notify())) })
		}
		nf("webhook_delivered_total", "Event documents accepted by the fleet webhook.",
			func(s notify.Stats) uint64 { return s.Delivered })
		nf("webhook_failed_total", "Event documents abandoned after the retry budget.",
			func(s notify.Stats) uint64 { return s.Failed })
		nf("webhook_dropped_total", "Event documents dropped on a full delivery queue.",
			func(s notify.Stats) uint64 { return s.Dropped })
	}

	return &Agent{reg: reg}
}

func gauge(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}
}

func probeGauge(name, help string, probe int) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        name,
		Help:        help,
		ConstLabels: prometheus.Labels{"probe": strconv.Itoa(probe)},
	}
}

func counter(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}
}

func b2f(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
