// Package status serves the agent's local HTTP surface: liveness and
// readiness probes, the full status document, Prometheus metrics and
// the operator maintenance verbs.
package status

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tbertani/soilguard/internal/core"
	"github.com/tbertani/soilguard/internal/model"
	"github.com/tbertani/soilguard/internal/sensor"
)

// Deps wires the surface to the owning components. Metrics may be nil
// when no registry is served; everything else is required.
type Deps struct {
	Snapshot    func() core.Snapshot
	Reading     func() model.Reading
	Sensors     func() sensor.Health
	Ready       func() bool
	Calibrate   func(probe int, c model.Calibration) error
	ResetErrors func(kind sensor.Kind)
	Metrics     http.Handler
}

// Session is the in-progress watering run inside a Document.
type Session struct {
	ID         string `json:"id"`
	Reason     string `json:"reason"`
	ElapsedSec int64  `json:"elapsed_sec"`
}

// Probe is one soil probe's slot inside a Document. Percent is null
// while the probe has no usable value.
type Probe struct {
	Percent *float32 `json:"percent"`
	Quality string   `json:"quality"`
}

// Counters is the loop's lifetime totals inside a Document.
type Counters struct {
	Ticks            uint64 `json:"ticks"`
	Starts           uint64 `json:"starts"`
	Stops            uint64 `json:"stops"`
	EmergencyStops   uint64 `json:"emergency_stops"`
	Recommendations  uint64 `json:"recommendations"`
	RejectedStarts   uint64 `json:"rejected_starts"`
	SensorFaults     uint64 `json:"sensor_faults"`
	ActuatorFaults   uint64 `json:"actuator_faults"`
	MirrorMismatches uint64 `json:"mirror_mismatches"`
	OverrideExpiries uint64 `json:"override_expiries"`
}

// Document is the full status answer. Ambient and soil values are null,
// not zero, while their sensors are failing.
type Document struct {
	State          string        `json:"state"`
	Mode           string        `json:"mode"`
	OfflineLevel   string        `json:"offline_level"`
	RemoteOverride bool          `json:"remote_override"`
	ActiveValve    int           `json:"active_valve"`
	Session        *Session      `json:"session,omitempty"`
	Day            string        `json:"day"`
	DayUsedSec     int64         `json:"day_used_sec"`
	StartupLeft    int           `json:"startup_ticks_left"`
	SoilAvg        *float32      `json:"soil_avg"`
	Temperature    *float32      `json:"temperature"`
	Humidity       *float32      `json:"humidity"`
	Soil           []Probe       `json:"soil"`
	Sensors        sensor.Health `json:"sensors"`
	Counters       Counters      `json:"counters"`
}

type calibrateRequest struct {
	RawDry int `json:"raw_dry"`
	RawWet int `json:"raw_wet"`
	RawMin int `json:"raw_min"`
	RawMax int `json:"raw_max"`
}

// Server answers the local HTTP surface.
type Server struct {
	deps Deps
	log  *zap.SugaredLogger
}

// NewRouter builds the surface's router.
func NewRouter(deps Deps, log *zap.SugaredLogger) *mux.Router {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{deps: deps, log: log}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.readyz).Methods(http.MethodGet)
	r.HandleFunc("/status", s.status).Methods(http.MethodGet)
	r.HandleFunc("/calibrate/{probe}", s.calibrate).Methods(http.MethodPost)
	r.HandleFunc("/reset-errors", s.resetErrors).Methods(http.MethodPost)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics).Methods(http.MethodGet)
	}
	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil && !s.deps.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Snapshot()
	reading := s.deps.Reading()

	doc := Document{
		State:          snap.State.String(),
		Mode:           mode(snap.Online),
		OfflineLevel:   snap.Level.String(),
		RemoteOverride: snap.RemoteOverride,
		ActiveValve:    snap.ActiveValve,
		Day:            snap.Day,
		DayUsedSec:     int64(snap.DayUsed / time.Second),
		StartupLeft:    snap.StartupLeft,
		SoilAvg:        maybe(snap.LastSoilAvg),
		Temperature:    maybe(reading.Temperature),
		Humidity:       maybe(reading.Humidity),
		Soil:           make([]Probe, 0, len(reading.Soil)),
		Counters: Counters{
			Ticks:            snap.Stats.Ticks,
			Starts:           snap.Stats.Starts,
			Stops:            snap.Stats.Stops,
			EmergencyStops:   snap.Stats.EmergencyStops,
			Recommendations:  snap.Stats.Recommendations,
			RejectedStarts:   snap.Stats.RejectedStarts,
			SensorFaults:     snap.Stats.SensorFaults,
			ActuatorFaults:   snap.Stats.ActuatorFaults,
			MirrorMismatches: snap.Stats.MirrorMismatches,
			OverrideExpiries: snap.Stats.OverrideExpiries,
		},
	}
	if snap.SessionID != "" {
		doc.Session = &Session{
			ID:         snap.SessionID,
			Reason:     string(snap.SessionReason),
			ElapsedSec: int64(snap.SessionElapsed / time.Second),
		}
	}
	for _, p := range reading.Soil {
		doc.Soil = append(doc.Soil, Probe{Percent: maybe(p.Percent), Quality: p.Quality.String()})
	}
	if s.deps.Sensors != nil {
		doc.Sensors = s.deps.Sensors()
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) calibrate(w http.ResponseWriter, r *http.Request) {
	probe, err := strconv.Atoi(mux.Vars(r)["probe"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "probe index must be an integer")
		return
	}
	var req calibrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	cal := model.Calibration{
		RawDry: req.RawDry,
		RawWet: req.RawWet,
		RawMin: req.RawMin,
		RawMax: req.RawMax,
	}
	if err := s.deps.Calibrate(probe, cal); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Infow("probe recalibrated via http", "probe", probe)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) resetErrors(w http.ResponseWriter, r *http.Request) {
	kind := sensor.KindAll
	switch q := r.URL.Query().Get("kind"); q {
	case "", "all":
	case "soil":
		kind = sensor.KindSoil
	case "ambient":
		kind = sensor.KindAmbient
	default:
		writeError(w, http.StatusBadRequest, "kind must be soil, ambient or all")
		return
	}
	s.deps.ResetErrors(kind)
	s.log.Infow("sensor errors reset via http", "kind", kind)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func mode(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

// maybe turns a sentinel-or-value float into its JSON shape: null for
// no-data, the value otherwise.
func maybe(v float32) *float32 {
	if model.IsSentinel(v) {
		return nil
	}
	return &v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
