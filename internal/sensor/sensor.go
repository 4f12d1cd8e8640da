// Package sensor acquires readings from the air probe and the soil
// probes, tracks per-sensor health and applies raw-to-percent
// calibration. A failing sensor never blocks a tick and never turns into
// a silent zero: the reading always comes back, with sentinels and
// quality tags where data is missing.
package sensor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tbertani/soilguard/internal/model"
)

// SoilDriver reads one probe's raw ADC count.
type SoilDriver interface {
	Read(ctx context.Context) (int, error)
}

// AmbientDriver reads the air probe.
type AmbientDriver interface {
	Read(ctx context.Context) (tempC, rh float32, err error)
}

// Kind selects which error counters a reset applies to.
type Kind uint8

const (
	KindSoil Kind = iota
	KindAmbient
	KindAll
)

// Config bounds the acquisition behavior.
type Config struct {
	ReadTimeout          time.Duration
	MaxConsecutiveErrors int
	AmbientRetries       int
}

// AmbientHealth is the air probe's health snapshot.
type AmbientHealth struct {
	Errors int  `json:"errors"`
	Failed bool `json:"failed"`
}

// ProbeHealth is one soil probe's health snapshot.
type ProbeHealth struct {
	Index       int               `json:"index"`
	Errors      int               `json:"errors"`
	Failed      bool              `json:"failed"`
	Calibration model.Calibration `json:"calibration"`
}

// Health is the full acquisition health snapshot for the status surface.
type Health struct {
	Reads   uint64        `json:"reads"`
	Ambient AmbientHealth `json:"ambient"`
	Probes  []ProbeHealth `json:"probes"`
}

// Manager owns the drivers and the health counters.
type Manager struct {
	ambient AmbientDriver
	soil    []SoilDriver
	cfg     Config
	log     *zap.SugaredLogger
	now     func() time.Time

	mu            sync.Mutex
	cal           []model.Calibration
	soilErrs      []int
	soilFailed    []bool
	ambientErrs   int
	ambientFailed bool
	reads         uint64
}

// New builds a Manager. One calibration per soil driver is required.
func New(ambient AmbientDriver, soil []SoilDriver, cal []model.Calibration,
	cfg Config, log *zap.SugaredLogger, now func() time.Time) (*Manager, error) {

	if len(soil) == 0 {
		return nil, fmt.Errorf("at least one soil driver required")
	}
	if len(cal) != len(soil) {
		return nil, fmt.Errorf("have %d calibrations for %d probes", len(cal), len(soil))
	}
	for i, c := range cal {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("probe %d: %w", i, err)
		}
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * time.Second
	}
	if cfg.MaxConsecutiveErrors < 1 {
		cfg.MaxConsecutiveErrors = 5
	}
	if cfg.AmbientRetries < 0 {
		cfg.AmbientRetries = 0
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{
		ambient:    ambient,
		soil:       soil,
		cfg:        cfg,
		log:        log,
		now:        now,
		cal:        append([]model.Calibration(nil), cal...),
		soilErrs:   make([]int, len(soil)),
		soilFailed: make([]bool, len(soil)),
	}, nil
}

// Probes returns the number of soil probes.
func (m *Manager) Probes() int { return len(m.soil) }

// ReadAll acquires one full Reading. It returns within a bounded time:
// every driver call runs under its own deadline, and the ambient probe
// gets a fixed number of retries before surfacing a failure. No lock is
// held across driver I/O.
func (m *Manager) ReadAll(ctx context.Context) model.Reading {
	r := model.Reading{
		At:          m.now(),
		Temperature: model.Sentinel(),
		Humidity:    model.Sentinel(),
		Soil:        make([]model.SoilSample, len(m.soil)),
	}

	temp, rh, ambErr := m.readAmbient(ctx)

	type soilResult struct {
		raw int
		err error
	}
	results := make([]soilResult, len(m.soil))
	for i, drv := range m.soil {
		rctx, cancel := context.WithTimeout(ctx, m.cfg.ReadTimeout)
		raw, err := drv.Read(rctx)
		cancel()
		results[i] = soilResult{raw: raw, err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++

	if ambErr != nil {
		m.ambientErrs++
		if m.ambientErrs >= m.cfg.MaxConsecutiveErrors && !m.ambientFailed {
			m.ambientFailed = true
			m.log.Errorw("ambient probe failed", "consecutive_errors", m.ambientErrs, "err", ambErr)
		}
		r.AmbientQuality = model.QualityStale
		if m.ambientFailed {
			r.AmbientQuality = model.QualityFailed
		}
	} else {
		if m.ambientFailed {
			m.log.Infow("ambient probe recovered")
		}
		m.ambientErrs = 0
		m.ambientFailed = false
		r.Temperature, r.Humidity = temp, rh
		r.AmbientQuality = model.QualityGood
	}

	for i, res := range results {
		r.Soil[i] = m.foldSoil(i, res.raw, res.err)
	}
	return r
}

// foldSoil folds one probe read into the health counters and produces
// the sample. Callers hold m.mu.
func (m *Manager) foldSoil(i, raw int, err error) model.SoilSample {
	cal := m.cal[i]

	switch {
	case err != nil:
		return m.soilError(i, 0, model.QualityStale, "read", err)
	case !cal.InRange(raw):
		return m.soilError(i, raw, model.QualityOutOfRange, "range",
			fmt.Errorf("raw %d outside [%d,%d]", raw, cal.RawMin, cal.RawMax))
	default:
		if m.soilFailed[i] {
			m.log.Infow("soil probe recovered", "probe", i, "raw", raw)
		}
		m.soilErrs[i] = 0
		m.soilFailed[i] = false
		return model.SoilSample{Percent: cal.Percent(raw), Raw: raw, Quality: model.QualityGood}
	}
}

func (m *Manager) soilError(i, raw int, q model.Quality, cause string, err error) model.SoilSample {
	m.soilErrs[i]++
	if m.soilErrs[i] >= m.cfg.MaxConsecutiveErrors {
		if !m.soilFailed[i] {
			m.log.Errorw("soil probe failed", "probe", i, "cause", cause,
				"consecutive_errors", m.soilErrs[i], "err", err)
		}
		m.soilFailed[i] = true
	} else {
		m.log.Warnw("soil probe error", "probe", i, "cause", cause, "err", err)
	}
	if m.soilFailed[i] {
		q = model.QualityFailed
	}
	return model.SoilSample{Percent: model.Sentinel(), Raw: raw, Quality: q}
}

// readAmbient tries the air probe with bounded retries.
func (m *Manager) readAmbient(ctx context.Context) (float32, float32, error) {
	var lastErr error
	for attempt := 0; attempt <= m.cfg.AmbientRetries; attempt++ {
		rctx, cancel := context.WithTimeout(ctx, m.cfg.ReadTimeout)
		temp, rh, err := m.ambient.Read(rctx)
		cancel()
		if err == nil {
			return temp, rh, nil
		}
		lastErr = err
	}
	return 0, 0, lastErr
}

// ResetErrors clears the error counters and failure marks for a kind.
// Operators use this after servicing a probe.
func (m *Manager) ResetErrors(kind Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if kind == KindSoil || kind == KindAll {
		for i := range m.soilErrs {
			m.soilErrs[i] = 0
			m.soilFailed[i] = false
		}
	}
	if kind == KindAmbient || kind == KindAll {
		m.ambientErrs = 0
		m.ambientFailed = false
	}
	m.log.Infow("sensor errors reset", "kind", kind)
}

// SetCalibration swaps one probe's live calibration.
func (m *Manager) SetCalibration(i int, c model.Calibration) error {
	if err := c.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.cal) {
		return fmt.Errorf("no probe %d", i)
	}
	m.cal[i] = c
	m.log.Infow("probe recalibrated", "probe", i,
		"raw_dry", c.RawDry, "raw_wet", c.RawWet)
	return nil
}

// Status returns the health snapshot.
func (m *Manager) Status() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := Health{
		Reads:   m.reads,
		Ambient: AmbientHealth{Errors: m.ambientErrs, Failed: m.ambientFailed},
		Probes:  make([]ProbeHealth, len(m.soil)),
	}
	for i := range m.soil {
		h.Probes[i] = ProbeHealth{
			Index:       i,
			Errors:      m.soilErrs[i],
			Failed:      m.soilFailed[i],
			Calibration: m.cal[i],
		}
	}
	return h
}

func (k Kind) String() string {
	switch k {
	case KindSoil:
		return "soil"
	case KindAmbient:
		return "ambient"
	case KindAll:
		return "all"
	default:
		return "unknown"
	}
}
