package driver

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/tbertani/soilguard/internal/model"
)

// Simulation tunables, in percent per minute of ground-truth moisture.
const (
	simGainPerMin  = 0.6
	simDecayPerMin = 0.05
)

// World is the shared ground truth behind the simulated drivers: soil
// moisture rises while any valve is open and decays slowly otherwise,
// with a little gaussian noise on every read. One World backs one
// controller process in simulate mode.
type World struct {
	mu       sync.Mutex
	rnd      *rand.Rand
	last     time.Time
	moisture []float64
	tempC    float64
	rh       float64
	open     map[model.ValveID]bool
	cal      model.Calibration
}

// NewWorld seeds a world with the given probe count. The calibration is
// used in reverse to turn ground-truth percent back into raw counts.
func NewWorld(probes int, cal model.Calibration, seed int64) *World {
	rnd := rand.New(rand.NewSource(seed))
	w := &World{
		rnd:      rnd,
		last:     time.Now(),
		moisture: make([]float64, probes),
		tempC:    24,
		rh:       55,
		open:     make(map[model.ValveID]bool),
		cal:      cal,
	}
	for i := range w.moisture {
		w.moisture[i] = 38 + rnd.Float64()*6
	}
	return w
}

// step advances the ground truth to now. Callers hold w.mu.
func (w *World) step(now time.Time) {
	dtMin := now.Sub(w.last).Minutes()
	if dtMin <= 0 {
		return
	}
	delta := -simDecayPerMin * dtMin
	for _, open := range w.open {
		if open {
			delta = simGainPerMin * dtMin
			break
		}
	}
	for i := range w.moisture {
		w.moisture[i] = clampPct(w.moisture[i] + delta)
	}
	w.tempC += w.rnd.NormFloat64() * 0.05
	w.rh = clampPct(w.rh + w.rnd.NormFloat64()*0.2)
	w.last = now
}

func clampPct(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 100 {
		return 100
	}
	return x
}

// SimValves is the valve backend of a World.
type SimValves struct {
	w *World
}

// NewSimValves builds the valve backend for w.
func NewSimValves(w *World) *SimValves { return &SimValves{w: w} }

func (d *SimValves) Init(ids []model.ValveID) error {
	d.w.mu.Lock()
	defer d.w.mu.Unlock()
	for _, id := range ids {
		d.w.open[id] = false
	}
	return nil
}

func (d *SimValves) Write(id model.ValveID, open bool) error {
	d.w.mu.Lock()
	defer d.w.mu.Unlock()
	if _, ok := d.w.open[id]; !ok {
		return fmt.Errorf("sim valves: unknown id %s", id)
	}
	d.w.step(time.Now())
	d.w.open[id] = open
	return nil
}

func (d *SimValves) Read(id model.ValveID) (bool, error) {
	d.w.mu.Lock()
	defer d.w.mu.Unlock()
	open, ok := d.w.open[id]
	if !ok {
		return false, fmt.Errorf("sim valves: unknown id %s", id)
	}
	return open, nil
}

func (d *SimValves) Close() error { return nil }

// SimSoil is one simulated probe of a World.
type SimSoil struct {
	w   *World
	idx int
}

// NewSimSoil builds the probe at index idx.
func NewSimSoil(w *World, idx int) *SimSoil { return &SimSoil{w: w, idx: idx} }

func (d *SimSoil) Read(ctx context.Context) (int, error) {
	d.w.mu.Lock()
	defer d.w.mu.Unlock()
	if d.idx < 0 || d.idx >= len(d.w.moisture) {
		return 0, fmt.Errorf("sim soil: no probe %d", d.idx)
	}
	d.w.step(time.Now())
	pct := d.w.moisture[d.idx]
	span := float64(d.w.cal.RawWet - d.w.cal.RawDry)
	raw := float64(d.w.cal.RawDry) + pct/100*span + d.w.rnd.NormFloat64()*4
	return int(raw), nil
}

// SimAmbient is the simulated air probe of a World.
type SimAmbient struct {
	w *World
}

// NewSimAmbient builds the air probe for w.
func NewSimAmbient(w *World) *SimAmbient { return &SimAmbient{w: w} }

func (d *SimAmbient) Read(ctx context.Context) (float32, float32, error) {
	d.w.mu.Lock()
	defer d.w.mu.Unlock()
	d.w.step(time.Now())
	return float32(d.w.tempC), float32(d.w.rh), nil
}
