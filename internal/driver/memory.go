// Package driver holds the hardware backends: real GPIO and sysfs IIO
// drivers for deployment, a drift simulator for development without a
// field, and in-memory fakes shared by the test suites. The contracts
// they satisfy are defined by their consumers (valve.Driver and the
// sensor driver interfaces).
package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tbertani/soilguard/internal/model"
)

// MemoryValves is an in-process valve backend for tests. The error
// injection fields must be set before the actuator starts using it.
type MemoryValves struct {
	mu          sync.Mutex
	open        map[model.ValveID]bool
	initialized bool
	writes      int

	WriteErr error
	ReadErr  error
}

// NewMemoryValves builds an empty backend; Init wires the valve set.
func NewMemoryValves() *MemoryValves {
	return &MemoryValves{open: make(map[model.ValveID]bool)}
}

func (m *MemoryValves) Init(ids []model.ValveID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.open[id] = false
	}
	m.initialized = true
	return nil
}

func (m *MemoryValves) Write(id model.ValveID, open bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return m.WriteErr
	}
	if !m.initialized {
		return fmt.Errorf("memory valves: not initialized")
	}
	if _, ok := m.open[id]; !ok {
		return fmt.Errorf("memory valves: unknown id %s", id)
	}
	m.open[id] = open
	m.writes++
	return nil
}

func (m *MemoryValves) Read(id model.ValveID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return false, m.ReadErr
	}
	open, ok := m.open[id]
	if !ok {
		return false, fmt.Errorf("memory valves: unknown id %s", id)
	}
	return open, nil
}

func (m *MemoryValves) Close() error { return nil }

// Writes returns how many hardware writes were issued; tests use it to
// prove idempotence at the driver level.
func (m *MemoryValves) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// IsOpen exposes the raw pin level to tests.
func (m *MemoryValves) IsOpen(id model.ValveID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open[id]
}

// Force sets a pin level behind the actuator's back, to exercise mirror
// mismatch detection.
func (m *MemoryValves) Force(id model.ValveID, open bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open[id] = open
}

// MemorySoil is a scripted soil probe for tests.
type MemorySoil struct {
	mu    sync.Mutex
	raw   int
	err   error
	delay time.Duration
}

// NewMemorySoil starts at the given raw count.
func NewMemorySoil(raw int) *MemorySoil { return &MemorySoil{raw: raw} }

// SetRaw scripts the next raw count.
func (m *MemorySoil) SetRaw(raw int) {
	m.mu.Lock()
	m.raw, m.err = raw, nil
	m.mu.Unlock()
}

// SetErr scripts a driver failure.
func (m *MemorySoil) SetErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// SetDelay makes every read take at least d, to exercise timeouts.
func (m *MemorySoil) SetDelay(d time.Duration) {
	m.mu.Lock()
	m.delay = d
	m.mu.Unlock()
}

func (m *MemorySoil) Read(ctx context.Context) (int, error) {
	m.mu.Lock()
	raw, err, delay := m.raw, m.err, m.delay
	m.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return 0, err
	}
	return raw, nil
}

// MemoryAmbient is a scripted air probe for tests.
type MemoryAmbient struct {
	mu            sync.Mutex
	temp, rh      float32
	persistentErr error
	failsLeft     int
	transientErr  error
}

// NewMemoryAmbient starts at the given temperature and humidity.
func NewMemoryAmbient(temp, rh float32) *MemoryAmbient {
	return &MemoryAmbient{temp: temp, rh: rh}
}

// Set scripts the values and clears any persistent failure.
func (m *MemoryAmbient) Set(temp, rh float32) {
	m.mu.Lock()
	m.temp, m.rh, m.persistentErr = temp, rh, nil
	m.mu.Unlock()
}

// SetErr makes every read fail until Set is called again.
func (m *MemoryAmbient) SetErr(err error) {
	m.mu.Lock()
	m.persistentErr = err
	m.mu.Unlock()
}

// FailNext makes only the next n reads fail, then reads succeed again;
// this exercises the retry path.
func (m *MemoryAmbient) FailNext(n int, err error) {
	m.mu.Lock()
	m.failsLeft, m.transientErr = n, err
	m.mu.Unlock()
}

func (m *MemoryAmbient) Read(ctx context.Context) (float32, float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failsLeft > 0 {
		m.failsLeft--
		return 0, 0, m.transientErr
	}
	if m.persistentErr != nil {
		return 0, 0, m.persistentErr
	}
	return m.temp, m.rh, nil
}
