package driver

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// SysfsSoil reads one soil probe's raw ADC count from an IIO sysfs file.
type SysfsSoil struct {
	path string
}

// NewSysfsSoil reads raw counts from the given in_voltageN_raw file.
func NewSysfsSoil(path string) *SysfsSoil { return &SysfsSoil{path: path} }

func (d *SysfsSoil) Read(ctx context.Context) (int, error) {
	v, err := readIntFile(ctx, d.path)
	if err != nil {
		return 0, fmt.Errorf("soil %s: %w", d.path, err)
	}
	return int(v), nil
}

// SysfsAmbient reads the air probe from a pair of IIO sysfs files. The
// kernel reports milli-units (millidegrees C, milli-%RH).
type SysfsAmbient struct {
	tempPath string
	rhPath   string
}

// NewSysfsAmbient reads temperature and relative humidity from the given
// in_temp_input / in_humidityrelative_input files.
func NewSysfsAmbient(tempPath, rhPath string) *SysfsAmbient {
	return &SysfsAmbient{tempPath: tempPath, rhPath: rhPath}
}

func (d *SysfsAmbient) Read(ctx context.Context) (float32, float32, error) {
	t, err := readIntFile(ctx, d.tempPath)
	if err != nil {
		return 0, 0, fmt.Errorf("ambient temp %s: %w", d.tempPath, err)
	}
	h, err := readIntFile(ctx, d.rhPath)
	if err != nil {
		return 0, 0, fmt.Errorf("ambient humidity %s: %w", d.rhPath, err)
	}
	return float32(t) / 1000, float32(h) / 1000, nil
}

// readIntFile reads a sysfs attribute under the caller's deadline. Sysfs
// reads normally return immediately, but a wedged bus can stall them; the
// goroutine finishes on its own once the kernel call returns.
func readIntFile(ctx context.Context, path string) (int64, error) {
	type result struct {
		v   int64
		err error
	}
	ch := make(chan result, 1)
	go func() {
		b, err := os.ReadFile(path)
		if err != nil {
			ch <- result{0, err}
			return
		}
		v, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}
