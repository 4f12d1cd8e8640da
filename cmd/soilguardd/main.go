// soilguardd is the on-device irrigation controller: it owns the
// sensors and valves, runs the control loop, speaks MQTT to the fleet
// and serves the local status surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tbertani/soilguard/internal/config"
	"github.com/tbertani/soilguard/internal/core"
	"github.com/tbertani/soilguard/internal/driver"
	"github.com/tbertani/soilguard/internal/metrics"
	"github.com/tbertani/soilguard/internal/model"
	"github.com/tbertani/soilguard/internal/notify"
	"github.com/tbertani/soilguard/internal/offline"
	"github.com/tbertani/soilguard/internal/sensor"
	"github.com/tbertani/soilguard/internal/status"
	"github.com/tbertani/soilguard/internal/store"
	"github.com/tbertani/soilguard/internal/telemetry"
	"github.com/tbertani/soilguard/internal/valve"
	"github.com/tbertani/soilguard/internal/watchdog"
	"github.com/tbertani/soilguard/pkg/mqtt"
)

const httpShutdownGrace = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()
	log.Infow("soilguardd starting",
		"device", cfg.Device.Name, "mac", cfg.Device.MAC,
		"crop", cfg.Device.Crop, "simulate", cfg.Hardware.Simulate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatalw("open state store", "path", cfg.Store.Path, "err", err)
	}
	defer st.Close()

	defCal := model.Calibration{
		RawDry: cfg.Sensors.RawDry,
		RawWet: cfg.Sensors.RawWet,
		RawMin: cfg.Sensors.RawMin,
		RawMax: cfg.Sensors.RawMax,
	}
	cals := make([]model.Calibration, cfg.Sensors.SoilCount)
	for i := range cals {
		cals[i] = defCal
		if c, ok, err := st.Calibration(i); err != nil {
			log.Warnw("cannot read persisted calibration", "probe", i, "err", err)
		} else if ok {
			cals[i] = c
		}
	}

	ambient, soils, valveDrv := buildDrivers(cfg, defCal)

	sensors, err := sensor.New(ambient, soils, cals, sensor.Config{
		ReadTimeout:          cfg.Sensors.ReadTimeout,
		MaxConsecutiveErrors: cfg.Sensors.MaxConsecutiveErrors,
		AmbientRetries:       cfg.Sensors.AmbientRetries,
	}, log.Named("sensor"), nil)
	if err != nil {
		log.Fatalw("build sensor manager", "err", err)
	}

	valveIDs := make([]model.ValveID, len(cfg.Valves.Pins))
	for i := range valveIDs {
		valveIDs[i] = model.ValveID(i)
	}
	act := valve.New(valveDrv, valveIDs, log.Named("valve"), nil)

	broker, err := mqtt.Dial(ctx, mqtt.Config{
		Host:     cfg.MQTT.Host,
		Port:     cfg.MQTT.Port,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		ClientID: cfg.MQTT.ClientID,
	}, log.Named("mqtt"))
	if err != nil {
		log.Fatalw("dial broker", "err", err)
	}
	defer broker.Close()

	guard := watchdog.New(nil)
	ctrl, err := core.New(cfg.Control, model.ValveID(cfg.Valves.Primary), core.Deps{
		Sensors: sensors,
		Valves:  act,
		Guard:   guard,
		Ladder: offline.New(offline.Config{
			NormalFloor:    cfg.Offline.NormalFloor,
			WarningFloor:   cfg.Offline.WarningFloor,
			CriticalFloor:  cfg.Offline.CriticalFloor,
			Hysteresis:     cfg.Offline.Hysteresis,
			NormalEvery:    cfg.Offline.NormalEvery,
			WarningEvery:   cfg.Offline.WarningEvery,
			CriticalEvery:  cfg.Offline.CriticalEvery,
			EmergencyEvery: cfg.Offline.EmergencyEvery,
		}, log.Named("offline")),
		Store: st,
		Net:   broker,
		Log:   log.Named("core"),
	})
	if err != nil {
		log.Fatalw("build control core", "err", err)
	}
	defer func() {
		if err := ctrl.Shutdown(); err != nil {
			log.Errorw("valve shutdown failed", "err", err)
		}
	}()

	notifier := notify.New(cfg.Webhook.URL, cfg.Device.MAC,
		cfg.Webhook.Timeout, cfg.Webhook.MaxRetries, log.Named("notify"))

	tel, err := telemetry.New(broker, telemetry.Config{
		MAC:      cfg.Device.MAC,
		Name:     cfg.Device.Name,
		Location: cfg.Device.Location,
		Crop:     cfg.Device.Crop,
	}, ctrl, notifier, log.Named("telemetry"), nil)
	if err != nil {
		log.Fatalw("build telemetry", "err", err)
	}
	tel.Start()

	magent := metrics.New(metrics.Sources{
		Probes:    sensors.Probes(),
		Snapshot:  ctrl.Snapshot,
		Reading:   ctrl.LastReading,
		Sensors:   sensors.Status,
		Valve:     act.Stats,
		Watchdog:  guard.Stats,
		Telemetry: tel.Stats,
		Notify:    notifier.Stats,
	})

	router := status.NewRouter(status.Deps{
		Snapshot: ctrl.Snapshot,
		Reading:  ctrl.LastReading,
		Sensors:  sensors.Status,
		Ready:    func() bool { return ctrl.Snapshot().Stats.Ticks > 0 },
		Calibrate: func(probe int, c model.Calibration) error {
			if err := sensors.SetCalibration(probe, c); err != nil {
				return err
			}
			if err := st.SetCalibration(probe, c); err != nil {
				return fmt.Errorf("persist calibration: %w", err)
			}
			return nil
		},
		ResetErrors: sensors.ResetErrors,
		Metrics:     promhttp.HandlerFor(magent.Registry(), promhttp.HandlerOpts{}),
	}, log.Named("http"))

	hs := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Infow("http listening", "addr", cfg.HTTP.Addr)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("http server failed", "err", err)
			stop()
		}
	}()

	go notifier.Run(ctx)
	go tel.Run(ctx, ctrl.Reports(), ctrl.Events())

	loopDone := make(chan error, 1)
	go func() { loopDone <- ctrl.Run(ctx) }()

	<-ctx.Done()
	log.Infow("shutting down")

	shCtx, shCancel := context.WithTimeout(context.Background(), httpShutdownGrace)
	defer shCancel()
	_ = hs.Shutdown(shCtx)

	if err := <-loopDone; err != nil && !errors.Is(err, context.Canceled) {
		log.Warnw("control loop exited", "err", err)
	}
	// ctrl.Shutdown (deferred) closes every valve before the process ends.
}

// buildDrivers selects between the GPIO/IIO hardware stack and the
// self-contained simulation world.
func buildDrivers(cfg *config.Config, defCal model.Calibration) (sensor.AmbientDriver, []sensor.SoilDriver, valve.Driver) {
	soils := make([]sensor.SoilDriver, cfg.Sensors.SoilCount)

	if cfg.Hardware.Simulate {
		world := driver.NewWorld(cfg.Sensors.SoilCount, defCal, time.Now().UnixNano())
		for i := range soils {
			soils[i] = driver.NewSimSoil(world, i)
		}
		return driver.NewSimAmbient(world), soils, driver.NewSimValves(world)
	}

	for i := range soils {
		soils[i] = driver.NewSysfsSoil(fmt.Sprintf(cfg.Sensors.SoilRawPathTemplate, i))
	}
	pins := make(map[model.ValveID]int, len(cfg.Valves.Pins))
	for i, p := range cfg.Valves.Pins {
		pins[model.ValveID(i)] = p
	}
	return driver.NewSysfsAmbient(cfg.Sensors.AmbientTempPath, cfg.Sensors.AmbientHumidityPath),
		soils, driver.NewRPiValves(pins)
}

// initLogger builds the process logger from configuration: json for the
// fleet collectors, console for a developer terminal.
func initLogger(cfg config.LoggingConfig) *zap.Logger {
	level := zap.InfoLevel
	if err := level.Set(cfg.Level); err != nil {
		fmt.Fprintf(os.Stderr, "config: unknown log level %q, using info\n", cfg.Level)
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger build failed: %v, using example logger\n", err)
		return zap.NewExample()
	}
	return logger
}
