// recorder is the fleet-side telemetry sink: it subscribes to every
// controller's data and status topics and writes the documents to
// InfluxDB.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"go.uber.org/zap"

	"github.com/tbertani/soilguard/internal/model/wire"
	"github.com/tbertani/soilguard/internal/recorder"
	"github.com/tbertani/soilguard/pkg/mqtt"
)

const (
	httpShutdownGrace = 5 * time.Second
	readyMinQuiet     = 2 * time.Second
)

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func main() {
	cfg := struct {
		MQTT mqtt.Config

		InfluxURL    string
		InfluxToken  string
		InfluxOrg    string
		InfluxBucket string

		BatchSize     int
		FlushInterval time.Duration

		HTTPPort int
	}{
		MQTT: mqtt.Config{
			Host:     envStr("RECORDER_MQTT_HOST", "localhost"),
			Port:     envInt("RECORDER_MQTT_PORT", 1883),
			Username: envStr("RECORDER_MQTT_USERNAME", ""),
			Password: os.Getenv("RECORDER_MQTT_PASSWORD"),
			ClientID: envStr("HOSTNAME", "soilguard-recorder"),
		},

		InfluxURL:    envStr("RECORDER_INFLUX_URL", "http://localhost:8086"),
		InfluxToken:  os.Getenv("RECORDER_INFLUX_TOKEN"),
		InfluxOrg:    envStr("RECORDER_INFLUX_ORG", "soilguard"),
		InfluxBucket: envStr("RECORDER_INFLUX_BUCKET", "telemetry"),

		BatchSize:     envInt("RECORDER_WRITE_BATCH_SIZE", 20),
		FlushInterval: time.Duration(envInt("RECORDER_WRITE_FLUSH_INTERVAL_MS", 500)) * time.Millisecond,

		HTTPPort: envInt("RECORDER_HTTP_PORT", 8081),
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger build failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := influxdb2.DefaultOptions().
		SetBatchSize(uint(cfg.BatchSize)).
		SetFlushInterval(uint(cfg.FlushInterval.Milliseconds()))
	influx := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts)
	defer influx.Close()
	writeAPI := influx.WriteAPI(cfg.InfluxOrg, cfg.InfluxBucket)

	broker, err := mqtt.Dial(ctx, cfg.MQTT, log.Named("mqtt"))
	if err != nil {
		log.Fatalw("dial broker", "err", err)
	}
	defer broker.Close()

	svc := recorder.New(
		mqtt.NewConsumer(broker, wire.DataWildcard, 0, nil),
		mqtt.NewConsumer(broker, wire.StatusWildcard, 0, nil),
		writeAPI, log.Named("recorder"), nil)

	m := http.NewServeMux()
	m.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		doc := struct {
			Status          string  `json:"status"`
			MQTTConnected   bool    `json:"mqtt_connected"`
			LastWriteErrorS float64 `json:"last_write_error_age_sec"`
		}{
			MQTTConnected:   broker.Online(),
			LastWriteErrorS: svc.LastErrorAge().Seconds(),
		}
		switch {
		case doc.MQTTConnected && svc.LastErrorAge() > readyMinQuiet:
			doc.Status = "ok"
		case doc.MQTTConnected:
			doc.Status = "degraded"
		default:
			doc.Status = "down"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	})
	m.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		ready := broker.Online() && svc.LastErrorAge() > readyMinQuiet
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(struct {
			Ready bool `json:"ready"`
		}{Ready: ready})
	})

	hs := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           m,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Infow("http listening", "port", cfg.HTTPPort)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("http server failed", "err", err)
			stop()
		}
	}()

	log.Infow("recorder running",
		"data_topic", wire.DataWildcard, "status_topic", wire.StatusWildcard,
		"bucket", cfg.InfluxBucket)
	svc.Run(ctx)

	log.Infow("shutting down")
	shCtx, shCancel := context.WithTimeout(context.Background(), httpShutdownGrace)
	defer shCancel()
	_ = hs.Shutdown(shCtx)

	// Let the batched writer drain before the client closes.
	writeAPI.Flush()
}
