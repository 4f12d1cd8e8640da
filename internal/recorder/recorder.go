// Package recorder drains the device telemetry topics into InfluxDB.
// It is the fleet-side companion of the field agent: one instance per
// broker, subscribed to the data and status wildcards.
package recorder

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"github.com/tbertani/soilguard/internal/model/wire"
	"github.com/tbertani/soilguard/pkg/mqtt"
)

const (
	measurementSoil    = "soil_moisture"
	measurementAmbient = "ambient"
	measurementStatus  = "controller_status"
)

// Stats counts the recorder's intake since boot.
type Stats struct {
	DataPoints   uint64
	StatusPoints uint64
	BadTopics    uint64
	BadPayloads  uint64
}

// PointWriter is the slice of influxdb2's asynchronous write API the
// recorder needs. api.WriteAPI satisfies it.
type PointWriter interface {
	WritePoint(point *write.Point)
	Errors() <-chan error
}

// Service consumes the two telemetry wildcards and writes points. The
// write API is asynchronous; write errors surface on its error channel
// and are folded into LastErrorAge for the health surface.
type Service struct {
	data   mqtt.IConsumer[wire.SensorData]
	status mqtt.IConsumer[wire.Status]
	writer PointWriter
	log    *zap.SugaredLogger
	now    func() time.Time

	mu      sync.Mutex
	lastErr time.Time
	stats   Stats
}

// New wires the consumers to the write API and starts the error
// listener. now may be nil for the wall clock.
func New(data mqtt.IConsumer[wire.SensorData], status mqtt.IConsumer[wire.Status],
	writer PointWriter, log *zap.SugaredLogger, now func() time.Time) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if now == nil {
		now = time.Now
	}
	s := &Service{
		data:   data,
		status: status,
		writer: writer,
		log:    log,
		now:    now,
		// Start "long ago" so a fresh process reports healthy.
		lastErr: now().Add(-24 * time.Hour),
	}
	if writer != nil {
		go func() {
			for err := range writer.Errors() {
				if err == nil {
					continue
				}
				s.mu.Lock()
				s.lastErr = s.now()
				s.mu.Unlock()
				s.log.Errorw("influx write failed", "err", err)
			}
		}()
	}
	return s
}

// Run consumes both topics until the context ends.
func (s *Service) Run(ctx context.Context) {
	s.data.SetHandler(s.onData)
	s.status.SetHandler(s.onStatus)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.data.ConsumeMessage(ctx)
	}()
	go func() {
		defer wg.Done()
		s.status.ConsumeMessage(ctx)
	}()
	wg.Wait()
}

// LastErrorAge reports how long the write path has been error-free.
func (s *Service) LastErrorAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.lastErr)
}

// Stats returns a copy of the intake counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Service) onData(topic string, msg paho.Message) error {
	crop, mac, err := wire.ParseDataTopic(topic)
	if err != nil {
		s.count(func(st *Stats) { st.BadTopics++ })
		s.log.Warnw("unparseable data topic", "topic", topic)
		return nil // keep the stream moving
	}
	var doc wire.SensorData
	if err := json.Unmarshal(msg.Payload(), &doc); err != nil {
		s.count(func(st *Stats) { st.BadPayloads++ })
		s.log.Warnw("invalid sensor data payload", "topic", topic, "err", err)
		return nil
	}
	at := s.now()
	specs := dataSpecs(crop, mac, doc)
	for _, sp := range specs {
		s.writer.WritePoint(influxdb2.NewPoint(sp.measurement, sp.tags, sp.fields, at))
	}
	s.count(func(st *Stats) { st.DataPoints += uint64(len(specs)) })
	return nil
}

func (s *Service) onStatus(topic string, msg paho.Message) error {
	mac, err := wire.ParseStatusTopic(topic)
	if err != nil {
		s.count(func(st *Stats) { st.BadTopics++ })
		s.log.Warnw("unparseable status topic", "topic", topic)
		return nil
	}
	// The status topic carries both periodic status documents and event
	// documents; events have their own store and are skipped here.
	var probe struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(msg.Payload(), &probe); err != nil || probe.State == "" {
		return nil
	}
	var doc wire.Status
	if err := json.Unmarshal(msg.Payload(), &doc); err != nil {
		s.count(func(st *Stats) { st.BadPayloads++ })
		s.log.Warnw("invalid status payload", "topic", topic, "err", err)
		return nil
	}
	sp := statusSpec(mac, doc)
	s.writer.WritePoint(influxdb2.NewPoint(sp.measurement, sp.tags, sp.fields, s.now()))
	s.count(func(st *Stats) { st.StatusPoints++ })
	return nil
}

func (s *Service) count(f func(*Stats)) {
	s.mu.Lock()
	f(&s.stats)
	s.mu.Unlock()
}

// pointSpec is a point before assembly, kept as plain maps so the
// schema is testable without a write API.
type pointSpec struct {
	measurement string
	tags        map[string]string
	fields      map[string]any
}

// dataSpecs flattens one sensor data document. Null slots mean the
// sensor was failing and produce no point at all: absence, not zero.
func dataSpecs(crop, mac string, d wire.SensorData) []pointSpec {
	specs := make([]pointSpec, 0, len(d.Soil)+1)
	if d.Temperature != nil && d.Humidity != nil {
		specs = append(specs, pointSpec{
			measurement: measurementAmbient,
			tags:        map[string]string{"crop": crop, "device": mac},
			fields: map[string]any{
				"temperature": float64(*d.Temperature),
				"humidity":    float64(*d.Humidity),
			},
		})
	}
	for i, p := range d.Soil {
		if p == nil {
			continue
		}
		specs = append(specs, pointSpec{
			measurement: measurementSoil,
			tags: map[string]string{
				"crop":   crop,
				"device": mac,
				"probe":  strconv.Itoa(i),
			},
			fields: map[string]any{"percent": float64(*p)},
		})
	}
	return specs
}

// statusSpec maps one status document onto the controller_status
// measurement.
func statusSpec(mac string, st wire.Status) pointSpec {
	return pointSpec{
		measurement: measurementStatus,
		tags:        map[string]string{"device": mac},
		fields: map[string]any{
			"state":               st.State,
			"mode":                st.Mode,
			"session_elapsed_sec": st.SessionElapsedSec,
			"active_valve":        st.ActiveValve,
			"last_soil_avg":       float64(st.LastSoilAvg),
		},
	}
}
