// Package telemetry binds the control core to the fleet MQTT contract:
// registration on every (re)connect, sensor-data and status documents
// each cycle, event notifications, and the control subscription with
// redelivery dedup.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/tbertani/soilguard/internal/core"
	"github.com/tbertani/soilguard/internal/model"
	"github.com/tbertani/soilguard/internal/model/wire"
	"github.com/tbertani/soilguard/pkg/dedup"
)

// Broker is the slice of the MQTT client this layer uses.
type Broker interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler paho.MessageHandler)
	OnConnect(fn func())
	Online() bool
}

// Submitter accepts remote commands; satisfied by the command arbiter.
type Submitter interface {
	Submit(cmd model.Command) error
}

// Notifier receives a copy of every outbound event; satisfied by the
// webhook notifier.
type Notifier interface {
	Notify(ev model.Event)
}

// Config identifies this device on the fleet topics.
type Config struct {
	MAC      string
	Name     string
	Location string
	Crop     string
}

const (
	// Data and status documents are superseded by the next cycle; a
	// lost one costs nothing. Commands, events and the registration
	// must survive one broker hiccup.
	qosTelemetry = 0
	qosReliable  = 1

	// The dedup window only has to outlive the broker's QoS1 redelivery
	// cycle. Longer would start eating deliberate repeats of the same
	// command document.
	dedupTTL = 2 * time.Minute
	dedupMax = 4096
)

// Stats counts this layer's traffic.
type Stats struct {
	Registrations   uint64
	DataPublished   uint64
	StatusPublished uint64
	EventsPublished uint64
	PublishFailures uint64
	Commands        uint64
	CommandRejects  uint64
	Duplicates      uint64
	BadPayloads     uint64
}

// Service pumps core reports and events onto the fleet topics and feeds
// inbound control documents to the arbiter.
type Service struct {
	broker Broker
	cfg    Config
	submit Submitter
	notify Notifier
	dedup  *dedup.Deduper
	log    *zap.SugaredLogger
	now    func() time.Time

	mu    sync.Mutex
	stats Stats
}

// New builds the Service. notify may be nil when no webhook is
// configured; now defaults to time.Now.
func New(b Broker, cfg Config, submit Submitter, notify Notifier,
	log *zap.SugaredLogger, now func() time.Time) (*Service, error) {

	if b == nil {
		return nil, fmt.Errorf("telemetry: broker is required")
	}
	if submit == nil {
		return nil, fmt.Errorf("telemetry: submitter is required")
	}
	if cfg.MAC == "" {
		return nil, fmt.Errorf("telemetry: device MAC is required")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if now == nil {
		now = time.Now
	}
	return &Service{
		broker: b,
		cfg:    cfg,
		submit: submit,
		notify: notify,
		dedup:  dedup.New(dedupTTL, dedupMax),
		log:    log,
		now:    now,
	}, nil
}

// Start announces the device and opens the control subscription. The
// registration is re-sent after every reconnect.
func (s *Service) Start() {
	s.broker.OnConnect(s.publishRegistration)
	s.broker.Subscribe(wire.ControlTopic(s.cfg.MAC), qosReliable, s.onControl)
}

// Run forwards core reports and events until the context ends.
func (s *Service) Run(ctx context.Context, reports <-chan core.Report, events <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case rep := <-reports:
			s.publishReport(rep)
		case ev := <-events:
			s.publishEvent(ev)
		}
	}
}

// Stats returns a copy of the traffic counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Service) publishRegistration() {
	doc := wire.NewRegistration(s.cfg.MAC, s.cfg.Name, localIP(), s.cfg.Location)
	if s.publishJSON(wire.RegisterTopic, qosReliable, doc) {
		s.count(func(st *Stats) { st.Registrations++ })
		s.log.Infow("device registered", "mac", s.cfg.MAC, "name", s.cfg.Name)
	}
}

func (s *Service) publishReport(rep core.Report) {
	data := wire.NewSensorData(s.cfg.MAC, rep.Reading)
	if s.publishJSON(wire.DataTopic(s.cfg.Crop, s.cfg.MAC), qosTelemetry, data) {
		s.count(func(st *Stats) { st.DataPublished++ })
	}

	snap := rep.Snapshot
	status := wire.NewStatus(snap.State, snap.Online, snap.SessionElapsed, snap.ActiveValve, snap.LastSoilAvg)
	if s.publishJSON(wire.StatusTopic(s.cfg.MAC), qosTelemetry, status) {
		s.count(func(st *Stats) { st.StatusPublished++ })
	}
}

func (s *Service) publishEvent(ev model.Event) {
	doc := wire.NewEvent(s.cfg.MAC, ev)
	if s.publishJSON(wire.StatusTopic(s.cfg.MAC), qosReliable, doc) {
		s.count(func(st *Stats) { st.EventsPublished++ })
	}
	if s.notify != nil {
		s.notify.Notify(ev)
	}
}

func (s *Service) publishJSON(topic string, qos byte, doc any) bool {
	payload, err := json.Marshal(doc)
	if err != nil {
		s.count(func(st *Stats) { st.PublishFailures++ })
		s.log.Errorw("encode document", "topic", topic, "err", err)
		return false
	}
	if err := s.broker.Publish(topic, qos, false, payload); err != nil {
		s.count(func(st *Stats) { st.PublishFailures++ })
		s.log.Warnw("publish failed", "topic", topic, "err", err)
		return false
	}
	return true
}

func (s *Service) onControl(_ paho.Client, msg paho.Message) {
	if s.dedup.Duplicate(msg.Payload()) {
		s.count(func(st *Stats) { st.Duplicates++ })
		s.log.Debugw("duplicate control document dropped", "topic", msg.Topic())
		return
	}
	cmd, err := decodeControl(msg.Payload(), s.now())
	if err != nil {
		s.count(func(st *Stats) { st.BadPayloads++ })
		s.log.Warnw("control document rejected", "err", err)
		return
	}
	if err := s.submit.Submit(cmd); err != nil {
		s.count(func(st *Stats) { st.CommandRejects++ })
		s.log.Warnw("command rejected", "command", cmd.Kind.String(), "err", err)
		return
	}
	s.count(func(st *Stats) { st.Commands++ })
	s.log.Infow("command accepted", "command", cmd.Kind.String(), "duration", cmd.Duration.String())
}

// decodeControl parses an inbound control document into a Command. A
// missing or non-positive duration leaves the zero value, which the
// core replaces with the configured default.
func decodeControl(payload []byte, at time.Time) (model.Command, error) {
	var doc wire.Control
	if err := json.Unmarshal(payload, &doc); err != nil {
		return model.Command{}, fmt.Errorf("decode control: %w", err)
	}
	kind, err := model.ParseCommandKind(doc.Command)
	if err != nil {
		return model.Command{}, err
	}
	cmd := model.Command{Kind: kind, ReceivedAt: at}
	if doc.DurationMinutes > 0 {
		cmd.Duration = time.Duration(doc.DurationMinutes) * time.Minute
	}
	return cmd, nil
}

func (s *Service) count(f func(*Stats)) {
	s.mu.Lock()
	f(&s.stats)
	s.mu.Unlock()
}

// localIP returns the first non-loopback IPv4 address, or "unknown"
// when no interface is up yet.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "unknown"
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.IsLoopback() {
			continue
		}
		if v4 := ipn.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return "unknown"
}
