package telemetry

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/tbertani/soilguard/internal/core"
	"github.com/tbertani/soilguard/internal/model"
)

const testMAC = "b8:27:eb:01:02:03"

type pub struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeBroker struct {
	online   bool
	pubs     []pub
	pubErr   error
	hooks    []func()
	handlers map[string]paho.MessageHandler
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{online: true, handlers: make(map[string]paho.MessageHandler)}
}

func (b *fakeBroker) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if b.pubErr != nil {
		return b.pubErr
	}
	b.pubs = append(b.pubs, pub{topic, qos, retained, append([]byte(nil), payload...)})
	return nil
}

func (b *fakeBroker) Subscribe(topic string, qos byte, handler paho.MessageHandler) {
	b.handlers[topic] = handler
}

func (b *fakeBroker) OnConnect(fn func()) {
	b.hooks = append(b.hooks, fn)
	if b.online {
		fn()
	}
}

func (b *fakeBroker) Online() bool { return b.online }

func (b *fakeBroker) reconnect() {
	for _, fn := range b.hooks {
		fn()
	}
}

func (b *fakeBroker) onTopic(topic string) []pub {
	var out []pub
	for _, p := range b.pubs {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

type fakeSubmit struct {
	cmds []model.Command
	err  error
}

func (f *fakeSubmit) Submit(cmd model.Command) error {
	if f.err != nil {
		return f.err
	}
	f.cmds = append(f.cmds, cmd)
	return nil
}

type fakeNotify struct{ evs []model.Event }

func (f *fakeNotify) Notify(ev model.Event) { f.evs = append(f.evs, ev) }

type fakeMsg struct {
	topic   string
	payload []byte
}

func (m fakeMsg) Duplicate() bool   { return false }
func (m fakeMsg) Qos() byte         { return 1 }
func (m fakeMsg) Retained() bool    { return false }
func (m fakeMsg) Topic() string     { return m.topic }
func (m fakeMsg) MessageID() uint16 { return 1 }
func (m fakeMsg) Payload() []byte   { return m.payload }
func (m fakeMsg) Ack()              {}

var testAt = time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)

func newService(t *testing.T, b *fakeBroker, sub Submitter, n Notifier) *Service {
	t.Helper()
	cfg := Config{MAC: testMAC, Name: "greenhouse-1", Location: "north bed", Crop: "tomato"}
	svc, err := New(b, cfg, sub, n, nil, func() time.Time { return testAt })
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestRegistrationOnEveryConnect(t *testing.T) {
	b := newFakeBroker()
	svc := newService(t, b, &fakeSubmit{}, nil)
	svc.Start()

	regs := b.onTopic("irrigation/register")
	if len(regs) != 1 {
		t.Fatalf("expected one registration after start, got %d", len(regs))
	}
	var doc map[string]any
	if err := json.Unmarshal(regs[0].payload, &doc); err != nil {
		t.Fatalf("decode registration: %v", err)
	}
	if doc["event_type"] != "register" || doc["mac_address"] != testMAC ||
		doc["device_name"] != "greenhouse-1" || doc["location_description"] != "north bed" {
		t.Fatalf("bad registration document: %v", doc)
	}

	b.reconnect()
	if got := len(b.onTopic("irrigation/register")); got != 2 {
		t.Fatalf("registration not repeated on reconnect: %d", got)
	}
	if svc.Stats().Registrations != 2 {
		t.Fatalf("registrations = %d, want 2", svc.Stats().Registrations)
	}
}

func TestReportPublishesDataAndStatus(t *testing.T) {
	b := newFakeBroker()
	svc := newService(t, b, &fakeSubmit{}, nil)

	rep := core.Report{
		Snapshot: core.Snapshot{
			State:          model.StateActive,
			Online:         true,
			SessionElapsed: 90 * time.Second,
			ActiveValve:    0,
			LastSoilAvg:    40,
		},
		Reading: model.Reading{
			Temperature:    24.5,
			Humidity:       55,
			AmbientQuality: model.QualityGood,
			Soil: []model.SoilSample{
				{Percent: 40, Quality: model.QualityGood},
				{Percent: model.Sentinel(), Quality: model.QualityFailed},
			},
		},
	}
	svc.publishReport(rep)

	datas := b.onTopic("irrigation/data/tomato/" + testMAC)
	if len(datas) != 1 {
		t.Fatalf("expected one data document, got %d", len(datas))
	}
	raw := string(datas[0].payload)
	// Failed probes are null on the wire, never zero.
	if !strings.Contains(raw, `"soil":[40,null]`) {
		t.Fatalf("unexpected soil encoding: %s", raw)
	}
	var data map[string]any
	if err := json.Unmarshal(datas[0].payload, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data["event_type"] != "sensor_data" || data["temperature"] != 24.5 {
		t.Fatalf("bad data document: %v", data)
	}

	stats := b.onTopic("irrigation/status/" + testMAC)
	if len(stats) != 1 {
		t.Fatalf("expected one status document, got %d", len(stats))
	}
	var status map[string]any
	if err := json.Unmarshal(stats[0].payload, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status["state"] != "active" || status["mode"] != "online" ||
		status["session_elapsed_sec"] != float64(90) || status["active_valve"] != float64(0) {
		t.Fatalf("bad status document: %v", status)
	}
}

func TestEventFanout(t *testing.T) {
	b := newFakeBroker()
	n := &fakeNotify{}
	svc := newService(t, b, &fakeSubmit{}, n)

	svc.publishEvent(model.Event{
		Type:        model.EventIrrigationOn,
		Reason:      "remote_start",
		SoilAvg:     33.5,
		Humidity:    60,
		Temperature: 25,
	})

	pubs := b.onTopic("irrigation/status/" + testMAC)
	if len(pubs) != 1 || pubs[0].qos != 1 {
		t.Fatalf("expected one QoS1 event publish, got %+v", pubs)
	}
	raw := string(pubs[0].payload)
	if !strings.Contains(raw, `"soil_moisture_prom":33.5`) {
		t.Fatalf("historical field name missing: %s", raw)
	}
	var doc map[string]any
	if err := json.Unmarshal(pubs[0].payload, &doc); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if doc["event_type"] != "irrigation_on" || doc["device_id"] != testMAC {
		t.Fatalf("bad event document: %v", doc)
	}
	if len(n.evs) != 1 || n.evs[0].Type != model.EventIrrigationOn {
		t.Fatalf("notifier did not receive the event: %+v", n.evs)
	}
}

func TestControlStartDecoded(t *testing.T) {
	b := newFakeBroker()
	sub := &fakeSubmit{}
	svc := newService(t, b, sub, nil)
	svc.Start()

	topic := "irrigation/control/" + testMAC
	h := b.handlers[topic]
	if h == nil {
		t.Fatalf("control topic not subscribed")
	}
	h(nil, fakeMsg{topic: topic, payload: []byte(`{"command":"start","duration_minutes":10}`)})

	if len(sub.cmds) != 1 {
		t.Fatalf("expected one submitted command, got %d", len(sub.cmds))
	}
	cmd := sub.cmds[0]
	if cmd.Kind != model.CommandStart || cmd.Duration != 10*time.Minute || !cmd.ReceivedAt.Equal(testAt) {
		t.Fatalf("bad command: %+v", cmd)
	}
	if svc.Stats().Commands != 1 {
		t.Fatalf("commands = %d, want 1", svc.Stats().Commands)
	}
}

func TestControlRedeliveryDropped(t *testing.T) {
	b := newFakeBroker()
	sub := &fakeSubmit{}
	svc := newService(t, b, sub, nil)
	svc.Start()

	topic := "irrigation/control/" + testMAC
	payload := []byte(`{"command":"stop"}`)
	b.handlers[topic](nil, fakeMsg{topic: topic, payload: payload})
	b.handlers[topic](nil, fakeMsg{topic: topic, payload: payload})

	if len(sub.cmds) != 1 {
		t.Fatalf("redelivery reached the arbiter: %d commands", len(sub.cmds))
	}
	if st := svc.Stats(); st.Duplicates != 1 {
		t.Fatalf("duplicates = %d, want 1", st.Duplicates)
	}
}

func TestControlBadDocumentsRejected(t *testing.T) {
	b := newFakeBroker()
	sub := &fakeSubmit{}
	svc := newService(t, b, sub, nil)
	svc.Start()

	topic := "irrigation/control/" + testMAC
	b.handlers[topic](nil, fakeMsg{topic: topic, payload: []byte(`{not json`)})
	b.handlers[topic](nil, fakeMsg{topic: topic, payload: []byte(`{"command":"fly"}`)})

	if len(sub.cmds) != 0 {
		t.Fatalf("bad documents reached the arbiter: %+v", sub.cmds)
	}
	if st := svc.Stats(); st.BadPayloads != 2 {
		t.Fatalf("bad payloads = %d, want 2", st.BadPayloads)
	}
}

func TestControlRejectionCounted(t *testing.T) {
	b := newFakeBroker()
	sub := &fakeSubmit{err: errors.New("start rejected: daily_budget")}
	svc := newService(t, b, sub, nil)
	svc.Start()

	topic := "irrigation/control/" + testMAC
	b.handlers[topic](nil, fakeMsg{topic: topic, payload: []byte(`{"command":"start"}`)})

	if st := svc.Stats(); st.CommandRejects != 1 || st.Commands != 0 {
		t.Fatalf("stats = %+v, want one reject", st)
	}
}

func TestPublishFailureCounted(t *testing.T) {
	b := newFakeBroker()
	b.pubErr = errors.New("no ack")
	svc := newService(t, b, &fakeSubmit{}, nil)

	svc.publishReport(core.Report{})
	if st := svc.Stats(); st.PublishFailures != 2 || st.DataPublished != 0 {
		t.Fatalf("stats = %+v, want two failures", st)
	}
}
