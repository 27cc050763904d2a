package sink

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chaz8081/vson-monitor/internal/ble"
	"github.com/chaz8081/vson-monitor/internal/ble/protocol"
)

// doneToken is an already-completed mqtt.Token.
type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type publishedMessage struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeMQTT struct {
	mu           sync.Mutex
	messages     []publishedMessage
	disconnected bool
}

func (f *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, publishedMessage{topic, qos, retained, payload.([]byte)})
	return doneToken{}
}

func (f *fakeMQTT) byTopic(prefix string) []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publishedMessage
	for _, m := range f.messages {
		if strings.HasPrefix(m.topic, prefix) {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeMQTT) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

var (
	_ MQTTPublisher = mqtt.Client(nil)
	_ MQTTCloser    = mqtt.Client(nil)
)

func TestMQTTPublishesState(t *testing.T) {
	fake := &fakeMQTT{}
	s := NewMQTT(fake, MQTTOptions{TopicPrefix: "home/vson/", QoS: 1})

	s.Publish(ble.BatteryUpdate{EventSource: testSource, Percent: 77})
	s.Publish(testReading(protocol.KindCurrent))

	msgs := fake.byTopic("home/vson/000123/state")
	if len(msgs) != 1 {
		t.Fatalf("state messages = %d, want 1", len(msgs))
	}
	m := msgs[0]
	if m.qos != 1 || m.retained {
		t.Errorf("qos=%d retained=%v, want 1 false", m.qos, m.retained)
	}
	var got map[string]any
	if err := json.Unmarshal(m.payload, &got); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"pm25": 18.0, "pm1": 12.0, "pm10": 22.0, "particles": 397.13, "battery": 77.0, "flag": "current",
		"timestamp": "2025-01-15T14:30:47Z"}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
}

func TestMQTTDiscoveryOncePerDevice(t *testing.T) {
	fake := &fakeMQTT{}
	s := NewMQTT(fake, MQTTOptions{Discovery: true})

	streaming := ble.StateChanged{EventSource: testSource, State: ble.StateStreaming}
	s.Publish(streaming)
	s.Publish(ble.StateChanged{EventSource: testSource, State: ble.StateIdle})
	s.Publish(streaming)

	configs := fake.byTopic(DiscoveryPrefix + "/")
	if len(configs) != len(discoverySensors) {
		t.Fatalf("discovery messages = %d, want %d", len(configs), len(discoverySensors))
	}
	for _, m := range configs {
		if !m.retained {
			t.Errorf("%s not retained", m.topic)
		}
	}

	var pm25 discoveryConfig
	for _, m := range configs {
		if m.topic == "homeassistant/sensor/vson_000123_pm25/config" {
			if err := json.Unmarshal(m.payload, &pm25); err != nil {
				t.Fatal(err)
			}
		}
	}
	if pm25.UniqueID != "vson_000123_pm25" {
		t.Fatalf("pm25 config missing or wrong: %+v", pm25)
	}
	if pm25.StateTopic != "vson/000123/state" || pm25.ValueTemplate != "{{ value_json.pm25 }}" {
		t.Errorf("pm25 config = %+v", pm25)
	}
	if pm25.Device.Model != "WP6810" || pm25.DeviceClass != "pm25" {
		t.Errorf("pm25 device = %+v class %q", pm25.Device, pm25.DeviceClass)
	}
	wantAvail := []discoveryAvailability{{Topic: "vson/000123/availability"}, {Topic: "vson/status"}}
	if len(pm25.Availability) != 2 || pm25.Availability[0] != wantAvail[0] || pm25.Availability[1] != wantAvail[1] || pm25.AvailabilityMode != "all" {
		t.Errorf("pm25 availability = %+v mode %q, want %+v mode all", pm25.Availability, pm25.AvailabilityMode, wantAvail)
	}

	avail := fake.byTopic("vson/000123/availability")
	var states []string
	for _, m := range avail {
		states = append(states, string(m.payload))
	}
	if strings.Join(states, ",") != "online,offline,online" {
		t.Errorf("availability = %v", states)
	}
}

func TestMQTTNoDiscoveryWhenDisabled(t *testing.T) {
	fake := &fakeMQTT{}
	s := NewMQTT(fake, MQTTOptions{})
	s.Publish(ble.StateChanged{EventSource: testSource, State: ble.StateStreaming})
	if got := fake.byTopic(DiscoveryPrefix); len(got) != 0 {
		t.Errorf("discovery published while disabled: %d messages", len(got))
	}
}

func TestDiscoveryTopic(t *testing.T) {
	if got := DiscoveryTopic("000123", "battery"); got != "homeassistant/sensor/vson_000123_battery/config" {
		t.Errorf("DiscoveryTopic() = %q", got)
	}
}

func TestMQTTClientOptionsSetLastWill(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		want   string
	}{
		{"default prefix", "", "vson/status"},
		{"custom prefix", "home/air/", "home/air/status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := newMQTTClientOptions(MQTTClientOptions{Broker: "tcp://localhost:1883", TopicPrefix: tt.prefix, QoS: 1})
			if !opts.WillEnabled || opts.WillTopic != tt.want || string(opts.WillPayload) != "offline" || !opts.WillRetained || opts.WillQos != 1 {
				t.Errorf("will = enabled %v topic %q payload %q retained %v qos %d, want retained offline on %q",
					opts.WillEnabled, opts.WillTopic, opts.WillPayload, opts.WillRetained, opts.WillQos, tt.want)
			}
			if !strings.HasPrefix(opts.ClientID, "vson-monitor-") {
				t.Errorf("ClientID = %q", opts.ClientID)
			}
		})
	}
}

func TestDisconnectMQTTPublishesOffline(t *testing.T) {
	fake := &fakeMQTT{}
	DisconnectMQTT(fake, "vson", 1)

	msgs := fake.byTopic("vson/status")
	if len(msgs) != 1 || string(msgs[0].payload) != "offline" || !msgs[0].retained {
		t.Errorf("status messages = %+v, want one retained offline", msgs)
	}
	if !fake.disconnected {
		t.Error("client not disconnected")
	}
}
