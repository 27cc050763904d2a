package sink

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/chaz8081/vson-monitor/internal/ble"
	"github.com/chaz8081/vson-monitor/internal/ble/protocol"
)

// DiscoveryPrefix is the Home Assistant MQTT discovery root.
const DiscoveryPrefix = "homeassistant"

// MQTTPublisher is the part of mqtt.Client the sink needs.
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTOptions configures the MQTT sink.
type MQTTOptions struct {
	TopicPrefix    string        // state topics live under <prefix>/<serial>/ (default "vson")
	QoS            byte          // 0, 1 or 2
	Discovery      bool          // publish Home Assistant discovery configs
	PublishTimeout time.Duration // how long to wait for a publish ack before warning (default 5s)
}

// MQTT publishes each reading as a state document to
// <prefix>/<serial>/state and device availability to
// <prefix>/<serial>/availability. With discovery enabled, the Home
// Assistant sensor configs for a device are published (retained) the first
// time it starts streaming.
type MQTT struct {
	client  MQTTPublisher
	opts    MQTTOptions
	battery batteryTracker

	mu        sync.Mutex
	announced map[string]bool
}

func NewMQTT(client MQTTPublisher, opts MQTTOptions) *MQTT {
	opts.TopicPrefix = topicPrefix(opts.TopicPrefix)
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	return &MQTT{client: client, opts: opts, announced: make(map[string]bool)}
}

func topicPrefix(p string) string {
	if p == "" {
		p = "vson"
	}
	return strings.TrimSuffix(p, "/")
}

// StatusTopic returns the retained online/offline topic of the monitor
// process itself. The broker sets it to offline through the last will if
// the process dies without disconnecting.
func StatusTopic(prefix string) string {
	return topicPrefix(prefix) + "/status"
}

// StateTopic returns the topic readings for serial are published to.
func (m *MQTT) StateTopic(serial string) string {
	return m.opts.TopicPrefix + "/" + serial + "/state"
}

// AvailabilityTopic returns the retained online/offline topic for serial.
func (m *MQTT) AvailabilityTopic(serial string) string {
	return m.opts.TopicPrefix + "/" + serial + "/availability"
}

// statePayload is what Home Assistant value templates read.
type statePayload struct {
	Timestamp string  `json:"timestamp"`
	PM25      uint16  `json:"pm25"`
	PM1       uint16  `json:"pm1"`
	PM10      uint16  `json:"pm10"`
	Particles float64 `json:"particles"`
	Battery   *uint8  `json:"battery"`
	Flag      string  `json:"flag"`
}

func (m *MQTT) Publish(ev ble.Event) {
	m.battery.observe(ev)

	switch e := ev.(type) {
	case ble.StateChanged:
		switch e.State {
		case ble.StateStreaming:
			if m.opts.Discovery {
				m.announce(e.Device)
			}
			m.publish(m.AvailabilityTopic(e.Device.Serial), true, []byte("online"))
		case ble.StateIdle, ble.StateFailed:
			m.publish(m.AvailabilityTopic(e.Device.Serial), true, []byte("offline"))
		}

	case ble.ReadingEvent:
		payload := statePayload{
			Timestamp: e.Received.Format(time.RFC3339),
			PM25:      e.Reading.PM25,
			PM1:       e.Reading.PM1,
			PM10:      e.Reading.PM10,
			Particles: round2(e.ParticleCount),
			Battery:   m.battery.level(e.Device.MAC),
			Flag:      e.Reading.Kind.String(),
		}
		data, err := json.Marshal(payload)
		if err != nil {
			slog.Warn("[MQTT] encode state failed", "error", err)
			return
		}
		m.publish(m.StateTopic(e.Device.Serial), false, data)
	}
}

// publish sends without blocking the caller; the ack is checked in the
// background.
func (m *MQTT) publish(topic string, retained bool, data []byte) {
	token := m.client.Publish(topic, m.opts.QoS, retained, data)
	go func() {
		if !token.WaitTimeout(m.opts.PublishTimeout) {
			slog.Warn("[MQTT] publish not acknowledged", "topic", topic, "timeout", m.opts.PublishTimeout)
			return
		}
		if err := token.Error(); err != nil {
			slog.Warn("[MQTT] publish failed", "topic", topic, "error", err)
			return
		}
		slog.Debug("[MQTT] published", "topic", topic, "bytes", len(data))
	}()
}

type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SerialNumber string   `json:"serial_number,omitempty"`
}

type discoveryAvailability struct {
	Topic string `json:"topic"`
}

// discoveryConfig marks a sensor available only while both the device
// and the monitor process are online.
type discoveryConfig struct {
	Name             string                  `json:"name"`
	UniqueID         string                  `json:"unique_id"`
	StateTopic       string                  `json:"state_topic"`
	Availability     []discoveryAvailability `json:"availability"`
	AvailabilityMode string                  `json:"availability_mode"`
	ValueTemplate    string                  `json:"value_template"`
	Unit             string                  `json:"unit_of_measurement"`
	Icon             string                  `json:"icon"`
	DeviceClass      string                  `json:"device_class,omitempty"`
	StateClass       string                  `json:"state_class"`
	Device           discoveryDevice         `json:"device"`
}

type discoverySensor struct {
	name, key, unit, icon, deviceClass string
}

var discoverySensors = []discoverySensor{
	{"PM2.5", "pm25", "µg/m³", "mdi:air-filter", "pm25"},
	{"PM1", "pm1", "µg/m³", "mdi:air-filter", "pm1"},
	{"PM10", "pm10", "µg/m³", "mdi:air-filter", "pm10"},
	{"Particles", "particles", "particles", "mdi:molecule", ""},
	{"Battery", "battery", "%", "mdi:battery", "battery"},
}

// DiscoveryTopic returns the Home Assistant config topic for one sensor.
func DiscoveryTopic(serial, key string) string {
	return fmt.Sprintf("%s/sensor/vson_%s_%s/config", DiscoveryPrefix, serial, key)
}

// announce publishes discovery configs once per device.
func (m *MQTT) announce(id protocol.Identity) {
	m.mu.Lock()
	if m.announced[id.Serial] {
		m.mu.Unlock()
		return
	}
	m.announced[id.Serial] = true
	m.mu.Unlock()

	device := discoveryDevice{
		Identifiers:  []string{"vson_" + id.Serial},
		Name:         "VSON Air Quality " + id.Serial,
		Manufacturer: id.Manufacturer,
		Model:        id.Model,
		SerialNumber: id.Serial,
	}
	for _, s := range discoverySensors {
		cfg := discoveryConfig{
			Name:       s.name,
			UniqueID:   fmt.Sprintf("vson_%s_%s", id.Serial, s.key),
			StateTopic: m.StateTopic(id.Serial),
			Availability: []discoveryAvailability{
				{Topic: m.AvailabilityTopic(id.Serial)},
				{Topic: StatusTopic(m.opts.TopicPrefix)},
			},
			AvailabilityMode: "all",
			ValueTemplate:    fmt.Sprintf("{{ value_json.%s }}", s.key),
			Unit:             s.unit,
			Icon:             s.icon,
			DeviceClass:      s.deviceClass,
			StateClass:       "measurement",
			Device:           device,
		}
		data, err := json.Marshal(cfg)
		if err != nil {
			slog.Warn("[MQTT] encode discovery config failed", "sensor", s.key, "error", err)
			continue
		}
		m.publish(DiscoveryTopic(id.Serial, s.key), true, data)
	}
	slog.Info("[MQTT] Home Assistant discovery published", "serial", id.Serial)
}

// MQTTClientOptions configures the broker connection.
type MQTTClientOptions struct {
	Broker      string // e.g. tcp://localhost:1883
	ClientID    string // default vson-monitor-<uuid>
	Username    string
	Password    string
	TopicPrefix string // for the process status topic (default "vson")
	QoS         byte
}

func newMQTTClientOptions(o MQTTClientOptions) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	clientID := o.ClientID
	if clientID == "" {
		clientID = "vson-monitor-" + uuid.NewString()[:8]
	}
	opts.SetClientID(clientID)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	status := StatusTopic(o.TopicPrefix)
	opts.SetWill(status, "offline", o.QoS, true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		slog.Info("[MQTT] connected", "broker", o.Broker, "client_id", clientID)
		c.Publish(status, o.QoS, true, []byte("online"))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("[MQTT] connection lost", "broker", o.Broker, "error", err)
	})
	return opts
}

// ConnectMQTT connects to the broker. The client reconnects on its own
// after the initial connection succeeds. The process status topic is set
// online on every (re)connect and offline by the broker's last will.
func ConnectMQTT(o MQTTClientOptions) (mqtt.Client, error) {
	client := mqtt.NewClient(newMQTTClientOptions(o))
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("sink: mqtt connect to %s: timed out", o.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("sink: mqtt connect to %s: %w", o.Broker, err)
	}
	return client, nil
}

// MQTTCloser is the part of mqtt.Client DisconnectMQTT needs.
type MQTTCloser interface {
	MQTTPublisher
	Disconnect(quiesce uint)
}

// DisconnectMQTT marks the process offline and disconnects. A clean
// disconnect suppresses the last will, so the status is published here.
func DisconnectMQTT(client MQTTCloser, prefix string, qos byte) {
	token := client.Publish(StatusTopic(prefix), qos, true, []byte("offline"))
	if !token.WaitTimeout(2 * time.Second) {
		slog.Warn("[MQTT] offline status not acknowledged")
	} else if err := token.Error(); err != nil {
		slog.Warn("[MQTT] publish offline status failed", "error", err)
	}
	client.Disconnect(250)
}
