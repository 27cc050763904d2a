package sink

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chaz8081/vson-monitor/internal/ble"
	"github.com/chaz8081/vson-monitor/internal/ble/protocol"
)

// Metrics exports device state as Prometheus metrics. Gauges follow live
// readings only; readings replayed from history are counted but do not
// move them.
type Metrics struct {
	readings        *prometheus.CounterVec
	missed          *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	connectAttempts *prometheus.CounterVec
	sessionEnds     *prometheus.CounterVec
	battery         *prometheus.GaugeVec
	pm              *prometheus.GaugeVec
	particles       *prometheus.GaugeVec
	state           *prometheus.GaugeVec
	lastReading     *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vson_readings_total",
			Help: "Decoded DATA frames by kind (current or history).",
		}, []string{"serial", "kind"}),
		missed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vson_readings_missed_total",
			Help: "Records skipped according to the device record counter.",
		}, []string{"serial"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vson_packets_dropped_total",
			Help: "Notifications that failed to decode.",
		}, []string{"serial", "characteristic", "reason"}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vson_connect_attempts_total",
			Help: "Connection attempts started.",
		}, []string{"serial"}),
		sessionEnds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vson_session_failures_total",
			Help: "Sessions that failed or were torn down, by reason.",
		}, []string{"serial", "reason"}),
		battery: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vson_battery_percent",
			Help: "Last reported battery level.",
		}, []string{"serial"}),
		pm: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vson_pm_ugm3",
			Help: "Particulate matter concentration in µg/m³.",
		}, []string{"serial", "size"}),
		particles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vson_particles",
			Help: "Particle count derived from PM2.5.",
		}, []string{"serial"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vson_session_state",
			Help: "Current session state (0 idle, 6 streaming, 8 failed).",
		}, []string{"serial"}),
		lastReading: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vson_last_reading_timestamp_seconds",
			Help: "Unix time the last live reading was received.",
		}, []string{"serial"}),
	}

	for _, c := range []prometheus.Collector{
		m.readings, m.missed, m.dropped, m.connectAttempts, m.sessionEnds,
		m.battery, m.pm, m.particles, m.state, m.lastReading,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Publish(ev ble.Event) {
	serial := ev.Source().Device.Serial

	switch e := ev.(type) {
	case ble.ReadingEvent:
		m.readings.WithLabelValues(serial, e.Reading.Kind.String()).Inc()
		if e.Missed > 0 {
			m.missed.WithLabelValues(serial).Add(float64(e.Missed))
		}
		if e.Historical() {
			return
		}
		m.pm.WithLabelValues(serial, "pm1").Set(float64(e.Reading.PM1))
		m.pm.WithLabelValues(serial, "pm2.5").Set(float64(e.Reading.PM25))
		m.pm.WithLabelValues(serial, "pm10").Set(float64(e.Reading.PM10))
		m.particles.WithLabelValues(serial).Set(e.ParticleCount)
		m.lastReading.WithLabelValues(serial).Set(float64(e.Received.UnixNano()) / 1e9)

	case ble.BatteryUpdate:
		m.battery.WithLabelValues(serial).Set(float64(e.Percent))

	case ble.PacketDropped:
		m.dropped.WithLabelValues(serial, e.Characteristic, dropReason(e.Err)).Inc()

	case ble.StateChanged:
		m.state.WithLabelValues(serial).Set(float64(e.State))
		switch e.State {
		case ble.StateConnecting:
			m.connectAttempts.WithLabelValues(serial).Inc()
		case ble.StateFailed, ble.StateClosing:
			if e.Err != nil {
				m.sessionEnds.WithLabelValues(serial, endReason(e.Err)).Inc()
			}
		}
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrMalformedPacket):
		return "malformed"
	case errors.Is(err, protocol.ErrUnknownVariant):
		return "unknown_variant"
	default:
		return "other"
	}
}

func endReason(err error) string {
	switch {
	case errors.Is(err, ble.ErrConnect):
		return "connect"
	case errors.Is(err, ble.ErrSubscription):
		return "subscription"
	case errors.Is(err, ble.ErrHandshakeTimeout):
		return "handshake_timeout"
	case errors.Is(err, ble.ErrDisconnected):
		return "disconnected"
	case errors.Is(err, ble.ErrInactive):
		return "inactive"
	default:
		return "other"
	}
}
