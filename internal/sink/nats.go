package sink

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/chaz8081/vson-monitor/internal/ble"
)

// NATSPublisher is the part of *nats.Conn the sink needs.
type NATSPublisher interface {
	Publish(subj string, data []byte) error
}

// NATS publishes every event as a JSON document on
// <prefix>.<serial>.<type>, e.g. vson.000123.reading.
type NATS struct {
	conn    NATSPublisher
	prefix  string
	battery batteryTracker
}

func NewNATS(conn NATSPublisher, subjectPrefix string) *NATS {
	if subjectPrefix == "" {
		subjectPrefix = "vson"
	}
	return &NATS{conn: conn, prefix: strings.TrimSuffix(subjectPrefix, ".")}
}

// Subject returns the subject events of type typ from serial go to.
func (n *NATS) Subject(serial, typ string) string {
	return n.prefix + "." + subjectToken(serial) + "." + typ
}

func (n *NATS) Publish(ev ble.Event) {
	n.battery.observe(ev)
	typ := TypeOf(ev)
	if typ == "" {
		return
	}
	data, err := json.Marshal(Document(ev, n.battery.level))
	if err != nil {
		slog.Warn("[NATS] encode event failed", "type", typ, "error", err)
		return
	}
	subject := n.Subject(ev.Source().Device.Serial, typ)
	// nats.Conn buffers internally, so Publish does not block on the network.
	if err := n.conn.Publish(subject, data); err != nil {
		slog.Warn("[NATS] publish failed", "subject", subject, "error", err)
	}
}

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// subjectToken makes s safe to use as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "unknown"
	}
	return subjectReplacer.Replace(s)
}

// ConnectNATS connects to url and keeps reconnecting for the life of the
// process.
func ConnectNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("vson-monitor"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("[NATS] disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("[NATS] reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("sink: nats connect to %s: %w", url, err)
	}
	slog.Info("[NATS] connected", "url", nc.ConnectedUrl())
	return nc, nil
}
