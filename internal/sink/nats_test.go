package sink

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/chaz8081/vson-monitor/internal/ble"
	"github.com/chaz8081/vson-monitor/internal/ble/protocol"
)

type natsMessage struct {
	subject string
	data    []byte
}

type fakeNATS struct {
	mu   sync.Mutex
	msgs []natsMessage
	err  error
}

func (f *fakeNATS) Publish(subj string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, natsMessage{subj, data})
	return f.err
}

var _ NATSPublisher = (*nats.Conn)(nil)

func TestNATSSubjects(t *testing.T) {
	fake := &fakeNATS{}
	s := NewNATS(fake, "sensors.vson.")

	s.Publish(testReading(protocol.KindHistorical))
	s.Publish(ble.BatteryUpdate{EventSource: testSource, Percent: 50})
	s.Publish(ble.StateChanged{EventSource: testSource, State: ble.StateStreaming})

	want := []string{
		"sensors.vson.000123.reading",
		"sensors.vson.000123.battery",
		"sensors.vson.000123.state",
	}
	if len(fake.msgs) != len(want) {
		t.Fatalf("published %d messages, want %d", len(fake.msgs), len(want))
	}
	for i, w := range want {
		if fake.msgs[i].subject != w {
			t.Errorf("subject %d = %q, want %q", i, fake.msgs[i].subject, w)
		}
	}

	var doc map[string]any
	if err := json.Unmarshal(fake.msgs[0].data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc["kind"] != "history" || doc["type"] != "reading" {
		t.Errorf("reading doc = %v", doc)
	}
}

func TestNATSPublishErrorDoesNotPanic(t *testing.T) {
	fake := &fakeNATS{err: errors.New("nats: connection closed")}
	NewNATS(fake, "").Publish(ble.BatteryUpdate{EventSource: testSource, Percent: 1})
	if len(fake.msgs) != 1 || fake.msgs[0].subject != "vson.000123.battery" {
		t.Errorf("msgs = %+v", fake.msgs)
	}
}

func TestSubjectToken(t *testing.T) {
	tests := map[string]string{
		"000123":  "000123",
		"a.b":     "a_b",
		"x*y>z w": "x_y_z_w",
		"":        "unknown",
	}
	for in, want := range tests {
		if got := subjectToken(in); got != want {
			t.Errorf("subjectToken(%q) = %q, want %q", in, got, want)
		}
	}
}
