package sink

import (
	"bytes"
	"strings"
	"testing"

	"github.com/chaz8081/vson-monitor/internal/ble"
	"github.com/chaz8081/vson-monitor/internal/ble/protocol"
)

func TestTextReading(t *testing.T) {
	var buf bytes.Buffer
	s := NewText(&buf)

	ev := testReading(protocol.KindCurrent)
	ev.Missed = 2
	s.Publish(ev)

	want := "[000123] 2025-01-15 14:30:45  PM1:   12 µg/m³  PM2.5:   18 µg/m³  PM10:   22 µg/m³  Particles:   397.12  [current]  (2 missed)\n"
	if got := buf.String(); got != want {
		t.Errorf("line =\n%q\nwant\n%q", got, want)
	}
}

func TestTextBatteryAndIgnoredEvents(t *testing.T) {
	var buf bytes.Buffer
	s := NewText(&buf)

	s.Publish(ble.BatteryUpdate{EventSource: testSource, Percent: 88})
	s.Publish(ble.UnknownNotification{EventSource: testSource, Characteristic: "SHORT"})
	s.Publish(ble.PacketDropped{EventSource: testSource, Characteristic: "DATA", Err: protocol.ErrMalformedPacket})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 || lines[0] != "[000123] Battery: 88%" {
		t.Errorf("lines = %q", lines)
	}
}

func TestTextStateLines(t *testing.T) {
	tests := []struct {
		name  string
		state ble.State
		err   error
		want  string
	}{
		{"connecting", ble.StateConnecting, nil, "[000123] state: connecting\n"},
		{"streaming", ble.StateStreaming, nil, "[000123] state: streaming\n"},
		{"closing with reason", ble.StateClosing, ble.ErrInactive, "[000123] state: closing (ble: no data from device)\n"},
		{"failed", ble.StateFailed, ble.ErrConnect, "[000123] state: failed (ble: connect failed)\n"},
		{"handshake step", ble.StateAuthenticating, nil, ""},
		{"idle", ble.StateIdle, nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			NewText(&buf).Publish(ble.StateChanged{EventSource: testSource, State: tt.state, Err: tt.err})
			if got := buf.String(); got != tt.want {
				t.Errorf("output = %q, want %q", got, tt.want)
			}
		})
	}
}
