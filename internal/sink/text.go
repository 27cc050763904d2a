package sink

import (
	"fmt"
	"io"
	"sync"

	"github.com/chaz8081/vson-monitor/internal/ble"
)

// Text writes readings, battery levels, device time confirmations and
// connection state changes as human-readable lines. Handshake steps and
// Idle are left out; they follow from the surrounding lines.
type Text struct {
	mu sync.Mutex
	w  io.Writer
}

var textStates = map[ble.State]bool{
	ble.StateConnecting: true,
	ble.StateStreaming:  true,
	ble.StateClosing:    true,
	ble.StateFailed:     true,
}

func NewText(w io.Writer) *Text {
	return &Text{w: w}
}

func (t *Text) Publish(ev ble.Event) {
	var line string
	switch e := ev.(type) {
	case ble.ReadingEvent:
		r := e.Reading
		line = fmt.Sprintf("[%s] %s  PM1: %4d µg/m³  PM2.5: %4d µg/m³  PM10: %4d µg/m³  Particles: %8.2f  [%s]",
			e.Device.Serial, r.Timestamp, r.PM1, r.PM25, r.PM10, e.ParticleCount, r.Kind)
		if e.Missed > 0 {
			line += fmt.Sprintf("  (%d missed)", e.Missed)
		}
	case ble.BatteryUpdate:
		line = fmt.Sprintf("[%s] Battery: %d%%", e.Device.Serial, e.Percent)
	case ble.TimeConfirmed:
		line = fmt.Sprintf("[%s] Device time: %s", e.Device.Serial, e.Timestamp)
	case ble.StateChanged:
		if !textStates[e.State] {
			return
		}
		line = fmt.Sprintf("[%s] state: %s", e.Device.Serial, e.State)
		if e.Err != nil {
			line += fmt.Sprintf(" (%v)", e.Err)
		}
	default:
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.w, line)
}
