package sink

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/chaz8081/vson-monitor/internal/ble"
)

// JSON writes one JSON document per line for readings and battery
// updates. Readings carry the last battery level seen for their device.
type JSON struct {
	mu      sync.Mutex
	enc     *json.Encoder
	battery batteryTracker
}

func NewJSON(w io.Writer) *JSON {
	return &JSON{enc: json.NewEncoder(w)}
}

func (j *JSON) Publish(ev ble.Event) {
	j.battery.observe(ev)
	switch ev.(type) {
	case ble.ReadingEvent, ble.BatteryUpdate:
	default:
		return
	}
	doc := Document(ev, j.battery.level)

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(doc); err != nil {
		slog.Warn("[Sink] json write failed", "error", err)
	}
}
