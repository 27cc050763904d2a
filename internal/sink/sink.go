// Package sink turns session events into output: console lines, JSON
// documents, MQTT and NATS messages, and Prometheus metrics.
//
// Every sink here is safe for concurrent use, since each supervised device
// publishes from its own goroutine.
package sink

import (
	"math"
	"sync"

	"github.com/chaz8081/vson-monitor/internal/ble"
)

// Multi publishes each event to every sink in order.
type Multi []ble.Sink

func (m Multi) Publish(ev ble.Event) {
	for _, s := range m {
		s.Publish(ev)
	}
}

// HistoryFilter drops readings replayed from device memory and passes
// everything else through.
func HistoryFilter(next ble.Sink) ble.Sink {
	return ble.SinkFunc(func(ev ble.Event) {
		if r, ok := ev.(ble.ReadingEvent); ok && r.Historical() {
			return
		}
		next.Publish(ev)
	})
}

// batteryTracker remembers the last battery level per device so readings
// can be reported together with it.
type batteryTracker struct {
	mu     sync.Mutex
	levels map[string]uint8
}

func (b *batteryTracker) observe(ev ble.Event) {
	u, ok := ev.(ble.BatteryUpdate)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.levels == nil {
		b.levels = make(map[string]uint8)
	}
	b.levels[u.Device.MAC] = u.Percent
}

// level returns nil until a battery update has been seen for mac.
func (b *batteryTracker) level(mac string) *uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.levels[mac]
	if !ok {
		return nil
	}
	return &v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
