package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/vson-monitor/internal/ble/protocol"
)

// WatchDevices reports every advertisement from a supported sensor until
// ctx is cancelled. found may be called repeatedly for the same device as
// its RSSI changes.
func WatchDevices(ctx context.Context, adapter Adapter, found func(Device, protocol.Identity)) error {
	err := adapter.Scan(ctx, func(d Device) {
		if !protocol.IsSupportedName(d.Name) {
			return
		}
		found(d, protocol.NewIdentity(d.MAC, d.Name))
	})
	if err != nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

// ScanForDevices scans for supported sensors for the given duration and
// returns each one once, in discovery order.
func ScanForDevices(adapter Adapter, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)
	err := WatchDevices(ctx, adapter, func(d Device, _ protocol.Identity) {
		mac := strings.ToUpper(d.MAC)
		mu.Lock()
		defer mu.Unlock()
		if seen[mac] {
			return
		}
		seen[mac] = true
		devices = append(devices, d)
	})
	if err != nil {
		return nil, err
	}
	return devices, nil
}

// ResolveIdentity scans for up to timeout to read the advertised name of
// mac, which carries the model and serial. If the device is not seen, the
// serial is derived from the MAC instead.
func ResolveIdentity(ctx context.Context, adapter Adapter, mac string, timeout time.Duration) protocol.Identity {
	want := strings.ToUpper(mac)
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu   sync.Mutex
		name string
	)
	err := adapter.Scan(scanCtx, func(d Device) {
		if strings.ToUpper(d.MAC) != want || d.Name == "" {
			return
		}
		mu.Lock()
		if name == "" {
			name = d.Name
		}
		mu.Unlock()
		cancel()
	})
	if err != nil {
		slog.Warn("[BLE] scan for device name failed", "device", want, "error", err)
	}
	mu.Lock()
	defer mu.Unlock()

	id := protocol.NewIdentity(want, name)
	if name == "" {
		slog.Warn("[BLE] device not seen while scanning, using MAC as serial", "device", want, "serial", id.Serial)
	} else {
		slog.Info("[BLE] found device", "device", want, "name", name, "model", id.Model, "serial", id.Serial)
	}
	return id
}
