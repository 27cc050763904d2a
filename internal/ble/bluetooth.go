package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinygoAdapter wraps tinygo-org/bluetooth (BlueZ on Linux, CoreBluetooth
// on macOS). On macOS device addresses are CoreBluetooth UUIDs rather than
// MAC addresses; they are used the same way as the "MAC" everywhere else.
type TinygoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinygoConnection // keyed by upper-case address
}

// NewTinygoAdapter creates a BLE adapter on the system default controller.
func NewTinygoAdapter() *TinygoAdapter {
	return &TinygoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinygoConnection),
	}
}

func (a *TinygoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// Link loss arrives as an adapter-level event; route it to the
	// connection's OnDisconnect callback.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		key := strings.ToUpper(device.Address.String())
		a.mu.Lock()
		conn, ok := a.connections[key]
		if ok {
			delete(a.connections, key)
		}
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	return nil
}

func (a *TinygoAdapter) Scan(ctx context.Context, found func(Device)) error {
	if ctx.Err() != nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		found(Device{
			Name: result.LocalName(),
			MAC:  strings.ToUpper(result.Address.String()),
			RSSI: int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (a *TinygoAdapter) Connect(ctx context.Context, mac string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(mac)
	key := strings.ToUpper(mac)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// Wrap it so ctx cancellation returns immediately.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// A late success must not leak the handle.
		go func() {
			if result := <-ch; result.err == nil {
				_ = result.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", mac, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", mac, result.err)
		}
		conn := &tinygoConnection{adapter: a, key: key, device: result.device}

		a.mu.Lock()
		a.connections[key] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that TinygoAdapter implements Adapter.
var _ Adapter = (*TinygoAdapter)(nil)

type tinygoConnection struct {
	adapter *TinygoAdapter
	key     string
	device  bluetooth.Device

	mu           sync.Mutex
	chars        map[string]*bluetooth.DeviceCharacteristic // nil until discovered
	disconnectCb func()
}

// discover walks every service once and indexes characteristics by UUID.
// The VSON characteristics are spread across two vendor services.
func (c *tinygoConnection) discover() error {
	if c.chars != nil {
		return nil
	}
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return fmt.Errorf("ble: discover services: %w", err)
	}
	chars := make(map[string]*bluetooth.DeviceCharacteristic)
	for _, svc := range svcs {
		found, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return fmt.Errorf("ble: discover characteristics of %s: %w", svc.UUID().String(), err)
		}
		for i := range found {
			chars[strings.ToLower(found[i].UUID().String())] = &found[i]
		}
	}
	c.chars = chars
	return nil
}

func (c *tinygoConnection) DiscoverCharacteristic(charUUID string) (Characteristic, error) {
	parsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.discover(); err != nil {
		return nil, err
	}
	ch, ok := c.chars[strings.ToLower(parsed.String())]
	if !ok {
		return nil, fmt.Errorf("ble: characteristic %s not found", CharName(charUUID))
	}
	return &tinygoCharacteristic{char: ch, writer: newRequestWriter(ch, c.key, parsed.String())}, nil
}

func (c *tinygoConnection) Disconnect() error {
	c.adapter.mu.Lock()
	if c.adapter.connections[c.key] == c {
		delete(c.adapter.connections, c.key)
	}
	c.adapter.mu.Unlock()
	return c.device.Disconnect()
}

func (c *tinygoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinygoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// requestWriter sends a GATT write request and returns once the device
// has acknowledged it. Implementations are per platform.
type requestWriter interface {
	writeRequest(data []byte) error
}

type tinygoCharacteristic struct {
	char   *bluetooth.DeviceCharacteristic
	writer requestWriter
}

// Write uses a write request so the call returns only after the device
// acknowledges it.
func (c *tinygoCharacteristic) Write(data []byte) error {
	return c.writer.writeRequest(data)
}

func (c *tinygoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}

func (c *tinygoCharacteristic) Unsubscribe() error {
	return c.char.EnableNotifications(nil)
}
