// Package ble drives a VSON air-quality sensor over Bluetooth Low Energy. It
// handles the connection lifecycle, the vendor handshake, notification
// decoding, and reconnection after silence or link loss.
package ble

import "context"

// VSON GATT characteristic UUIDs. The device exposes no standard profile.
//
// KEY is written twice per session with two different packets: first the
// 18-byte auth key, then the 11-byte time sync. This is how the vendor app
// behaves, not a mix-up.
const (
	KeyCharUUID    = "0000fff1-0000-1000-8000-00805f9b34fb"
	CmdCharUUID    = "0000fff3-0000-1000-8000-00805f9b34fb"
	StatusCharUUID = "0000fff4-0000-1000-8000-00805f9b34fb"
	DataCharUUID   = "0000ffe1-0000-1000-8000-00805f9b34fb"
	ShortCharUUID  = "0000ffe3-0000-1000-8000-00805f9b34fb"
	MetaCharUUID   = "0000ffe4-0000-1000-8000-00805f9b34fb"
)

// CharName returns the short protocol name for a characteristic UUID.
func CharName(uuid string) string {
	switch uuid {
	case KeyCharUUID:
		return "KEY"
	case CmdCharUUID:
		return "CMD"
	case StatusCharUUID:
		return "STATUS"
	case DataCharUUID:
		return "DATA"
	case ShortCharUUID:
		return "SHORT"
	case MetaCharUUID:
		return "META"
	default:
		return uuid
	}
}

// notifyChars are subscribed in this order on every connection.
var notifyChars = []string{StatusCharUUID, ShortCharUUID, MetaCharUUID, DataCharUUID}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data with a write request and returns once the peripheral
	// has acknowledged it.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe disables notifications.
	Unsubscribe() error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID in any service.
	DiscoverCharacteristic(charUUID string) (Characteristic, error)
	// Disconnect terminates the connection and releases the handle.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports advertisements to found until ctx is cancelled.
	Scan(ctx context.Context, found func(Device)) error
	// Connect establishes a connection to the device with the given MAC address.
	Connect(ctx context.Context, mac string) (Connection, error)
}
