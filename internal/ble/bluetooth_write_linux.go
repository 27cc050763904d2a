package ble

import (
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"
)

const (
	bluezService          = "org.bluez"
	bluezCharacteristic   = "org.bluez.GattCharacteristic1"
	objectManagerInterface = "org.freedesktop.DBus.ObjectManager"
)

// bluezObjects is the reply of ObjectManager.GetManagedObjects.
type bluezObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// bluezWriter issues WriteValue with type "request" on the characteristic's
// BlueZ object. tinygo-org/bluetooth only offers write-without-response on
// Linux, which gives no acknowledgment. The object path is looked up by
// device address and UUID on first use.
type bluezWriter struct {
	addr string // upper-case device MAC
	uuid string // lower-case 128-bit UUID

	once sync.Once
	obj  dbus.BusObject
	err  error
}

func newRequestWriter(_ *bluetooth.DeviceCharacteristic, addr, charUUID string) requestWriter {
	return &bluezWriter{addr: strings.ToUpper(addr), uuid: strings.ToLower(charUUID)}
}

func (w *bluezWriter) writeRequest(data []byte) error {
	w.once.Do(w.resolve)
	if w.err != nil {
		return w.err
	}
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
	if err := w.obj.Call(bluezCharacteristic+".WriteValue", 0, data, opts).Err; err != nil {
		return fmt.Errorf("ble: write %s: %w", CharName(w.uuid), err)
	}
	return nil
}

func (w *bluezWriter) resolve() {
	bus, err := dbus.SystemBus()
	if err != nil {
		w.err = fmt.Errorf("ble: system bus: %w", err)
		return
	}
	var objects bluezObjects
	err = bus.Object(bluezService, "/").Call(objectManagerInterface+".GetManagedObjects", 0).Store(&objects)
	if err != nil {
		w.err = fmt.Errorf("ble: list bluez objects: %w", err)
		return
	}
	p, ok := findCharacteristicPath(objects, w.addr, w.uuid)
	if !ok {
		w.err = fmt.Errorf("ble: characteristic %s of %s not found in bluez", CharName(w.uuid), w.addr)
		return
	}
	w.obj = bus.Object(bluezService, p)
}

// findCharacteristicPath returns the object path of the characteristic
// with charUUID under the device with the given MAC, e.g.
// /org/bluez/hci0/dev_20_C3_8F_DA_96_DE/service0010/char0011.
func findCharacteristicPath(objects bluezObjects, mac, charUUID string) (dbus.ObjectPath, bool) {
	devDir := "dev_" + strings.ReplaceAll(strings.ToUpper(mac), ":", "_")
	for p, ifaces := range objects {
		props, ok := ifaces[bluezCharacteristic]
		if !ok || !inDevice(string(p), devDir) {
			continue
		}
		u, ok := props["UUID"].Value().(string)
		if ok && strings.EqualFold(u, charUUID) {
			return p, true
		}
	}
	return "", false
}

func inDevice(objPath, devDir string) bool {
	for dir := path.Dir(objPath); dir != "/" && dir != "."; dir = path.Dir(dir) {
		if path.Base(dir) == devDir {
			return true
		}
	}
	return false
}
