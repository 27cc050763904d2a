//go:build !linux

package ble

import "tinygo.org/x/bluetooth"

// CoreBluetooth and WinRT expose an acknowledged write directly.
type nativeWriter struct {
	char *bluetooth.DeviceCharacteristic
}

func newRequestWriter(char *bluetooth.DeviceCharacteristic, _, _ string) requestWriter {
	return nativeWriter{char: char}
}

func (w nativeWriter) writeRequest(data []byte) error {
	_, err := w.char.Write(data)
	return err
}
