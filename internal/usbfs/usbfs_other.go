//go:build !linux

package usbfs

import "time"

// Device is unavailable outside Linux.
type Device struct{}

// Open always fails outside Linux.
func Open(path string, iface int, out, in uint8) (*Device, error) {
	return nil, ErrUnsupported
}

func (d *Device) Path() string { return "" }

func (d *Device) BulkOut(data []byte, timeout time.Duration) (int, error) {
	return 0, ErrUnsupported
}

func (d *Device) BulkIn(buf []byte, timeout time.Duration) (int, error) {
	return 0, ErrUnsupported
}

func (d *Device) Close() error { return nil }
