//go:build !linux

package sg

import "time"

// Device is unavailable outside Linux.
type Device struct{}

// Open always fails outside Linux.
func Open(path string) (*Device, error) {
	return nil, &OpenError{Path: path, Err: ErrUnsupported}
}

// Path returns "".
func (d *Device) Path() string { return "" }

// Exec always fails outside Linux.
func (d *Device) Exec(cdb []byte, dir Direction, buf []byte, timeout time.Duration) (int, error) {
	return 0, ErrUnsupported
}

// Close does nothing.
func (d *Device) Close() error { return nil }
