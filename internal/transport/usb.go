package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lonetech/pyly/internal/f01"
	"github.com/lonetech/pyly/internal/usbfs"
)

// USB identifiers of the camera's mass-storage interface.
const (
	USBVendor    uint16 = 0x24cf
	USBInterface        = 0
	EndpointOut  uint8  = 0x02
	EndpointIn   uint8  = 0x82
)

// Bulk-Only Transport wrapper sizes.
const (
	CBWSize = 31
	CSWSize = 13
)

// CBW flags.
const (
	cbwDataOut uint8 = 0x00
	cbwDataIn  uint8 = 0x80
)

var (
	cbwSignature = []byte("USBC")
	cswSignature = []byte("USBS")
)

// DefaultUSBTimeout bounds each bulk transfer.
const DefaultUSBTimeout = time.Second

const (
	drainTimeout   = 100 * time.Millisecond
	maxDrainReads  = 64
	maxEmptyBulkIn = 16
	maxStaleCSW    = 4
	maxPacketSize  = 512 // high-speed bulk
)

// inBufferSize rounds n up to whole packets so a transfer never ends in the
// middle of one; a status wrapper always fits.
func inBufferSize(n int) int {
	return max(1, (n+maxPacketSize-1)/maxPacketSize) * maxPacketSize
}

// BulkDevice is a claimed interface with one bulk endpoint pair.
type BulkDevice interface {
	BulkOut(data []byte, timeout time.Duration) (int, error)
	BulkIn(buf []byte, timeout time.Duration) (int, error)
	Close() error
}

// MarshalCBW builds a Command Block Wrapper for LUN 0. cmd is zero-padded to
// 16 bytes.
func MarshalCBW(tag uint32, length int, dirIn bool, cmd []byte) []byte {
	buf := make([]byte, CBWSize)
	copy(buf[0:4], cbwSignature)
	binary.LittleEndian.PutUint32(buf[4:8], tag)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(length))
	buf[12] = cbwDataOut
	if dirIn {
		buf[12] = cbwDataIn
	}
	buf[13] = 0 // LUN
	buf[14] = f01.CommandSize
	copy(buf[15:], cmd)
	return buf
}

// CSW is a Command Status Wrapper.
type CSW struct {
	Signature [4]byte
	Tag       uint32
	Residue   uint32
	Status    uint8
}

// Valid reports whether the signature is "USBS".
func (c CSW) Valid() bool { return bytes.Equal(c.Signature[:], cswSignature) }

// ParseCSW decodes a 13-byte status wrapper.
func ParseCSW(data []byte) (CSW, error) {
	if len(data) != CSWSize {
		return CSW{}, fmt.Errorf("csw: got %d bytes, want %d", len(data), CSWSize)
	}
	var c CSW
	copy(c.Signature[:], data[0:4])
	c.Tag = binary.LittleEndian.Uint32(data[4:8])
	c.Residue = binary.LittleEndian.Uint32(data[8:12])
	c.Status = data[12]
	return c, nil
}

// CSWError reports a status wrapper that does not acknowledge the command
// just sent. The request may be retried.
type CSWError struct {
	Tag uint32
	CSW CSW
	Msg string
}

func (e *CSWError) Error() string {
	return fmt.Sprintf("usb csw for tag %d: %s (signature %q tag %d status %d residue %d)",
		e.Tag, e.Msg, e.CSW.Signature[:], e.CSW.Tag, e.CSW.Status, e.CSW.Residue)
}

func (e *CSWError) Is(target error) bool { return target == f01.ErrRetryable }

func checkCSW(tag uint32, c CSW) error {
	switch {
	case !c.Valid():
		return &CSWError{Tag: tag, CSW: c, Msg: "bad signature"}
	case c.Tag != tag:
		return &CSWError{Tag: tag, CSW: c, Msg: "tag mismatch"}
	case c.Status != 0:
		return &CSWError{Tag: tag, CSW: c, Msg: "command failed"}
	}
	return nil
}

// USB implements f01.Transport with Bulk-Only mass-storage framing.
type USB struct {
	mu      sync.Mutex
	dev     BulkDevice
	name    string
	tag     uint32
	timeout time.Duration
}

// OpenUSB opens and claims the camera interface described by info.
func OpenUSB(info usbfs.Info, timeout time.Duration) (*USB, error) {
	dev, err := usbfs.Open(info.Path, USBInterface, EndpointOut, EndpointIn)
	if err != nil {
		return nil, err
	}
	return NewUSB(dev, "usb:"+info.Path, timeout), nil
}

// NewUSB wraps dev and drains any stale data pending on the IN endpoint.
func NewUSB(dev BulkDevice, name string, timeout time.Duration) *USB {
	if timeout <= 0 {
		timeout = DefaultUSBTimeout
	}
	u := &USB{dev: dev, name: name, timeout: timeout}
	u.drain()
	return u
}

func (u *USB) String() string { return u.name }

func (u *USB) drain() {
	buf := make([]byte, 512)
	for range maxDrainReads {
		n, err := u.dev.BulkIn(buf, drainTimeout)
		if err != nil || n == 0 {
			return
		}
		slog.Debug("usb flushed stale data", "device", u.name, "data", fmt.Sprintf("%x", buf[:n]))
	}
}

func (u *USB) nextTag() uint32 {
	u.tag++
	return u.tag
}

func (u *USB) sendCBW(tag uint32, length int, dirIn bool, cmd []byte) error {
	cbw := MarshalCBW(tag, length, dirIn, cmd)
	n, err := u.dev.BulkOut(cbw, u.timeout)
	if err != nil {
		return fmt.Errorf("usb cbw: %w", err)
	}
	if n != len(cbw) {
		return fmt.Errorf("usb cbw: short write %d of %d", n, len(cbw))
	}
	return nil
}

// stale reports whether c is a well-formed status wrapper for a command
// issued before tag. It is left over from a request that already failed.
func stale(tag uint32, c CSW) bool {
	return c.Valid() && c.Tag < tag
}

// readCSW reads the status wrapper for tag, skipping wrappers left over from
// earlier commands. On any other mismatch the IN endpoint is drained so the
// next command starts in sync.
func (u *USB) readCSW(tag uint32) error {
	buf := make([]byte, maxPacketSize)
	for range maxStaleCSW + 1 {
		n, err := u.dev.BulkIn(buf, u.timeout)
		if err != nil {
			return fmt.Errorf("usb csw: %w", err)
		}
		c, err := ParseCSW(buf[:n])
		if err != nil {
			u.drain()
			return &CSWError{Tag: tag, Msg: err.Error()}
		}
		if stale(tag, c) {
			slog.Debug("usb skipped stale csw", "device", u.name, "tag", c.Tag, "want", tag)
			continue
		}
		if !c.Valid() || c.Tag != tag {
			u.drain()
		}
		return checkCSW(tag, c)
	}
	u.drain()
	return &CSWError{Tag: tag, Msg: "too many stale status wrappers"}
}

// Read implements f01.Transport. The data phase may arrive in several bulk
// transfers; a status wrapper arriving in its place ends a short transfer.
func (u *USB) Read(cmd []byte, size int) ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.dev == nil {
		return nil, f01.ErrClosed
	}
	size = min(max(size, 0), f01.MaxTransfer)

	tag := u.nextTag()
	if err := u.sendCBW(tag, size, true, cmd); err != nil {
		return nil, err
	}

	data := make([]byte, 0, size)
	buf := make([]byte, inBufferSize(size))
	empty := 0
	for len(data) < size {
		remaining := size - len(data)
		n, err := u.dev.BulkIn(buf[:inBufferSize(remaining)], u.timeout)
		if err != nil {
			return nil, fmt.Errorf("usb data in: %w", err)
		}
		if n == 0 {
			empty++
			if empty >= maxEmptyBulkIn {
				return nil, fmt.Errorf("usb data in: %d empty transfers after %d of %d bytes", empty, len(data), size)
			}
			continue
		}
		chunk := buf[:n]
		if n == CSWSize {
			c, _ := ParseCSW(chunk)
			if stale(tag, c) {
				slog.Debug("usb skipped stale csw", "device", u.name, "tag", c.Tag, "want", tag)
				continue
			}
			if c.Valid() && c.Tag == tag {
				slog.Debug("usb short transfer", "device", u.name, "received", len(data), "requested", size, "residue", c.Residue)
				if err := checkCSW(tag, c); err != nil {
					return nil, err
				}
				return data, nil
			}
		}
		if n > remaining {
			slog.Debug("usb data in over-delivered", "device", u.name, "bytes", n, "remaining", remaining)
			chunk = chunk[:remaining]
		}
		data = append(data, chunk...)
	}

	if err := u.readCSW(tag); err != nil {
		return nil, err
	}
	return data, nil
}

// Write implements f01.Transport.
func (u *USB) Write(cmd []byte, payload []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.dev == nil {
		return f01.ErrClosed
	}
	tag := u.nextTag()
	if err := u.sendCBW(tag, len(payload), false, cmd); err != nil {
		return err
	}
	if len(payload) > 0 {
		n, err := u.dev.BulkOut(payload, u.timeout)
		if err != nil {
			return fmt.Errorf("usb data out: %w", err)
		}
		if n != len(payload) {
			return fmt.Errorf("usb data out: short write %d of %d", n, len(payload))
		}
	}
	return u.readCSW(tag)
}

// Close implements f01.Transport.
func (u *USB) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.dev == nil {
		return nil
	}
	err := u.dev.Close()
	u.dev = nil
	return err
}
