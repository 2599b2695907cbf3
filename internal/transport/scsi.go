package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lonetech/pyly/internal/f01"
	"github.com/lonetech/pyly/internal/sg"
)

// SCSIVendor is the INQUIRY vendor string the camera reports.
const SCSIVendor = "Lytro   "

// DefaultSCSITimeout is the per-command passthrough timeout.
const DefaultSCSITimeout = time.Second

// Passthrough submits raw command blocks to a SCSI device.
type Passthrough interface {
	Exec(cdb []byte, dir sg.Direction, buf []byte, timeout time.Duration) (resid int, err error)
	Close() error
}

// SCSI implements f01.Transport with vendor-specific SCSI commands. The
// camera enumerates as a CD-ROM; the 16-byte command block is sent as the CDB.
type SCSI struct {
	mu      sync.Mutex
	dev     Passthrough
	name    string
	timeout time.Duration
}

// OpenSCSI opens an sg device node.
func OpenSCSI(path string, timeout time.Duration) (*SCSI, error) {
	dev, err := sg.Open(path)
	if err != nil {
		return nil, err
	}
	return NewSCSI(dev, "scsi:"+path, timeout), nil
}

// NewSCSI wraps a passthrough device.
func NewSCSI(dev Passthrough, name string, timeout time.Duration) *SCSI {
	if timeout <= 0 {
		timeout = DefaultSCSITimeout
	}
	return &SCSI{dev: dev, name: name, timeout: timeout}
}

func (s *SCSI) String() string { return s.name }

// Read implements f01.Transport. Requests above 32 KiB are clamped. The
// payload length is the requested size minus the driver's residual count.
func (s *SCSI) Read(cmd []byte, size int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return nil, f01.ErrClosed
	}
	size = min(max(size, 0), f01.MaxTransfer)

	buf := make([]byte, size)
	dir := sg.DirFromDevice
	if size == 0 {
		dir = sg.DirNone
	}
	resid, err := s.dev.Exec(cmd, dir, buf, s.timeout)
	if err != nil {
		return nil, fmt.Errorf("scsi read: %w", err)
	}
	if resid < 0 || resid > size {
		slog.Debug("scsi residual out of range", "resid", resid, "size", size)
		resid = min(max(resid, 0), size)
	}
	return buf[:size-resid], nil
}

// Write implements f01.Transport.
func (s *SCSI) Write(cmd []byte, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return f01.ErrClosed
	}
	dir := sg.DirToDevice
	if len(payload) == 0 {
		dir = sg.DirNone
	}
	if _, err := s.dev.Exec(cmd, dir, payload, s.timeout); err != nil {
		return fmt.Errorf("scsi write: %w", err)
	}
	return nil
}

// Close implements f01.Transport.
func (s *SCSI) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return nil
	}
	err := s.dev.Close()
	s.dev = nil
	return err
}
