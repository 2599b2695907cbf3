//go:build linux

package sg

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// sgIO is the SG_IO ioctl request number.
const sgIO = 0x2285

// senseSize is the sense buffer handed to the driver.
const senseSize = 32

// ioHdr must match struct sg_io_hdr from <scsi/sg.h>.
type ioHdr struct {
	interfaceID    int32   // 'S'
	dxferDirection int32   // SG_DXFER_*
	cmdLen         uint8   // CDB length
	mxSbLen        uint8   // sense buffer capacity
	iovecCount     uint16  // 0: dxferp is a flat buffer
	dxferLen       uint32  // data buffer length
	dxferp         uintptr // data buffer
	cmdp           uintptr // CDB
	sbp            uintptr // sense buffer
	timeout        uint32  // milliseconds
	flags          uint32
	packID         int32
	usrPtr         uintptr
	status         uint8 // SCSI status
	maskedStatus   uint8
	msgStatus      uint8
	sbLenWr        uint8 // sense bytes written
	hostStatus     uint16
	driverStatus   uint16
	resid          int32 // dxferLen minus bytes actually transferred
	duration       uint32
	info           uint32
}

// Device is an open /dev/sgN node.
type Device struct {
	mu   sync.Mutex
	fd   int
	path string
}

// Open opens an sg device node read/write. Failures are wrapped in an
// OpenError; use IsPermission to detect EACCES/EPERM.
func Open(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}
	slog.Debug("sg opened", "path", path)
	return &Device{fd: fd, path: path}, nil
}

// Path returns the device node path.
func (d *Device) Path() string { return d.path }

// Exec submits one command with a single blocking SG_IO call and returns the
// residual byte count reported by the driver.
func (d *Device) Exec(cdb []byte, dir Direction, buf []byte, timeout time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fd < 0 {
		return 0, fmt.Errorf("sg %s: device closed", d.path)
	}
	if len(cdb) == 0 || len(cdb) > 255 {
		return 0, fmt.Errorf("sg %s: bad CDB length %d", d.path, len(cdb))
	}

	sense := make([]byte, senseSize)
	hdr := ioHdr{
		interfaceID:    'S',
		dxferDirection: int32(dir),
		cmdLen:         uint8(len(cdb)),
		mxSbLen:        senseSize,
		cmdp:           uintptr(unsafe.Pointer(&cdb[0])),
		sbp:            uintptr(unsafe.Pointer(&sense[0])),
		timeout:        uint32(timeout / time.Millisecond),
	}
	if len(buf) > 0 && dir != DirNone {
		hdr.dxferLen = uint32(len(buf))
		hdr.dxferp = uintptr(unsafe.Pointer(&buf[0]))
	} else {
		hdr.dxferDirection = int32(DirNone)
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), sgIO, uintptr(unsafe.Pointer(&hdr)))
	runtime.KeepAlive(cdb)
	runtime.KeepAlive(buf)
	runtime.KeepAlive(sense)
	if errno != 0 {
		return 0, fmt.Errorf("sg %s: SG_IO: %w", d.path, errno)
	}
	if hdr.status != 0 || hdr.hostStatus != 0 || hdr.driverStatus != 0 {
		slog.Debug("sg command status",
			"path", d.path,
			"opcode", fmt.Sprintf("0x%02X", cdb[0]),
			"status", hdr.status,
			"host_status", hdr.hostStatus,
			"driver_status", hdr.driverStatus,
			"sense", fmt.Sprintf("%x", sense[:hdr.sbLenWr]),
		)
	}
	return int(hdr.resid), nil
}

// Close closes the device node.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}
