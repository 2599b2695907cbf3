//go:build linux

package usbfs

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// _IOC encoding from <asm-generic/ioctl.h>.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | typ<<8 | nr
}

// bulkTransfer must match struct usbdevfs_bulktransfer.
type bulkTransfer struct {
	endpoint uint32
	length   uint32
	timeout  uint32 // milliseconds
	data     uintptr
}

// ioctlRequest must match struct usbdevfs_ioctl.
type ioctlRequest struct {
	ifno      int32
	ioctlCode int32
	data      uintptr
}

var (
	usbdevfsBulk             = ioc(iocRead|iocWrite, 'U', 2, unsafe.Sizeof(bulkTransfer{}))
	usbdevfsResetEP          = ioc(iocRead, 'U', 3, 4)
	usbdevfsClaimInterface   = ioc(iocRead, 'U', 15, 4)
	usbdevfsReleaseInterface = ioc(iocRead, 'U', 16, 4)
	usbdevfsIoctl            = ioc(iocRead|iocWrite, 'U', 18, unsafe.Sizeof(ioctlRequest{}))
	usbdevfsClearHalt        = ioc(iocRead, 'U', 21, 4)
	usbdevfsDisconnect       = ioc(iocNone, 'U', 22, 0)
)

// Device is a claimed interface on an open usbfs node with one bulk endpoint
// pair.
type Device struct {
	mu    sync.Mutex
	fd    int
	path  string
	iface uint32
	out   uint8
	in    uint8
}

// Open opens the device node, detaches any kernel driver from iface, claims
// it and resets both endpoints.
func Open(path string, iface int, out, in uint8) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("usbfs open %s: %w", path, err)
	}
	d := &Device{fd: fd, path: path, iface: uint32(iface), out: out, in: in}

	// usb-storage normally owns the interface
	req := ioctlRequest{ifno: int32(iface), ioctlCode: int32(usbdevfsDisconnect)}
	if err := d.ioctl(usbdevfsIoctl, unsafe.Pointer(&req)); err != nil && !errors.Is(err, unix.ENODATA) {
		slog.Debug("usbfs detach driver", "path", path, "interface", iface, "error", err)
	}

	ifno := d.iface
	if err := d.ioctl(usbdevfsClaimInterface, unsafe.Pointer(&ifno)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("usbfs claim interface %d on %s: %w", iface, path, err)
	}
	for _, ep := range []uint8{out, in} {
		epno := uint32(ep)
		if err := d.ioctl(usbdevfsResetEP, unsafe.Pointer(&epno)); err != nil {
			slog.Debug("usbfs reset endpoint", "path", path, "endpoint", fmt.Sprintf("0x%02x", ep), "error", err)
		}
	}
	slog.Debug("usbfs opened", "path", path, "interface", iface)
	return d, nil
}

func (d *Device) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// Path returns the device node path.
func (d *Device) Path() string { return d.path }

func (d *Device) bulk(ep uint8, data []byte, timeout time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fd < 0 {
		return 0, fmt.Errorf("usbfs %s: device closed", d.path)
	}
	bt := bulkTransfer{
		endpoint: uint32(ep),
		length:   uint32(len(data)),
		timeout:  uint32(timeout / time.Millisecond),
	}
	if len(data) > 0 {
		bt.data = uintptr(unsafe.Pointer(&data[0]))
	}
	n, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), usbdevfsBulk, uintptr(unsafe.Pointer(&bt)))
	runtime.KeepAlive(data)
	if errno != 0 {
		if errno == unix.EPIPE {
			epno := uint32(ep)
			if err := d.ioctl(usbdevfsClearHalt, unsafe.Pointer(&epno)); err != nil {
				slog.Debug("usbfs clear halt", "path", d.path, "endpoint", fmt.Sprintf("0x%02x", ep), "error", err)
			}
		}
		return 0, fmt.Errorf("usbfs bulk 0x%02x: %w", ep, errno)
	}
	return int(n), nil
}

// BulkOut writes data to the OUT endpoint.
func (d *Device) BulkOut(data []byte, timeout time.Duration) (int, error) {
	return d.bulk(d.out, data, timeout)
}

// BulkIn reads at most len(buf) bytes from the IN endpoint.
func (d *Device) BulkIn(buf []byte, timeout time.Duration) (int, error) {
	return d.bulk(d.in, buf, timeout)
}

// Close releases the interface and closes the node.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fd < 0 {
		return nil
	}
	ifno := d.iface
	if err := d.ioctl(usbdevfsReleaseInterface, unsafe.Pointer(&ifno)); err != nil {
		slog.Debug("usbfs release interface", "path", d.path, "error", err)
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}
