// Package usbfs talks to USB devices through the Linux usbfs character
// devices, without libusb.
package usbfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ErrUnsupported is returned on platforms without usbfs.
var ErrUnsupported = errors.New("usbfs: not supported on this platform")

// Roots of the sysfs and devfs trees. Tests point these at temp dirs.
var (
	SysfsRoot = "/sys/bus/usb/devices"
	DevRoot   = "/dev/bus/usb"
)

// Info describes a USB device discovered via sysfs.
type Info struct {
	SysfsPath string
	Path      string // device node under DevRoot
	Bus       uint8
	Address   uint8
	VendorID  uint16
	ProductID uint16
}

func (i Info) String() string {
	return fmt.Sprintf("%03d/%03d %04x:%04x", i.Bus, i.Address, i.VendorID, i.ProductID)
}

// Find returns devices matching vendor, and product when non-zero, ordered by
// bus and address.
func Find(vendor, product uint16) ([]Info, error) {
	entries, err := os.ReadDir(SysfsRoot)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", SysfsRoot, err)
	}

	var found []Info
	for _, entry := range entries {
		name := entry.Name()
		// root hubs and interface entries
		if strings.HasPrefix(name, "usb") || strings.Contains(name, ":") {
			continue
		}
		info, err := parseDevice(filepath.Join(SysfsRoot, name))
		if err != nil {
			continue
		}
		if info.VendorID != vendor {
			continue
		}
		if product != 0 && info.ProductID != product {
			continue
		}
		found = append(found, info)
	}
	sort.Slice(found, func(a, b int) bool {
		if found[a].Bus != found[b].Bus {
			return found[a].Bus < found[b].Bus
		}
		return found[a].Address < found[b].Address
	})
	return found, nil
}

func parseDevice(dir string) (Info, error) {
	info := Info{SysfsPath: dir}
	bus, err := readUint(filepath.Join(dir, "busnum"), 10, 8)
	if err != nil {
		return info, err
	}
	addr, err := readUint(filepath.Join(dir, "devnum"), 10, 8)
	if err != nil {
		return info, err
	}
	vid, err := readUint(filepath.Join(dir, "idVendor"), 16, 16)
	if err != nil {
		return info, err
	}
	pid, err := readUint(filepath.Join(dir, "idProduct"), 16, 16)
	if err != nil {
		return info, err
	}
	info.Bus = uint8(bus)
	info.Address = uint8(addr)
	info.VendorID = uint16(vid)
	info.ProductID = uint16(pid)
	info.Path = filepath.Join(DevRoot, fmt.Sprintf("%03d", bus), fmt.Sprintf("%03d", addr))
	return info, nil
}

func readUint(path string, base, bits int) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(b)), base, bits)
}
