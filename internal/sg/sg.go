// Package sg talks to SCSI devices through the Linux generic-SCSI (sg)
// driver and finds sg nodes by their INQUIRY vendor string.
package sg

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Direction is the data phase direction of a passthrough command.
type Direction int32

// Values match SG_DXFER_* in <scsi/sg.h>.
const (
	DirNone       Direction = -1
	DirToDevice   Direction = -2
	DirFromDevice Direction = -3
)

func (d Direction) String() string {
	switch d {
	case DirNone:
		return "none"
	case DirToDevice:
		return "to-device"
	case DirFromDevice:
		return "from-device"
	default:
		return "unknown"
	}
}

// ErrUnsupported is returned by Open on platforms without the sg driver.
var ErrUnsupported = errors.New("sg: generic SCSI passthrough not supported on this platform")

// SysfsRoot is the directory listing sg class devices.
var SysfsRoot = "/sys/class/scsi_generic"

// DevRoot is the directory holding sg device nodes.
var DevRoot = "/dev"

// Find returns the device node paths of sg devices whose vendor string
// (space-padded to 8 characters, as sysfs reports it) equals vendor.
func Find(vendor string) ([]string, error) {
	entries, err := os.ReadDir(SysfsRoot)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "sg") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(SysfsRoot, name, "device", "vendor"))
		if err != nil {
			continue
		}
		if strings.TrimRight(string(data), "\n") == vendor {
			paths = append(paths, filepath.Join(DevRoot, name))
		}
	}
	sort.Strings(paths)
	return paths, nil
}
