package f01

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// HardwareInfo is the camera identity returned by a hardware_info download.
type HardwareInfo struct {
	Vendor    string
	Serial    string
	Build     string
	SWVersion string
	Unknown   [4]byte
}

func trimNUL(b []byte) string {
	return string(bytes.TrimRight(b, "\x00"))
}

// ParseHardwareInfo parses the 644-byte hardware info record.
func ParseHardwareInfo(data []byte) (*HardwareInfo, error) {
	if len(data) < HardwareInfoSize {
		return nil, shortPayload("hardware info", len(data), HardwareInfoSize)
	}
	info := &HardwareInfo{
		Vendor:    trimNUL(data[0:256]),
		Serial:    trimNUL(data[256:384]),
		Build:     trimNUL(data[384:512]),
		SWVersion: trimNUL(data[512:640]),
	}
	copy(info.Unknown[:], data[640:644])
	return info, nil
}

// rotations maps the EXIF-style orientation code to degrees.
var rotations = map[uint32]int{1: 0, 8: 90, 3: 180, 6: 270}

// ParseRotation maps a raw orientation code to clockwise degrees.
func ParseRotation(code uint32) (int, error) {
	deg, ok := rotations[code]
	if !ok {
		return 0, &DecodeError{What: "rotation", Msg: fmt.Sprintf("unknown code %d", code)}
	}
	return deg, nil
}

// PictureRecord describes one picture stored on the camera.
type PictureRecord struct {
	FolderSuffix   string
	FilenamePrefix string
	Folder         uint32
	File           uint32
	Starred        bool
	Focus          float32
	ID             string
	Timestamp      string // ISO-8601 as stored on the camera
	Time           time.Time
	RotationCode   uint32
	Rotation       int // degrees
}

// PathName returns the camera-internal path of the picture with the given
// extension (e.g. "RAW", "TXT", "128"), usable with a file Load.
func (r *PictureRecord) PathName(ext string) string {
	return fmt.Sprintf(`I:\DCIM\%03d%s\%s%04d.%s`, r.Folder, r.FolderSuffix, r.FilenamePrefix, r.File, ext)
}

func (r *PictureRecord) String() string {
	return fmt.Sprintf("%s starred=%t %s rotation=%d %s", r.PathName("RAW"), r.Starred, r.ID, r.Rotation, r.Timestamp)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &DecodeError{What: "picture timestamp", Msg: fmt.Sprintf("unrecognized %q", s)}
}

// ParsePictureRecord parses one 128-byte picture record.
func ParsePictureRecord(data []byte) (*PictureRecord, error) {
	if len(data) < PictureRecordSize {
		return nil, shortPayload("picture record", len(data), PictureRecordSize)
	}
	le := binary.LittleEndian
	r := &PictureRecord{
		FolderSuffix:   trimNUL(data[0:8]),
		FilenamePrefix: trimNUL(data[8:16]),
		Folder:         le.Uint32(data[16:20]),
		File:           le.Uint32(data[20:24]),
		// data[24:40] reserved
		Starred:      le.Uint32(data[40:44]) != 0,
		Focus:        math.Float32frombits(le.Uint32(data[44:48])),
		ID:           trimNUL(data[48:96]),
		Timestamp:    trimNUL(data[96:124]),
		RotationCode: le.Uint32(data[124:128]),
	}
	var err error
	if r.Rotation, err = ParseRotation(r.RotationCode); err != nil {
		return nil, err
	}
	if r.Time, err = parseTimestamp(strings.TrimSpace(r.Timestamp)); err != nil {
		return nil, err
	}
	return r, nil
}

// PictureIndexEntry is one (id, offset) pair of the picture list index table.
type PictureIndexEntry struct {
	ID     uint32
	Offset uint32
}

// PictureList is a decoded picture_list download.
type PictureList struct {
	ItemSize uint32
	Index    []PictureIndexEntry
	Pictures []PictureRecord
}

// pictureListFormat is the only header format seen on cameras.
const pictureListFormat = 1

// ParsePictureList parses a picture_list download. The index table is only
// used to find where the record array starts.
func ParsePictureList(data []byte) (*PictureList, error) {
	if len(data) < pictureListHeader {
		return nil, shortPayload("picture list", len(data), pictureListHeader)
	}
	le := binary.LittleEndian
	if f := le.Uint32(data[0:4]); f != pictureListFormat {
		return nil, &DecodeError{What: "picture list", Msg: fmt.Sprintf("unsupported format %d", f)}
	}
	list := &PictureList{ItemSize: le.Uint32(data[4:8])}
	entries := le.Uint32(data[8:12])

	base := uint64(pictureListHeader) + uint64(entries)*pictureIndexEntry
	if base > uint64(len(data)) {
		return nil, shortPayload("picture list index", len(data), int(min(base, math.MaxInt32)))
	}
	list.Index = make([]PictureIndexEntry, 0, entries)
	for o := pictureListHeader; o < int(base); o += pictureIndexEntry {
		list.Index = append(list.Index, PictureIndexEntry{
			ID:     le.Uint32(data[o : o+4]),
			Offset: le.Uint32(data[o+4 : o+8]),
		})
	}

	rest := data[base:]
	if len(rest)%PictureRecordSize != 0 {
		return nil, &DecodeError{What: "picture list", Msg: fmt.Sprintf("%d trailing bytes after %d records", len(rest)%PictureRecordSize, len(rest)/PictureRecordSize)}
	}
	list.Pictures = make([]PictureRecord, 0, len(rest)/PictureRecordSize)
	for o := 0; o < len(rest); o += PictureRecordSize {
		r, err := ParsePictureRecord(rest[o : o+PictureRecordSize])
		if err != nil {
			return nil, fmt.Errorf("picture %d: %w", len(list.Pictures), err)
		}
		list.Pictures = append(list.Pictures, *r)
	}
	return list, nil
}
