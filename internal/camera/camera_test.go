package camera

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/lonetech/pyly/internal/f01"
)

// simCamera is an in-memory camera answering the full command set.
type simCamera struct {
	objects  map[string][]byte
	battery  float32
	clock    time.Time
	chunk    int
	selected []byte
	loads    []string
	setTimes [][]byte
	closed   bool
}

func objectKey(kind f01.LoadKind, name string) string { return fmt.Sprintf("%d/%q", kind, name) }

func newSimCamera() *simCamera {
	return &simCamera{
		objects: map[string][]byte{},
		battery: 87.5,
		clock:   time.Date(2021, 6, 15, 10, 30, 0, 500e6, time.UTC),
		chunk:   1000,
	}
}

func (s *simCamera) load(kind f01.LoadKind, name string) {
	s.loads = append(s.loads, name)
	s.selected = s.objects[objectKey(kind, name)]
}

func (s *simCamera) Read(cmd []byte, size int) ([]byte, error) {
	c, err := f01.ParseCommand(cmd)
	if err != nil {
		return nil, err
	}
	switch c.Opcode {
	case f01.OpLoad:
		s.load(f01.LoadKind(c.Selector()), "")
		return nil, nil
	case f01.OpQuery:
		switch f01.QueryType(c.Selector()) {
		case f01.QueryBattery:
			return binary.LittleEndian.AppendUint32(nil, math.Float32bits(s.battery)), nil
		case f01.QueryTime:
			return f01.SetTimePayload(s.clock), nil
		case f01.QuerySize:
			return binary.LittleEndian.AppendUint32(nil, uint32(len(s.selected))), nil
		}
	case f01.OpDownload:
		off := int(c.Offset())
		end := min(off+size, off+s.chunk, len(s.selected))
		return append([]byte(nil), s.selected[off:end]...), nil
	}
	return nil, fmt.Errorf("unexpected command % x", cmd)
}

func (s *simCamera) Write(cmd []byte, payload []byte) error {
	c, err := f01.ParseCommand(cmd)
	if err != nil {
		return err
	}
	switch c.Opcode {
	case f01.OpLoad:
		s.load(f01.LoadKind(c.Selector()), strings.TrimSuffix(string(payload), "\x00"))
		return nil
	case f01.OpSetTime:
		s.setTimes = append(s.setTimes, payload)
		return nil
	}
	return fmt.Errorf("unexpected write % x", cmd)
}

func (s *simCamera) Close() error { s.closed = true; return nil }

func hardwareInfoBytes(vendor, serial, build, sw string) []byte {
	b := make([]byte, f01.HardwareInfoSize)
	copy(b[0:], vendor)
	copy(b[256:], serial)
	copy(b[384:], build)
	copy(b[512:], sw)
	return b
}

func pictureRecordBytes(folder, file uint32, id, ts string, rotation uint32, starred bool) []byte {
	b := make([]byte, f01.PictureRecordSize)
	copy(b[0:], "PHOTO")
	copy(b[8:], "IMG_")
	binary.LittleEndian.PutUint32(b[16:], folder)
	binary.LittleEndian.PutUint32(b[20:], file)
	if starred {
		binary.LittleEndian.PutUint32(b[40:], 1)
	}
	binary.LittleEndian.PutUint32(b[44:], math.Float32bits(0.25))
	copy(b[48:], id)
	copy(b[96:], ts)
	binary.LittleEndian.PutUint32(b[124:], rotation)
	return b
}

func pictureListBytes(records ...[]byte) []byte {
	b := binary.LittleEndian.AppendUint32(nil, 1)
	b = binary.LittleEndian.AppendUint32(b, f01.PictureRecordSize)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(records)))
	for i := range records {
		b = binary.LittleEndian.AppendUint32(b, uint32(i))
		b = binary.LittleEndian.AppendUint32(b, uint32(i*f01.PictureRecordSize))
	}
	for _, r := range records {
		b = append(b, r...)
	}
	return b
}

func TestCameraQueries(t *testing.T) {
	sim := newSimCamera()
	c := New(sim)

	level, err := c.Battery()
	if err != nil {
		t.Fatal(err)
	}
	if level != 87.5 {
		t.Errorf("Battery = %g, want 87.5", level)
	}

	clock, err := c.Time()
	if err != nil {
		t.Fatal(err)
	}
	if !clock.Equal(sim.clock) {
		t.Errorf("Time = %v, want %v", clock, sim.clock)
	}
}

func TestCameraSetTime(t *testing.T) {
	sim := newSimCamera()
	c := New(sim)
	when := time.Date(2024, 2, 29, 23, 59, 58, 125e6, time.UTC)
	if err := c.SetTime(when); err != nil {
		t.Fatal(err)
	}
	if len(sim.setTimes) != 1 || !bytes.Equal(sim.setTimes[0], f01.SetTimePayload(when)) {
		t.Errorf("SetTime payloads = % x", sim.setTimes)
	}
}

func TestCameraHardwareInfo(t *testing.T) {
	sim := newSimCamera()
	sim.objects[objectKey(f01.LoadHardwareInfo, "")] = hardwareInfoBytes("Lytro, Inc.", "A123456789", "2012-10-01", "1.2.1")
	c := New(sim)

	info, err := c.HardwareInfo()
	if err != nil {
		t.Fatal(err)
	}
	if info.Vendor != "Lytro, Inc." || info.Serial != "A123456789" || info.Build != "2012-10-01" || info.SWVersion != "1.2.1" {
		t.Errorf("HardwareInfo = %+v", info)
	}
}

func TestCameraPictures(t *testing.T) {
	sim := newSimCamera()
	sim.objects[objectKey(f01.LoadPictureList, "")] = pictureListBytes(
		pictureRecordBytes(100, 1, "sha1-aaaa", "2012-03-04T05:06:07.000Z", 1, false),
		pictureRecordBytes(100, 2, "sha1-bbbb", "2012-03-04T05:07:00.000Z", 6, true),
	)
	c := New(sim)

	pics, err := c.Pictures()
	if err != nil {
		t.Fatal(err)
	}
	if len(pics) != 2 {
		t.Fatalf("Pictures = %d, want 2", len(pics))
	}
	if pics[1].ID != "sha1-bbbb" || pics[1].Rotation != 270 || !pics[1].Starred {
		t.Errorf("Pictures[1] = %+v", pics[1])
	}
	if got, want := pics[0].PathName("RAW"), `I:\DCIM\100PHOTO\IMG_0001.RAW`; got != want {
		t.Errorf("PathName = %s, want %s", got, want)
	}
}

func TestCameraDownloadPicture(t *testing.T) {
	sim := newSimCamera()
	jpeg := bytes.Repeat([]byte{0xFF, 0xD8}, 1500)
	raw := bytes.Repeat([]byte{0x11}, 2500)
	sim.objects[objectKey(f01.LoadPicture, "sha1-aaaa\x00")] = jpeg
	sim.objects[objectKey(f01.LoadPicture, "sha1-aaaa\x01")] = raw

	var calls int
	var last [2]uint32
	c := New(sim, WithProgress(func(received, total uint32) {
		calls++
		last = [2]uint32{received, total}
	}))

	got, err := c.Download(f01.LoadPicture, "sha1-aaaa", f01.FormatJPEG)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, jpeg) {
		t.Errorf("jpg download: %d bytes, want %d", len(got), len(jpeg))
	}
	if calls != 3 || last != [2]uint32{3000, 3000} {
		t.Errorf("progress calls = %d last = %v", calls, last)
	}

	got, err = c.Download(f01.LoadPicture, "sha1-aaaa", f01.FormatRAW)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, raw) {
		t.Errorf("raw download: %d bytes, want %d", len(got), len(raw))
	}
}

func TestCameraDownloadFile(t *testing.T) {
	sim := newSimCamera()
	path := `I:\DCIM\100PHOTO\IMG_0001.TXT`
	sim.objects[objectKey(f01.LoadFile, path)] = []byte(`{"picture":{}}`)
	c := New(sim)

	// format is ignored for non-picture kinds
	got, err := c.Download(f01.LoadFile, path, f01.FormatRAW)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"picture":{}}` {
		t.Errorf("file = %q", got)
	}
	if sim.loads[len(sim.loads)-1] != path {
		t.Errorf("loaded %q, want %q", sim.loads[len(sim.loads)-1], path)
	}
}

func TestCameraDownloadNotFound(t *testing.T) {
	c := New(newSimCamera())
	_, err := c.Download(f01.LoadPicture, "missing", f01.FormatJPEG)
	if !errors.Is(err, fs.ErrNotExist) || !errors.Is(err, f01.ErrNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestCameraStalled(t *testing.T) {
	sim := newSimCamera()
	sim.chunk = 0
	sim.objects[objectKey(f01.LoadCalibration, "")] = []byte("data")
	c := New(sim, WithMaxEmptyChunks(3))
	if _, err := c.Download(f01.LoadCalibration, "", f01.FormatNone); !errors.Is(err, f01.ErrStalled) {
		t.Errorf("err = %v, want ErrStalled", err)
	}
}

func TestCameraClose(t *testing.T) {
	sim := newSimCamera()
	c := New(sim, WithChunkRetries(1))
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if !sim.closed {
		t.Error("transport not closed")
	}
}
