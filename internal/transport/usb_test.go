package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/lonetech/pyly/internal/f01"
)

var (
	errBulkTimeout  = errors.New("bulk timeout")
	errBulkOverflow = errors.New("bulk overflow")
)

// fakeBulk replays IN transfers and records OUT transfers. Like usbfs, an IN
// transfer larger than the buffer fails instead of being truncated.
type fakeBulk struct {
	in     [][]byte
	out    [][]byte
	closed bool
}

func (f *fakeBulk) BulkOut(data []byte, _ time.Duration) (int, error) {
	f.out = append(f.out, append([]byte(nil), data...))
	return len(data), nil
}

func (f *fakeBulk) BulkIn(buf []byte, _ time.Duration) (int, error) {
	if len(f.in) == 0 {
		return 0, errBulkTimeout
	}
	next := f.in[0]
	f.in = f.in[1:]
	if len(next) > len(buf) {
		return 0, errBulkOverflow
	}
	return copy(buf, next), nil
}

func (f *fakeBulk) Close() error { f.closed = true; return nil }

func cswBytes(tag, residue uint32, status uint8) []byte {
	b := []byte("USBS")
	b = binary.LittleEndian.AppendUint32(b, tag)
	b = binary.LittleEndian.AppendUint32(b, residue)
	return append(b, status)
}

func TestMarshalCBW(t *testing.T) {
	cmd := f01.NewQuery(f01.QueryBattery).Marshal()
	cbw := MarshalCBW(7, 4, true, cmd)
	if len(cbw) != CBWSize {
		t.Fatalf("CBW length = %d, want %d", len(cbw), CBWSize)
	}
	if string(cbw[0:4]) != "USBC" {
		t.Errorf("signature = %q", cbw[0:4])
	}
	if tag := binary.LittleEndian.Uint32(cbw[4:8]); tag != 7 {
		t.Errorf("tag = %d, want 7", tag)
	}
	if n := binary.LittleEndian.Uint32(cbw[8:12]); n != 4 {
		t.Errorf("length = %d, want 4", n)
	}
	if cbw[12] != 0x80 || cbw[13] != 0 || cbw[14] != 16 {
		t.Errorf("flags/lun/cblen = %#x/%d/%d", cbw[12], cbw[13], cbw[14])
	}
	if !bytes.Equal(cbw[15:], cmd) {
		t.Errorf("command = % x", cbw[15:])
	}

	out := MarshalCBW(8, 6, false, []byte{0xC2, 0, 5})
	if out[12] != 0x00 {
		t.Errorf("OUT flags = %#x, want 0", out[12])
	}
	if !bytes.Equal(out[15:18], []byte{0xC2, 0, 5}) || !bytes.Equal(out[18:], make([]byte, 13)) {
		t.Errorf("short command not zero-padded: % x", out[15:])
	}
}

func TestParseCSW(t *testing.T) {
	c, err := ParseCSW(cswBytes(3, 10, 1))
	if err != nil {
		t.Fatal(err)
	}
	if !c.Valid() || c.Tag != 3 || c.Residue != 10 || c.Status != 1 {
		t.Errorf("ParseCSW = %+v", c)
	}
	if _, err := ParseCSW(make([]byte, 12)); err == nil {
		t.Error("expected error for 12-byte CSW")
	}
}

func TestUSBDrainsOnOpen(t *testing.T) {
	dev := &fakeBulk{in: [][]byte{[]byte("stale"), cswBytes(41, 0, 0)}}
	NewUSB(dev, "usb:test", 0)
	if len(dev.in) != 0 {
		t.Errorf("%d stale transfers left", len(dev.in))
	}
	if len(dev.out) != 0 {
		t.Errorf("drain wrote %d transfers", len(dev.out))
	}
}

func TestUSBRead_TwoFragments(t *testing.T) {
	dev := &fakeBulk{}
	u := NewUSB(dev, "usb:test", 0)
	payload := batteryPayload(87.5)
	dev.in = [][]byte{payload[:3], payload[3:], cswBytes(1, 0, 0)}

	cmd := f01.NewQuery(f01.QueryBattery).Marshal()
	data, err := u.Read(cmd, 4)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("data = % x, want % x", data, payload)
	}
	if len(dev.out) != 1 || !bytes.Equal(dev.out[0], MarshalCBW(1, 4, true, cmd)) {
		t.Errorf("OUT transfers = % x", dev.out)
	}

	dev.in = [][]byte{payload, cswBytes(2, 0, 0)}
	if _, err := u.Read(cmd, 4); err != nil {
		t.Errorf("second Read (tag 2): %v", err)
	}
}

func TestUSBRead_EarlyCSW(t *testing.T) {
	dev := &fakeBulk{}
	u := NewUSB(dev, "usb:test", 0)
	dev.in = [][]byte{{1, 2, 3}, cswBytes(1, 5, 0)}

	data, err := u.Read(f01.NewDownload(0).Marshal(), 8)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(data, []byte{1, 2, 3}) {
		t.Errorf("data = % x", data)
	}
	if len(dev.in) != 0 {
		t.Errorf("%d transfers left", len(dev.in))
	}
}

func TestUSBRead_EarlyCSWNearEnd(t *testing.T) {
	dev := &fakeBulk{}
	u := NewUSB(dev, "usb:test", 0)
	first := bytes.Repeat([]byte{0xAB}, 10)
	dev.in = [][]byte{first, cswBytes(1, 10, 0)}

	data, err := u.Read(f01.NewDownload(0).Marshal(), 20)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(data, first) {
		t.Errorf("data = % x, want % x", data, first)
	}
}

func TestUSBRead_SkipsStaleCSW(t *testing.T) {
	dev := &fakeBulk{}
	u := NewUSB(dev, "usb:test", 0)
	u.tag = 4
	payload := batteryPayload(50)
	dev.in = [][]byte{cswBytes(3, 0, 0), payload, cswBytes(4, 0, 0), cswBytes(5, 0, 0)}

	data, err := u.Read(f01.NewQuery(f01.QueryBattery).Marshal(), 4)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("data = % x, want % x", data, payload)
	}
	if len(dev.in) != 0 {
		t.Errorf("%d transfers left", len(dev.in))
	}
}

func TestUSBRead_MismatchResyncs(t *testing.T) {
	dev := &fakeBulk{}
	u := NewUSB(dev, "usb:test", 0)
	dev.in = [][]byte{batteryPayload(1), cswBytes(99, 0, 0), []byte("leftover")}

	cmd := f01.NewQuery(f01.QueryBattery).Marshal()
	if _, err := u.Read(cmd, 4); !errors.Is(err, f01.ErrRetryable) {
		t.Fatalf("err = %v, want ErrRetryable", err)
	}
	if len(dev.in) != 0 {
		t.Fatalf("%d transfers left after mismatch", len(dev.in))
	}

	payload := batteryPayload(2)
	dev.in = [][]byte{payload, cswBytes(2, 0, 0)}
	data, err := u.Read(cmd, 4)
	if err != nil {
		t.Fatalf("Read after resync: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("data = % x, want % x", data, payload)
	}
}

func TestUSBDownload_DuplicateCSW(t *testing.T) {
	dev := &fakeBulk{}
	u := NewUSB(dev, "usb:test", 0)
	object := bytes.Repeat([]byte{0xAB}, 20)
	size := binary.LittleEndian.AppendUint32(nil, uint32(len(object)))
	// Load, Query size, then the Download data followed by a repeated
	// status wrapper from the previous command.
	dev.in = [][]byte{
		cswBytes(1, 0, 0),
		size, cswBytes(2, 0, 0),
		object, cswBytes(2, 0, 0), cswBytes(3, 0, 0),
	}

	d := f01.NewDownloader(u)
	d.RetryInterval = time.Millisecond
	got, err := d.Download(f01.LoadCalibration, "")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !bytes.Equal(got, object) {
		t.Errorf("data = % x, want % x", got, object)
	}
	if len(dev.in) != 0 {
		t.Errorf("%d transfers left", len(dev.in))
	}
}

func TestUSBRead_CSWMismatch(t *testing.T) {
	tests := []struct {
		name string
		csw  []byte
	}{
		{"tag", cswBytes(99, 0, 0)},
		{"status", cswBytes(1, 0, 1)},
		{"signature", append([]byte("XXXX"), cswBytes(1, 0, 0)[4:]...)},
		{"short", []byte("USBS")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := &fakeBulk{}
			u := NewUSB(dev, "usb:test", 0)
			dev.in = [][]byte{batteryPayload(1), tt.csw}
			_, err := u.Read(f01.NewQuery(f01.QueryBattery).Marshal(), 4)
			if !errors.Is(err, f01.ErrRetryable) {
				t.Errorf("err = %v, want ErrRetryable", err)
			}
			var ce *CSWError
			if !errors.As(err, &ce) || ce.Tag != 1 {
				t.Errorf("err = %#v, want *CSWError for tag 1", err)
			}
		})
	}
}

func TestUSBRead_BulkError(t *testing.T) {
	dev := &fakeBulk{}
	u := NewUSB(dev, "usb:test", 0)
	dev.in = [][]byte{{1, 2}}
	_, err := u.Read(f01.NewQuery(f01.QueryBattery).Marshal(), 4)
	if !errors.Is(err, errBulkTimeout) {
		t.Errorf("err = %v, want bulk timeout", err)
	}
	if errors.Is(err, f01.ErrRetryable) {
		t.Error("bulk I/O failure must not be retryable")
	}
}

func TestUSBRead_EmptyTransfers(t *testing.T) {
	dev := &fakeBulk{}
	u := NewUSB(dev, "usb:test", 0)
	for range maxEmptyBulkIn {
		dev.in = append(dev.in, []byte{})
	}
	if _, err := u.Read(f01.NewQuery(f01.QueryBattery).Marshal(), 4); err == nil {
		t.Error("expected error after repeated empty transfers")
	}
}

func TestUSBWrite(t *testing.T) {
	dev := &fakeBulk{}
	u := NewUSB(dev, "usb:test", 0)
	cmd := f01.NewLoad(f01.LoadPicture).Marshal()
	payload := []byte("abc\x00")
	dev.in = [][]byte{cswBytes(1, 0, 0)}

	if err := u.Write(cmd, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(dev.out) != 2 {
		t.Fatalf("OUT transfers = %d, want 2", len(dev.out))
	}
	if !bytes.Equal(dev.out[0], MarshalCBW(1, len(payload), false, cmd)) {
		t.Errorf("CBW = % x", dev.out[0])
	}
	if !bytes.Equal(dev.out[1], payload) {
		t.Errorf("data = % x", dev.out[1])
	}

	// no data phase for an empty payload
	dev.out = nil
	dev.in = [][]byte{cswBytes(2, 0, 0)}
	if err := u.Write(cmd, nil); err != nil {
		t.Fatalf("empty Write: %v", err)
	}
	if len(dev.out) != 1 {
		t.Errorf("OUT transfers = %d, want 1", len(dev.out))
	}
}

func TestUSBClose(t *testing.T) {
	dev := &fakeBulk{}
	u := NewUSB(dev, "usb:test", 0)
	if err := u.Close(); err != nil {
		t.Fatal(err)
	}
	if !dev.closed {
		t.Error("device not closed")
	}
	if err := u.Write(nil, nil); !errors.Is(err, f01.ErrClosed) {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}
}
