package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lonetech/pyly/internal/sg"
	"github.com/lonetech/pyly/internal/usbfs"
)

func TestParseBackends(t *testing.T) {
	got, err := ParseBackends(" USB, ip ,")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != BackendUSB || got[1] != BackendIP {
		t.Errorf("ParseBackends = %v", got)
	}
	if _, err := ParseBackends("usb,serial"); err == nil {
		t.Error("expected error for unknown transport")
	}
	if _, err := ParseBackends(" , "); err == nil {
		t.Error("expected error for empty list")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestProbeAll_Order(t *testing.T) {
	sgRoot := t.TempDir()
	writeFile(t, filepath.Join(sgRoot, "sg2", "device", "vendor"), "Lytro   \n")
	usbRoot := t.TempDir()
	for name, v := range map[string]string{"busnum": "3", "devnum": "9", "idVendor": "24cf", "idProduct": "00a1"} {
		writeFile(t, filepath.Join(usbRoot, "3-1", name), v+"\n")
	}

	oldSg, oldSgDev := sg.SysfsRoot, sg.DevRoot
	oldUSB, oldUSBDev := usbfs.SysfsRoot, usbfs.DevRoot
	sg.SysfsRoot, sg.DevRoot = sgRoot, "/dev"
	usbfs.SysfsRoot, usbfs.DevRoot = usbRoot, "/dev/bus/usb"
	t.Cleanup(func() {
		sg.SysfsRoot, sg.DevRoot = oldSg, oldSgDev
		usbfs.SysfsRoot, usbfs.DevRoot = oldUSB, oldUSBDev
	})

	opts := DefaultProbeOptions()
	opts.Backends = []Backend{BackendIP, BackendUSB, BackendSCSI}
	got, err := ProbeAll(context.Background(), opts)
	if err != nil {
		t.Fatalf("ProbeAll: %v", err)
	}
	want := []string{"ip:10.100.1.1:5678", "usb:/dev/bus/usb/003/009", "scsi:/dev/sg2"}
	if len(got) != len(want) {
		t.Fatalf("ProbeAll = %v, want %v", got, want)
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Errorf("candidate %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestProbeAll_EnumerationError(t *testing.T) {
	old := sg.SysfsRoot
	sg.SysfsRoot = filepath.Join(t.TempDir(), "absent")
	t.Cleanup(func() { sg.SysfsRoot = old })

	opts := DefaultProbeOptions()
	opts.Backends = []Backend{BackendSCSI, BackendIP}
	got, err := ProbeAll(context.Background(), opts)
	if err == nil {
		t.Error("expected enumeration error for missing sysfs")
	}
	if len(got) != 1 || got[0].Backend != BackendIP {
		t.Errorf("candidates = %v, want the IP fallback only", got)
	}
}

// serveBattery answers one battery query on a loopback listener.
func serveBattery(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("loopback listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req := make([]byte, TCPResponseSize)
		if _, err := io.ReadFull(conn, req); err != nil {
			return
		}
		conn.Write(tcpResponse(Magic, 4, KindRead, 0xC6, batteryPayload(42)))
		io.Copy(io.Discard, conn)
	}()
	return ln.Addr().String()
}

func TestProbe_IP(t *testing.T) {
	addr := serveBattery(t)
	opts := DefaultProbeOptions()
	opts.Backends = []Backend{BackendIP}
	opts.Address = addr
	opts.IOTimeout = time.Second

	tr, c, err := Probe(context.Background(), opts)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	defer tr.Close()
	if c.Backend != BackendIP || c.Target != addr {
		t.Errorf("candidate = %s", c)
	}
	if _, ok := tr.(*TCP); !ok {
		t.Errorf("transport = %T, want *TCP", tr)
	}
}

func TestProbe_NoCamera(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("loopback listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	opts := DefaultProbeOptions()
	opts.Backends = []Backend{BackendIP}
	opts.Address = addr
	opts.DialTimeout = time.Second

	_, _, err = Probe(context.Background(), opts)
	if !errors.Is(err, ErrNoCamera) {
		t.Errorf("err = %v, want ErrNoCamera", err)
	}
}

func TestProbe_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	opts := DefaultProbeOptions()
	opts.Backends = []Backend{BackendIP}
	if _, _, err := Probe(ctx, opts); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
