package sg

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func writeVendor(t *testing.T, root, name, vendor string) {
	t.Helper()
	dir := filepath.Join(root, name, "device")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "vendor"), []byte(vendor), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestFind(t *testing.T) {
	root := t.TempDir()
	writeVendor(t, root, "sg0", "ATA     \n")
	writeVendor(t, root, "sg3", "Lytro   \n")
	writeVendor(t, root, "sg1", "Lytro   \n")
	writeVendor(t, root, "sg2", "Lytro2  \n")
	if err := os.MkdirAll(filepath.Join(root, "sg9"), 0755); err != nil { // no vendor file
		t.Fatal(err)
	}

	oldSys, oldDev := SysfsRoot, DevRoot
	SysfsRoot, DevRoot = root, "/dev"
	t.Cleanup(func() { SysfsRoot, DevRoot = oldSys, oldDev })

	got, err := Find("Lytro   ")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	want := []string{"/dev/sg1", "/dev/sg3"}
	if len(got) != len(want) {
		t.Fatalf("Find = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Find[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestFind_MissingRoot(t *testing.T) {
	old := SysfsRoot
	SysfsRoot = filepath.Join(t.TempDir(), "absent")
	t.Cleanup(func() { SysfsRoot = old })
	if _, err := Find("Lytro   "); err == nil {
		t.Fatal("expected error for missing sysfs root")
	}
}

func TestIsPermission(t *testing.T) {
	if !IsPermission(&OpenError{Path: "/dev/sg0", Err: syscall.EACCES}) {
		t.Error("EACCES should be a permission error")
	}
	if !IsPermission(&OpenError{Path: "/dev/sg0", Err: syscall.EPERM}) {
		t.Error("EPERM should be a permission error")
	}
	if IsPermission(&OpenError{Path: "/dev/sg0", Err: syscall.ENOENT}) {
		t.Error("ENOENT is not a permission error")
	}
	if IsPermission(errors.New("other")) {
		t.Error("plain error is not a permission error")
	}
}
