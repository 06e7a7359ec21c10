package registry

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPutListDeleteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry")
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := r.Put(Entry{Name: "vault1", RealDevice: "/dev/sdb", VirtualDevice: "/dev/mapper/vault1"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := r.Put(Entry{Name: "vault0", RealDevice: "/dev/sda", VirtualDevice: "/dev/mapper/vault0"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	entries := r.List()
	if len(entries) != 2 || entries[0].Name != "vault0" || entries[1].Name != "vault1" {
		t.Fatalf("List = %v, want vault0 then vault1", entries)
	}

	if err := r.Delete("vault0"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := r.Lookup("vault0"); err != ErrNotFound {
		t.Fatalf("Lookup after delete: got %v, want ErrNotFound", err)
	}
}

func TestFileFormatAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry")
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := r.Put(Entry{Name: "v", RealDevice: "/dev/sdc", VirtualDevice: "/dev/mapper/v"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(raw) != "v /dev/sdc /dev/mapper/v\n" {
		t.Fatalf("registry file = %q, want whitespace-separated newline-terminated tuple", raw)
	}

	reloaded, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	e, err := reloaded.Lookup("v")
	if err != nil || e.RealDevice != "/dev/sdc" {
		t.Fatalf("Lookup after reload: %v %v", e, err)
	}
}
