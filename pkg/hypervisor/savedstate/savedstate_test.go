package savedstate

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteAndSeek(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vm.sav")

	units := []Unit{
		{Name: "ConsoleData", Version: 0x00020000, Data: []byte("folders")},
		{Name: "cpu", Instance: 1, Version: 7, Data: nil},
	}
	if err := Write(path, units); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !Exists(path) {
		t.Fatal("Exists should report the written file")
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should be renamed away")
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	version, data, err := f.Seek("ConsoleData", 0)
	if err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	if version != 0x00020000 {
		t.Errorf("version = %#x, want %#x", version, 0x00020000)
	}
	if !bytes.Equal(data, []byte("folders")) {
		t.Errorf("data = %q, want %q", data, "folders")
	}

	version, data, err = f.Seek("cpu", 1)
	if err != nil {
		t.Fatalf("Seek cpu failed: %v", err)
	}
	if version != 7 || len(data) != 0 {
		t.Errorf("cpu unit = (%d, %q), want (7, empty)", version, data)
	}
}

func TestSeekMissingUnit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vm.sav")
	if err := Write(path, nil); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	if _, _, err := f.Seek("ConsoleData", 0); !errors.Is(err, ErrUnitNotFound) {
		t.Errorf("Seek error = %v, want ErrUnitNotFound", err)
	}
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.sav"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Open error = %v, want os.ErrNotExist", err)
	}
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vm.sav")
	if err := Write(path, nil); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := Remove(path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if Exists(path) {
		t.Error("file should be gone")
	}
	if err := Remove(path); err != nil {
		t.Errorf("Remove of missing file should succeed, got %v", err)
	}
}

func TestExistsEmptyPath(t *testing.T) {
	if Exists("") {
		t.Error("empty path should not exist")
	}
	if Exists(t.TempDir()) {
		t.Error("directory should not count as a saved state")
	}
}
