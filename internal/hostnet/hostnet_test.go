package hostnet

import (
	"errors"
	"runtime"
	"testing"
)

func TestStatic(t *testing.T) {
	r := Static{"br0": {Name: "br0", Up: true, Kind: "bridge"}}

	iface, err := r.Lookup("br0")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if iface.Kind != "bridge" || !iface.Up {
		t.Errorf("Lookup(br0) = %+v", iface)
	}
	if _, err := r.Lookup("eth9"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup(eth9) = %v, want ErrNotFound", err)
	}
}

func TestSystemMissingInterface(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("netlink lookup is linux only")
	}
	_, err := System{}.Lookup("vmconsole-none0")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup of missing interface = %v, want ErrNotFound", err)
	}
}
