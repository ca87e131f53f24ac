//go:build !linux

package hostnet

import (
	"fmt"
	"net"
)

func lookup(name string) (Interface, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return Interface{}, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return Interface{
		Name:         iface.Name,
		Index:        iface.Index,
		MTU:          iface.MTU,
		Up:           iface.Flags&net.FlagUp != 0,
		Kind:         "device",
		HardwareAddr: iface.HardwareAddr.String(),
	}, nil
}
