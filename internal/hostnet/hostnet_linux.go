//go:build linux

package hostnet

import (
	"fmt"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

func lookup(name string) (Interface, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return Interface{}, fmt.Errorf("%q: %w", name, ErrNotFound)
		}
		return Interface{}, fmt.Errorf("find host interface %q: %w", name, err)
	}
	attrs := link.Attrs()
	return Interface{
		Name:         attrs.Name,
		Index:        attrs.Index,
		MTU:          attrs.MTU,
		Up:           attrs.Flags&unix.IFF_UP != 0,
		Kind:         link.Type(),
		HardwareAddr: attrs.HardwareAddr.String(),
	}, nil
}
