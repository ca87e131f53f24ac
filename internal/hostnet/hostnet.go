// Package hostnet looks up the host interfaces that bridged and host-only
// network attachments bind to.
package hostnet

import "errors"

// ErrNotFound is returned when the host has no interface with the name.
var ErrNotFound = errors.New("hostnet: interface not found")

// Interface describes a host network interface.
type Interface struct {
	Name         string
	Index        int
	MTU          int
	Up           bool
	Kind         string
	HardwareAddr string
}

// Resolver finds host interfaces by name.
type Resolver interface {
	Lookup(name string) (Interface, error)
}

// System resolves interfaces on the running host.
type System struct{}

func (System) Lookup(name string) (Interface, error) {
	return lookup(name)
}

// Static resolves a fixed set of interfaces. Used by tests and hosts
// without interface enumeration.
type Static map[string]Interface

func (s Static) Lookup(name string) (Interface, error) {
	iface, ok := s[name]
	if !ok {
		return Interface{}, ErrNotFound
	}
	return iface, nil
}
