package console

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/javanstorm/vmconsole/internal/config"
	"github.com/javanstorm/vmconsole/internal/hostnet"
	"github.com/javanstorm/vmconsole/pkg/hypervisor"
)

// NetworkAdapter is the runtime configuration of a network adapter slot.
type NetworkAdapter struct {
	Slot           int
	Enabled        bool
	Attachment     string // one of the config.Attach* names
	HostInterface  string
	MAC            string
	CableConnected bool
}

func (n NetworkAdapter) device() hypervisor.NetworkDevice {
	return hypervisor.NetworkDevice{
		Driver:        networkDriver,
		Instance:      n.Slot,
		Attachment:    n.Attachment,
		HostInterface: n.HostInterface,
		MAC:           n.MAC,
		CableUp:       n.CableConnected,
	}
}

// cableOnly reports whether next differs from n only in the cable state.
func (n NetworkAdapter) cableOnly(next NetworkAdapter) bool {
	n.CableConnected = next.CableConnected
	return n == next
}

func validAttachment(a string) bool {
	switch a {
	case config.AttachNull, config.AttachNAT, config.AttachBridged, config.AttachInternal,
		config.AttachHostOnly, config.AttachGeneric, config.AttachNATNetwork:
		return true
	}
	return false
}

// NetworkAdapters returns the adapter configuration by slot.
func (s *Session) NetworkAdapters() map[int]NetworkAdapter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]NetworkAdapter, len(s.nics))
	for k, v := range s.nics {
		out[k] = v
	}
	return out
}

// ChangeNetworkAdapter applies a new adapter configuration. A change of the
// cable state alone is done without suspending the VM.
func (s *Session) ChangeNetworkAdapter(ctx context.Context, n NetworkAdapter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !reconfigureSources.has(s.state) {
		return invalidState("change network adapter", s.state)
	}
	cur, ok := s.nics[n.Slot]
	if !ok {
		return fmt.Errorf("network adapter %d: %w", n.Slot, ErrNotFound)
	}
	if !validAttachment(n.Attachment) {
		return fmt.Errorf("network attachment %q: %w", n.Attachment, ErrInvalidArgument)
	}
	if n.Attachment == config.AttachBridged || n.Attachment == config.AttachHostOnly {
		if _, err := s.hostnet.Lookup(n.HostInterface); err != nil {
			if errors.Is(err, hostnet.ErrNotFound) {
				return fmt.Errorf("host interface %q: %w", n.HostInterface, ErrNotFound)
			}
			return fmt.Errorf("host interface %q: %w", n.HostInterface, err)
		}
	}
	if cur == n {
		return nil
	}

	dev := n.device()
	var err error
	if cur.cableOnly(n) {
		err = s.reconfigure(ctx, "link-state", false, func(d hypervisor.Devices) error {
			return d.SetLinkState(dev, n.CableConnected)
		})
	} else {
		err = s.reconfigure(ctx, "network-adapter", true, func(d hypervisor.Devices) error {
			return d.SetNetwork(dev)
		})
	}
	if err != nil {
		return err
	}

	s.nics[n.Slot] = n
	name := "nic" + strconv.Itoa(n.Slot)
	if n.Enabled {
		s.indicators.attach(IndicatorNetwork, name)
	} else {
		s.indicators.detach(IndicatorNetwork, name)
	}
	s.publishDevice(name, n.Attachment)
	return nil
}
