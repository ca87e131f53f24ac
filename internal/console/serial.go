package console

import (
	"context"
	"fmt"
	"strconv"

	"github.com/javanstorm/vmconsole/internal/config"
	"github.com/javanstorm/vmconsole/pkg/hypervisor"
)

// SerialPort is the runtime configuration of a serial port slot.
type SerialPort struct {
	Slot    int
	Enabled bool
	Mode    string // one of the config.Serial* modes
	Path    string
	Server  bool
}

func (p SerialPort) device() hypervisor.SerialDevice {
	mode := p.Mode
	if !p.Enabled {
		mode = config.SerialDisconnected
	}
	return hypervisor.SerialDevice{
		Driver:   serialDriver,
		Instance: p.Slot,
		Mode:     mode,
		Path:     p.Path,
		Server:   p.Server,
	}
}

func validSerialMode(m string) bool {
	switch m {
	case config.SerialDisconnected, config.SerialHostPipe, config.SerialHostDevice,
		config.SerialRawFile, config.SerialTCP:
		return true
	}
	return false
}

// SerialPorts returns the serial port configuration by slot.
func (s *Session) SerialPorts() map[int]SerialPort {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]SerialPort, len(s.serials))
	for k, v := range s.serials {
		out[k] = v
	}
	return out
}

// ChangeSerialPort reattaches the port's host backend.
func (s *Session) ChangeSerialPort(ctx context.Context, p SerialPort) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !reconfigureSources.has(s.state) {
		return invalidState("change serial port", s.state)
	}
	if _, ok := s.serials[p.Slot]; !ok {
		return fmt.Errorf("serial port %d: %w", p.Slot, ErrNotFound)
	}
	if !validSerialMode(p.Mode) {
		return fmt.Errorf("serial mode %q: %w", p.Mode, ErrInvalidArgument)
	}
	if p.Mode != config.SerialDisconnected && p.Path == "" {
		return fmt.Errorf("serial mode %s needs a path: %w", p.Mode, ErrInvalidArgument)
	}

	dev := p.device()
	err := s.reconfigure(ctx, "serial-port", true, func(d hypervisor.Devices) error {
		return d.SetSerial(dev)
	})
	if err != nil {
		return err
	}
	s.serials[p.Slot] = p
	name := "com" + strconv.Itoa(p.Slot)
	if dev.Mode == config.SerialDisconnected {
		s.indicators.detach(IndicatorSerial, name)
	} else {
		s.indicators.attach(IndicatorSerial, name)
	}
	s.publishDevice(name, dev.Mode)
	return nil
}
