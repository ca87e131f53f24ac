package console

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/javanstorm/vmconsole/pkg/hypervisor"
)

// CPUs returns the plugged virtual CPUs in order.
func (s *Session) CPUs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, 0, len(s.cpus))
	for c := range s.cpus {
		out = append(out, c)
	}
	sort.Ints(out)
	return out
}

// AddCPU hot-plugs virtual CPU n.
func (s *Session) AddCPU(ctx context.Context, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !reconfigureSources.has(s.state) {
		return invalidState("add cpu", s.state)
	}
	if n < 0 || n >= s.machine.MaxCPUs {
		return fmt.Errorf("cpu %d out of range [0,%d): %w", n, s.machine.MaxCPUs, ErrInvalidArgument)
	}
	if s.cpus[n] {
		return fmt.Errorf("cpu %d: %w", n, ErrResourceInUse)
	}
	err := s.reconfigure(ctx, "plug-cpu", true, func(d hypervisor.Devices) error {
		return d.PlugCPU(n)
	})
	if err != nil {
		return err
	}
	s.cpus[n] = true
	s.publishDevice("cpu"+strconv.Itoa(n), "plugged")
	return nil
}

// RemoveCPU asks the guest to release CPU n and unplugs it. CPU 0 is never
// removed.
func (s *Session) RemoveCPU(ctx context.Context, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !reconfigureSources.has(s.state) {
		return invalidState("remove cpu", s.state)
	}
	if n <= 0 || n >= s.machine.MaxCPUs {
		return fmt.Errorf("cpu %d cannot be removed: %w", n, ErrInvalidArgument)
	}
	if !s.cpus[n] {
		return fmt.Errorf("cpu %d: %w", n, ErrNotFound)
	}

	caller, err := s.AcquireEngine(true)
	if err != nil {
		return fmt.Errorf("remove cpu: %w", err)
	}
	s.withUnlocked(func() {
		err = s.waitCPUReleased(ctx, caller.Engine(), n)
	})
	caller.Release()
	if err != nil {
		return err
	}

	err = s.reconfigure(ctx, "unplug-cpu", true, func(d hypervisor.Devices) error {
		return d.UnplugCPU(n)
	})
	if err != nil {
		return err
	}
	delete(s.cpus, n)
	s.publishDevice("cpu"+strconv.Itoa(n), "unplugged")
	return nil
}

// waitCPUReleased runs the guest unlock handshake for cpu with a bounded
// exponential backoff.
func (s *Session) waitCPUReleased(ctx context.Context, eng hypervisor.Engine, cpu int) error {
	if err := eng.RequestCPUUnplug(cpu); err != nil {
		return mapDeviceError("remove cpu", err)
	}
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(10*time.Millisecond),
		backoff.WithMaxInterval(250*time.Millisecond),
		backoff.WithMaxElapsedTime(s.unplugWait),
	)
	op := func() error {
		ready, err := eng.CPUUnplugReady(cpu)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ready {
			return errCPUNotReleased
		}
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errCPUNotReleased):
		return fmt.Errorf("cpu %d not released within %s: %w", cpu, s.unplugWait, ErrResourceBusy)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("remove cpu %d: %w", cpu, err)
	}
	return mapDeviceError("remove cpu", err)
}

var errCPUNotReleased = errors.New("guest has not released the cpu yet")
