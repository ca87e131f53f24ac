package console

import (
	"context"
	"fmt"
	"strings"

	"github.com/javanstorm/vmconsole/pkg/hypervisor"
)

// HostPowerEvent is a power notification from the host.
type HostPowerEvent int

const (
	HostSuspend HostPowerEvent = iota
	HostResume
	HostBatteryLow
)

func (e HostPowerEvent) String() string {
	switch e {
	case HostSuspend:
		return "host-suspend"
	case HostResume:
		return "host-resume"
	case HostBatteryLow:
		return "host-battery-low"
	default:
		return "unknown"
	}
}

// Pause suspends the VM.
func (s *Session) Pause(ctx context.Context, reason hypervisor.SuspendReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pauseLocked(ctx, reason)
}

func (s *Session) pauseLocked(ctx context.Context, reason hypervisor.SuspendReason) error {
	if !pauseSources.has(s.state) {
		return invalidState("pause", s.state)
	}
	caller, err := s.AcquireEngine(false)
	if err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	defer caller.Release()

	s.withUnlocked(func() {
		err = caller.Engine().Suspend(ctx, reason)
	})
	if err != nil {
		return engineFailed("pause", err)
	}
	s.pauseReason = reason
	return nil
}

// Resume continues a paused VM. It is refused while encryption passwords
// the VM waits for are missing.
func (s *Session) Resume(ctx context.Context, reason hypervisor.ResumeReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeLocked(ctx, reason)
}

func (s *Session) resumeLocked(ctx context.Context, reason hypervisor.ResumeReason) error {
	if !resumeSources.has(s.state) {
		return invalidState("resume", s.state)
	}
	if missing := s.secrets.Missing(); s.pausedForKeys && len(missing) > 0 {
		return fmt.Errorf("resume: passwords missing for %s: %w", strings.Join(missing, ","), ErrInvalidState)
	}
	caller, err := s.AcquireEngine(false)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	defer caller.Release()

	s.withUnlocked(func() {
		err = caller.Engine().Resume(ctx, reason)
	})
	if err != nil {
		return engineFailed("resume", err)
	}
	s.pausedForKeys = false
	return nil
}

// Reset hard-resets the virtual hardware. Media ejects deferred because the
// guest held a lock are applied afterwards.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !resetSources.has(s.state) {
		return invalidState("reset", s.state)
	}
	caller, err := s.AcquireEngine(false)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	s.withUnlocked(func() {
		err = caller.Engine().Reset(ctx)
	})
	caller.Release()
	if err != nil {
		return engineFailed("reset", err)
	}
	if reconfigureSources.has(s.state) {
		if err := s.applyPendingEjects(ctx); err != nil {
			s.log.WithError(err).Warn("apply pending ejects")
		}
	}
	return nil
}

// OnHostPowerEvent reacts to host power notifications. Host suspend and low
// battery pause a running VM and drop the keys marked clear-on-suspend. Host
// resume only resumes a VM the host suspend paused.
func (s *Session) OnHostPowerEvent(ctx context.Context, ev HostPowerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.WithField("event", ev).Info("host power event")

	switch ev {
	case HostSuspend, HostBatteryLow:
		reason := hypervisor.SuspendHostSuspend
		if ev == HostBatteryLow {
			reason = hypervisor.SuspendHostBatteryLow
		}
		if s.state == Running {
			if err := s.pauseLocked(ctx, reason); err != nil {
				return err
			}
		}
		s.clearSuspendKeys(ctx)
		return nil

	case HostResume:
		if s.state != Paused || s.pauseReason != hypervisor.SuspendHostSuspend {
			return nil
		}
		if missing := s.secrets.Missing(); len(missing) > 0 {
			s.pausedForKeys = true
			s.events.publish(Event{Kind: EventPasswordsMissing, Detail: strings.Join(missing, ",")})
			return nil
		}
		return s.resumeLocked(ctx, hypervisor.ResumeHostResume)
	}
	return fmt.Errorf("host power event %d: %w", int(ev), ErrInvalidArgument)
}

// clearSuspendKeys withdraws clear-on-suspend keys from the disks using them
// and deletes them. Called with the write lock held.
func (s *Session) clearSuspendKeys(ctx context.Context) {
	ids := s.secrets.ClearOnSuspend()
	if len(ids) == 0 {
		return
	}
	targets := make(map[string]bool, len(ids))
	for _, id := range ids {
		targets[id] = true
	}

	var (
		slots []slotKey
		devs  []hypervisor.StorageDevice
	)
	for slot, m := range s.media {
		if !m.keyRetained || !targets[m.KeyID] {
			continue
		}
		dev, err := s.storageDevice(*m)
		if err != nil {
			continue
		}
		slots = append(slots, slot)
		devs = append(devs, dev)
	}

	if len(devs) > 0 {
		if caller, err := s.AcquireEngine(true); err == nil {
			var callErr error
			s.withUnlocked(func() {
				callErr = caller.Engine().Call(ctx, func(d hypervisor.Devices) error {
					for _, dev := range devs {
						if err := d.SetDiskKey(dev, nil); err != nil {
							return err
						}
					}
					return nil
				})
			})
			caller.Release()
			if callErr != nil {
				s.log.WithError(callErr).Warn("withdraw disk keys")
			}
		}
		for _, slot := range slots {
			if m, ok := s.media[slot]; ok && m.keyRetained {
				s.releaseKey(m.KeyID)
				m.keyRetained = false
			}
		}
	}

	if err := s.secrets.DeleteAll(true, false); err != nil {
		s.log.WithError(err).Warn("clear suspend keys")
	}
	if missing := s.secrets.Missing(); len(missing) > 0 && s.state == Paused {
		s.pausedForKeys = true
	}
}
