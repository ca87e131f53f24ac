package console

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/javanstorm/vmconsole/internal/config"
	"github.com/javanstorm/vmconsole/internal/progress"
	"github.com/javanstorm/vmconsole/pkg/hypervisor"
	"github.com/javanstorm/vmconsole/pkg/hypervisor/savedstate"
)

type bootKind int

const (
	bootCold bootKind = iota
	bootRestore
	bootTeleport
)

func (k bootKind) String() string {
	switch k {
	case bootRestore:
		return "restore"
	case bootTeleport:
		return "teleport"
	default:
		return "cold"
	}
}

type encryptedDisk struct {
	slot  slotKey
	dev   hypervisor.StorageDevice
	keyID string
}

// powerUpSnapshot is everything the power-up worker needs, captured under
// the session lock before the worker starts.
type powerUpSnapshot struct {
	kind        bootKind
	cfg         hypervisor.VMConfig
	folders     []config.SharedFolder
	resetDisks  []hypervisor.StorageDevice
	encrypted   []encryptedDisk
	teleport    hypervisor.TeleportTarget
	savedState  string
	startPaused bool
	ancillaries []Ancillary
}

// PowerUp starts the VM asynchronously: a cold boot, a restore from the
// saved state or an incoming teleport.
func (s *Session) PowerUp(ctx context.Context) (*progress.Progress, error) {
	return s.powerUp(ctx, false)
}

// PowerUpPaused is PowerUp leaving the VM paused.
func (s *Session) PowerUpPaused(ctx context.Context) (*progress.Progress, error) {
	return s.powerUp(ctx, true)
}

func (s *Session) powerUp(ctx context.Context, paused bool) (*progress.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.poweringDown || !powerUpSources.has(s.state) {
		return nil, invalidState("power up", s.state)
	}
	saved := s.state == Saved ||
		(s.state == AbortedSaved && s.savedState != "" && savedstate.Exists(s.savedState))

	if s.relLog != nil {
		if err := s.relLog.Open(); err != nil {
			s.log.WithError(err).Warn("open release log")
		}
	}

	snap, err := s.snapshot(saved, paused || s.machine.StartPaused)
	if err != nil {
		return nil, fmt.Errorf("power up: %w", err)
	}
	if missing := s.secrets.Missing(); len(missing) > 0 {
		snap.startPaused = true
		s.pausedForKeys = true
		s.log.WithField("key_ids", missing).Warn("encryption passwords missing, starting paused")
		s.events.publish(Event{Kind: EventPasswordsMissing, Detail: strings.Join(missing, ",")})
	}

	var next MachineState
	switch snap.kind {
	case bootRestore:
		next = Restoring
	case bootTeleport:
		next = TeleportingIn
	default:
		next = Starting
	}
	if err := s.setState(next, true); err != nil {
		s.log.WithError(err).Warn("state change not recorded")
	}

	s.log.WithField("boot", snap.kind).Info("powering up")
	p := progress.New("Starting the virtual machine", 5)
	done := make(chan struct{})
	s.upProgress = p
	s.upDone = done
	s.startTask(ctx, "power-up", p, func(ctx context.Context, t *powerTask) error {
		defer close(done)
		return s.powerUpWorker(ctx, t, snap)
	})
	return p, nil
}

// snapshot captures the power-up inputs. Called with the write lock held.
func (s *Session) snapshot(saved, paused bool) (*powerUpSnapshot, error) {
	m := s.machine
	snap := &powerUpSnapshot{
		kind:        bootCold,
		folders:     append([]config.SharedFolder(nil), s.folders...),
		savedState:  s.savedState,
		startPaused: paused,
		ancillaries: append([]Ancillary(nil), s.ancillaries...),
		cfg: hypervisor.VMConfig{
			Name:     m.Name,
			CPUs:     m.CPUs,
			MaxCPUs:  m.MaxCPUs,
			MemoryMB: m.MemoryMB,
			Kernel:   m.Kernel,
			Initrd:   m.Initrd,
			Cmdline:  m.Cmdline,
		},
	}
	switch {
	case saved:
		snap.kind = bootRestore
	case m.Teleporter.Enabled:
		snap.kind = bootTeleport
		snap.teleport = hypervisor.TeleportTarget{
			Address:  m.Teleporter.Address,
			Port:     m.Teleporter.Port,
			Password: m.Teleporter.Password,
		}
	}

	clear(s.cpus)
	for i := 0; i < m.CPUs; i++ {
		s.cpus[i] = true
	}

	s.indicators.reset()
	for _, ma := range s.media {
		dev, err := s.storageDevice(*ma)
		if err != nil {
			return nil, err
		}
		snap.cfg.Storage = append(snap.cfg.Storage, dev)
		if ma.KeyID != "" {
			snap.encrypted = append(snap.encrypted, encryptedDisk{slot: ma.slot(), dev: dev, keyID: ma.KeyID})
		}
		if ma.AutoReset && snap.kind == bootCold {
			snap.resetDisks = append(snap.resetDisks, dev)
		}
		s.indicators.attach(storageIndicator(ma.Type), ma.slot().String())
	}
	for _, n := range s.nics {
		if n.Enabled {
			snap.cfg.Network = append(snap.cfg.Network, n.device())
			s.indicators.attach(IndicatorNetwork, "nic"+strconv.Itoa(n.Slot))
		}
	}
	for _, p := range s.serials {
		if p.Enabled {
			snap.cfg.Serial = append(snap.cfg.Serial, p.device())
			s.indicators.attach(IndicatorSerial, "com"+strconv.Itoa(p.Slot))
		}
	}
	if snap.kind != bootRestore {
		snap.cfg.SharedDirs, snap.cfg.SharedDirsReadOnly = sharedDirs(snap.folders)
	}
	if len(snap.folders) > 0 {
		s.indicators.attach(IndicatorSharedFolders, "shared-folders")
	}
	return snap, nil
}

// powerUpWorker boots the engine. A failure tears down whatever was built;
// the original error is reported first.
func (s *Session) powerUpWorker(ctx context.Context, t *powerTask, snap *powerUpSnapshot) error {
	t.span.SetAttributes(bootAttr(snap.kind))
	err := s.bootEngine(ctx, t, snap)

	s.mu.Lock()
	if s.upProgress == t.prog {
		s.upProgress = nil
		s.upDone = nil
	}
	if err == nil {
		if !s.poweringDown {
			switch s.state {
			case Starting, Restoring, TeleportingIn:
				s.commit(Running)
			}
			// Passwords may have arrived while the engine was starting.
			if err := s.maybeAutoResume(ctx); err != nil {
				s.log.WithError(err).Warn("resume after passwords were supplied")
			}
		}
		s.mu.Unlock()
		return nil
	}
	if s.poweringDown {
		// A power down is already tearing the engine down.
		s.mu.Unlock()
		return err
	}
	s.poweringDown = true
	final := PoweredOff
	if snap.kind == bootRestore {
		final = AbortedSaved
	}
	s.mu.Unlock()

	t.step("cleaning up")
	s.releaseAncillaries(ctx)
	cleanupErr := s.teardown(ctx, true)

	s.mu.Lock()
	s.poweringDown = false
	s.afterTeardown()
	s.commit(final)
	s.mu.Unlock()
	return errors.Join(err, cleanupErr)
}

func (s *Session) bootEngine(ctx context.Context, t *powerTask, snap *powerUpSnapshot) error {
	cfg := snap.cfg
	if snap.kind == bootRestore {
		t.step("reading saved state")
		folders, err := readConsoleData(snap.savedState)
		if err != nil {
			return fmt.Errorf("read saved state: %w", err)
		}
		s.mu.Lock()
		s.folders = folders
		s.mu.Unlock()
		cfg.SharedDirs, cfg.SharedDirsReadOnly = sharedDirs(folders)
	}
	t.mark("prepare")

	if err := t.prog.Checkpoint(); err != nil {
		return err
	}
	t.step("creating engine")
	eng, err := s.hv.Create(ctx, &cfg, s.onEngineStateChange)
	if err != nil {
		return engineFailed("create engine", err)
	}
	t.mark("create")

	s.mu.Lock()
	if s.poweringDown || t.prog.Canceled() {
		s.mu.Unlock()
		if err := eng.Destroy(); err != nil {
			s.log.WithError(err).Warn("destroy engine after cancel")
		}
		return fmt.Errorf("power up: %w", progress.ErrCanceled)
	}
	s.guard.set(eng)
	caller, err := s.AcquireEngine(true)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	defer caller.Release()

	if err := eng.RegisterUnit(s.consoleUnit()); err != nil {
		return engineFailed("register unit", err)
	}

	t.step("configuring disks")
	if err := s.configureDisks(ctx, eng, snap); err != nil {
		return err
	}

	t.step("attaching subsystems")
	for _, a := range snap.ancillaries {
		if err := a.Attach(ctx, s.Ref()); err != nil {
			return fmt.Errorf("attach %s: %w", a.Name(), err)
		}
		s.mu.Lock()
		if s.poweringDown {
			s.mu.Unlock()
			if err := a.Release(ctx); err != nil {
				s.log.WithError(err).WithField("subsystem", a.Name()).Warn("release subsystem")
			}
			return fmt.Errorf("power up: %w", progress.ErrCanceled)
		}
		s.attached = append(s.attached, a)
		s.mu.Unlock()
	}
	t.mark("attach")

	if err := t.prog.Checkpoint(); err != nil {
		return err
	}
	t.prog.SetNotCancelable()
	t.step("starting")

	switch snap.kind {
	case bootCold:
		if snap.startPaused {
			s.setCallbackDisabled(true)
			defer s.setCallbackDisabled(false)
		}
		if err := eng.PowerOn(ctx); err != nil {
			return engineFailed("power on", err)
		}
		if snap.startPaused {
			if err := eng.Suspend(ctx, hypervisor.SuspendUser); err != nil {
				return engineFailed("suspend", err)
			}
		}

	case bootRestore:
		if err := eng.LoadState(ctx, snap.savedState); err != nil {
			return engineFailed("load state", err)
		}
		if !snap.startPaused {
			if err := eng.Resume(ctx, hypervisor.ResumeStateRestored); err != nil {
				return engineFailed("resume", err)
			}
		}
		if err := savedstate.Remove(snap.savedState); err != nil {
			s.log.WithError(err).Warn("discard saved state")
		}

	case bootTeleport:
		if err := eng.TeleportIn(ctx, snap.teleport); err != nil {
			return engineFailed("teleport in", err)
		}
		if !snap.startPaused {
			if err := eng.Resume(ctx, hypervisor.ResumeTeleported); err != nil {
				return engineFailed("resume", err)
			}
		}
	}
	t.mark("start")

	if snap.startPaused {
		s.mu.Lock()
		if !s.poweringDown {
			s.pauseReason = hypervisor.SuspendUser
			s.commit(Paused)
		}
		s.mu.Unlock()
	}
	return nil
}

// configureDisks installs the keys of encrypted disks whose password is
// known and rewinds auto-reset disks.
func (s *Session) configureDisks(ctx context.Context, eng hypervisor.Engine, snap *powerUpSnapshot) error {
	for _, d := range snap.encrypted {
		if !s.secrets.Has(d.keyID) {
			continue
		}
		if err := s.installDiskKey(ctx, eng, d); err != nil {
			return err
		}
	}
	if len(snap.resetDisks) == 0 {
		return nil
	}
	err := eng.Call(ctx, func(dev hypervisor.Devices) error {
		for _, d := range snap.resetDisks {
			if err := dev.UnmountMedium(d, true); err != nil {
				return err
			}
			if err := dev.MountMedium(d); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return engineFailed("reset disks", err)
	}
	return nil
}

// installDiskKey retains the disk's key and hands it to the engine.
func (s *Session) installDiskKey(ctx context.Context, eng hypervisor.Engine, d encryptedDisk) error {
	key, err := s.secrets.Retain(d.keyID)
	if err != nil {
		return fmt.Errorf("disk %s: %w", d.slot, err)
	}
	err = eng.Call(ctx, func(dev hypervisor.Devices) error {
		return dev.SetDiskKey(d.dev, key)
	})
	if err != nil {
		s.releaseKey(d.keyID)
		return engineFailed("set disk key", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.media[d.slot]; ok && m.KeyID == d.keyID && !m.keyRetained {
		m.keyRetained = true
		return nil
	}
	s.releaseKey(d.keyID)
	return nil
}

func (s *Session) setCallbackDisabled(v bool) {
	s.mu.Lock()
	s.stateChangeCallbackDisabled = v
	s.mu.Unlock()
}
