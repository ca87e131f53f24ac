package console

import (
	"context"
	"errors"
	"fmt"

	"github.com/javanstorm/vmconsole/internal/config"
	"github.com/javanstorm/vmconsole/internal/secret"
	"github.com/javanstorm/vmconsole/pkg/hypervisor"
)

// MediumAttachment places a medium on a storage controller port.
type MediumAttachment struct {
	Controller    string
	Port          int
	Device        int
	Type          string // config.MediumHardDisk, MediumDVD or MediumFloppy
	Medium        string
	KeyID         string
	NonRotational bool
	HotPluggable  bool
	ReadOnly      bool
	AutoReset     bool

	keyRetained bool
}

type slotKey struct {
	controller string
	port       int
	device     int
}

func (k slotKey) String() string {
	return fmt.Sprintf("%s/%d/%d", k.controller, k.port, k.device)
}

func (m *MediumAttachment) slot() slotKey {
	return slotKey{controller: m.Controller, port: m.Port, device: m.Device}
}

func (m *MediumAttachment) removable() bool {
	return m.Type == config.MediumDVD || m.Type == config.MediumFloppy
}

// storageDevice resolves the engine address of an attachment.
func (s *Session) storageDevice(m MediumAttachment) (hypervisor.StorageDevice, error) {
	ctrl, ok := s.machine.Controller(m.Controller)
	if !ok {
		return hypervisor.StorageDevice{}, fmt.Errorf("controller %q: %w", m.Controller, ErrNotFound)
	}
	bus, err := ParseBus(ctrl.Bus)
	if err != nil {
		return hypervisor.StorageDevice{}, err
	}
	switch m.Type {
	case config.MediumHardDisk, config.MediumDVD, config.MediumFloppy:
	default:
		return hypervisor.StorageDevice{}, fmt.Errorf("medium type %q: %w", m.Type, ErrInvalidArgument)
	}
	return hypervisor.StorageDevice{
		Driver:        bus.Driver(),
		Instance:      ctrl.Instance,
		Port:          m.Port,
		Device:        m.Device,
		Medium:        m.Medium,
		Removable:     m.removable(),
		NonRotational: m.NonRotational,
		ReadOnly:      m.ReadOnly,
	}, nil
}

// Media returns the current attachments.
func (s *Session) Media() []MediumAttachment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MediumAttachment, 0, len(s.media))
	for _, m := range s.media {
		c := *m
		c.keyRetained = false
		out = append(out, c)
	}
	return out
}

// AttachMedium attaches a medium at runtime. On an occupied DVD or floppy
// slot the medium is changed; a medium the guest locked is only ejected with
// force.
func (s *Session) AttachMedium(ctx context.Context, att MediumAttachment, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !reconfigureSources.has(s.state) {
		return invalidState("attach medium", s.state)
	}
	dev, err := s.storageDevice(att)
	if err != nil {
		return fmt.Errorf("attach medium: %w", err)
	}
	slot := att.slot()
	cur, occupied := s.media[slot]

	if occupied && (!cur.removable() || !att.removable()) {
		return fmt.Errorf("attach medium at %s: %w", slot, ErrResourceInUse)
	}
	if !occupied && att.Type == config.MediumHardDisk && !att.HotPluggable {
		return fmt.Errorf("attach medium at %s: disk is not hot-pluggable: %w", slot, ErrInvalidArgument)
	}
	if att.KeyID != "" && att.Type != config.MediumHardDisk {
		return fmt.Errorf("attach medium: only hard disks are encrypted: %w", ErrInvalidArgument)
	}

	var key []byte
	if att.KeyID != "" {
		key, err = s.secrets.Retain(att.KeyID)
		if err != nil {
			if errors.Is(err, secret.ErrNotFound) {
				return fmt.Errorf("attach medium: key %q: %w", att.KeyID, ErrNotFound)
			}
			return fmt.Errorf("attach medium: %w", err)
		}
	}

	err = s.reconfigure(ctx, "attach-medium", true, func(d hypervisor.Devices) error {
		if occupied {
			if d.MediumLocked(dev) && !force {
				return hypervisor.ErrMediumLocked
			}
			if err := d.UnmountMedium(dev, force); err != nil {
				return err
			}
			return d.MountMedium(dev)
		}
		if err := d.AttachStorage(dev); err != nil {
			return err
		}
		if key != nil {
			return d.SetDiskKey(dev, key)
		}
		return nil
	})
	if err != nil {
		if key != nil {
			s.releaseKey(att.KeyID)
		}
		return err
	}

	next := att
	next.keyRetained = key != nil
	s.media[slot] = &next
	s.pendingEjects = removeSlot(s.pendingEjects, slot)
	s.syncDiskRefs()
	s.indicators.attach(storageIndicator(att.Type), slot.String())
	s.publishDevice(slot.String(), "attached "+att.Medium)
	return nil
}

// DetachMedium removes the medium at att's slot. A removable medium the
// guest locked is detached once the lock goes away, at the next reset or
// power down.
func (s *Session) DetachMedium(ctx context.Context, att MediumAttachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !reconfigureSources.has(s.state) {
		return invalidState("detach medium", s.state)
	}
	slot := att.slot()
	cur, ok := s.media[slot]
	if !ok {
		return fmt.Errorf("detach medium at %s: %w", slot, ErrNotFound)
	}
	dev, err := s.storageDevice(*cur)
	if err != nil {
		return fmt.Errorf("detach medium: %w", err)
	}

	deferred := false
	err = s.reconfigure(ctx, "detach-medium", true, func(d hypervisor.Devices) error {
		if cur.removable() && d.MediumLocked(dev) {
			deferred = true
			return nil
		}
		return d.DetachStorage(dev)
	})
	if err != nil {
		return err
	}

	if deferred {
		if !containsSlot(s.pendingEjects, slot) {
			s.pendingEjects = append(s.pendingEjects, slot)
		}
		s.logDevice(slot.String()).Info("medium locked by guest, eject deferred")
		s.publishDevice(slot.String(), "eject pending")
		return nil
	}
	s.dropMedium(slot)
	s.publishDevice(slot.String(), "detached")
	return nil
}

// dropMedium forgets the attachment at slot. Called with the write lock
// held.
func (s *Session) dropMedium(slot slotKey) {
	cur, ok := s.media[slot]
	if !ok {
		return
	}
	if cur.keyRetained {
		s.releaseKey(cur.KeyID)
	}
	delete(s.media, slot)
	s.syncDiskRefs()
	s.indicators.detach(storageIndicator(cur.Type), slot.String())
}

// MergeMediumOnline merges the snapshot chain from source into target for
// the disk attached at att's slot.
func (s *Session) MergeMediumOnline(ctx context.Context, att MediumAttachment, source, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !reconfigureSources.has(s.state) {
		return invalidState("merge medium", s.state)
	}
	cur, ok := s.media[att.slot()]
	if !ok || cur.Type != config.MediumHardDisk {
		return fmt.Errorf("merge medium at %s: %w", att.slot(), ErrNotFound)
	}
	if source == "" || target == "" {
		return fmt.Errorf("merge medium: empty chain: %w", ErrInvalidArgument)
	}
	dev, err := s.storageDevice(*cur)
	if err != nil {
		return fmt.Errorf("merge medium: %w", err)
	}
	err = s.reconfigure(ctx, "merge-medium", true, func(d hypervisor.Devices) error {
		return d.MergeMedium(dev, source, target)
	})
	if err != nil {
		return err
	}
	if cur.Medium == source {
		cur.Medium = target
	}
	s.publishDevice(att.slot().String(), "merged "+source+" into "+target)
	return nil
}

// applyPendingEjects detaches media whose eject was deferred. Called with
// the write lock held after a reset, when the guest's locks are gone.
func (s *Session) applyPendingEjects(ctx context.Context) error {
	if len(s.pendingEjects) == 0 {
		return nil
	}
	pending := s.pendingEjects
	devs := make([]hypervisor.StorageDevice, 0, len(pending))
	for _, slot := range pending {
		cur, ok := s.media[slot]
		if !ok {
			continue
		}
		dev, err := s.storageDevice(*cur)
		if err != nil {
			return err
		}
		devs = append(devs, dev)
	}
	err := s.reconfigure(ctx, "eject-medium", false, func(d hypervisor.Devices) error {
		for _, dev := range devs {
			if err := d.DetachStorage(dev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, slot := range pending {
		s.dropMedium(slot)
		s.publishDevice(slot.String(), "detached")
	}
	s.pendingEjects = nil
	return nil
}

// applyPendingEjectsOffline forgets media whose eject was pending when the
// engine went away.
func (s *Session) applyPendingEjectsOffline() {
	for _, slot := range s.pendingEjects {
		s.dropMedium(slot)
	}
	s.pendingEjects = nil
}

func (s *Session) releaseKey(id string) {
	if err := s.secrets.Release(id); err != nil {
		s.log.WithError(err).WithField("key_id", id).Warn("release disk key")
	}
}

// syncDiskRefs recounts the attachments per encryption key id.
func (s *Session) syncDiskRefs() {
	refs := make(map[string]int)
	for _, m := range s.media {
		if m.KeyID != "" {
			refs[m.KeyID]++
		}
	}
	for id := range s.diskKeyIDs {
		if _, ok := refs[id]; !ok {
			s.secrets.SetDiskRefs(id, 0)
			delete(s.diskKeyIDs, id)
		}
	}
	for id, n := range refs {
		s.secrets.SetDiskRefs(id, n)
		s.diskKeyIDs[id] = struct{}{}
	}
}

func containsSlot(slots []slotKey, k slotKey) bool {
	for _, s := range slots {
		if s == k {
			return true
		}
	}
	return false
}

func removeSlot(slots []slotKey, k slotKey) []slotKey {
	out := slots[:0]
	for _, s := range slots {
		if s != k {
			out = append(out, s)
		}
	}
	return out
}
