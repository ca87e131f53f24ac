package console

import (
	"context"
	"errors"
	"fmt"

	"github.com/javanstorm/vmconsole/internal/crypto"
	"github.com/javanstorm/vmconsole/internal/secret"
	"github.com/javanstorm/vmconsole/pkg/hypervisor"
)

// AddEncryptionPassword verifies password against the key store of id and
// adds the unwrapped disk key. Disks waiting for the key get it right away
// and a VM paused for missing passwords resumes once none are missing.
func (s *Session) AddEncryptionPassword(ctx context.Context, id, password string, clearOnSuspend bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.addKey(id, password, clearOnSuspend); err != nil {
		return err
	}
	return s.afterKeysAdded(ctx)
}

// AddEncryptionPasswords adds several passwords. Either all are added or
// none.
func (s *Session) AddEncryptionPasswords(ctx context.Context, ids, passwords []string, clearOnSuspend bool) error {
	if len(ids) != len(passwords) {
		return fmt.Errorf("add passwords: %d ids for %d passwords: %w", len(ids), len(passwords), ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, id := range ids {
		if err := s.addKey(id, passwords[i], clearOnSuspend); err != nil {
			for _, added := range ids[:i] {
				if derr := s.secrets.Delete(added, false); derr != nil {
					s.log.WithError(derr).WithField("key_id", added).Warn("roll back password")
				}
			}
			return err
		}
	}
	return s.afterKeysAdded(ctx)
}

// RemoveEncryptionPassword deletes the key of id. Keys used by an attached
// disk stay.
func (s *Session) RemoveEncryptionPassword(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.secrets.Delete(id, false); err != nil {
		return fmt.Errorf("remove password: %w", secretError(err))
	}
	return nil
}

// ClearAllEncryptionPasswords deletes every key. Nothing is deleted when any
// key is in use.
func (s *Session) ClearAllEncryptionPasswords() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.secrets.DeleteAll(false, false); err != nil {
		return fmt.Errorf("clear passwords: %w", secretError(err))
	}
	return nil
}

// MissingPasswords lists the key ids attached disks need but the store lacks.
func (s *Session) MissingPasswords() []string {
	return s.secrets.Missing()
}

// addKey unwraps and stores the key of id. Called with the write lock held.
func (s *Session) addKey(id, password string, clearOnSuspend bool) error {
	desc, ok := s.machine.KeyStores[id]
	if !ok {
		return fmt.Errorf("add password: key store %q: %w", id, ErrNotFound)
	}
	dek, err := unwrapDiskKey(desc, password)
	if err != nil {
		return fmt.Errorf("add password %q: %w", id, err)
	}
	defer clear(dek)

	if err := s.secrets.Add(id, dek, clearOnSuspend); err != nil {
		return fmt.Errorf("add password: %w", secretError(err))
	}
	s.log.WithField("key_id", id).Info("encryption password added")
	return nil
}

// secretError attaches the console sentinel matching a key store failure.
func secretError(err error) error {
	switch {
	case errors.Is(err, secret.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, secret.ErrResourceInUse):
		return fmt.Errorf("%w: %w", ErrResourceInUse, err)
	case errors.Is(err, secret.ErrEmptyKey):
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return err
}

func unwrapDiskKey(desc, password string) ([]byte, error) {
	ks, err := crypto.DecodeKeyStore(desc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	mod, err := crypto.Acquire()
	if errors.Is(err, crypto.ErrNotLoaded) {
		if _, err = crypto.Load(); err == nil {
			mod, err = crypto.Acquire()
		}
	}
	if err != nil {
		return nil, err
	}
	defer crypto.Release()

	dek, err := mod.UnwrapKey(ks, password)
	if errors.Is(err, crypto.ErrPasswordIncorrect) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return dek, err
}

// afterKeysAdded installs new keys on running disks and resumes a VM that
// only waited for them. Called with the write lock held.
func (s *Session) afterKeysAdded(ctx context.Context) error {
	if reconfigureSources.has(s.state) {
		if err := s.installPendingKeys(ctx); err != nil {
			return err
		}
	}
	return s.maybeAutoResume(ctx)
}

// installPendingKeys hands stored keys to attached disks still lacking
// theirs. Called with the write lock held.
func (s *Session) installPendingKeys(ctx context.Context) error {
	var pending []encryptedDisk
	for slot, m := range s.media {
		if m.KeyID == "" || m.keyRetained || !s.secrets.Has(m.KeyID) {
			continue
		}
		dev, err := s.storageDevice(*m)
		if err != nil {
			return err
		}
		pending = append(pending, encryptedDisk{slot: slot, dev: dev, keyID: m.KeyID})
	}
	if len(pending) == 0 {
		return nil
	}

	caller, err := s.AcquireEngine(true)
	if err != nil {
		return nil
	}
	defer caller.Release()

	for _, d := range pending {
		d := d // per-iteration copy (pre-Go 1.22 loop semantics)
		key, err := s.secrets.Retain(d.keyID)
		if err != nil {
			return fmt.Errorf("install key: %w", secretError(err))
		}
		var callErr error
		s.withUnlocked(func() {
			callErr = caller.Engine().Call(ctx, func(dev hypervisor.Devices) error {
				return dev.SetDiskKey(d.dev, key)
			})
		})
		if callErr != nil {
			s.releaseKey(d.keyID)
			return engineFailed("set disk key", callErr)
		}
		if m, ok := s.media[d.slot]; ok && m.KeyID == d.keyID && !m.keyRetained {
			m.keyRetained = true
		} else {
			s.releaseKey(d.keyID)
		}
	}
	return nil
}

// maybeAutoResume resumes a VM paused for missing passwords once all are
// present. Called with the write lock held.
func (s *Session) maybeAutoResume(ctx context.Context) error {
	if !s.pausedForKeys || len(s.secrets.Missing()) > 0 {
		return nil
	}
	if s.state != Paused {
		return nil
	}
	if err := s.installPendingKeys(ctx); err != nil {
		return err
	}
	s.log.Info("all encryption passwords present, resuming")
	return s.resumeLocked(ctx, hypervisor.ResumeVM)
}
