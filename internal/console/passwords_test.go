package console

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/javanstorm/vmconsole/internal/config"
	"github.com/javanstorm/vmconsole/internal/crypto"
	"github.com/javanstorm/vmconsole/internal/secret"
	"github.com/javanstorm/vmconsole/pkg/hypervisor"
)

var (
	rootDEK = bytes.Repeat([]byte{0x5a}, 32)
	dataDEK = bytes.Repeat([]byte{0xa5}, 32)
)

// makeKeyStore wraps dek with password the way key stores are written into
// machine definitions.
func makeKeyStore(t *testing.T, dek []byte, password string) string {
	t.Helper()
	mod, err := crypto.Load()
	if err != nil {
		t.Fatalf("load crypto module: %v", err)
	}
	ks, err := mod.WrapKey(dek, password, 1000)
	if err != nil {
		t.Fatalf("WrapKey failed: %v", err)
	}
	enc, err := ks.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return enc
}

// createEncryptedMachine returns the test machine with an encrypted root
// disk and a second key store that no disk uses yet.
func createEncryptedMachine(t *testing.T) *config.Machine {
	m := createTestMachine()
	m.Attachments[0].KeyID = "root-key"
	m.KeyStores = map[string]string{
		"root-key": makeKeyStore(t, rootDEK, "hunter2"),
		"data-key": makeKeyStore(t, dataDEK, "s3cret"),
	}
	return m
}

func TestEncryptedDiskStartsPaused(t *testing.T) {
	s, env := newTestSession(t, createEncryptedMachine(t))
	events := watch(s)
	ctx := context.Background()

	powerUp(t, s, Paused)
	if got := s.MissingPasswords(); len(got) != 1 || got[0] != "root-key" {
		t.Fatalf("MissingPasswords() = %v", got)
	}
	if n := events.count(EventPasswordsMissing); n != 1 {
		t.Errorf("passwords-missing events = %d, want 1", n)
	}
	m := env.hv.Last()
	if key := m.DiskKey(rootDisk); len(key) != 0 {
		t.Errorf("disk got a key before the password was given")
	}

	if err := s.Resume(ctx, hypervisor.ResumeUser); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Resume with missing passwords: err = %v, want ErrInvalidState", err)
	}

	err := s.AddEncryptionPassword(ctx, "root-key", "wrong", false)
	if !errors.Is(err, ErrInvalidArgument) || !errors.Is(err, crypto.ErrPasswordIncorrect) {
		t.Fatalf("wrong password: err = %v", err)
	}
	if got := s.State(); got != Paused {
		t.Errorf("state = %s after wrong password", got)
	}

	if err := s.AddEncryptionPassword(ctx, "root-key", "hunter2", false); err != nil {
		t.Fatalf("AddEncryptionPassword failed: %v", err)
	}
	waitState(t, s, Running)
	if !bytes.Equal(m.DiskKey(rootDisk), rootDEK) {
		t.Error("disk key does not match the unwrapped key")
	}
	if m.Resumes(hypervisor.ResumeVM) != 1 {
		t.Errorf("auto resumes = %d, want 1", m.Resumes(hypervisor.ResumeVM))
	}
	if len(s.MissingPasswords()) != 0 {
		t.Errorf("MissingPasswords() = %v after adding", s.MissingPasswords())
	}
	if crypto.References() != 0 {
		t.Errorf("crypto module references leaked: %d", crypto.References())
	}
}

func TestPasswordGivenBeforePowerUp(t *testing.T) {
	s, env := newTestSession(t, createEncryptedMachine(t))
	if err := s.AddEncryptionPassword(context.Background(), "root-key", "hunter2", false); err != nil {
		t.Fatalf("AddEncryptionPassword failed: %v", err)
	}
	powerUp(t, s, Running)
	if !bytes.Equal(env.hv.Last().DiskKey(rootDisk), rootDEK) {
		t.Error("disk key not installed at power up")
	}

	powerDown(t, s)
	if refs := s.secrets.Refs("root-key"); refs != 0 {
		t.Errorf("key refs after power down = %d, want 0", refs)
	}
}

func TestRemovePasswordInUse(t *testing.T) {
	s, _ := newTestSession(t, createEncryptedMachine(t))
	ctx := context.Background()
	if err := s.AddEncryptionPassword(ctx, "root-key", "hunter2", false); err != nil {
		t.Fatalf("AddEncryptionPassword failed: %v", err)
	}
	if err := s.AddEncryptionPassword(ctx, "data-key", "s3cret", false); err != nil {
		t.Fatalf("AddEncryptionPassword failed: %v", err)
	}
	powerUp(t, s, Running)

	if err := s.RemoveEncryptionPassword("root-key"); !errors.Is(err, ErrResourceInUse) {
		t.Errorf("remove used key: err = %v, want ErrResourceInUse", err)
	}
	if err := s.ClearAllEncryptionPasswords(); !errors.Is(err, ErrResourceInUse) {
		t.Errorf("clear with used key: err = %v, want ErrResourceInUse", err)
	}
	if !s.secrets.Has("data-key") {
		t.Error("ClearAll removed keys although one was in use")
	}
	if err := s.RemoveEncryptionPassword("data-key"); err != nil {
		t.Errorf("remove unused key: %v", err)
	}
	if err := s.RemoveEncryptionPassword("data-key"); !errors.Is(err, ErrNotFound) {
		t.Errorf("remove twice: err = %v, want ErrNotFound", err)
	}

	powerDown(t, s)
	if err := s.ClearAllEncryptionPasswords(); err != nil {
		t.Errorf("ClearAll after power down: %v", err)
	}
}

func TestAddEncryptionPasswords(t *testing.T) {
	s, _ := newTestSession(t, createEncryptedMachine(t))
	ctx := context.Background()

	if err := s.AddEncryptionPasswords(ctx, []string{"root-key"}, nil, false); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("length mismatch: err = %v", err)
	}

	err := s.AddEncryptionPasswords(ctx, []string{"root-key", "data-key"}, []string{"hunter2", "wrong"}, false)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("bad second password: err = %v", err)
	}
	if s.secrets.Has("root-key") {
		t.Error("first key kept after a later password failed")
	}

	if err := s.AddEncryptionPassword(ctx, "nope", "x", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown key id: err = %v, want ErrNotFound", err)
	}

	if err := s.AddEncryptionPasswords(ctx, []string{"root-key", "data-key"}, []string{"hunter2", "s3cret"}, false); err != nil {
		t.Fatalf("AddEncryptionPasswords failed: %v", err)
	}
	if s.secrets.Len() != 2 {
		t.Errorf("stored keys = %d, want 2", s.secrets.Len())
	}
	if err := s.AddEncryptionPassword(ctx, "root-key", "hunter2", false); !errors.Is(err, secret.ErrAlreadyExists) {
		t.Errorf("duplicate add: err = %v, want ErrAlreadyExists", err)
	}
}

func TestAllowKeyReAdd(t *testing.T) {
	s, _ := newTestSession(t, createEncryptedMachine(t), func(c *SessionConfig) {
		c.AllowKeyReAdd = true
	})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := s.AddEncryptionPassword(ctx, "root-key", "hunter2", false); err != nil {
			t.Fatalf("add #%d failed: %v", i+1, err)
		}
	}
	powerUp(t, s, Running)
	// Same key while the disk holds it is accepted.
	if err := s.AddEncryptionPassword(ctx, "root-key", "hunter2", true); err != nil {
		t.Errorf("re-add of the key in use failed: %v", err)
	}
}

func TestHotPlugEncryptedDisk(t *testing.T) {
	s, env := newTestSession(t, createEncryptedMachine(t))
	ctx := context.Background()
	if err := s.AddEncryptionPasswords(ctx, []string{"root-key", "data-key"}, []string{"hunter2", "s3cret"}, false); err != nil {
		t.Fatalf("AddEncryptionPasswords failed: %v", err)
	}
	powerUp(t, s, Running)

	data := hypervisor.StorageDevice{Driver: "ahci", Port: 2}
	att := MediumAttachment{Controller: "SATA", Port: 2, Type: config.MediumHardDisk, Medium: "/disks/data.img", KeyID: "data-key", HotPluggable: true}
	if err := s.AttachMedium(ctx, att, false); err != nil {
		t.Fatalf("AttachMedium failed: %v", err)
	}
	if !bytes.Equal(env.hv.Last().DiskKey(data), dataDEK) {
		t.Error("hot-plugged disk did not get its key")
	}
	if refs := s.secrets.Refs("data-key"); refs != 1 {
		t.Errorf("data-key refs = %d, want 1", refs)
	}
	if n := s.secrets.DiskRefs("data-key"); n != 1 {
		t.Errorf("data-key disk refs = %d, want 1", n)
	}

	if err := s.DetachMedium(ctx, att); err != nil {
		t.Fatalf("DetachMedium failed: %v", err)
	}
	if refs := s.secrets.Refs("data-key"); refs != 0 {
		t.Errorf("data-key refs after detach = %d, want 0", refs)
	}
	if n := s.secrets.DiskRefs("data-key"); n != 0 {
		t.Errorf("data-key disk refs after detach = %d, want 0", n)
	}
}

func TestHostSuspendClearsKeys(t *testing.T) {
	s, env := newTestSession(t, createEncryptedMachine(t))
	ctx := context.Background()
	if err := s.AddEncryptionPassword(ctx, "root-key", "hunter2", true); err != nil {
		t.Fatalf("AddEncryptionPassword failed: %v", err)
	}
	powerUp(t, s, Running)
	m := env.hv.Last()
	events := watch(s)

	if err := s.OnHostPowerEvent(ctx, HostSuspend); err != nil {
		t.Fatalf("host suspend: %v", err)
	}
	if got := s.State(); got != Paused {
		t.Fatalf("state = %s, want Paused", got)
	}
	if m.Suspends(hypervisor.SuspendHostSuspend) != 1 {
		t.Errorf("host suspends = %d, want 1", m.Suspends(hypervisor.SuspendHostSuspend))
	}
	if len(m.DiskKey(rootDisk)) != 0 {
		t.Error("disk key not withdrawn on host suspend")
	}
	if s.secrets.Has("root-key") {
		t.Error("clear-on-suspend key still stored")
	}

	if err := s.OnHostPowerEvent(ctx, HostResume); err != nil {
		t.Fatalf("host resume: %v", err)
	}
	if got := s.State(); got != Paused {
		t.Errorf("state = %s, VM resumed without its key", got)
	}
	if n := events.count(EventPasswordsMissing); n != 1 {
		t.Errorf("passwords-missing events = %d, want 1", n)
	}

	if err := s.AddEncryptionPassword(ctx, "root-key", "hunter2", true); err != nil {
		t.Fatalf("AddEncryptionPassword failed: %v", err)
	}
	waitState(t, s, Running)
	if !bytes.Equal(m.DiskKey(rootDisk), rootDEK) {
		t.Error("key not reinstalled after resume")
	}
}

func TestHostSuspendKeepsOrdinaryKeys(t *testing.T) {
	s, env := newTestSession(t, createEncryptedMachine(t))
	ctx := context.Background()
	if err := s.AddEncryptionPassword(ctx, "root-key", "hunter2", false); err != nil {
		t.Fatalf("AddEncryptionPassword failed: %v", err)
	}
	powerUp(t, s, Running)

	if err := s.OnHostPowerEvent(ctx, HostBatteryLow); err != nil {
		t.Fatalf("battery low: %v", err)
	}
	if got := s.State(); got != Paused {
		t.Fatalf("state = %s, want Paused", got)
	}
	if !bytes.Equal(env.hv.Last().DiskKey(rootDisk), rootDEK) {
		t.Error("ordinary key withdrawn on battery low")
	}

	// Only a pause caused by a host suspend ends with the host resume.
	if err := s.OnHostPowerEvent(ctx, HostResume); err != nil {
		t.Fatalf("host resume: %v", err)
	}
	if got := s.State(); got != Paused {
		t.Errorf("state = %s, want Paused after battery-low pause", got)
	}
}

func TestHostResumeAfterHostSuspend(t *testing.T) {
	s, _ := newTestSession(t, createTestMachine())
	ctx := context.Background()
	powerUp(t, s, Running)

	if err := s.Pause(ctx, hypervisor.SuspendUser); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if err := s.OnHostPowerEvent(ctx, HostResume); err != nil {
		t.Fatalf("host resume: %v", err)
	}
	if got := s.State(); got != Paused {
		t.Errorf("user pause ended by host resume, state = %s", got)
	}
	if err := s.Resume(ctx, hypervisor.ResumeUser); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	if err := s.OnHostPowerEvent(ctx, HostSuspend); err != nil {
		t.Fatalf("host suspend: %v", err)
	}
	if err := s.OnHostPowerEvent(ctx, HostResume); err != nil {
		t.Fatalf("host resume: %v", err)
	}
	if got := s.State(); got != Running {
		t.Errorf("state = %s, want Running", got)
	}
	if err := s.OnHostPowerEvent(ctx, HostPowerEvent(42)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("unknown event: err = %v", err)
	}
}

func TestPasswordRemovalTakesSessionLock(t *testing.T) {
	s, _ := newTestSession(t, createTestMachine())
	calls := []struct {
		name string
		fn   func() error
	}{
		{"remove", func() error { return s.RemoveEncryptionPassword("root") }},
		{"clear", s.ClearAllEncryptionPasswords},
	}
	for _, c := range calls {
		c := c // per-iteration copy (pre-Go 1.22 loop semantics)
		s.mu.Lock()
		done := make(chan error, 1)
		go func() { done <- c.fn() }()
		select {
		case <-done:
			s.mu.Unlock()
			t.Fatalf("%s changed the key store without the session lock", c.name)
		case <-time.After(50 * time.Millisecond):
		}
		s.mu.Unlock()
		select {
		case <-done:
		case <-time.After(waitTimeout):
			t.Fatalf("%s did not finish", c.name)
		}
	}
}
