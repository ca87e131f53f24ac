package console

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/javanstorm/vmconsole/internal/config"
	"github.com/javanstorm/vmconsole/internal/hostnet"
	"github.com/javanstorm/vmconsole/internal/progress"
	"github.com/javanstorm/vmconsole/pkg/hypervisor"
	"github.com/javanstorm/vmconsole/pkg/hypervisor/simvm"
)

const waitTimeout = 5 * time.Second

// Engine addresses of the test machine's storage.
var (
	rootDisk = hypervisor.StorageDevice{Driver: "ahci", Port: 0}
	dvdDrive = hypervisor.StorageDevice{Driver: "piix3ide", Port: 1}
)

// createTestMachine returns a machine definition suitable for testing.
func createTestMachine() *config.Machine {
	return &config.Machine{
		Name:     "test",
		CPUs:     1,
		MaxCPUs:  4,
		MemoryMB: 512,
		Kernel:   "/boot/vmlinuz",
		Controllers: []config.Controller{
			{Name: "SATA", Bus: config.BusSATA},
			{Name: "IDE", Bus: config.BusIDE},
		},
		Attachments: []config.Attachment{
			{Controller: "SATA", Port: 0, Type: config.MediumHardDisk, Medium: "/disks/root.img"},
			{Controller: "IDE", Port: 1, Type: config.MediumDVD, Medium: "/iso/tools.iso"},
		},
		Network: []config.NIC{
			{Slot: 0, Enabled: true, Attachment: config.AttachNAT, CableConnected: true},
			{Slot: 1, Attachment: config.AttachNull},
		},
		Serial: []config.SerialPort{
			{Slot: 0, Mode: config.SerialDisconnected},
		},
		SharedFolders: []config.SharedFolder{
			{Name: "home", HostPath: "/home/user", Writable: true},
		},
	}
}

type testEnv struct {
	hv     *simvm.Hypervisor
	reg    *prometheus.Registry
	record *MachineRecord
	logs   *test.Hook
	dir    string
}

// newTestSession opens a session on the simulated engine. The session is
// powered down and closed when the test ends.
func newTestSession(t *testing.T, m *config.Machine, opts ...func(*SessionConfig)) (*Session, *testEnv) {
	t.Helper()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	dir := t.TempDir()
	env := &testEnv{
		hv:     simvm.New(),
		reg:    prometheus.NewRegistry(),
		record: NewMachineRecord(filepath.Join(dir, "record.json")),
		logs:   hook,
		dir:    dir,
	}
	cfg := SessionConfig{
		Machine:        m,
		Hypervisor:     env.hv,
		Owner:          env.record,
		Logger:         logger,
		LogDir:         filepath.Join(dir, "logs"),
		SavedStatePath: filepath.Join(dir, m.Name+".sav"),
		Registerer:     env.reg,
		HostNet: hostnet.Static{
			"br0": {Name: "br0", Index: 3, Up: true, Kind: "bridge"},
		},
		CPUUnplugTimeout: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		if s.State().Online() {
			if p, err := s.PowerDown(ctx); err == nil {
				p.Wait(ctx)
			}
		}
		s.Close()
	})
	return s, env
}

// wait blocks until p completes and returns its result.
func wait(t *testing.T, p *progress.Progress) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	err := p.Wait(ctx)
	if ctx.Err() != nil {
		t.Fatalf("%s did not complete", p.Description())
	}
	return err
}

// powerUp starts s and fails the test unless it reaches want.
func powerUp(t *testing.T, s *Session, want MachineState) {
	t.Helper()
	p, err := s.PowerUp(context.Background())
	if err != nil {
		t.Fatalf("PowerUp failed: %v", err)
	}
	if err := wait(t, p); err != nil {
		t.Fatalf("power up task failed: %v", err)
	}
	if got := s.State(); got != want {
		t.Fatalf("state after power up = %s, want %s", got, want)
	}
}

func powerDown(t *testing.T, s *Session) {
	t.Helper()
	p, err := s.PowerDown(context.Background())
	if err != nil {
		t.Fatalf("PowerDown failed: %v", err)
	}
	if err := wait(t, p); err != nil {
		t.Fatalf("power down task failed: %v", err)
	}
}

// waitState polls until s reaches want.
func waitState(t *testing.T, s *Session, want MachineState) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", s.State(), want)
}

// eventLog records session events.
type eventLog struct {
	s      *Session
	mu     sync.Mutex
	events []Event
}

func watch(s *Session) *eventLog {
	l := &eventLog{s: s}
	s.Subscribe(func(ev Event) {
		l.mu.Lock()
		l.events = append(l.events, ev)
		l.mu.Unlock()
	})
	return l
}

func (l *eventLog) all() []Event {
	l.s.events.flush()
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) states() []MachineState {
	var out []MachineState
	for _, ev := range l.all() {
		if ev.Kind == EventStateChanged {
			out = append(out, ev.State)
		}
	}
	return out
}

func (l *eventLog) count(kind EventKind) int {
	n := 0
	for _, ev := range l.all() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) reset() {
	l.s.events.flush()
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}

// forceState puts s into state without any transition logic.
func forceState(s *Session, state MachineState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func equalStates(a, b []MachineState) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
