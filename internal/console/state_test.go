package console

import (
	"context"
	"errors"
	"testing"

	"github.com/javanstorm/vmconsole/internal/config"
	"github.com/javanstorm/vmconsole/pkg/hypervisor"
)

func TestMachineStateString(t *testing.T) {
	tests := []struct {
		state MachineState
		want  string
	}{
		{PoweredOff, "PoweredOff"},
		{Running, "Running"},
		{TeleportingPausedVM, "TeleportingPausedVM"},
		{Snapshotting, "Snapshotting"},
		{MachineState(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}

func TestMachineStateOnline(t *testing.T) {
	online := map[MachineState]bool{
		Running: true, Paused: true, Stuck: true, Teleporting: true,
		LiveSnapshotting: true, Starting: true, Stopping: true, Saving: true,
		Restoring: true, TeleportingPausedVM: true, TeleportingIn: true,
		DeletingSnapshotOnline: true, DeletingSnapshotPaused: true,
		OnlineSnapshotting: true,
	}
	for _, s := range AllStates() {
		if got := s.Online(); got != online[s] {
			t.Errorf("%s.Online() = %v, want %v", s, got, online[s])
		}
	}
}

// Every operation called from a state outside its legal sources fails with
// ErrInvalidState and changes nothing.
func TestInvalidStateGrid(t *testing.T) {
	ctx := context.Background()
	ops := []struct {
		name    string
		sources stateSet
		call    func(*Session) error
	}{
		{"PowerUp", powerUpSources, func(s *Session) error {
			_, err := s.PowerUp(ctx)
			return err
		}},
		{"PowerDown", powerDownSources, func(s *Session) error {
			_, err := s.PowerDown(ctx)
			return err
		}},
		{"SaveState", saveStateSources, func(s *Session) error {
			_, err := s.SaveState(ctx)
			return err
		}},
		{"Pause", pauseSources, func(s *Session) error {
			return s.Pause(ctx, hypervisor.SuspendUser)
		}},
		{"Resume", resumeSources, func(s *Session) error {
			return s.Resume(ctx, hypervisor.ResumeUser)
		}},
		{"Reset", resetSources, func(s *Session) error {
			return s.Reset(ctx)
		}},
		{"AttachMedium", reconfigureSources, func(s *Session) error {
			return s.AttachMedium(ctx, MediumAttachment{Controller: "IDE", Port: 1, Type: config.MediumDVD, Medium: "/iso/b.iso"}, false)
		}},
		{"DetachMedium", reconfigureSources, func(s *Session) error {
			return s.DetachMedium(ctx, MediumAttachment{Controller: "IDE", Port: 1})
		}},
		{"ChangeNetworkAdapter", reconfigureSources, func(s *Session) error {
			return s.ChangeNetworkAdapter(ctx, NetworkAdapter{Slot: 0, Attachment: config.AttachNAT})
		}},
		{"AddCPU", reconfigureSources, func(s *Session) error {
			return s.AddCPU(ctx, 1)
		}},
		{"RemoveCPU", reconfigureSources, func(s *Session) error {
			return s.RemoveCPU(ctx, 1)
		}},
		{"ChangeSerialPort", reconfigureSources, func(s *Session) error {
			return s.ChangeSerialPort(ctx, SerialPort{Slot: 0, Mode: config.SerialDisconnected})
		}},
		{"MergeMediumOnline", reconfigureSources, func(s *Session) error {
			return s.MergeMediumOnline(ctx, MediumAttachment{Controller: "SATA", Port: 0}, "a", "b")
		}},
	}

	s, env := newTestSession(t, createTestMachine())
	events := watch(s)
	for _, op := range ops {
		for _, state := range AllStates() {
			if op.sources.has(state) {
				continue
			}
			forceState(s, state)
			err := op.call(s)
			if !errors.Is(err, ErrInvalidState) {
				t.Errorf("%s in %s: err = %v, want ErrInvalidState", op.name, state, err)
			}
			if got := s.State(); got != state {
				t.Errorf("%s in %s changed state to %s", op.name, state, got)
			}
		}
	}
	forceState(s, PoweredOff)

	if n := events.count(EventStateChanged); n != 0 {
		t.Errorf("rejected operations published %d state events", n)
	}
	if n := len(env.hv.Machines()); n != 0 {
		t.Errorf("rejected operations created %d engines", n)
	}
}

func TestInitialState(t *testing.T) {
	s, _ := newTestSession(t, createTestMachine())
	if got := s.State(); got != PoweredOff {
		t.Errorf("initial state = %s, want PoweredOff", got)
	}
	if _, err := s.AcquireEngine(true); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("AcquireEngine on a powered off VM: err = %v, want ErrAccessDenied", err)
	}
}
