package console

import (
	"context"
	"fmt"

	"github.com/javanstorm/vmconsole/internal/progress"
	"github.com/javanstorm/vmconsole/pkg/hypervisor"
)

// SaveState writes the VM state to the session's saved-state file and powers
// the VM down. The final state is Saved. On failure the previous state is
// restored and a running VM keeps running.
func (s *Session) SaveState(ctx context.Context) (*progress.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !saveStateSources.has(s.state) {
		return nil, invalidState("save state", s.state)
	}
	if s.savedState == "" {
		return nil, fmt.Errorf("save state: no saved-state path: %w", ErrInvalidArgument)
	}
	caller, err := s.AcquireEngine(false)
	if err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}

	prev := s.state
	s.stateSaved = false
	s.commit(Saving)
	p := progress.New("Saving the virtual machine state", 3)
	p.SetNotCancelable()
	s.startTask(ctx, "save-state", p, func(ctx context.Context, t *powerTask) error {
		return s.saveState(ctx, t, caller, prev)
	})
	return p, nil
}

func (s *Session) saveState(ctx context.Context, t *powerTask, caller *Caller, prev MachineState) error {
	eng := caller.Engine()

	t.step("suspending")
	if prev == Running {
		if err := eng.Suspend(ctx, hypervisor.SuspendSave); err != nil {
			caller.Release()
			s.restoreAfterFailedSave(prev)
			return engineFailed("suspend", err)
		}
	}
	t.mark("suspend")

	t.step("writing state")
	if err := eng.SaveState(ctx, s.savedState); err != nil {
		next := prev
		if prev == Running {
			if rerr := eng.Resume(context.WithoutCancel(ctx), hypervisor.ResumeSaveFailed); rerr != nil {
				s.log.WithError(rerr).Error("resume after failed save")
				next = Paused
			}
		}
		caller.Release()
		s.restoreAfterFailedSave(next)
		return engineFailed("save state", err)
	}
	t.mark("write")

	// The teardown belongs to whoever sets poweringDown first. A PowerDown
	// that came in while the state was written finishes it as Saved.
	s.mu.Lock()
	s.stateSaved = true
	down := s.downProgress
	claimed := !s.poweringDown
	s.poweringDown = true
	s.mu.Unlock()
	caller.Release()

	if !claimed {
		if down == nil {
			return nil
		}
		t.step("waiting for power down")
		return down.Wait(ctx)
	}

	t.step("powering off")
	err := s.powerDownInline(ctx, Saved)
	t.mark("power off")
	return err
}

func (s *Session) restoreAfterFailedSave(next MachineState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Saving && !s.poweringDown {
		s.commit(next)
	}
}
