package console

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/javanstorm/vmconsole/internal/progress"
)

// PowerDown stops the VM asynchronously. Calling it while a power down is in
// flight returns the running task's progress.
func (s *Session) PowerDown(ctx context.Context) (*progress.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.poweringDown {
		if s.downProgress != nil {
			return s.downProgress, nil
		}
		return nil, fmt.Errorf("power down: teardown in progress: %w", ErrInvalidState)
	}
	if !powerDownSources.has(s.state) {
		return nil, invalidState("power down", s.state)
	}
	if s.upProgress != nil {
		s.upProgress.Cancel()
	}
	return s.startPowerDown(ctx), nil
}

// startPowerDown must be called with the write lock held.
func (s *Session) startPowerDown(ctx context.Context) *progress.Progress {
	from := s.state
	switch from {
	case Saving, Restoring, TeleportingIn, Stopping:
	default:
		s.commit(Stopping)
	}
	s.poweringDown = true
	p := progress.New("Powering off the virtual machine", 4)
	p.SetNotCancelable()
	s.downProgress = p
	upDone := s.upDone
	s.startTask(ctx, "power-down", p, func(ctx context.Context, t *powerTask) error {
		return s.powerDown(ctx, t, from, upDone)
	})
	return p
}

// powerDown is the power-down worker. from is the state the request found.
// upDone, when set, belongs to a power up still in flight; the engine it may
// create is only torn down after it exited.
func (s *Session) powerDown(ctx context.Context, t *powerTask, from MachineState, upDone <-chan struct{}) error {
	if upDone != nil {
		t.step("waiting for power up")
		<-upDone
	}

	t.step("releasing subsystems")
	s.releaseAncillaries(ctx)
	t.mark("release")

	t.step("destroying engine")
	err := s.teardown(ctx, false)
	t.mark("teardown")

	t.step("finishing")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poweringDown = false
	s.downProgress = nil
	if err != nil {
		return err
	}
	s.afterTeardown()
	s.commit(s.finalState(from))
	return nil
}

// afterTeardown resets per-run state once the engine is gone. Called with
// the write lock held.
func (s *Session) afterTeardown() {
	s.applyPendingEjectsOffline()
	s.releaseDiskKeys()
	s.indicators.reset()
	s.stateChangeCallbackDisabled = false
	s.pausedForKeys = false
	if s.relLog != nil {
		if err := s.relLog.Close(); err != nil {
			s.log.WithError(err).Warn("close release log")
		}
	}
}

// releaseAncillaries releases attached subsystems concurrently. Failures are
// logged only.
func (s *Session) releaseAncillaries(ctx context.Context) {
	s.mu.Lock()
	list := s.attached
	s.attached = nil
	s.mu.Unlock()

	var g errgroup.Group
	for _, a := range list {
		a := a // per-iteration copy (pre-Go 1.22 loop semantics)
		g.Go(func() error {
			if err := a.Release(ctx); err != nil {
				s.log.WithError(err).WithField("subsystem", a.Name()).Warn("release subsystem")
				return err
			}
			return nil
		})
	}
	_ = g.Wait()
}

// teardown powers off and destroys the engine once every caller is gone. It
// must be called without the session lock by the goroutine that set
// poweringDown. With force the engine is destroyed even when power off
// fails.
func (s *Session) teardown(ctx context.Context, force bool) error {
	drained, ok := s.guard.beginTeardown()
	if !ok {
		return errors.New("teardown already running")
	}
	<-drained

	eng := s.guard.peek()
	if eng == nil {
		s.guard.take()
		s.guard.endTeardown()
		return nil
	}

	if err := eng.PowerOff(ctx); err != nil {
		if !force {
			s.guard.endTeardown()
			return engineFailed("power off", err)
		}
		s.log.WithError(err).Warn("power off failed, destroying anyway")
	}
	destroyErr := eng.Destroy()
	s.guard.take()
	s.guard.endTeardown()
	if destroyErr != nil {
		return engineFailed("destroy", destroyErr)
	}
	return nil
}

// releaseDiskKeys drops the key references held by attached disks. Called
// with the write lock held.
func (s *Session) releaseDiskKeys() {
	for _, m := range s.media {
		if !m.keyRetained {
			continue
		}
		if err := s.secrets.Release(m.KeyID); err != nil {
			s.log.WithError(err).WithField("key_id", m.KeyID).Warn("release disk key")
		}
		m.keyRetained = false
	}
}

// powerDownInline runs a teardown on the calling goroutine and commits final.
// The caller must have set poweringDown and must not hold the write lock.
func (s *Session) powerDownInline(ctx context.Context, final MachineState) error {
	s.releaseAncillaries(ctx)
	err := s.teardown(ctx, false)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.poweringDown = false
	if err != nil {
		return err
	}
	s.afterTeardown()
	s.commit(final)
	return nil
}
