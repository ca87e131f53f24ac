package console

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/javanstorm/vmconsole/pkg/hypervisor"
)

// reconfigure runs fn on the engine's execution thread. With suspend set a
// running engine is suspended around the call and resumed afterwards,
// whatever the outcome. Must be called with the write lock held; the lock is
// released while the engine works.
func (s *Session) reconfigure(ctx context.Context, kind string, suspend bool, fn func(hypervisor.Devices) error) (err error) {
	if !reconfigureSources.has(s.state) {
		return invalidState(kind, s.state)
	}

	ctx, span := s.tracer.Start(ctx, "console.reconfigure",
		trace.WithAttributes(attribute.String("vm", s.name), attribute.String("kind", kind)))
	defer func() {
		s.metrics.reconfig.WithLabelValues(kind, result(err)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	caller, err := s.AcquireEngine(true)
	if err != nil {
		return fmt.Errorf("%s: %w", kind, err)
	}
	defer caller.Release()
	eng := caller.Engine()

	if suspend {
		suspended, err := s.suspendIfRunning(ctx, eng)
		if err != nil {
			return engineFailed(kind, err)
		}
		if suspended {
			defer s.resumeIfWasSuspended(ctx, eng)
		}
	}

	var callErr error
	s.withUnlocked(func() {
		callErr = eng.Call(ctx, fn)
	})
	if callErr != nil {
		s.log.WithError(callErr).WithField("kind", kind).Warn("reconfiguration failed")
		return mapDeviceError(kind, callErr)
	}
	return nil
}

// mapDeviceError converts a failure from the execution thread.
func mapDeviceError(op string, err error) error {
	switch {
	case errors.Is(err, hypervisor.ErrMediumLocked), errors.Is(err, hypervisor.ErrCPUInUse):
		return fmt.Errorf("%s: %w: %w", op, ErrResourceBusy, err)
	case errors.Is(err, hypervisor.ErrDeviceBusy):
		return fmt.Errorf("%s: %w: %w", op, ErrResourceInUse, err)
	case errors.Is(err, hypervisor.ErrNoSuchDevice):
		return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
	case errors.Is(err, ErrResourceBusy), errors.Is(err, ErrResourceInUse), errors.Is(err, ErrNotFound):
		return fmt.Errorf("%s: %w", op, err)
	}
	return engineFailed(op, err)
}

// suspendIfRunning suspends an executing engine with the state callback
// disabled so no Paused state becomes visible. Called with the write lock
// held.
func (s *Session) suspendIfRunning(ctx context.Context, eng hypervisor.Engine) (bool, error) {
	if !eng.State().Executing() {
		return false, nil
	}
	s.stateChangeCallbackDisabled = true
	var err error
	s.withUnlocked(func() {
		err = eng.Suspend(ctx, hypervisor.SuspendReconfig)
	})
	if err != nil {
		s.stateChangeCallbackDisabled = false
		return false, err
	}
	return true, nil
}

// resumeIfWasSuspended undoes suspendIfRunning. A failed resume leaves the
// machine visibly paused. Called with the write lock held.
func (s *Session) resumeIfWasSuspended(ctx context.Context, eng hypervisor.Engine) {
	var err error
	s.withUnlocked(func() {
		err = eng.Resume(context.WithoutCancel(ctx), hypervisor.ResumeReconfig)
	})
	s.stateChangeCallbackDisabled = false
	if err != nil {
		s.log.WithError(err).Error("resume after reconfiguration failed")
		if s.state == Running {
			s.commit(Paused)
		}
	}
}

func (s *Session) logDevice(device string) *logrus.Entry {
	return s.log.WithField("device", device)
}
