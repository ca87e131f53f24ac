package console

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/javanstorm/vmconsole/pkg/hypervisor"
	"github.com/javanstorm/vmconsole/pkg/hypervisor/savedstate"
)

// onEngineStateChange is the engine's state callback. It runs on the
// engine's execution thread and therefore never calls back into the engine.
func (s *Session) onEngineStateChange(old, new hypervisor.State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"engine_from": old, "engine_to": new}).Debug("engine state changed")
	if s.stateChangeCallbackDisabled {
		return
	}

	switch new {
	case hypervisor.StateOff:
		if s.poweringDown || !powerDownSources.has(s.state) {
			return
		}
		// The guest powered the machine off by itself.
		s.log.Info("engine powered off, tearing down")
		s.startPowerDown(context.Background())

	case hypervisor.StateTerminated:
		if s.poweringDown {
			return
		}
		s.commit(s.finalState(s.state))

	case hypervisor.StateSuspended:
		switch s.state {
		case Teleporting:
			s.commit(TeleportingPausedVM)
		case Running, LiveSnapshotting, Stuck:
			s.commit(Paused)
		case DeletingSnapshotOnline:
			s.commit(DeletingSnapshotPaused)
		}

	case hypervisor.StateRunning:
		switch s.state {
		case Starting, Restoring, TeleportingIn, Paused, Stuck, TeleportingPausedVM, LiveSnapshotting:
			s.commit(Running)
		case DeletingSnapshotPaused:
			s.commit(DeletingSnapshotOnline)
		}

	case hypervisor.StateRunningLS:
		switch s.state {
		case Saving, Teleporting:
		default:
			s.commit(LiveSnapshotting)
		}

	case hypervisor.StateFatalError:
		s.commit(Paused)

	case hypervisor.StateGuruMeditation:
		s.commit(Stuck)
	}
}

// finalState is the state a teardown that started in from ends in.
func (s *Session) finalState(from MachineState) MachineState {
	switch from {
	case Saving:
		if s.stateSaved {
			return Saved
		}
		return PoweredOff
	case Restoring:
		if s.savedState != "" && savedstate.Exists(s.savedState) {
			return AbortedSaved
		}
		return PoweredOff
	case Teleporting, TeleportingPausedVM:
		return Teleported
	default:
		return PoweredOff
	}
}
