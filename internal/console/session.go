// Package console is the session controller for one virtual machine.
//
// A Session owns the machine's visible lifecycle state, guards access to the
// hypervisor engine handle, runs power tasks asynchronously and sequences
// runtime hardware reconfiguration on the engine's execution thread.
package console

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/javanstorm/vmconsole/internal/config"
	"github.com/javanstorm/vmconsole/internal/hostnet"
	"github.com/javanstorm/vmconsole/internal/progress"
	"github.com/javanstorm/vmconsole/internal/releaselog"
	"github.com/javanstorm/vmconsole/internal/secret"
	"github.com/javanstorm/vmconsole/pkg/hypervisor"
	"github.com/javanstorm/vmconsole/pkg/hypervisor/savedstate"
)

const tracerName = "github.com/javanstorm/vmconsole/internal/console"

// DefaultCPUUnplugTimeout bounds the wait for the guest to release a CPU.
const DefaultCPUUnplugTimeout = 5 * time.Second

// SessionConfig configures a Session.
type SessionConfig struct {
	Machine    *config.Machine
	Hypervisor hypervisor.Hypervisor

	// Owner is told about committed state changes. Optional.
	Owner Owner

	Logger logrus.FieldLogger

	// LogDir holds the per-VM release log. Empty disables it.
	LogDir  string
	LogKeep int

	// SavedStatePath is where SaveState writes and PowerUp restores from.
	SavedStatePath string

	Registerer     prometheus.Registerer
	TracerProvider trace.TracerProvider

	// HostNet resolves host interfaces for bridged and host-only adapters.
	HostNet hostnet.Resolver

	Ancillaries []Ancillary

	CPUUnplugTimeout time.Duration

	// AllowKeyReAdd lets passwords be supplied again for verified disks.
	AllowKeyReAdd bool
}

// Session controls one VM. It must not be copied.
type Session struct {
	id          string
	name        string
	machine     *config.Machine
	hv          hypervisor.Hypervisor
	owner       Owner
	log         logrus.FieldLogger
	relLog      *releaselog.Log
	savedState  string
	hostnet     hostnet.Resolver
	ancillaries []Ancillary
	unplugWait  time.Duration
	metrics     *metrics
	tracer      trace.Tracer

	guard   engineGuard
	secrets *secret.Store
	events  *eventBus

	mu    sync.RWMutex
	state MachineState

	// stateChangeCallbackDisabled hides engine transitions the session
	// commits itself (reconfiguration suspends, start paused).
	stateChangeCallbackDisabled bool

	poweringDown bool
	downProgress *progress.Progress
	upProgress   *progress.Progress
	// upDone is closed when the power-up worker of upProgress has exited.
	upDone chan struct{}

	// stateSaved is set once the engine wrote the saved state of the
	// current Saving run.
	stateSaved bool

	pauseReason   hypervisor.SuspendReason
	pausedForKeys bool

	media         map[slotKey]*MediumAttachment
	pendingEjects []slotKey
	diskKeyIDs    map[string]struct{}
	nics          map[int]NetworkAdapter
	serials       map[int]SerialPort
	cpus          map[int]bool
	folders       []config.SharedFolder
	indicators    *indicatorSet
	attached      []Ancillary

	closed bool
}

var registry sync.Map

// SessionRef is a weak reference to a session handed to ancillary
// subsystems.
type SessionRef struct {
	ID string
}

// Session resolves the reference. It fails once the session was closed.
func (r SessionRef) Session() (*Session, bool) {
	v, ok := registry.Load(r.ID)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// NewSession opens the session for cfg.Machine. The initial state is Saved
// when a saved-state file exists, PoweredOff otherwise.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Machine == nil {
		return nil, fmt.Errorf("new session: machine: %w", ErrInvalidArgument)
	}
	if cfg.Hypervisor == nil {
		return nil, fmt.Errorf("new session: hypervisor: %w", ErrInvalidArgument)
	}
	m := cfg.Machine

	base := cfg.Logger
	if base == nil {
		base = logrus.StandardLogger()
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	resolver := cfg.HostNet
	if resolver == nil {
		resolver = hostnet.System{}
	}
	unplugWait := cfg.CPUUnplugTimeout
	if unplugWait <= 0 {
		unplugWait = DefaultCPUUnplugTimeout
	}
	savedPath := cfg.SavedStatePath
	if savedPath == "" {
		savedPath = m.SavedState
	}

	var storeOpts []secret.Option
	if cfg.AllowKeyReAdd {
		storeOpts = append(storeOpts, secret.AllowReAdd())
	}

	s := &Session{
		id:          ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
		name:        m.Name,
		machine:     m,
		hv:          cfg.Hypervisor,
		owner:       cfg.Owner,
		log:         base.WithFields(logrus.Fields{releaselog.FieldVM: m.Name, "component": "console"}),
		savedState:  savedPath,
		hostnet:     resolver,
		ancillaries: cfg.Ancillaries,
		unplugWait:  unplugWait,
		tracer:      tp.Tracer(tracerName),
		secrets:     secret.New(storeOpts...),
		events:      newEventBus(),
		state:       PoweredOff,
		media:       make(map[slotKey]*MediumAttachment),
		diskKeyIDs:  make(map[string]struct{}),
		nics:        make(map[int]NetworkAdapter),
		serials:     make(map[int]SerialPort),
		cpus:        make(map[int]bool),
		folders:     append([]config.SharedFolder(nil), m.SharedFolders...),
		indicators:  newIndicatorSet(),
	}
	s.metrics = newMetrics(m.Name, cfg.Registerer, s.log)
	s.guard.onChange = func(n int) { s.metrics.callers.Set(float64(n)) }

	if cfg.LogDir != "" {
		s.relLog = releaselog.New(cfg.LogDir, m.Name, cfg.LogKeep)
		addHook(base, s.relLog)
	}

	if err := s.loadDevices(); err != nil {
		s.events.close()
		return nil, err
	}
	if savedPath != "" && savedstate.Exists(savedPath) {
		s.state = Saved
	}
	s.metrics.state.Set(float64(s.state))

	registry.Store(s.id, s)
	return s, nil
}

// addHook installs h on the logrus logger behind l, if there is one.
func addHook(l logrus.FieldLogger, h logrus.Hook) {
	switch v := l.(type) {
	case *logrus.Logger:
		v.AddHook(h)
	case *logrus.Entry:
		v.Logger.AddHook(h)
	}
}

// loadDevices seeds the device state from the machine definition.
func (s *Session) loadDevices() error {
	m := s.machine
	for _, a := range m.Attachments {
		ma := MediumAttachment{
			Controller:    a.Controller,
			Port:          a.Port,
			Device:        a.Device,
			Type:          a.Type,
			Medium:        a.Medium,
			KeyID:         a.KeyID,
			NonRotational: a.NonRotational,
			HotPluggable:  a.HotPluggable,
			ReadOnly:      a.ReadOnly,
			AutoReset:     a.AutoReset,
		}
		if _, err := s.storageDevice(ma); err != nil {
			return fmt.Errorf("new session: %w", err)
		}
		s.media[ma.slot()] = &ma
	}
	for _, n := range m.Network {
		s.nics[n.Slot] = NetworkAdapter{
			Slot:           n.Slot,
			Enabled:        n.Enabled,
			Attachment:     n.Attachment,
			HostInterface:  n.HostInterface,
			MAC:            n.MAC,
			CableConnected: n.CableConnected,
		}
	}
	for _, p := range m.Serial {
		s.serials[p.Slot] = SerialPort{
			Slot:    p.Slot,
			Enabled: p.Enabled,
			Mode:    p.Mode,
			Path:    p.Path,
			Server:  p.Server,
		}
	}
	for i := 0; i < m.CPUs; i++ {
		s.cpus[i] = true
	}
	s.syncDiskRefs()
	return nil
}

// ID returns the unique session id.
func (s *Session) ID() string { return s.id }

// Name returns the machine name.
func (s *Session) Name() string { return s.name }

// Ref returns a weak reference to the session.
func (s *Session) Ref() SessionRef { return SessionRef{ID: s.id} }

// State returns the current machine state.
func (s *Session) State() MachineState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Subscribe registers fn for session events. fn runs on the delivery
// goroutine, never under the session lock. The returned function
// unsubscribes.
func (s *Session) Subscribe(fn func(Event)) func() {
	return s.events.subscribe(fn)
}

// SharedFolders returns the shared folders of the current or last run.
func (s *Session) SharedFolders() []config.SharedFolder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]config.SharedFolder(nil), s.folders...)
}

// setState commits next. Must be called with the write lock held. The state
// is committed even when the owner fails to record it.
func (s *Session) setState(next MachineState, notifyOwner bool) error {
	prev := s.state
	if prev == next {
		return nil
	}
	s.state = next
	s.metrics.state.Set(float64(next))
	s.log.WithFields(logrus.Fields{"from": prev, "to": next}).Info("machine state changed")
	s.events.publish(Event{Kind: EventStateChanged, State: next})

	if notifyOwner && s.owner != nil {
		if err := s.owner.OnStateChange(s.name, next); err != nil {
			return fmt.Errorf("notify owner of %s: %w", next, err)
		}
	}
	return nil
}

// commit is setState for paths that cannot fail on the owner.
func (s *Session) commit(next MachineState) {
	if err := s.setState(next, true); err != nil {
		s.log.WithError(err).Warn("state change not recorded")
	}
}

// withUnlocked runs fn with the write lock released.
func (s *Session) withUnlocked(fn func()) {
	s.mu.Unlock()
	defer s.mu.Lock()
	fn()
}

func (s *Session) publishDevice(device, detail string) {
	s.events.publish(Event{Kind: EventDeviceChanged, Device: device, Detail: detail})
}

// Close releases the session. The VM must be powered off.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.state.Online() || s.poweringDown {
		err := invalidState("close", s.state)
		s.mu.Unlock()
		return err
	}
	s.closed = true
	s.mu.Unlock()

	registry.Delete(s.id)
	s.events.close()

	var errs []error
	if s.relLog != nil {
		errs = append(errs, s.relLog.Close())
	}
	if err := s.secrets.DeleteAll(false, true); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
