// Package simvm is an in-process simulated engine.
//
// A Machine runs every engine operation on one goroutine locked to an OS
// thread, the same way a real execution-manager thread works, and reports
// state transitions from that goroutine. Tests drive guest-initiated events
// (self power off, fatal errors, medium locks) and inject one-shot faults
// through the Hypervisor.
package simvm

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/javanstorm/vmconsole/pkg/hypervisor"
)

// Op names an operation that can be made to fail with FailNext.
type Op string

const (
	OpCreate    Op = "create"
	OpPowerOn   Op = "power-on"
	OpPowerOff  Op = "power-off"
	OpSuspend   Op = "suspend"
	OpResume    Op = "resume"
	OpReset     Op = "reset"
	OpLoadState Op = "load-state"
	OpSaveState Op = "save-state"
	OpTeleport  Op = "teleport"
	OpCall      Op = "call"

	OpAttachStorage Op = "attach-storage"
	OpDetachStorage Op = "detach-storage"
	OpMountMedium   Op = "mount-medium"
	OpUnmountMedium Op = "unmount-medium"
	OpSetDiskKey    Op = "set-disk-key"
	OpMergeMedium   Op = "merge-medium"
	OpSetNetwork    Op = "set-network"
	OpSetLinkState  Op = "set-link-state"
	OpPlugCPU       Op = "plug-cpu"
	OpUnplugCPU     Op = "unplug-cpu"
	OpSetSerial     Op = "set-serial"
)

// Hypervisor creates simulated machines.
type Hypervisor struct {
	mu       sync.Mutex
	caps     hypervisor.Capabilities
	faults   map[Op]error
	held     map[int]bool
	delays   map[int]int
	machines []*Machine
}

// New returns a simulator that supports every capability.
func New() *Hypervisor {
	return &Hypervisor{
		caps: hypervisor.Capabilities{
			SharedDirs: true,
			Networking: true,
			Snapshots:  true,
			HotPlug:    true,
			Teleport:   true,
		},
		faults: make(map[Op]error),
		held:   make(map[int]bool),
		delays: make(map[int]int),
	}
}

func (h *Hypervisor) Info() hypervisor.Info {
	return hypervisor.Info{Name: "simvm", Version: "1", Arch: runtime.GOARCH}
}

func (h *Hypervisor) Capabilities() hypervisor.Capabilities {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.caps
}

// SetCapabilities overrides the reported capabilities.
func (h *Hypervisor) SetCapabilities(c hypervisor.Capabilities) {
	h.mu.Lock()
	h.caps = c
	h.mu.Unlock()
}

// FailNext makes the next invocation of op return err.
func (h *Hypervisor) FailNext(op Op, err error) {
	h.mu.Lock()
	h.faults[op] = err
	h.mu.Unlock()
}

func (h *Hypervisor) fault(op Op) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	err, ok := h.faults[op]
	if !ok {
		return nil
	}
	delete(h.faults, op)
	return err
}

// GuestHoldsCPU makes the guest refuse (held) or accept unplug requests for
// cpu.
func (h *Hypervisor) GuestHoldsCPU(cpu int, held bool) {
	h.mu.Lock()
	h.held[cpu] = held
	h.mu.Unlock()
}

// UnplugAfter makes the guest release cpu only after polls readiness checks.
// A negative count means never.
func (h *Hypervisor) UnplugAfter(cpu, polls int) {
	h.mu.Lock()
	h.delays[cpu] = polls
	h.mu.Unlock()
}

// Machines returns every machine created so far.
func (h *Hypervisor) Machines() []*Machine {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Machine(nil), h.machines...)
}

// Last returns the most recently created machine, or nil.
func (h *Hypervisor) Last() *Machine {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.machines) == 0 {
		return nil
	}
	return h.machines[len(h.machines)-1]
}

func (h *Hypervisor) Create(ctx context.Context, cfg *hypervisor.VMConfig, onState hypervisor.StateFunc) (hypervisor.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := h.fault(OpCreate); err != nil {
		return nil, err
	}

	m := &Machine{
		h:        h,
		cfg:      *cfg,
		state:    hypervisor.StateCreating,
		onState:  onState,
		reqs:     make(chan func()),
		quit:     make(chan struct{}),
		exited:   make(chan struct{}),
		dev:      newDeviceTree(cfg),
		pending:  make(map[int]int),
		suspends: make(map[hypervisor.SuspendReason]int),
		resumes:  make(map[hypervisor.ResumeReason]int),
	}
	go m.loop()

	if err := m.exec(ctx, func() error {
		m.setState(hypervisor.StateCreated)
		return nil
	}); err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.machines = append(h.machines, m)
	h.mu.Unlock()
	return m, nil
}

// Machine is a simulated engine instance.
type Machine struct {
	h   *Hypervisor
	cfg hypervisor.VMConfig

	mu       sync.Mutex
	state    hypervisor.State
	onState  hypervisor.StateFunc
	units    []hypervisor.Unit
	dev      *deviceTree
	pending  map[int]int
	suspends map[hypervisor.SuspendReason]int
	resumes  map[hypervisor.ResumeReason]int
	calls    int
	callHook func()
	teleport hypervisor.TeleportTarget

	reqs    chan func()
	quit    chan struct{}
	exited  chan struct{}
	destroy sync.Once
}

func (m *Machine) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(m.exited)

	for {
		select {
		case fn := <-m.reqs:
			fn()
		case <-m.quit:
			return
		}
	}
}

// exec runs fn on the execution goroutine and waits for it.
func (m *Machine) exec(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	select {
	case m.reqs <- func() { done <- fn() }:
	case <-m.exited:
		return hypervisor.ErrDestroyed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-done
}

func (m *Machine) setState(next hypervisor.State) {
	m.mu.Lock()
	old := m.state
	if old == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	cb := m.onState
	m.mu.Unlock()
	if cb != nil {
		cb(old, next)
	}
}

func (m *Machine) State() hypervisor.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Config returns the configuration the machine was created with.
func (m *Machine) Config() hypervisor.VMConfig {
	return m.cfg
}

// require fails unless the machine is in one of the given states.
func (m *Machine) require(op Op, states ...hypervisor.State) error {
	cur := m.State()
	for _, s := range states {
		if cur == s {
			return nil
		}
	}
	return fmt.Errorf("simvm %s in state %s: %w", op, cur, hypervisor.ErrInvalidState)
}

func (m *Machine) PowerOn(ctx context.Context) error {
	return m.exec(ctx, func() error {
		if err := m.require(OpPowerOn, hypervisor.StateCreated); err != nil {
			return err
		}
		if err := m.h.fault(OpPowerOn); err != nil {
			return err
		}
		m.setState(hypervisor.StatePoweringOn)
		m.setState(hypervisor.StateRunning)
		return nil
	})
}

func (m *Machine) PowerOff(ctx context.Context) error {
	return m.exec(ctx, func() error {
		switch m.State() {
		case hypervisor.StateOff:
			return nil
		case hypervisor.StateDestroying, hypervisor.StateTerminated:
			return fmt.Errorf("simvm %s: %w", OpPowerOff, hypervisor.ErrInvalidState)
		}
		if err := m.h.fault(OpPowerOff); err != nil {
			return err
		}
		m.setState(hypervisor.StatePoweringOff)
		m.setState(hypervisor.StateOff)
		return nil
	})
}

func (m *Machine) Suspend(ctx context.Context, reason hypervisor.SuspendReason) error {
	return m.exec(ctx, func() error {
		if err := m.require(OpSuspend, hypervisor.StateRunning, hypervisor.StateRunningLS); err != nil {
			return err
		}
		if err := m.h.fault(OpSuspend); err != nil {
			return err
		}
		m.mu.Lock()
		m.suspends[reason]++
		m.mu.Unlock()
		m.setState(hypervisor.StateSuspending)
		m.setState(hypervisor.StateSuspended)
		return nil
	})
}

func (m *Machine) Resume(ctx context.Context, reason hypervisor.ResumeReason) error {
	return m.exec(ctx, func() error {
		if err := m.require(OpResume, hypervisor.StateSuspended); err != nil {
			return err
		}
		if err := m.h.fault(OpResume); err != nil {
			return err
		}
		m.mu.Lock()
		m.resumes[reason]++
		m.mu.Unlock()
		m.setState(hypervisor.StateResuming)
		m.setState(hypervisor.StateRunning)
		return nil
	})
}

func (m *Machine) Reset(ctx context.Context) error {
	return m.exec(ctx, func() error {
		if err := m.require(OpReset, hypervisor.StateRunning, hypervisor.StateSuspended); err != nil {
			return err
		}
		if err := m.h.fault(OpReset); err != nil {
			return err
		}
		prev := m.State()
		m.setState(hypervisor.StateResetting)
		m.dev.unlockAll()
		m.setState(prev)
		return nil
	})
}

// Destroy tears the machine down and stops its execution goroutine.
func (m *Machine) Destroy() error {
	var err error
	m.destroy.Do(func() {
		err = m.exec(context.Background(), func() error {
			m.setState(hypervisor.StateDestroying)
			m.setState(hypervisor.StateTerminated)
			return nil
		})
		close(m.quit)
		<-m.exited
	})
	return err
}

func (m *Machine) Call(ctx context.Context, fn func(hypervisor.Devices) error) error {
	return m.exec(ctx, func() error {
		switch m.State() {
		case hypervisor.StateDestroying, hypervisor.StateTerminated:
			return hypervisor.ErrDestroyed
		}
		if err := m.h.fault(OpCall); err != nil {
			return err
		}
		m.mu.Lock()
		m.calls++
		hook := m.callHook
		m.mu.Unlock()
		if hook != nil {
			hook()
		}
		return fn(&devices{m: m})
	})
}

func (m *Machine) RegisterUnit(u hypervisor.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.units {
		if existing.Name == u.Name && existing.Instance == u.Instance {
			return hypervisor.ErrUnitRegistered
		}
	}
	m.units = append(m.units, u)
	return nil
}

func (m *Machine) registeredUnits() []hypervisor.Unit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]hypervisor.Unit(nil), m.units...)
}

func (m *Machine) SaveState(ctx context.Context, path string) error {
	return m.exec(ctx, func() error {
		if err := m.require(OpSaveState, hypervisor.StateSuspended); err != nil {
			return err
		}
		if err := m.h.fault(OpSaveState); err != nil {
			return err
		}
		m.setState(hypervisor.StateSaving)
		err := hypervisor.SaveUnits(path, m.registeredUnits())
		m.setState(hypervisor.StateSuspended)
		return err
	})
}

func (m *Machine) LoadState(ctx context.Context, path string) error {
	return m.exec(ctx, func() error {
		if err := m.require(OpLoadState, hypervisor.StateCreated); err != nil {
			return err
		}
		m.setState(hypervisor.StateLoading)
		if err := m.h.fault(OpLoadState); err != nil {
			m.setState(hypervisor.StateLoadFailure)
			return err
		}
		if err := hypervisor.LoadUnits(path, m.registeredUnits()); err != nil {
			m.setState(hypervisor.StateLoadFailure)
			return err
		}
		m.setState(hypervisor.StateSuspended)
		return nil
	})
}

func (m *Machine) TeleportIn(ctx context.Context, target hypervisor.TeleportTarget) error {
	return m.exec(ctx, func() error {
		if err := m.require(OpTeleport, hypervisor.StateCreated); err != nil {
			return err
		}
		m.mu.Lock()
		m.teleport = target
		m.mu.Unlock()
		m.setState(hypervisor.StateLoading)
		if err := m.h.fault(OpTeleport); err != nil {
			m.setState(hypervisor.StateLoadFailure)
			return err
		}
		m.setState(hypervisor.StateSuspended)
		return nil
	})
}

// TeleportSource returns the target passed to the last TeleportIn.
func (m *Machine) TeleportSource() hypervisor.TeleportTarget {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.teleport
}

func (m *Machine) RequestCPUUnplug(cpu int) error {
	if !m.dev.cpuPlugged(cpu) {
		return hypervisor.ErrNoSuchDevice
	}
	m.h.mu.Lock()
	polls := m.h.delays[cpu]
	m.h.mu.Unlock()
	m.mu.Lock()
	m.pending[cpu] = polls
	m.mu.Unlock()
	return nil
}

func (m *Machine) CPUUnplugReady(cpu int) (bool, error) {
	m.h.mu.Lock()
	held := m.h.held[cpu]
	m.h.mu.Unlock()
	if held {
		return false, hypervisor.ErrCPUInUse
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	left, ok := m.pending[cpu]
	if !ok {
		return false, hypervisor.ErrNoSuchDevice
	}
	switch {
	case left < 0:
		return false, nil
	case left > 0:
		m.pending[cpu] = left - 1
		return false, nil
	}
	delete(m.pending, cpu)
	return true, nil
}

// GuestPowerOff simulates the guest powering the machine off by itself.
func (m *Machine) GuestPowerOff() error {
	return m.exec(context.Background(), func() error {
		m.setState(hypervisor.StatePoweringOff)
		m.setState(hypervisor.StateOff)
		return nil
	})
}

// Transition forces the engine into state, reporting it like a
// guest-initiated change (fatal error, guru meditation, live snapshot).
func (m *Machine) Transition(state hypervisor.State) error {
	return m.exec(context.Background(), func() error {
		m.setState(state)
		return nil
	})
}

// OnCall installs a hook that runs on the execution goroutine at the start of
// every Call.
func (m *Machine) OnCall(hook func()) {
	m.mu.Lock()
	m.callHook = hook
	m.mu.Unlock()
}

// LockMedium simulates the guest locking or unlocking a removable medium.
func (m *Machine) LockMedium(d hypervisor.StorageDevice, locked bool) {
	m.dev.setLocked(d, locked)
}

// Calls returns the number of completed Call submissions.
func (m *Machine) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Suspends returns how often the machine was suspended for reason.
func (m *Machine) Suspends(reason hypervisor.SuspendReason) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspends[reason]
}

// Resumes returns how often the machine was resumed for reason.
func (m *Machine) Resumes(reason hypervisor.ResumeReason) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resumes[reason]
}

// Storage returns the storage unit at the address of d.
func (m *Machine) Storage(d hypervisor.StorageDevice) (hypervisor.StorageDevice, bool) {
	return m.dev.storage(d)
}

// DiskKey returns the key installed for the disk at the address of d.
func (m *Machine) DiskKey(d hypervisor.StorageDevice) []byte {
	return m.dev.diskKey(d)
}

// Network returns the adapter with the given driver instance.
func (m *Machine) Network(instance int) (hypervisor.NetworkDevice, bool) {
	return m.dev.network(instance)
}

// Serial returns the serial port with the given driver instance.
func (m *Machine) Serial(instance int) (hypervisor.SerialDevice, bool) {
	return m.dev.serial(instance)
}

// CPUs returns the plugged virtual CPUs in ascending order.
func (m *Machine) CPUs() []int {
	return m.dev.cpuList()
}

// Merges returns the online merges performed, as "source->target".
func (m *Machine) Merges() []string {
	return m.dev.mergeList()
}

func sortedKeys(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for k, v := range set {
		if v {
			out = append(out, k)
		}
	}
	sort.Ints(out)
	return out
}
