// Package hypervisor defines the contract between the session controller and
// a hypervisor engine (macOS Virtualization.framework, the in-process
// simulator, ...).
//
// An engine owns a single execution-manager thread. Every mutation of the
// virtual device tree happens on that thread and is reached through
// Engine.Call, a blocking request/response call.
package hypervisor

import (
	"context"
	"io"
)

// StateFunc receives engine state transitions. It is invoked on the engine's
// execution thread, in transition order.
type StateFunc func(old, new State)

// Hypervisor creates engine instances.
// Platform-specific implementations (vz, simvm) satisfy this interface.
type Hypervisor interface {
	// Create builds a powered-off engine instance. onState is registered
	// before any transition is reported.
	Create(ctx context.Context, cfg *VMConfig, onState StateFunc) (Engine, error)
	Info() Info
	// Capabilities returns what features the engine supports.
	Capabilities() Capabilities
}

// Capabilities describes engine feature support.
// Used for early validation before VM configuration.
type Capabilities struct {
	SharedDirs bool // virtio-fs or similar
	Networking bool // virtio-net or similar
	Snapshots  bool // saved state
	HotPlug    bool // runtime device reconfiguration
	Teleport   bool // incoming live migration
}

// Lifecycle defines engine power operations.
type Lifecycle interface {
	// PowerOn starts guest execution of a created engine.
	PowerOn(ctx context.Context) error

	// PowerOff stops guest execution. The engine stays allocated until
	// Destroy.
	PowerOff(ctx context.Context) error

	// Suspend pauses every virtual CPU.
	Suspend(ctx context.Context, reason SuspendReason) error

	// Resume continues a suspended engine.
	Resume(ctx context.Context, reason ResumeReason) error

	// Reset performs a hard reset of the virtual hardware.
	Reset(ctx context.Context) error

	// Destroy releases the engine. It must not be called from the
	// execution thread.
	Destroy() error
}

// Engine is a running hypervisor instance.
type Engine interface {
	Lifecycle

	// State returns the current engine state.
	State() State

	// Call runs fn on the execution-manager thread and blocks until it
	// returns. Calls are executed in submission order. Once submitted a call
	// is not cancellable.
	Call(ctx context.Context, fn func(Devices) error) error

	// RegisterUnit adds a saved-state unit. Units must be registered before
	// the engine is powered on or loaded.
	RegisterUnit(u Unit) error

	// SaveState writes every registered unit to path. The engine must be
	// suspended.
	SaveState(ctx context.Context, path string) error

	// LoadState restores a created engine from path, leaving it suspended.
	LoadState(ctx context.Context, path string) error

	// TeleportIn waits for an incoming migration, leaving the engine
	// suspended on success.
	TeleportIn(ctx context.Context, target TeleportTarget) error

	// RequestCPUUnplug asks the guest to release a virtual CPU.
	RequestCPUUnplug(cpu int) error

	// CPUUnplugReady reports whether the guest released cpu. It returns
	// ErrCPUInUse when the guest refused.
	CPUUnplugReady(cpu int) (bool, error)
}

// Unit is a versioned saved-state unit.
type Unit struct {
	Name     string
	Instance uint32
	Version  uint32
	Save     func(w io.Writer) error
	Load     func(r io.Reader, version uint32) error
}

// TeleportTarget identifies the source of an incoming migration.
type TeleportTarget struct {
	Address  string
	Port     int
	Password string
}

// Info contains engine metadata.
type Info struct {
	Name    string // "vz" or "simvm"
	Version string // Engine version
	Arch    string // "arm64" or "amd64"
}
