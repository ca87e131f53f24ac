package hypervisor

import "errors"

// Configuration errors
var (
	ErrInvalidCPUCount    = errors.New("hypervisor: CPU count must be at least 1 and at most the CPU slot count")
	ErrInsufficientMemory = errors.New("hypervisor: memory must be at least 128MB")
	ErrMissingKernel      = errors.New("hypervisor: kernel path is required")
)

// Runtime errors
var (
	ErrInvalidState   = errors.New("hypervisor: operation not allowed in current engine state")
	ErrDestroyed      = errors.New("hypervisor: engine destroyed")
	ErrUnsupported    = errors.New("hypervisor: operation not supported by this engine")
	ErrNoSuchDevice   = errors.New("hypervisor: no such device")
	ErrDeviceBusy     = errors.New("hypervisor: device slot in use")
	ErrMediumLocked   = errors.New("hypervisor: medium locked by guest")
	ErrCPUInUse       = errors.New("hypervisor: guest is still using the CPU")
	ErrUnitRegistered = errors.New("hypervisor: saved-state unit already registered")
)

// Platform errors
var (
	ErrUnsupportedPlatform = errors.New("hypervisor: platform not supported")
)
