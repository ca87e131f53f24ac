package console

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when an operation is illegal in the
	// current machine state. Nothing is changed.
	ErrInvalidState = errors.New("console: operation not allowed in current machine state")

	// ErrAccessDenied is returned when the engine handle is not available.
	ErrAccessDenied = errors.New("console: engine not accessible")

	// ErrEngineCallFailed wraps a failure reported by the engine.
	ErrEngineCallFailed = errors.New("console: engine call failed")

	ErrResourceInUse = errors.New("console: resource in use")
	ErrResourceBusy  = errors.New("console: resource busy")
	ErrNotFound      = errors.New("console: not found")

	ErrInvalidArgument = errors.New("console: invalid argument")

	// ErrUnsupportedUnitVersion is returned when a saved state carries a
	// console data unit of an unknown major version.
	ErrUnsupportedUnitVersion = errors.New("console: unsupported saved-state unit version")
)

func invalidState(op string, s MachineState) error {
	return fmt.Errorf("%s in state %s: %w", op, s, ErrInvalidState)
}

func engineFailed(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrEngineCallFailed, err)
}
