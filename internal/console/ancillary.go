package console

import "context"

// Ancillary is a subsystem that lives for one run of the VM, such as a
// remote display server, an audio backend or USB capture. Ancillaries are
// attached in order at power up and released before the engine is torn
// down.
type Ancillary interface {
	Name() string
	// Attach starts the subsystem for the session behind ref.
	Attach(ctx context.Context, ref SessionRef) error
	Release(ctx context.Context) error
}
