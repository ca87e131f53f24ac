package console

import (
	"fmt"
	"sync"

	"github.com/javanstorm/vmconsole/pkg/hypervisor"
)

// engineGuard makes the engine handle safe to use from many goroutines while
// a teardown may start at any time.
type engineGuard struct {
	mu         sync.Mutex
	engine     hypervisor.Engine
	callers    int
	destroying bool
	drained    chan struct{}
	onChange   func(callers int)
}

// acquire takes a reference on the engine. It never blocks.
func (g *engineGuard) acquire() (hypervisor.Engine, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.destroying {
		return nil, fmt.Errorf("being powered down: %w", ErrAccessDenied)
	}
	if g.engine == nil {
		return nil, fmt.Errorf("not powered up: %w", ErrAccessDenied)
	}
	g.callers++
	g.notify()
	return g.engine, nil
}

func (g *engineGuard) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.callers == 0 {
		panic("console: engine caller released twice")
	}
	g.callers--
	g.notify()
	if g.callers == 0 && g.drained != nil {
		close(g.drained)
		g.drained = nil
	}
}

func (g *engineGuard) notify() {
	if g.onChange != nil {
		g.onChange(g.callers)
	}
}

// set installs a freshly created engine.
func (g *engineGuard) set(e hypervisor.Engine) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.engine != nil {
		panic("console: engine handle already set")
	}
	g.engine = e
}

// beginTeardown blocks new callers. The returned channel is closed once the
// last live caller is gone. ok is false when a teardown is already running.
func (g *engineGuard) beginTeardown() (drained <-chan struct{}, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.destroying {
		return nil, false
	}
	g.destroying = true
	ch := make(chan struct{})
	if g.callers == 0 {
		close(ch)
	} else {
		g.drained = ch
	}
	return ch, true
}

// peek returns the engine without taking a reference. Only the teardown
// owner may use it.
func (g *engineGuard) peek() hypervisor.Engine {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.engine
}

// take removes the engine handle. It must only be called by the teardown
// owner after the callers drained.
func (g *engineGuard) take() hypervisor.Engine {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.destroying || g.callers != 0 {
		panic("console: engine taken outside a drained teardown")
	}
	e := g.engine
	g.engine = nil
	return e
}

func (g *engineGuard) endTeardown() {
	g.mu.Lock()
	g.destroying = false
	g.drained = nil
	g.mu.Unlock()
}

func (g *engineGuard) state() (engine bool, callers int, destroying bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.engine != nil, g.callers, g.destroying
}

// Caller is a live reference to the engine. The engine is not destroyed
// while a Caller is held.
type Caller struct {
	g      *engineGuard
	engine hypervisor.Engine
	once   sync.Once
}

// Engine returns the guarded engine.
func (c *Caller) Engine() hypervisor.Engine { return c.engine }

// Release drops the reference. Calling it more than once is harmless.
func (c *Caller) Release() {
	c.once.Do(c.g.release)
}

// AcquireEngine returns a reference to the running engine. It fails with
// ErrAccessDenied when the VM is not powered up or is being powered down.
// quiet suppresses the warning logged on failure.
func (s *Session) AcquireEngine(quiet bool) (*Caller, error) {
	e, err := s.guard.acquire()
	if err != nil {
		if !quiet {
			s.log.WithError(err).Warn("engine access denied")
		}
		return nil, err
	}
	return &Caller{g: &s.guard, engine: e}, nil
}
