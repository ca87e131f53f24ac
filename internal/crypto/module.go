// Package crypto is the process-wide disk encryption module.
//
// The module is loaded once per process. Sessions acquire a reference while
// they use it and the module refuses to unload while references are held.
package crypto

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNotLoaded         = errors.New("crypto: module not loaded")
	ErrModuleInUse       = errors.New("crypto: module still referenced")
	ErrPasswordIncorrect = errors.New("crypto: password incorrect")
	ErrInvalidDescriptor = errors.New("crypto: invalid key store descriptor")
)

// Module unwraps disk encryption keys.
type Module struct {
	name string
}

// Name identifies the cipher suite.
func (m *Module) Name() string { return m.name }

var (
	mu     sync.Mutex
	module *Module
	refs   int
)

// Load loads the module. Loading an already loaded module is a no-op.
func Load() (*Module, error) {
	mu.Lock()
	defer mu.Unlock()
	if module == nil {
		module = &Module{name: cipherName}
	}
	return module, nil
}

// Acquire returns the loaded module and takes a reference on it.
func Acquire() (*Module, error) {
	mu.Lock()
	defer mu.Unlock()
	if module == nil {
		return nil, ErrNotLoaded
	}
	refs++
	return module, nil
}

// Release drops a reference taken by Acquire.
func Release() {
	mu.Lock()
	defer mu.Unlock()
	if refs > 0 {
		refs--
	}
}

// Unload unloads the module. It fails while references are held.
func Unload() error {
	mu.Lock()
	defer mu.Unlock()
	if module == nil {
		return nil
	}
	if refs > 0 {
		return fmt.Errorf("unload (%d references): %w", refs, ErrModuleInUse)
	}
	module = nil
	return nil
}

// Loaded reports whether the module is loaded.
func Loaded() bool {
	mu.Lock()
	defer mu.Unlock()
	return module != nil
}

// References returns the number of held references.
func References() int {
	mu.Lock()
	defer mu.Unlock()
	return refs
}
