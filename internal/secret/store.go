// Package secret holds disk encryption keys for a running VM.
//
// Keys are reference counted: a key retained by an attached disk cannot be
// deleted unless the caller forces it. Key buffers are wiped when deleted.
package secret

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrAlreadyExists = errors.New("secret: key already exists")
	ErrNotFound      = errors.New("secret: key not found")
	ErrResourceInUse = errors.New("secret: key is in use")
	ErrNotRetained   = errors.New("secret: key released more often than retained")
	ErrEmptyKey      = errors.New("secret: key is empty")
)

// Key is a stored secret.
type Key struct {
	id             string
	buf            []byte
	refs           int
	clearOnSuspend bool
}

func (k *Key) wipe() {
	clear(k.buf)
	k.buf = nil
}

// Option configures a Store.
type Option func(*Store)

// AllowReAdd lets Add replace an existing key as long as nobody retains it.
// Used when the disks were already verified against the key.
func AllowReAdd() Option {
	return func(s *Store) { s.allowReAdd = true }
}

// Store is a reference-counted key store.
type Store struct {
	mu         sync.Mutex
	allowReAdd bool
	keys       map[string]*Key
	diskRefs   map[string]int
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		keys:     make(map[string]*Key),
		diskRefs: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add stores a copy of key under id.
func (s *Store) Add(id string, key []byte, clearOnSuspend bool) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.keys[id]; ok {
		if !s.allowReAdd {
			return fmt.Errorf("add %q: %w", id, ErrAlreadyExists)
		}
		if cur.refs > 0 {
			if bytes.Equal(cur.buf, key) {
				cur.clearOnSuspend = clearOnSuspend
				return nil
			}
			return fmt.Errorf("re-add %q: %w", id, ErrResourceInUse)
		}
		cur.wipe()
	}

	s.keys[id] = &Key{
		id:             id,
		buf:            bytes.Clone(key),
		clearOnSuspend: clearOnSuspend,
	}
	return nil
}

// Retain increments the use count of id and returns its key buffer. The
// buffer stays valid until the matching Release.
func (s *Store) Retain(id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, fmt.Errorf("retain %q: %w", id, ErrNotFound)
	}
	k.refs++
	return k.buf, nil
}

// Release decrements the use count of id.
func (s *Store) Release(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return fmt.Errorf("release %q: %w", id, ErrNotFound)
	}
	if k.refs == 0 {
		return fmt.Errorf("release %q: %w", id, ErrNotRetained)
	}
	k.refs--
	return nil
}

// Delete removes id. A retained key is only removed when force is set.
func (s *Store) Delete(id string, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return fmt.Errorf("delete %q: %w", id, ErrNotFound)
	}
	if k.refs > 0 && !force {
		return fmt.Errorf("delete %q (%d users): %w", id, k.refs, ErrResourceInUse)
	}
	k.wipe()
	delete(s.keys, id)
	return nil
}

// DeleteAll removes every key, or only the clear-on-suspend keys when
// onSuspend is set. Without force nothing is removed if any targeted key is
// retained.
func (s *Store) DeleteAll(onSuspend, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var targets []*Key
	for _, k := range s.keys {
		if onSuspend && !k.clearOnSuspend {
			continue
		}
		if k.refs > 0 && !force {
			return fmt.Errorf("delete %q (%d users): %w", k.id, k.refs, ErrResourceInUse)
		}
		targets = append(targets, k)
	}
	for _, k := range targets {
		k.wipe()
		delete(s.keys, k.id)
	}
	return nil
}

// Has reports whether id is stored.
func (s *Store) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[id]
	return ok
}

// Refs returns the use count of id, or -1 when absent.
func (s *Store) Refs(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return -1
	}
	return k.refs
}

// ClearOnSuspend returns the ids of stored keys flagged clear-on-suspend.
func (s *Store) ClearOnSuspend() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, k := range s.keys {
		if k.clearOnSuspend {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// SetDiskRefs records how many disk attachments are encrypted with id.
// Zero forgets the id.
func (s *Store) SetDiskRefs(id string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		delete(s.diskRefs, id)
		return
	}
	s.diskRefs[id] = n
}

// DiskRefs returns the number of disk attachments encrypted with id.
func (s *Store) DiskRefs(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.diskRefs[id]
}

// Missing returns the ids referenced by disks whose key is not stored.
func (s *Store) Missing() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.diskRefs {
		if _, ok := s.keys[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
