package console

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Owner is the process that owns the machine's persistent settings. It is
// told about every state change the session commits.
type Owner interface {
	OnStateChange(vm string, state MachineState) error
}

// RecordState is the persisted view of a machine.
type RecordState struct {
	// State is the last committed machine state.
	State string `json:"state"`

	// StateSince is when State was committed.
	StateSince time.Time `json:"state_since"`

	// LastBoot is when the VM was last started.
	LastBoot time.Time `json:"last_boot,omitempty"`

	// LastShutdown is when the VM last reached a powered-off state.
	LastShutdown time.Time `json:"last_shutdown,omitempty"`

	// BootCount is the number of times the VM has been started.
	BootCount int `json:"boot_count"`

	// CleanShutdown indicates if the last shutdown was clean.
	CleanShutdown bool `json:"clean_shutdown"`
}

// MachineRecord is a file-backed Owner.
type MachineRecord struct {
	mu   sync.Mutex
	path string
}

// NewMachineRecord creates a record stored at path.
func NewMachineRecord(path string) *MachineRecord {
	return &MachineRecord{path: path}
}

// Path returns the record file path.
func (r *MachineRecord) Path() string {
	return r.path
}

// Load reads the record from disk. A missing file yields an empty record.
func (r *MachineRecord) Load() (*RecordState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load()
}

func (r *MachineRecord) load() (*RecordState, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return &RecordState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read machine record: %w", err)
	}

	var st RecordState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse machine record: %w", err)
	}
	return &st, nil
}

func (r *MachineRecord) save(st *RecordState) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("create record dir: %w", err)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal machine record: %w", err)
	}

	// Write atomically
	tmpPath := r.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write machine record: %w", err)
	}
	return os.Rename(tmpPath, r.path)
}

// OnStateChange implements Owner.
func (r *MachineRecord) OnStateChange(_ string, state MachineState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.load()
	if err != nil {
		return err
	}
	now := time.Now()
	st.State = state.String()
	st.StateSince = now

	switch state {
	case Starting, Restoring, TeleportingIn:
		st.LastBoot = now
		st.BootCount++
		st.CleanShutdown = false
	case PoweredOff, Saved, Teleported:
		st.LastShutdown = now
		st.CleanShutdown = true
	case Aborted, AbortedSaved:
		st.LastShutdown = now
		st.CleanShutdown = false
	}
	return r.save(st)
}
