package console

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMachineRecordLifecycle(t *testing.T) {
	r := NewMachineRecord(filepath.Join(t.TempDir(), "vm", "record.json"))

	st, err := r.Load()
	if err != nil {
		t.Fatalf("Load of missing record failed: %v", err)
	}
	if st.State != "" || st.BootCount != 0 {
		t.Errorf("empty record = %+v", st)
	}

	steps := []struct {
		state MachineState
		boots int
		clean bool
	}{
		{Starting, 1, false},
		{Running, 1, false},
		{Aborted, 1, false},
		{Restoring, 2, false},
		{Running, 2, false},
		{Saving, 2, false},
		{Saved, 2, true},
	}
	for _, step := range steps {
		if err := r.OnStateChange("test", step.state); err != nil {
			t.Fatalf("OnStateChange(%s) failed: %v", step.state, err)
		}
		st, err := r.Load()
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if st.State != step.state.String() || st.BootCount != step.boots || st.CleanShutdown != step.clean {
			t.Errorf("after %s: record = %+v", step.state, st)
		}
	}
	if _, err := os.Stat(r.Path() + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestMachineRecordCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "record.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	r := NewMachineRecord(path)
	if _, err := r.Load(); err == nil {
		t.Error("Load should fail on a corrupt record")
	}
	if err := r.OnStateChange("test", Running); err == nil {
		t.Error("OnStateChange should fail on a corrupt record")
	}
}

// A failing owner does not stop the state change.
func TestOwnerFailureLogged(t *testing.T) {
	s, env := newTestSession(t, createTestMachine())
	if err := os.WriteFile(env.record.Path(), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	powerUp(t, s, Running)

	found := false
	for _, e := range env.logs.AllEntries() {
		if _, ok := e.Data["error"]; ok {
			found = true
			break
		}
	}
	if !found {
		t.Error("owner failure not logged")
	}
}
