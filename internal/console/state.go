package console

// MachineState is the externally visible VM lifecycle state.
type MachineState int

const (
	Null MachineState = iota
	PoweredOff
	Saved
	Teleported
	Aborted
	AbortedSaved
	Running
	Paused
	Stuck
	Teleporting
	LiveSnapshotting
	Starting
	Stopping
	Saving
	Restoring
	TeleportingPausedVM
	TeleportingIn
	DeletingSnapshotOnline
	DeletingSnapshotPaused
	OnlineSnapshotting
	RestoringSnapshot
	DeletingSnapshot
	SettingUp
	Snapshotting
)

var machineStateNames = [...]string{
	Null:                   "Null",
	PoweredOff:             "PoweredOff",
	Saved:                  "Saved",
	Teleported:             "Teleported",
	Aborted:                "Aborted",
	AbortedSaved:           "AbortedSaved",
	Running:                "Running",
	Paused:                 "Paused",
	Stuck:                  "Stuck",
	Teleporting:            "Teleporting",
	LiveSnapshotting:       "LiveSnapshotting",
	Starting:               "Starting",
	Stopping:               "Stopping",
	Saving:                 "Saving",
	Restoring:              "Restoring",
	TeleportingPausedVM:    "TeleportingPausedVM",
	TeleportingIn:          "TeleportingIn",
	DeletingSnapshotOnline: "DeletingSnapshotOnline",
	DeletingSnapshotPaused: "DeletingSnapshotPaused",
	OnlineSnapshotting:     "OnlineSnapshotting",
	RestoringSnapshot:      "RestoringSnapshot",
	DeletingSnapshot:       "DeletingSnapshot",
	SettingUp:              "SettingUp",
	Snapshotting:           "Snapshotting",
}

func (s MachineState) String() string {
	if s < 0 || int(s) >= len(machineStateNames) {
		return "Unknown"
	}
	return machineStateNames[s]
}

// Online reports whether an engine handle exists in state s.
func (s MachineState) Online() bool {
	return s >= Running && s <= OnlineSnapshotting
}

// AllStates lists every machine state except Null.
func AllStates() []MachineState {
	out := make([]MachineState, 0, len(machineStateNames)-1)
	for s := PoweredOff; s <= Snapshotting; s++ {
		out = append(out, s)
	}
	return out
}

// stateSet is a set of legal source states for an operation.
type stateSet []MachineState

func (set stateSet) has(s MachineState) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

var (
	powerUpSources = stateSet{PoweredOff, Teleported, Aborted, AbortedSaved, Saved}

	powerDownSources = stateSet{
		Running, Paused, Stuck, Starting, Restoring, TeleportingIn,
		TeleportingPausedVM, Teleporting, LiveSnapshotting, OnlineSnapshotting,
		Saving, Stopping,
	}

	saveStateSources = stateSet{Running, Paused}

	pauseSources  = stateSet{Running, Teleporting, LiveSnapshotting}
	resumeSources = stateSet{Paused}
	resetSources  = stateSet{Running, Paused, Stuck}

	reconfigureSources = stateSet{
		Running, Paused, Teleporting, LiveSnapshotting, TeleportingPausedVM,
		OnlineSnapshotting, DeletingSnapshotOnline, DeletingSnapshotPaused,
	}
)
