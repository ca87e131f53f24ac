package hypervisor

// State is the engine's fine-grained execution state.
type State int

const (
	StateCreating State = iota
	StateCreated
	StateLoading
	StatePoweringOn
	StateResuming
	StateRunning
	StateRunningLS // running while a live snapshot is taken
	StateResetting
	StateSuspending
	StateSuspendingLS
	StateSuspended
	StateSaving
	StatePoweringOff
	StateOff
	StateFatalError
	StateGuruMeditation
	StateLoadFailure
	StateDestroying
	StateTerminated
)

var stateNames = [...]string{
	StateCreating:       "creating",
	StateCreated:        "created",
	StateLoading:        "loading",
	StatePoweringOn:     "powering-on",
	StateResuming:       "resuming",
	StateRunning:        "running",
	StateRunningLS:      "running-ls",
	StateResetting:      "resetting",
	StateSuspending:     "suspending",
	StateSuspendingLS:   "suspending-ls",
	StateSuspended:      "suspended",
	StateSaving:         "saving",
	StatePoweringOff:    "powering-off",
	StateOff:            "off",
	StateFatalError:     "fatal-error",
	StateGuruMeditation: "guru-meditation",
	StateLoadFailure:    "load-failure",
	StateDestroying:     "destroying",
	StateTerminated:     "terminated",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Executing reports whether guest code is running.
func (s State) Executing() bool {
	return s == StateRunning || s == StateRunningLS
}

// SuspendReason tells the engine why it is being suspended.
type SuspendReason int

const (
	SuspendUser SuspendReason = iota
	SuspendVM
	SuspendReconfig
	SuspendHostSuspend
	SuspendHostBatteryLow
	SuspendTeleport
	SuspendSave
)

func (r SuspendReason) String() string {
	switch r {
	case SuspendUser:
		return "user"
	case SuspendVM:
		return "vm"
	case SuspendReconfig:
		return "reconfig"
	case SuspendHostSuspend:
		return "host-suspend"
	case SuspendHostBatteryLow:
		return "host-battery-low"
	case SuspendTeleport:
		return "teleport"
	case SuspendSave:
		return "save"
	default:
		return "unknown"
	}
}

// ResumeReason tells the engine why it is being resumed.
type ResumeReason int

const (
	ResumeUser ResumeReason = iota
	ResumeVM
	ResumeReconfig
	ResumeHostResume
	ResumeStateRestored
	ResumeTeleported
	ResumeSaveFailed
)

func (r ResumeReason) String() string {
	switch r {
	case ResumeUser:
		return "user"
	case ResumeVM:
		return "vm"
	case ResumeReconfig:
		return "reconfig"
	case ResumeHostResume:
		return "host-resume"
	case ResumeStateRestored:
		return "state-restored"
	case ResumeTeleported:
		return "teleported"
	case ResumeSaveFailed:
		return "save-failed"
	default:
		return "unknown"
	}
}
