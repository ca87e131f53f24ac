package hypervisor

// Devices is the virtual device tree. It is only valid inside the function
// passed to Engine.Call.
type Devices interface {
	AttachStorage(d StorageDevice) error
	DetachStorage(d StorageDevice) error
	MountMedium(d StorageDevice) error
	UnmountMedium(d StorageDevice, force bool) error
	// MediumLocked reports whether the guest locked the removable medium.
	MediumLocked(d StorageDevice) bool
	SetDiskKey(d StorageDevice, key []byte) error
	MergeMedium(d StorageDevice, source, target string) error

	SetNetwork(n NetworkDevice) error
	SetLinkState(n NetworkDevice, up bool) error

	PlugCPU(cpu int) error
	UnplugCPU(cpu int) error

	SetSerial(s SerialDevice) error
}

// StorageDevice addresses a storage unit: driver, controller instance, port
// and device on the port.
type StorageDevice struct {
	Driver        string
	Instance      int
	Port          int
	Device        int
	Medium        string
	Removable     bool
	NonRotational bool
	ReadOnly      bool
}

// NetworkDevice describes a network adapter and its attachment.
type NetworkDevice struct {
	Driver        string
	Instance      int
	Attachment    string
	HostInterface string
	MAC           string
	CableUp       bool
}

// SerialDevice describes a serial port and its host backend.
type SerialDevice struct {
	Driver   string
	Instance int
	Mode     string
	Path     string
	Server   bool
}
