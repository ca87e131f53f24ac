package hypervisor

// VMConfig holds engine configuration parameters.
type VMConfig struct {
	// Name identifies the VM in engine logs.
	Name string

	// CPUs is the number of virtual CPUs plugged at power on.
	CPUs int

	// MaxCPUs is the number of CPU slots available for hot-plug.
	// Zero means CPUs.
	MaxCPUs int

	// MemoryMB is the amount of memory in megabytes.
	MemoryMB int

	// Kernel is the path to the Linux kernel image.
	Kernel string

	// Initrd is the path to the initial ramdisk (optional).
	Initrd string

	// Cmdline is the kernel command line.
	Cmdline string

	// Storage lists the storage units attached at power on.
	Storage []StorageDevice

	// Network lists the network adapters.
	Network []NetworkDevice

	// Serial lists the serial ports.
	Serial []SerialDevice

	// SharedDirs maps mount tags to host directory paths.
	// Key: mount tag (used by guest to mount via "mount -t virtiofs <tag> <mountpoint>")
	// Value: host directory path to share
	SharedDirs map[string]string

	// SharedDirsReadOnly specifies which shares are read-only.
	// Key: mount tag, Value: true if read-only
	SharedDirsReadOnly map[string]bool
}

// Validate performs basic validation of the configuration.
func (c *VMConfig) Validate() error {
	if c.CPUs < 1 {
		return ErrInvalidCPUCount
	}
	if c.MaxCPUs == 0 {
		c.MaxCPUs = c.CPUs
	}
	if c.MaxCPUs < c.CPUs {
		return ErrInvalidCPUCount
	}
	if c.MemoryMB < 128 {
		return ErrInsufficientMemory
	}
	if c.Kernel == "" {
		return ErrMissingKernel
	}
	return nil
}
