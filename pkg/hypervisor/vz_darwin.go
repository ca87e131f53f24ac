//go:build darwin

package hypervisor

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sync"

	"github.com/Code-Hex/vz/v3"
)

// vzHypervisor creates engines backed by macOS Virtualization.framework.
type vzHypervisor struct{}

// NewPlatform creates the Virtualization.framework engine factory.
func NewPlatform() (Hypervisor, error) {
	return &vzHypervisor{}, nil
}

func (h *vzHypervisor) Info() Info {
	return Info{
		Name:    "vz",
		Version: "3",
		Arch:    runtime.GOARCH,
	}
}

func (h *vzHypervisor) Capabilities() Capabilities {
	return Capabilities{
		SharedDirs: true,  // virtio-fs supported
		Networking: true,  // virtio-net supported
		Snapshots:  true,  // macOS 14 machine state files
		HotPlug:    false, // device set is fixed at creation
		Teleport:   false,
	}
}

func (h *vzHypervisor) Create(ctx context.Context, cfg *VMConfig, onState StateFunc) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bootLoader, err := vz.NewLinuxBootLoader(cfg.Kernel,
		vz.WithCommandLine(cfg.Cmdline),
		vz.WithInitrd(cfg.Initrd),
	)
	if err != nil {
		return nil, fmt.Errorf("vz: create boot loader: %w", err)
	}

	vmCfg, err := vz.NewVirtualMachineConfiguration(
		bootLoader,
		uint(cfg.CPUs),
		uint64(cfg.MemoryMB)*1024*1024,
	)
	if err != nil {
		return nil, fmt.Errorf("vz: create VM config: %w", err)
	}

	platform, err := vz.NewGenericPlatformConfiguration()
	if err != nil {
		return nil, fmt.Errorf("vz: create platform config: %w", err)
	}
	vmCfg.SetPlatformVirtualMachineConfiguration(platform)

	if err := configureNetwork(vmCfg, cfg.Network); err != nil {
		return nil, err
	}
	if err := configureStorage(vmCfg, cfg.Storage); err != nil {
		return nil, err
	}
	if err := configureSharedDirs(vmCfg, cfg); err != nil {
		return nil, err
	}

	ok, err := vmCfg.Validate()
	if !ok || err != nil {
		return nil, fmt.Errorf("vz: invalid configuration: %w", err)
	}

	vm, err := vz.NewVirtualMachine(vmCfg)
	if err != nil {
		return nil, fmt.Errorf("vz: create VM: %w", err)
	}

	e := &vzEngine{
		vm:      vm,
		state:   StateCreating,
		onState: onState,
		reqs:    make(chan func()),
		quit:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	go e.loop()
	if err := e.exec(ctx, func() error {
		e.setState(StateCreated)
		return nil
	}); err != nil {
		return nil, err
	}
	go e.watch()
	return e, nil
}

func configureNetwork(vmCfg *vz.VirtualMachineConfiguration, nics []NetworkDevice) error {
	var devices []*vz.VirtioNetworkDeviceConfiguration
	for _, nic := range nics {
		if nic.Attachment != "nat" {
			continue
		}
		natAttachment, err := vz.NewNATNetworkDeviceAttachment()
		if err != nil {
			return fmt.Errorf("vz: create NAT attachment: %w", err)
		}
		netConfig, err := vz.NewVirtioNetworkDeviceConfiguration(natAttachment)
		if err != nil {
			return fmt.Errorf("vz: create network config: %w", err)
		}

		var macAddr *vz.MACAddress
		if nic.MAC != "" {
			hwAddr, err := net.ParseMAC(nic.MAC)
			if err != nil {
				return fmt.Errorf("vz: parse MAC address: %w", err)
			}
			macAddr, err = vz.NewMACAddress(hwAddr)
			if err != nil {
				return fmt.Errorf("vz: create MAC address: %w", err)
			}
		} else {
			macAddr, err = vz.NewRandomLocallyAdministeredMACAddress()
			if err != nil {
				return fmt.Errorf("vz: generate random MAC: %w", err)
			}
		}
		netConfig.SetMACAddress(macAddr)
		devices = append(devices, netConfig)
	}
	if len(devices) > 0 {
		vmCfg.SetNetworkDevicesVirtualMachineConfiguration(devices)
	}
	return nil
}

func configureStorage(vmCfg *vz.VirtualMachineConfiguration, disks []StorageDevice) error {
	var devices []vz.StorageDeviceConfiguration
	for _, d := range disks {
		if d.Medium == "" {
			continue
		}
		attachment, err := vz.NewDiskImageStorageDeviceAttachment(d.Medium, d.ReadOnly)
		if err != nil {
			return fmt.Errorf("vz: create disk attachment %s: %w", d.Medium, err)
		}
		blockDevice, err := vz.NewVirtioBlockDeviceConfiguration(attachment)
		if err != nil {
			return fmt.Errorf("vz: create block device: %w", err)
		}
		devices = append(devices, blockDevice)
	}
	if len(devices) > 0 {
		vmCfg.SetStorageDevicesVirtualMachineConfiguration(devices)
	}
	return nil
}

func configureSharedDirs(vmCfg *vz.VirtualMachineConfiguration, cfg *VMConfig) error {
	if len(cfg.SharedDirs) == 0 {
		return nil
	}
	var fsDevices []vz.DirectorySharingDeviceConfiguration
	for tag, hostPath := range cfg.SharedDirs {
		sharedDir, err := vz.NewSharedDirectory(hostPath, cfg.SharedDirsReadOnly[tag])
		if err != nil {
			return fmt.Errorf("vz: create shared dir %s: %w", tag, err)
		}
		dirShare, err := vz.NewSingleDirectoryShare(sharedDir)
		if err != nil {
			return fmt.Errorf("vz: create dir share %s: %w", tag, err)
		}
		fsConfig, err := vz.NewVirtioFileSystemDeviceConfiguration(tag)
		if err != nil {
			return fmt.Errorf("vz: create fs config %s: %w", tag, err)
		}
		fsConfig.SetDirectoryShare(dirShare)
		fsDevices = append(fsDevices, fsConfig)
	}
	vmCfg.SetDirectorySharingDevicesVirtualMachineConfiguration(fsDevices)
	return nil
}

// vzEngine serializes framework calls and state notifications on one
// locked OS thread.
type vzEngine struct {
	mu      sync.Mutex
	vm      *vz.VirtualMachine
	state   State
	onState StateFunc
	units   []Unit

	reqs   chan func()
	quit   chan struct{}
	exited chan struct{}
	once   sync.Once
}

func (e *vzEngine) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(e.exited)

	for {
		select {
		case fn := <-e.reqs:
			fn()
		case <-e.quit:
			return
		}
	}
}

// watch forwards framework state changes onto the execution thread.
func (e *vzEngine) watch() {
	for {
		select {
		case vs, ok := <-e.vm.StateChangedNotify():
			if !ok {
				return
			}
			next := fromVZState(vs)
			_ = e.exec(context.Background(), func() error {
				e.setState(next)
				return nil
			})
		case <-e.quit:
			return
		}
	}
}

func fromVZState(vs vz.VirtualMachineState) State {
	switch vs {
	case vz.VirtualMachineStateStopped:
		return StateOff
	case vz.VirtualMachineStateRunning:
		return StateRunning
	case vz.VirtualMachineStatePaused:
		return StateSuspended
	case vz.VirtualMachineStateError:
		return StateFatalError
	case vz.VirtualMachineStateStarting:
		return StatePoweringOn
	case vz.VirtualMachineStatePausing:
		return StateSuspending
	case vz.VirtualMachineStateResuming:
		return StateResuming
	case vz.VirtualMachineStateStopping:
		return StatePoweringOff
	case vz.VirtualMachineStateSaving:
		return StateSaving
	case vz.VirtualMachineStateRestoring:
		return StateLoading
	default:
		return StateFatalError
	}
}

func (e *vzEngine) exec(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	select {
	case e.reqs <- func() { done <- fn() }:
	case <-e.exited:
		return ErrDestroyed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-done
}

func (e *vzEngine) setState(next State) {
	e.mu.Lock()
	old := e.state
	if old == next {
		e.mu.Unlock()
		return
	}
	e.state = next
	cb := e.onState
	e.mu.Unlock()
	if cb != nil {
		cb(old, next)
	}
}

func (e *vzEngine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *vzEngine) PowerOn(ctx context.Context) error {
	return e.exec(ctx, func() error {
		if err := e.vm.Start(); err != nil {
			return fmt.Errorf("vz: start VM: %w", err)
		}
		return nil
	})
}

func (e *vzEngine) PowerOff(ctx context.Context) error {
	return e.exec(ctx, func() error {
		if !e.vm.CanStop() {
			return ErrInvalidState
		}
		if err := e.vm.Stop(); err != nil {
			return fmt.Errorf("vz: force stop: %w", err)
		}
		return nil
	})
}

func (e *vzEngine) Suspend(ctx context.Context, reason SuspendReason) error {
	return e.exec(ctx, func() error {
		if err := e.vm.Pause(); err != nil {
			return fmt.Errorf("vz: pause (%s): %w", reason, err)
		}
		return nil
	})
}

func (e *vzEngine) Resume(ctx context.Context, reason ResumeReason) error {
	return e.exec(ctx, func() error {
		if err := e.vm.Resume(); err != nil {
			return fmt.Errorf("vz: resume (%s): %w", reason, err)
		}
		return nil
	})
}

func (e *vzEngine) Reset(ctx context.Context) error {
	return ErrUnsupported
}

func (e *vzEngine) Destroy() error {
	var err error
	e.once.Do(func() {
		err = e.exec(context.Background(), func() error {
			e.setState(StateDestroying)
			e.setState(StateTerminated)
			return nil
		})
		close(e.quit)
		<-e.exited
	})
	return err
}

func (e *vzEngine) Call(ctx context.Context, fn func(Devices) error) error {
	return e.exec(ctx, func() error {
		return fn(fixedDevices{})
	})
}

func (e *vzEngine) RegisterUnit(u Unit) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.units {
		if existing.Name == u.Name && existing.Instance == u.Instance {
			return ErrUnitRegistered
		}
	}
	e.units = append(e.units, u)
	return nil
}

func (e *vzEngine) SaveState(ctx context.Context, path string) error {
	return e.exec(ctx, func() error {
		if err := e.vm.SaveMachineStateToPath(path + ".vzvmsave"); err != nil {
			return fmt.Errorf("vz: save machine state: %w", err)
		}
		return SaveUnits(path, e.registeredUnits())
	})
}

func (e *vzEngine) LoadState(ctx context.Context, path string) error {
	return e.exec(ctx, func() error {
		if err := e.vm.RestoreMachineStateFromURL(path + ".vzvmsave"); err != nil {
			e.setState(StateLoadFailure)
			return fmt.Errorf("vz: restore machine state: %w", err)
		}
		if err := LoadUnits(path, e.registeredUnits()); err != nil {
			e.setState(StateLoadFailure)
			return err
		}
		return nil
	})
}

func (e *vzEngine) registeredUnits() []Unit {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Unit(nil), e.units...)
}

func (e *vzEngine) TeleportIn(ctx context.Context, target TeleportTarget) error {
	return ErrUnsupported
}

func (e *vzEngine) RequestCPUUnplug(cpu int) error {
	return ErrUnsupported
}

func (e *vzEngine) CPUUnplugReady(cpu int) (bool, error) {
	return false, ErrUnsupported
}

// fixedDevices rejects runtime changes: the framework fixes the device set
// when the VM is created.
type fixedDevices struct{}

func (fixedDevices) AttachStorage(StorageDevice) error               { return ErrUnsupported }
func (fixedDevices) DetachStorage(StorageDevice) error               { return ErrUnsupported }
func (fixedDevices) MountMedium(StorageDevice) error                 { return ErrUnsupported }
func (fixedDevices) UnmountMedium(StorageDevice, bool) error         { return ErrUnsupported }
func (fixedDevices) MediumLocked(StorageDevice) bool                 { return false }
func (fixedDevices) SetDiskKey(StorageDevice, []byte) error          { return ErrUnsupported }
func (fixedDevices) MergeMedium(StorageDevice, string, string) error { return ErrUnsupported }
func (fixedDevices) SetNetwork(NetworkDevice) error                  { return ErrUnsupported }
func (fixedDevices) SetLinkState(NetworkDevice, bool) error          { return ErrUnsupported }
func (fixedDevices) PlugCPU(int) error                               { return ErrUnsupported }
func (fixedDevices) UnplugCPU(int) error                             { return ErrUnsupported }
func (fixedDevices) SetSerial(SerialDevice) error                    { return ErrUnsupported }
