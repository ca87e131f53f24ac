package simvm

import (
	"fmt"
	"sync"

	"github.com/javanstorm/vmconsole/pkg/hypervisor"
)

type storageKey struct {
	driver   string
	instance int
	port     int
	device   int
}

func keyOf(d hypervisor.StorageDevice) storageKey {
	return storageKey{d.Driver, d.Instance, d.Port, d.Device}
}

// deviceTree is the simulated virtual hardware. Mutations arrive on the
// execution goroutine; inspection comes from test goroutines.
type deviceTree struct {
	mu      sync.Mutex
	maxCPUs int
	disks   map[storageKey]hypervisor.StorageDevice
	locked  map[storageKey]bool
	keys    map[storageKey][]byte
	nics    map[int]hypervisor.NetworkDevice
	serials map[int]hypervisor.SerialDevice
	cpus    map[int]bool
	merges  []string
}

func newDeviceTree(cfg *hypervisor.VMConfig) *deviceTree {
	t := &deviceTree{
		maxCPUs: cfg.MaxCPUs,
		disks:   make(map[storageKey]hypervisor.StorageDevice),
		locked:  make(map[storageKey]bool),
		keys:    make(map[storageKey][]byte),
		nics:    make(map[int]hypervisor.NetworkDevice),
		serials: make(map[int]hypervisor.SerialDevice),
		cpus:    make(map[int]bool),
	}
	for _, d := range cfg.Storage {
		t.disks[keyOf(d)] = d
	}
	for _, n := range cfg.Network {
		t.nics[n.Instance] = n
	}
	for _, s := range cfg.Serial {
		t.serials[s.Instance] = s
	}
	for i := 0; i < cfg.CPUs; i++ {
		t.cpus[i] = true
	}
	return t
}

func (t *deviceTree) storage(d hypervisor.StorageDevice) (hypervisor.StorageDevice, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	got, ok := t.disks[keyOf(d)]
	return got, ok
}

func (t *deviceTree) diskKey(d hypervisor.StorageDevice) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.keys[keyOf(d)]...)
}

func (t *deviceTree) network(instance int) (hypervisor.NetworkDevice, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nics[instance]
	return n, ok
}

func (t *deviceTree) serial(instance int) (hypervisor.SerialDevice, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.serials[instance]
	return s, ok
}

func (t *deviceTree) cpuPlugged(cpu int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cpus[cpu]
}

func (t *deviceTree) cpuList() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedKeys(t.cpus)
}

func (t *deviceTree) mergeList() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.merges...)
}

func (t *deviceTree) setLocked(d hypervisor.StorageDevice, locked bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if locked {
		t.locked[keyOf(d)] = true
	} else {
		delete(t.locked, keyOf(d))
	}
}

func (t *deviceTree) unlockAll() {
	t.mu.Lock()
	clear(t.locked)
	t.mu.Unlock()
}

// devices is the Devices view handed to a Call.
type devices struct {
	m *Machine
}

func (d *devices) tree() *deviceTree { return d.m.dev }

func (d *devices) AttachStorage(s hypervisor.StorageDevice) error {
	if err := d.m.h.fault(OpAttachStorage); err != nil {
		return err
	}
	t := d.tree()
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.disks[keyOf(s)]; ok {
		return fmt.Errorf("attach %s/%d/%d: %w", s.Driver, s.Port, s.Device, hypervisor.ErrDeviceBusy)
	}
	t.disks[keyOf(s)] = s
	return nil
}

func (d *devices) DetachStorage(s hypervisor.StorageDevice) error {
	if err := d.m.h.fault(OpDetachStorage); err != nil {
		return err
	}
	t := d.tree()
	t.mu.Lock()
	defer t.mu.Unlock()
	k := keyOf(s)
	if _, ok := t.disks[k]; !ok {
		return hypervisor.ErrNoSuchDevice
	}
	delete(t.disks, k)
	delete(t.keys, k)
	delete(t.locked, k)
	return nil
}

func (d *devices) MountMedium(s hypervisor.StorageDevice) error {
	if err := d.m.h.fault(OpMountMedium); err != nil {
		return err
	}
	t := d.tree()
	t.mu.Lock()
	defer t.mu.Unlock()
	k := keyOf(s)
	cur, ok := t.disks[k]
	if !ok {
		return hypervisor.ErrNoSuchDevice
	}
	if cur.Medium != "" && t.locked[k] {
		return hypervisor.ErrMediumLocked
	}
	t.disks[k] = s
	return nil
}

func (d *devices) UnmountMedium(s hypervisor.StorageDevice, force bool) error {
	if err := d.m.h.fault(OpUnmountMedium); err != nil {
		return err
	}
	t := d.tree()
	t.mu.Lock()
	defer t.mu.Unlock()
	k := keyOf(s)
	cur, ok := t.disks[k]
	if !ok {
		return hypervisor.ErrNoSuchDevice
	}
	if t.locked[k] && !force {
		return hypervisor.ErrMediumLocked
	}
	cur.Medium = ""
	t.disks[k] = cur
	delete(t.locked, k)
	return nil
}

func (d *devices) MediumLocked(s hypervisor.StorageDevice) bool {
	t := d.tree()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.locked[keyOf(s)]
}

func (d *devices) SetDiskKey(s hypervisor.StorageDevice, key []byte) error {
	if err := d.m.h.fault(OpSetDiskKey); err != nil {
		return err
	}
	t := d.tree()
	t.mu.Lock()
	defer t.mu.Unlock()
	k := keyOf(s)
	if _, ok := t.disks[k]; !ok {
		return hypervisor.ErrNoSuchDevice
	}
	t.keys[k] = append([]byte(nil), key...)
	return nil
}

func (d *devices) MergeMedium(s hypervisor.StorageDevice, source, target string) error {
	if err := d.m.h.fault(OpMergeMedium); err != nil {
		return err
	}
	t := d.tree()
	t.mu.Lock()
	defer t.mu.Unlock()
	k := keyOf(s)
	cur, ok := t.disks[k]
	if !ok {
		return hypervisor.ErrNoSuchDevice
	}
	if cur.Medium == source {
		cur.Medium = target
		t.disks[k] = cur
	}
	t.merges = append(t.merges, source+"->"+target)
	return nil
}

func (d *devices) SetNetwork(n hypervisor.NetworkDevice) error {
	if err := d.m.h.fault(OpSetNetwork); err != nil {
		return err
	}
	t := d.tree()
	t.mu.Lock()
	t.nics[n.Instance] = n
	t.mu.Unlock()
	return nil
}

func (d *devices) SetLinkState(n hypervisor.NetworkDevice, up bool) error {
	if err := d.m.h.fault(OpSetLinkState); err != nil {
		return err
	}
	t := d.tree()
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.nics[n.Instance]
	if !ok {
		return hypervisor.ErrNoSuchDevice
	}
	cur.CableUp = up
	t.nics[n.Instance] = cur
	return nil
}

func (d *devices) PlugCPU(cpu int) error {
	if err := d.m.h.fault(OpPlugCPU); err != nil {
		return err
	}
	t := d.tree()
	t.mu.Lock()
	defer t.mu.Unlock()
	if cpu < 0 || cpu >= t.maxCPUs {
		return hypervisor.ErrNoSuchDevice
	}
	if t.cpus[cpu] {
		return hypervisor.ErrDeviceBusy
	}
	t.cpus[cpu] = true
	return nil
}

func (d *devices) UnplugCPU(cpu int) error {
	if err := d.m.h.fault(OpUnplugCPU); err != nil {
		return err
	}
	t := d.tree()
	t.mu.Lock()
	defer t.mu.Unlock()
	if cpu == 0 {
		return hypervisor.ErrCPUInUse
	}
	if !t.cpus[cpu] {
		return hypervisor.ErrNoSuchDevice
	}
	delete(t.cpus, cpu)
	return nil
}

func (d *devices) SetSerial(s hypervisor.SerialDevice) error {
	if err := d.m.h.fault(OpSetSerial); err != nil {
		return err
	}
	t := d.tree()
	t.mu.Lock()
	t.serials[s.Instance] = s
	t.mu.Unlock()
	return nil
}
