package console

import (
	"fmt"

	"github.com/javanstorm/vmconsole/internal/config"
)

// Bus is a storage controller bus type.
type Bus int

const (
	BusIDE Bus = iota
	BusSATA
	BusSCSI
	BusSAS
	BusFloppy
	BusUSB
	BusVirtioSCSI
	BusNVMe
	busCount
)

var busNames = [busCount]string{
	BusIDE:        config.BusIDE,
	BusSATA:       config.BusSATA,
	BusSCSI:       config.BusSCSI,
	BusSAS:        config.BusSAS,
	BusFloppy:     config.BusFloppy,
	BusUSB:        config.BusUSB,
	BusVirtioSCSI: config.BusVirtioSCSI,
	BusNVMe:       config.BusNVMe,
}

// busDrivers maps each bus to the engine device driver that emulates its
// controller.
var busDrivers = [busCount]string{
	BusIDE:        "piix3ide",
	BusSATA:       "ahci",
	BusSCSI:       "lsilogicscsi",
	BusSAS:        "lsilogicsas",
	BusFloppy:     "i82078",
	BusUSB:        "Msd",
	BusVirtioSCSI: "virtio-scsi",
	BusNVMe:       "nvme",
}

func (b Bus) String() string {
	if b < 0 || b >= busCount {
		return fmt.Sprintf("Bus(%d)", int(b))
	}
	return busNames[b]
}

// Driver returns the device driver name for the bus. An unknown bus is a
// programming error.
func (b Bus) Driver() string {
	if b < 0 || b >= busCount {
		panic(fmt.Sprintf("console: no driver for bus %d", int(b)))
	}
	return busDrivers[b]
}

// ParseBus converts a machine definition bus name.
func ParseBus(name string) (Bus, error) {
	for b, n := range busNames {
		if n == name {
			return Bus(b), nil
		}
	}
	return 0, fmt.Errorf("bus %q: %w", name, ErrNotFound)
}

// Network adapter and serial port drivers.
const (
	networkDriver = "virtio-net"
	serialDriver  = "serial"
)
