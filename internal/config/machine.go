package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Storage bus names accepted in machine definitions.
const (
	BusIDE        = "ide"
	BusSATA       = "sata"
	BusSCSI       = "scsi"
	BusSAS        = "sas"
	BusFloppy     = "floppy"
	BusUSB        = "usb"
	BusVirtioSCSI = "virtio-scsi"
	BusNVMe       = "nvme"
)

// Medium types.
const (
	MediumHardDisk = "hdd"
	MediumDVD      = "dvd"
	MediumFloppy   = "floppy"
)

// Network attachment types.
const (
	AttachNull       = "null"
	AttachNAT        = "nat"
	AttachBridged    = "bridged"
	AttachInternal   = "internal"
	AttachHostOnly   = "host-only"
	AttachGeneric    = "generic"
	AttachNATNetwork = "nat-network"
)

// Serial port modes.
const (
	SerialDisconnected = "disconnected"
	SerialHostPipe     = "host-pipe"
	SerialHostDevice   = "host-device"
	SerialRawFile      = "raw-file"
	SerialTCP          = "tcp"
)

// Machine is a VM definition loaded from YAML.
type Machine struct {
	Name     string `yaml:"name"`
	CPUs     int    `yaml:"cpus"`
	MaxCPUs  int    `yaml:"max_cpus,omitempty"`
	MemoryMB int    `yaml:"memory_mb"`
	Kernel   string `yaml:"kernel"`
	Initrd   string `yaml:"initrd,omitempty"`
	Cmdline  string `yaml:"cmdline,omitempty"`

	Controllers   []Controller   `yaml:"controllers,omitempty"`
	Attachments   []Attachment   `yaml:"attachments,omitempty"`
	Network       []NIC          `yaml:"network,omitempty"`
	Serial        []SerialPort   `yaml:"serial,omitempty"`
	SharedFolders []SharedFolder `yaml:"shared_folders,omitempty"`
	Teleporter    Teleporter     `yaml:"teleporter,omitempty"`

	// SavedState is the saved-state file the VM restores from.
	SavedState string `yaml:"saved_state,omitempty"`

	// StartPaused leaves the VM paused after power up.
	StartPaused bool `yaml:"start_paused,omitempty"`

	// KeyStores maps encryption key ids to encoded key store descriptors.
	KeyStores map[string]string `yaml:"key_stores,omitempty"`
}

// Controller is a storage controller.
type Controller struct {
	Name     string `yaml:"name"`
	Bus      string `yaml:"bus"`
	Instance int    `yaml:"instance,omitempty"`
}

// Attachment places a medium on a controller port.
type Attachment struct {
	Controller    string `yaml:"controller"`
	Port          int    `yaml:"port"`
	Device        int    `yaml:"device,omitempty"`
	Type          string `yaml:"type"`
	Medium        string `yaml:"medium,omitempty"`
	KeyID         string `yaml:"key_id,omitempty"`
	NonRotational bool   `yaml:"non_rotational,omitempty"`
	HotPluggable  bool   `yaml:"hot_pluggable,omitempty"`
	AutoReset     bool   `yaml:"auto_reset,omitempty"`
	ReadOnly      bool   `yaml:"read_only,omitempty"`
}

// NIC is a network adapter slot.
type NIC struct {
	Slot           int    `yaml:"slot"`
	Enabled        bool   `yaml:"enabled"`
	Attachment     string `yaml:"attachment"`
	HostInterface  string `yaml:"host_interface,omitempty"`
	MAC            string `yaml:"mac,omitempty"`
	CableConnected bool   `yaml:"cable_connected"`
}

// SerialPort is a serial port slot.
type SerialPort struct {
	Slot    int    `yaml:"slot"`
	Enabled bool   `yaml:"enabled"`
	Mode    string `yaml:"mode"`
	Path    string `yaml:"path,omitempty"`
	Server  bool   `yaml:"server,omitempty"`
}

// SharedFolder exposes a host directory to the guest.
type SharedFolder struct {
	Name      string `yaml:"name"`
	HostPath  string `yaml:"host_path"`
	Writable  bool   `yaml:"writable,omitempty"`
	AutoMount bool   `yaml:"auto_mount,omitempty"`
}

// Teleporter configures an incoming live migration.
type Teleporter struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	Address  string `yaml:"address,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// ParseMachine decodes a machine definition and applies defaults.
func ParseMachine(data []byte) (*Machine, error) {
	var m Machine
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse machine: %w", err)
	}
	if m.MaxCPUs == 0 {
		m.MaxCPUs = m.CPUs
	}
	for i := range m.Serial {
		if m.Serial[i].Mode == "" {
			m.Serial[i].Mode = SerialDisconnected
		}
	}
	for i := range m.Network {
		if m.Network[i].Attachment == "" {
			m.Network[i].Attachment = AttachNull
		}
	}
	return &m, nil
}

// LoadMachine reads a machine definition file.
func LoadMachine(path string) (*Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read machine: %w", err)
	}
	return ParseMachine(data)
}

// Controller returns the controller with the given name.
func (m *Machine) Controller(name string) (Controller, bool) {
	for _, c := range m.Controllers {
		if c.Name == name {
			return c, true
		}
	}
	return Controller{}, false
}

// EncryptedDisks counts disk attachments per key id.
func (m *Machine) EncryptedDisks() map[string]int {
	refs := make(map[string]int)
	for _, a := range m.Attachments {
		if a.KeyID != "" && a.Type == MediumHardDisk {
			refs[a.KeyID]++
		}
	}
	return refs
}
