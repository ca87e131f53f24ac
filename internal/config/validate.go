package config

import (
	"fmt"
	"strings"

	"github.com/javanstorm/vmconsole/pkg/hypervisor"
)

// ValidationError represents a configuration issue.
type ValidationError struct {
	Field   string
	Message string
	Fatal   bool // true = can't proceed, false = will be ignored
}

var (
	validBuses = map[string]bool{
		BusIDE: true, BusSATA: true, BusSCSI: true, BusSAS: true,
		BusFloppy: true, BusUSB: true, BusVirtioSCSI: true, BusNVMe: true,
	}
	validMedia = map[string]bool{
		MediumHardDisk: true, MediumDVD: true, MediumFloppy: true,
	}
	validAttachments = map[string]bool{
		AttachNull: true, AttachNAT: true, AttachBridged: true, AttachInternal: true,
		AttachHostOnly: true, AttachGeneric: true, AttachNATNetwork: true,
	}
	validSerialModes = map[string]bool{
		SerialDisconnected: true, SerialHostPipe: true, SerialHostDevice: true,
		SerialRawFile: true, SerialTCP: true,
	}
)

// ValidateMachine checks a machine definition against engine capabilities.
// Returns a list of validation errors/warnings.
func ValidateMachine(m *Machine, caps hypervisor.Capabilities) []ValidationError {
	var errs []ValidationError
	fatal := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Fatal: true})
	}
	warn := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if m.Name == "" {
		fatal("Name", "machine name is required")
	}
	if m.CPUs < 1 {
		fatal("CPUs", "at least one CPU is required")
	}
	if m.MaxCPUs < m.CPUs {
		fatal("MaxCPUs", "max_cpus (%d) is below cpus (%d)", m.MaxCPUs, m.CPUs)
	}

	controllers := make(map[string]bool)
	for i, c := range m.Controllers {
		field := fmt.Sprintf("Controllers[%d]", i)
		if !validBuses[c.Bus] {
			fatal(field, "unknown bus %q", c.Bus)
		}
		if controllers[c.Name] {
			fatal(field, "duplicate controller %q", c.Name)
		}
		controllers[c.Name] = true
	}

	slots := make(map[string]bool)
	for i, a := range m.Attachments {
		field := fmt.Sprintf("Attachments[%d]", i)
		if !controllers[a.Controller] {
			fatal(field, "unknown controller %q", a.Controller)
		}
		if !validMedia[a.Type] {
			fatal(field, "unknown medium type %q", a.Type)
		}
		slot := fmt.Sprintf("%s/%d/%d", a.Controller, a.Port, a.Device)
		if slots[slot] {
			fatal(field, "slot %s used twice", slot)
		}
		slots[slot] = true
		if a.KeyID != "" {
			if a.Type != MediumHardDisk {
				fatal(field, "only hard disks can be encrypted")
			} else if _, ok := m.KeyStores[a.KeyID]; !ok {
				fatal(field, "no key store for key id %q", a.KeyID)
			}
		}
	}

	if len(m.SharedFolders) > 0 && !caps.SharedDirs {
		warn("SharedFolders", "Shared folders not supported by this engine")
	}

	for i, n := range m.Network {
		field := fmt.Sprintf("Network[%d]", i)
		if !validAttachments[n.Attachment] {
			fatal(field, "unknown attachment %q", n.Attachment)
		}
		if (n.Attachment == AttachBridged || n.Attachment == AttachHostOnly) && n.HostInterface == "" {
			fatal(field, "%s attachment needs a host interface", n.Attachment)
		}
		if n.Enabled && !caps.Networking {
			warn(field, "Networking not supported by this engine")
		}
	}

	for i, s := range m.Serial {
		field := fmt.Sprintf("Serial[%d]", i)
		if !validSerialModes[s.Mode] {
			fatal(field, "unknown serial mode %q", s.Mode)
		}
		if s.Mode != SerialDisconnected && s.Path == "" {
			fatal(field, "serial mode %s needs a path", s.Mode)
		}
	}

	if m.Teleporter.Enabled && !caps.Teleport {
		fatal("Teleporter", "incoming teleport not supported by this engine")
	}
	if m.SavedState != "" && !caps.Snapshots {
		fatal("SavedState", "saved states not supported by this engine")
	}
	if m.MaxCPUs > m.CPUs && !caps.HotPlug {
		warn("MaxCPUs", "CPU hot-plug not supported by this engine")
	}

	return errs
}

// HasFatal reports whether any error is fatal.
func HasFatal(errs []ValidationError) bool {
	for _, e := range errs {
		if e.Fatal {
			return true
		}
	}
	return false
}

// FormatValidationErrors returns human-readable error summary.
func FormatValidationErrors(errors []ValidationError) string {
	if len(errors) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Configuration warnings:\n")
	for _, e := range errors {
		prefix := "Warning"
		if e.Fatal {
			prefix = "Error"
		}
		fmt.Fprintf(&b, "  %s [%s]: %s\n", prefix, e.Field, e.Message)
	}
	return b.String()
}
