// Package config provides configuration management for vmconsole.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds platform-specific directory paths for vmconsole.
type Paths struct {
	// ConfigDir is the directory for configuration files.
	// macOS: ~/Library/Application Support/vmconsole
	// Linux: ~/.config/vmconsole (or XDG_CONFIG_HOME)
	ConfigDir string

	// DataDir holds machine records and saved states.
	// All platforms: ~/.vmconsole
	DataDir string

	// LogDir holds per-VM release logs.
	LogDir string

	// ConfigFile is the path to the main config file.
	ConfigFile string
}

// GetPaths returns platform-aware paths for vmconsole.
func GetPaths() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	p := &Paths{}
	p.DataDir = filepath.Join(home, ".vmconsole")
	p.LogDir = filepath.Join(p.DataDir, "logs")

	switch runtime.GOOS {
	case "darwin":
		p.ConfigDir = filepath.Join(home, "Library", "Application Support", "vmconsole")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			p.ConfigDir = filepath.Join(xdgConfig, "vmconsole")
		} else {
			p.ConfigDir = filepath.Join(home, ".config", "vmconsole")
		}
	}

	p.ConfigFile = filepath.Join(p.DataDir, "config.yaml")
	return p, nil
}

// EnsureDirectories creates the config, data and log directories.
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.ConfigDir, p.DataDir, p.LogDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
