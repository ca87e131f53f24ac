package hypervisor

import "runtime"

// SupportedPlatform returns true if the current platform has a native engine.
func SupportedPlatform() bool {
	return runtime.GOOS == "darwin"
}

// NewPlatform creates the native engine for the current platform.
// This function is implemented in platform-specific files using build tags.
// See vz_darwin.go and platform_other.go.
