//go:build !darwin

package hypervisor

// NewPlatform returns an error on platforms without a native engine.
func NewPlatform() (Hypervisor, error) {
	return nil, ErrUnsupportedPlatform
}
