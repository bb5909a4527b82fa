// Package utils holds small helpers shared by examples and tests.
package utils

import (
	"fmt"

	"github.com/notargets/gocca"
)

// CreateTestDevice creates a Device for testing, preferring parallel backends
func CreateTestDevice() *gocca.OCCADevice {
	backends := []string{
		`{"mode": "OpenMP"}`,
		`{"mode": "CUDA", "device_id": 0}`,
		`{"mode": "Serial"}`,
	}

	for _, props := range backends {
		device, err := gocca.NewDevice(props)
		if err == nil {
			fmt.Printf("Created %s Device\n", device.Mode())
			return device
		}
	}

	// Should not reach here
	panic("Failed to create any Device")
}

// CreateDevice creates a device for the configured backend mode. An
// empty mode selects the host-only path (no device at all).
func CreateDevice(mode string) (*gocca.OCCADevice, error) {
	if mode == "" {
		return nil, nil
	}
	props := fmt.Sprintf(`{"mode": %q}`, mode)
	if mode == "CUDA" {
		props = `{"mode": "CUDA", "device_id": 0}`
	}
	device, err := gocca.NewDevice(props)
	if err != nil {
		return nil, fmt.Errorf("utils: creating %s device: %w", mode, err)
	}
	return device, nil
}
