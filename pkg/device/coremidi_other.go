//go:build !darwin
// +build !darwin

package device

import "fmt"

// NewCoreMIDI is only available on macOS.
func NewCoreMIDI(clientName string) (Registry, error) {
	return nil, fmt.Errorf("%w: coremidi is only available on darwin", ErrUnsupportedDriver)
}
