// Package device enumerates and opens hardware MIDI output ports
package device

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupportedDriver is returned when the requested backend is unknown
	// or not available on this platform.
	ErrUnsupportedDriver = errors.New("unsupported MIDI driver")
	// ErrNoSuchPort is returned by Open when no port has the given index.
	ErrNoSuchPort = errors.New("no such MIDI output port")
)

// Endpoint describes one visible hardware output port. The index is only
// valid for the enumeration that produced it.
type Endpoint struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

// Handle is an opened output port
type Handle interface {
	Send(data []byte) error
	Close() error
}

// Registry enumerates output ports and opens them by index
type Registry interface {
	// Enumerate returns the current output ports ordered by ascending index.
	Enumerate() ([]Endpoint, error)
	Open(index int) (Handle, error)
	// Close releases the underlying driver.
	Close() error
}

// Driver names accepted by New
const (
	DriverRtMidi   = "rtmidi"
	DriverCoreMIDI = "coremidi"
)

// New creates a registry for the named backend
func New(driver string) (Registry, error) {
	switch strings.ToLower(driver) {
	case "", DriverRtMidi:
		return NewRtMidi()
	case DriverCoreMIDI:
		return NewCoreMIDI("netmidi2usb")
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}
}

// FindByName returns the first endpoint, in ascending index order, whose
// name contains substr. Matching is case-sensitive.
func FindByName(endpoints []Endpoint, substr string) (Endpoint, bool) {
	var (
		found Endpoint
		ok    bool
	)
	for _, ep := range endpoints {
		if !strings.Contains(ep.Name, substr) {
			continue
		}
		if !ok || ep.Index < found.Index {
			found, ok = ep, true
		}
	}
	return found, ok
}

// Close closes h. A nil handle is a no-op.
func Close(h Handle) error {
	if h == nil {
		return nil
	}
	return h.Close()
}
