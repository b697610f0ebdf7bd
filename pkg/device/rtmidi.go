package device

import (
	"fmt"
	"sort"

	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

// DriverRegistry exposes the output ports of a gomidi driver
type DriverRegistry struct {
	drv drivers.Driver
}

// NewRtMidi opens the rtmidi driver (ALSA, CoreMIDI or WinMM underneath)
func NewRtMidi() (*DriverRegistry, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create rtmidi driver: %w", err)
	}
	return NewDriverRegistry(drv), nil
}

// NewDriverRegistry wraps an already created gomidi driver
func NewDriverRegistry(drv drivers.Driver) *DriverRegistry {
	return &DriverRegistry{drv: drv}
}

// Enumerate lists the driver's output ports
func (r *DriverRegistry) Enumerate() ([]Endpoint, error) {
	outs, err := r.drv.Outs()
	if err != nil {
		return nil, fmt.Errorf("failed to list MIDI outputs: %w", err)
	}
	endpoints := make([]Endpoint, 0, len(outs))
	for _, out := range outs {
		endpoints = append(endpoints, Endpoint{Index: out.Number(), Name: out.String()})
	}
	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].Index < endpoints[j].Index })
	return endpoints, nil
}

// Open opens the output port with the given index
func (r *DriverRegistry) Open(index int) (Handle, error) {
	outs, err := r.drv.Outs()
	if err != nil {
		return nil, fmt.Errorf("failed to list MIDI outputs: %w", err)
	}
	for _, out := range outs {
		if out.Number() != index {
			continue
		}
		if err := out.Open(); err != nil {
			return nil, fmt.Errorf("failed to open %q: %w", out.String(), err)
		}
		return newHandle(out.Send, out.Close), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrNoSuchPort, index)
}

// Close closes the driver and every port it opened
func (r *DriverRegistry) Close() error {
	return r.drv.Close()
}
