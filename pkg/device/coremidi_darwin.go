//go:build darwin
// +build darwin

package device

import (
	"fmt"

	"github.com/youpy/go-coremidi"
)

// CoreMIDIRegistry sends to CoreMIDI destinations through a single output port
type CoreMIDIRegistry struct {
	client coremidi.Client
	port   coremidi.OutputPort
}

// NewCoreMIDI creates a CoreMIDI client and output port named after clientName
func NewCoreMIDI(clientName string) (Registry, error) {
	client, err := coremidi.NewClient(clientName)
	if err != nil {
		return nil, fmt.Errorf("failed to create CoreMIDI client: %w", err)
	}
	port, err := coremidi.NewOutputPort(client, clientName+" Output")
	if err != nil {
		return nil, fmt.Errorf("failed to create CoreMIDI output port: %w", err)
	}
	return &CoreMIDIRegistry{client: client, port: port}, nil
}

// Enumerate lists CoreMIDI destinations; the index is the position in the
// destination list.
func (r *CoreMIDIRegistry) Enumerate() ([]Endpoint, error) {
	destinations, err := coremidi.AllDestinations()
	if err != nil {
		return nil, fmt.Errorf("error listing MIDI destinations: %w", err)
	}
	endpoints := make([]Endpoint, len(destinations))
	for i, d := range destinations {
		endpoints[i] = Endpoint{Index: i, Name: d.Name()}
	}
	return endpoints, nil
}

// Open binds the destination at index. CoreMIDI destinations need no explicit
// open, so the returned handle only guards against sends after Close.
func (r *CoreMIDIRegistry) Open(index int) (Handle, error) {
	destinations, err := coremidi.AllDestinations()
	if err != nil {
		return nil, fmt.Errorf("error listing MIDI destinations: %w", err)
	}
	if index < 0 || index >= len(destinations) {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchPort, index)
	}
	destination := destinations[index]
	send := func(data []byte) error {
		packet := coremidi.NewPacket(data, 0)
		return packet.Send(&r.port, &destination)
	}
	return newHandle(send, nil), nil
}

func (r *CoreMIDIRegistry) Close() error {
	return nil
}
