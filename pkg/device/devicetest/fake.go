// Package devicetest provides an in-memory MIDI output registry for tests
package devicetest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/james-see/netmidi2usb/pkg/device"
)

// Registry is a device.Registry whose ports are plain data
type Registry struct {
	mu        sync.Mutex
	endpoints []device.Endpoint
	enumErr   error
	openErr   error
	open      map[int]bool
	sent      [][]byte
	closed    bool
}

// New returns a registry listing endpoints
func New(endpoints ...device.Endpoint) *Registry {
	return &Registry{endpoints: endpoints, open: make(map[int]bool)}
}

// SetEndpoints replaces the visible ports, as if hardware was plugged or
// unplugged.
func (r *Registry) SetEndpoints(endpoints ...device.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints = endpoints
}

// FailEnumerate makes Enumerate return err until cleared with nil
func (r *Registry) FailEnumerate(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enumErr = err
}

// FailOpen makes Open return err until cleared with nil
func (r *Registry) FailOpen(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openErr = err
}

// Enumerate implements device.Registry
func (r *Registry) Enumerate() ([]device.Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enumErr != nil {
		return nil, r.enumErr
	}
	return append([]device.Endpoint(nil), r.endpoints...), nil
}

// Open implements device.Registry
func (r *Registry) Open(index int) (device.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.openErr != nil {
		return nil, r.openErr
	}
	for _, ep := range r.endpoints {
		if ep.Index == index {
			r.open[index] = true
			return &handle{reg: r, index: index}, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", device.ErrNoSuchPort, index)
}

// Close implements device.Registry
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Sent returns every message written to any port, in order
func (r *Registry) Sent() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.sent...)
}

// OpenPorts returns how many handles are currently open
func (r *Registry) OpenPorts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.open {
		if o {
			n++
		}
	}
	return n
}

// Closed reports whether Close was called
func (r *Registry) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type handle struct {
	reg    *Registry
	index  int
	closed bool
}

func (h *handle) Send(data []byte) error {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	if h.closed {
		return errors.New("send on closed port")
	}
	h.reg.sent = append(h.reg.sent, append([]byte(nil), data...))
	return nil
}

func (h *handle) Close() error {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	if !h.closed {
		h.closed = true
		h.reg.open[h.index] = false
	}
	return nil
}
