// Package bridge binds one hardware MIDI output and forwards network messages to it
package bridge

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/james-see/netmidi2usb/pkg/device"
	"go.uber.org/zap"
)

// Bind outcomes other than success. All of them leave the binding Unbound.
var (
	ErrDeviceNotFound = errors.New("MIDI device not found")
	ErrOpenFailed     = errors.New("failed to open MIDI device")
	ErrEnumerate      = errors.New("failed to enumerate MIDI outputs")
	ErrClosed         = errors.New("MIDI binding closed")
)

// Status values reported by Status
const (
	StateConnected    = "connected"
	StateDisconnected = "disconnected"
)

// Status is an immutable snapshot of the binding
type Status struct {
	State      string `json:"status"`
	Port       *int   `json:"port,omitempty"`
	DeviceName string `json:"deviceName,omitempty"`
}

// Connected reports whether the snapshot describes a bound port
func (s Status) Connected() bool {
	return s.State == StateConnected
}

var disconnected = &Status{State: StateDisconnected}

func connected(ep device.Endpoint) *Status {
	index := ep.Index
	return &Status{State: StateConnected, Port: &index, DeviceName: ep.Name}
}

// Binding is the single owner of the open output handle. Transitions and
// hardware writes are serialized by mu; Status reads the published snapshot
// without locking.
type Binding struct {
	registry device.Registry
	match    string
	logger   *zap.Logger

	mu       sync.Mutex
	closed   bool
	handle   device.Handle
	endpoint device.Endpoint

	status atomic.Pointer[Status]
}

// NewBinding creates an Unbound binding matching output names against match
func NewBinding(registry device.Registry, match string, logger *zap.Logger) *Binding {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Binding{
		registry: registry,
		match:    match,
		logger:   logger.With(zap.String("component", "binding")),
	}
	b.status.Store(disconnected)
	return b
}

// Match returns the configured device name substring
func (b *Binding) Match() string {
	return b.match
}

// Status returns the last published snapshot. It never touches hardware.
func (b *Binding) Status() Status {
	return *b.status.Load()
}

// Bind releases any current handle, then looks up and opens the first output
// whose name contains the configured substring.
func (b *Binding) Bind() (Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.unbindLocked()
	return b.bindLocked()
}

// Unbind closes the current handle, if any
func (b *Binding) Unbind() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.unbindLocked()
}

// Close performs a final Unbind. Later Bind and Reconnect calls fail with
// ErrClosed, so nothing can reopen the device during shutdown.
func (b *Binding) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.unbindLocked()
	b.closed = true
}

// Reconnect performs Unbind followed by Bind as one critical section.
// Concurrent callers queue behind each other.
func (b *Binding) Reconnect() (Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.logger.Info("Reconnection requested")
	b.unbindLocked()
	return b.bindLocked()
}

// Write sends data to the bound port. It reports false, without writing,
// when nothing is bound.
func (b *Binding) Write(data []byte) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handle == nil {
		return false, nil
	}
	return true, b.handle.Send(data)
}

func (b *Binding) bindLocked() (Status, error) {
	if b.closed {
		return b.Status(), ErrClosed
	}
	endpoints, err := b.registry.Enumerate()
	if err != nil {
		b.logger.Error("Failed to enumerate MIDI outputs", zap.Error(err))
		return b.Status(), fmt.Errorf("%w: %v", ErrEnumerate, err)
	}
	for _, ep := range endpoints {
		b.logger.Info(fmt.Sprintf("%d: %s", ep.Index, ep.Name))
	}

	ep, ok := device.FindByName(endpoints, b.match)
	if !ok {
		b.logger.Warn("MIDI device not found", zap.String("match", b.match))
		return b.Status(), fmt.Errorf("%w: %q", ErrDeviceNotFound, b.match)
	}

	h, err := b.registry.Open(ep.Index)
	if err != nil {
		b.logger.Error("Failed to open MIDI device",
			zap.Int("port", ep.Index),
			zap.String("deviceName", ep.Name),
			zap.Error(err))
		return b.Status(), fmt.Errorf("%w: %s: %v", ErrOpenFailed, ep.Name, err)
	}

	b.handle = h
	b.endpoint = ep
	b.status.Store(connected(ep))
	b.logger.Info("MIDI device connected",
		zap.Int("port", ep.Index),
		zap.String("deviceName", ep.Name))
	return b.Status(), nil
}

func (b *Binding) unbindLocked() {
	if b.handle == nil {
		return
	}
	if err := device.Close(b.handle); err != nil {
		b.logger.Warn("Error closing MIDI device", zap.String("deviceName", b.endpoint.Name), zap.Error(err))
	}
	b.logger.Info("MIDI device closed",
		zap.Int("port", b.endpoint.Index),
		zap.String("deviceName", b.endpoint.Name))
	b.handle = nil
	b.endpoint = device.Endpoint{}
	b.status.Store(disconnected)
}

// Endpoints enumerates the current outputs. It holds the binding lock so
// diagnostics never race a bind on the same driver.
func (b *Binding) Endpoints() ([]device.Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	endpoints, err := b.registry.Enumerate()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnumerate, err)
	}
	return endpoints, nil
}
