package device

import (
	"errors"
	"sync"
)

// ErrClosed is returned when sending on a handle that was already closed.
var ErrClosed = errors.New("MIDI output port closed")

// portHandle wraps driver send/close functions so Close is idempotent.
type portHandle struct {
	mu     sync.Mutex
	closed bool
	send   func([]byte) error
	close  func() error
}

func newHandle(send func([]byte) error, close func() error) *portHandle {
	return &portHandle{send: send, close: close}
}

func (h *portHandle) Send(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	return h.send(data)
}

func (h *portHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if h.close == nil {
		return nil
	}
	return h.close()
}
