package bridge

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Outcome is the result of forwarding one message
type Outcome int

const (
	// Forwarded means the bytes were written to the bound port.
	Forwarded Outcome = iota
	// Dropped means nothing was bound; the message was discarded.
	Dropped
	// Malformed means the payload could not be decoded to bytes.
	Malformed
	// Failed means the port rejected the write.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Forwarded:
		return "forwarded"
	case Dropped:
		return "dropped"
	case Malformed:
		return "malformed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Stats counts forwarding outcomes since start
type Stats struct {
	Forwarded uint64 `json:"forwarded"`
	Dropped   uint64 `json:"dropped"`
	Malformed uint64 `json:"malformed"`
	Failed    uint64 `json:"failed"`
}

// Sink applies inbound messages to a Binding. It is safe for concurrent use;
// ordering is whatever order callers deliver in.
type Sink struct {
	binding *Binding
	logger  *zap.Logger

	forwarded atomic.Uint64
	dropped   atomic.Uint64
	malformed atomic.Uint64
	failed    atomic.Uint64
}

// NewSink creates a sink writing to binding
func NewSink(binding *Binding, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		binding: binding,
		logger:  logger.With(zap.String("component", "sink")),
	}
}

// Forward decodes payload and writes it to the bound port unmodified.
// Errors never escape: they are logged and counted.
func (s *Sink) Forward(delta time.Duration, payload any) Outcome {
	data, err := Decode(payload)
	if err != nil {
		s.malformed.Add(1)
		s.logger.Error("Received message is not in an expected format", zap.Error(err))
		return Malformed
	}

	wrote, err := s.binding.Write(data)
	switch {
	case !wrote:
		s.dropped.Add(1)
		s.logger.Debug("No MIDI device bound; message dropped", zap.Stringer("message", data))
		return Dropped
	case err != nil:
		s.failed.Add(1)
		s.logger.Error("Failed to send MIDI message", zap.Stringer("message", data), zap.Error(err))
		return Failed
	}

	s.forwarded.Add(1)
	if ce := s.logger.Check(zap.DebugLevel, "MIDI message forwarded"); ce != nil {
		ce.Write(zap.Duration("delta", delta), zap.Stringer("message", data))
	}
	return Forwarded
}

// Stats returns a snapshot of the counters
func (s *Sink) Stats() Stats {
	return Stats{
		Forwarded: s.forwarded.Load(),
		Dropped:   s.dropped.Load(),
		Malformed: s.malformed.Load(),
		Failed:    s.failed.Load(),
	}
}
