// Package daemon wires the registry, binding, sink, network session and
// control surface into one running bridge.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/james-see/netmidi2usb/pkg/api"
	"github.com/james-see/netmidi2usb/pkg/bridge"
	"github.com/james-see/netmidi2usb/pkg/config"
	"github.com/james-see/netmidi2usb/pkg/device"
	"github.com/james-see/netmidi2usb/pkg/session"
	"gitlab.com/gomidi/midi/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrStartup is returned when the configured device cannot be bound at
// startup. The process has no useful degraded mode before the first bind.
var ErrStartup = errors.New("failed to open MIDI port at startup")

// StartupMessage is what the operator sees when ErrStartup ends the process
const StartupMessage = "Failed to open MIDI port. Please connect the device and restart the script."

const shutdownTimeout = 5 * time.Second

// Option customizes New
type Option func(*options)

type options struct {
	registry device.Registry
	listener net.Listener
}

// WithRegistry uses r instead of the driver named in the config
func WithRegistry(r device.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithListener serves the control surface on ln instead of the configured
// control port.
func WithListener(ln net.Listener) Option {
	return func(o *options) { o.listener = ln }
}

// Bridge is a bound output plus everything that feeds it
type Bridge struct {
	Binding *bridge.Binding
	Sink    *bridge.Sink
	Session *session.Session

	cfg      config.Config
	logger   *zap.Logger
	registry device.Registry
	listener net.Listener
}

// New opens the MIDI driver and performs the initial bind. Any bind failure
// is wrapped in ErrStartup.
func New(cfg config.Config, logger *zap.Logger, opts ...Option) (*Bridge, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	registry := o.registry
	if registry == nil {
		var err error
		registry, err = device.New(cfg.Driver)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStartup, err)
		}
	}

	binding := bridge.NewBinding(registry, cfg.DeviceName, logger)
	if _, err := binding.Bind(); err != nil {
		_ = registry.Close()
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}

	b := &Bridge{
		Binding:  binding,
		Sink:     bridge.NewSink(binding, logger),
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		listener: o.listener,
	}
	b.Session = session.New(session.Config{Name: cfg.SessionName, Port: cfg.SessionPort}, b.forward, logger)
	return b, nil
}

func (b *Bridge) forward(delta time.Duration, msg midi.Message) {
	b.Sink.Forward(delta, msg)
}

// Run serves the network session and the control surface until ctx is done
// or one of them fails, then shuts everything down.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.Session.Listen(); err != nil {
		b.Binding.Close()
		_ = b.registry.Close()
		return err
	}

	var adv *session.Advertiser
	if b.cfg.Advertise {
		port := b.Session.ControlAddr().(*net.UDPAddr).Port
		var err error
		adv, err = session.Advertise(b.cfg.SessionName, port, b.logger)
		if err != nil {
			b.logger.Warn("mDNS advertisement disabled", zap.Error(err))
		}
	}

	ln := b.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(b.cfg.ControlPort)))
		if err != nil {
			b.shutdown(nil, adv)
			return fmt.Errorf("failed to listen on control port %d: %w", b.cfg.ControlPort, err)
		}
	}
	srv := &http.Server{
		Handler:           api.NewServer(b.Binding, b.Sink, b.logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.logger.Info("MIDI server is running.", zap.Stringer("addr", ln.Addr()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		b.logger.Info("Shutting down")
		b.shutdown(srv, adv)
		return nil
	})
	return g.Wait()
}

// shutdown closes the binding first so the device stays released even if a
// reconnect arrives before the control server stops.
func (b *Bridge) shutdown(srv *http.Server, adv *session.Advertiser) {
	b.Binding.Close()

	if err := b.Session.Close(); err != nil {
		b.logger.Warn("Error closing RTPMidi session", zap.Error(err))
	}
	if err := adv.Shutdown(); err != nil {
		b.logger.Warn("Error stopping mDNS advertisement", zap.Error(err))
	}
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			b.logger.Warn("Control server shutdown", zap.Error(err))
		}
	}
	if err := b.registry.Close(); err != nil {
		b.logger.Warn("Error closing MIDI driver", zap.Error(err))
	}
}

// Run builds a bridge from cfg and runs it until ctx is done
func Run(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) error {
	b, err := New(cfg, logger, opts...)
	if err != nil {
		return err
	}
	return b.Run(ctx)
}
