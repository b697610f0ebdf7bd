// Package main runs the bridge without the CLI subcommands
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/james-see/netmidi2usb/pkg/config"
	"github.com/james-see/netmidi2usb/pkg/daemon"
	"github.com/james-see/netmidi2usb/pkg/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run returns the process exit code. Deferred cleanup, including the final
// logger flush, happens before it returns.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, opts ...daemon.Option) int {
	defaults := config.Default()
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFile := fs.String("config", "", "YAML config file")
	device := fs.String("device", defaults.DeviceName, "Substring of the MIDI output name")
	port := fs.Int("port", defaults.ControlPort, "HTTP control port")
	sessionPort := fs.Int("session-port", defaults.SessionPort, "RTP-MIDI session port")
	sessionName := fs.String("session-name", defaults.SessionName, "RTP-MIDI session name")
	logLevel := fs.String("log-level", defaults.LogLevel, "Log level")
	logFile := fs.String("log-file", defaults.LogFile, "Log to this file instead of stderr")
	advertise := fs.Bool("advertise", defaults.Advertise, "Advertise the session over mDNS")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(stderr, "Config error: %v\n", err)
		return 1
	}
	// flags given on the command line win over the file
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "device":
			cfg.DeviceName = *device
		case "port":
			cfg.ControlPort = *port
		case "session-port":
			cfg.SessionPort = *sessionPort
		case "session-name":
			cfg.SessionName = *sessionName
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-file":
			cfg.LogFile = *logFile
		case "advertise":
			cfg.Advertise = *advertise
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Config error: %v\n", err)
		return 1
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Development: cfg.Development, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(stderr, "Logger error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	fmt.Fprintf(stdout, "Starting netmidi2usb: control port %d, session port %d\n", cfg.ControlPort, cfg.SessionPort)
	fmt.Fprintf(stdout, "Swagger docs available at http://localhost:%d/swagger/index.html\n", cfg.ControlPort)

	if err := daemon.Run(ctx, cfg, logger, opts...); err != nil {
		if errors.Is(err, daemon.ErrStartup) {
			fmt.Fprintln(stderr, daemon.StartupMessage)
		}
		fmt.Fprintf(stderr, "Server error: %v\n", err)
		return 1
	}
	return 0
}
