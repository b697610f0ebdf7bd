// Package main is the entry point for the netmidi2usb CLI
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/james-see/netmidi2usb/pkg/config"
	"github.com/james-see/netmidi2usb/pkg/daemon"
	"github.com/james-see/netmidi2usb/pkg/device"
	"github.com/james-see/netmidi2usb/pkg/logging"
	"github.com/james-see/netmidi2usb/pkg/tui"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configFile string
	flagCfg    = config.Default()
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, daemon.ErrStartup) {
			fmt.Fprintln(os.Stderr, daemon.StartupMessage)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "netmidi2usb",
	Short: "Bridge network RTP-MIDI sessions to a USB MIDI output",
	Long: `netmidi2usb accepts an AppleMIDI (RTP-MIDI) network session and forwards
every received MIDI message, unmodified, to the first USB MIDI output whose
name contains the configured device name.

Examples:
  netmidi2usb serve --device CH345
  netmidi2usb ports
  netmidi2usb tui
  curl http://localhost:5003/reconnect`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge",
	RunE:  runServe,
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List MIDI output ports",
	RunE:  runPorts,
}

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Run the bridge with a live terminal dashboard",
	RunE:  runTUI,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&configFile, "config", "c", "", "YAML config file")
	f.StringVarP(&flagCfg.DeviceName, "device", "d", flagCfg.DeviceName, "Substring of the MIDI output name to bind")
	f.IntVarP(&flagCfg.ControlPort, "port", "p", flagCfg.ControlPort, "HTTP control port")
	f.IntVar(&flagCfg.SessionPort, "session-port", flagCfg.SessionPort, "RTP-MIDI session control port (data uses the next port)")
	f.StringVar(&flagCfg.SessionName, "session-name", flagCfg.SessionName, "RTP-MIDI session name")
	f.StringVar(&flagCfg.Driver, "driver", flagCfg.Driver, "MIDI driver (rtmidi, coremidi)")
	f.BoolVar(&flagCfg.Advertise, "advertise", flagCfg.Advertise, "Advertise the session over mDNS")
	f.StringVar(&flagCfg.LogLevel, "log-level", flagCfg.LogLevel, "Log level (debug, info, warn, error)")
	f.StringVar(&flagCfg.LogFile, "log-file", flagCfg.LogFile, "Log to this file instead of stderr")
	f.BoolVar(&flagCfg.Development, "dev", flagCfg.Development, "Human readable console logs")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(portsCmd)
	rootCmd.AddCommand(tuiCmd)
}

// loadConfig reads the config file, then applies the flags that were set
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return cfg, err
	}

	cmd.Flags().Visit(func(fl *pflag.Flag) {
		switch fl.Name {
		case "device":
			cfg.DeviceName = flagCfg.DeviceName
		case "port":
			cfg.ControlPort = flagCfg.ControlPort
		case "session-port":
			cfg.SessionPort = flagCfg.SessionPort
		case "session-name":
			cfg.SessionName = flagCfg.SessionName
		case "driver":
			cfg.Driver = flagCfg.Driver
		case "advertise":
			cfg.Advertise = flagCfg.Advertise
		case "log-level":
			cfg.LogLevel = flagCfg.LogLevel
		case "log-file":
			cfg.LogFile = flagCfg.LogFile
		case "dev":
			cfg.Development = flagCfg.Development
		}
	})

	return cfg, cfg.Validate()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	return logging.New(logging.Options{
		Level:       cfg.LogLevel,
		Development: cfg.Development,
		File:        cfg.LogFile,
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signalContext()
	defer stop()

	return daemon.Run(ctx, cfg, logger)
}

func runPorts(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	registry, err := device.New(cfg.Driver)
	if err != nil {
		return err
	}
	defer func() { _ = registry.Close() }()

	endpoints, err := registry.Enumerate()
	if err != nil {
		return fmt.Errorf("failed to list MIDI outputs: %w", err)
	}
	if len(endpoints) == 0 {
		fmt.Println("No MIDI output ports found")
		return nil
	}

	match, found := device.FindByName(endpoints, cfg.DeviceName)
	for _, ep := range endpoints {
		marker := " "
		if found && ep.Index == match.Index {
			marker = "*"
		}
		fmt.Printf("%s %d: %s\n", marker, ep.Index, ep.Name)
	}
	return nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.LogFile == "" {
		cfg.LogFile = "netmidi2usb.log"
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	b, err := daemon.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		errc <- b.Run(ctx)
		cancel()
	}()

	uiErr := tui.Run(ctx, tui.New(b.Binding, b.Sink, b.Session))
	cancel()
	return errors.Join(uiErr, <-errc)
}
