// Package config holds the bridge's startup configuration
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is fixed at process start; there is no hot reload.
type Config struct {
	DeviceName  string `yaml:"device_name"`
	ControlPort int    `yaml:"control_port"`
	SessionPort int    `yaml:"session_port"`
	SessionName string `yaml:"session_name"`
	Driver      string `yaml:"driver"`
	Advertise   bool   `yaml:"advertise"`
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when nothing is overridden
func Default() Config {
	return Config{
		DeviceName:  "CH345",
		ControlPort: 5003,
		SessionPort: 5004,
		SessionName: "Network To USB MIDI",
		Driver:      "rtmidi",
		Advertise:   true,
		LogLevel:    "info",
	}
}

// Load reads a YAML file on top of the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields that would otherwise fail late, at bind or
// listen time.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DeviceName) == "" {
		errs = append(errs, errors.New("device name must not be empty"))
	}
	if c.ControlPort <= 0 || c.ControlPort > 65535 {
		errs = append(errs, fmt.Errorf("control port %d out of range", c.ControlPort))
	}
	// the session also listens on SessionPort+1 for RTP data
	if c.SessionPort <= 0 || c.SessionPort >= 65535 {
		errs = append(errs, fmt.Errorf("session port %d out of range", c.SessionPort))
	}
	if c.ControlPort == c.SessionPort || c.ControlPort == c.SessionPort+1 {
		errs = append(errs, fmt.Errorf("control port %d collides with session ports %d-%d",
			c.ControlPort, c.SessionPort, c.SessionPort+1))
	}
	if strings.TrimSpace(c.SessionName) == "" {
		errs = append(errs, errors.New("session name must not be empty"))
	}
	return errors.Join(errs...)
}
