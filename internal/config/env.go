// Package config loads daemon settings from the environment and static
// panel definitions from YAML.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Sink kinds accepted in Daemon.Sink.
const (
	SinkDryRun = "dryrun"
	SinkHID    = "hid"
	SinkI2C    = "i2c"
)

// Bus kinds accepted in Daemon.Bus.
const (
	BusSession = "session"
	BusSystem  = "system"
)

// Daemon holds process-level settings.
type Daemon struct {
	ConfigPath string  `env:"LIVEDISPLAY_CONFIG" envDefault:"/etc/livedisplayd/panels.yaml"`
	StateDB    string  `env:"LIVEDISPLAY_STATE_DB"`
	LogFile    string  `env:"LIVEDISPLAY_LOG_FILE"`
	Sink       string  `env:"LIVEDISPLAY_SINK" envDefault:"dryrun"`
	HIDSerial  string  `env:"LIVEDISPLAY_HID_SERIAL"`
	I2CBus     string  `env:"LIVEDISPLAY_I2C_BUS"`
	I2CAddr    uint16  `env:"LIVEDISPLAY_I2C_ADDR" envDefault:"44"`
	Bus        string  `env:"LIVEDISPLAY_BUS" envDefault:"session"`
	RateLimit  float64 `env:"LIVEDISPLAY_RATE_LIMIT" envDefault:"20"`
	RateBurst  int     `env:"LIVEDISPLAY_RATE_BURST" envDefault:"5"`
	Udev       bool    `env:"LIVEDISPLAY_UDEV" envDefault:"true"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadDaemon parses Daemon from the environment and checks it.
func LoadDaemon() (Daemon, error) {
	var d Daemon
	if err := ParseEnv(&d); err != nil {
		return Daemon{}, err
	}
	if err := d.Validate(); err != nil {
		return Daemon{}, err
	}
	return d, nil
}

// Validate checks enumerated settings and limits.
func (d Daemon) Validate() error {
	switch d.Sink {
	case SinkDryRun, SinkHID, SinkI2C:
	default:
		return fmt.Errorf("unknown sink %q", d.Sink)
	}
	switch d.Bus {
	case BusSession, BusSystem:
	default:
		return fmt.Errorf("unknown bus %q", d.Bus)
	}
	if d.RateLimit <= 0 {
		return fmt.Errorf("rate limit must be positive, got %v", d.RateLimit)
	}
	if d.RateBurst < 1 {
		return fmt.Errorf("rate burst must be at least 1, got %d", d.RateBurst)
	}
	if d.Sink == SinkI2C && d.I2CAddr > 0x7f {
		return fmt.Errorf("i2c address 0x%x is not a 7-bit address", d.I2CAddr)
	}
	return nil
}
