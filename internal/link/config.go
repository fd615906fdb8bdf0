package link

import (
	"errors"
	"fmt"
	"time"

	"github.com/shaunagostinho/gatelink/internal/serialio"
)

// Config holds the link timings and the device to talk to.
type Config struct {
	Port     string
	BaudRate int

	// PingInterval is how often a liveness probe is written.
	PingInterval time.Duration
	// InactivityTimeout is how long the controller may stay silent before
	// the link is declared dead.
	InactivityTimeout time.Duration
	// CheckInterval is how often silence is measured.
	CheckInterval time.Duration
	// CommandTimeout bounds the wait for a command's reply. It must be
	// shorter than InactivityTimeout.
	CommandTimeout time.Duration
	// ReconnectDelay is the pause between closing and reopening the port.
	ReconnectDelay time.Duration
	// MaxReconnectAttempts is the reconnect budget before the watchdog
	// stops for good.
	MaxReconnectAttempts int
	// MaxQueuedCommands bounds the backlog behind the in-flight command.
	// Like the other fields, zero selects the default (16); a link always
	// has a backlog.
	MaxQueuedCommands int
}

// DefaultConfig returns the timings used by the controller firmware's
// reference host.
func DefaultConfig() Config {
	return Config{
		Port:                 "/dev/ttyGate",
		BaudRate:             serialio.DefaultBaudRate,
		PingInterval:         2 * time.Second,
		InactivityTimeout:    5 * time.Second,
		CheckInterval:        time.Second,
		CommandTimeout:       2 * time.Second,
		ReconnectDelay:       time.Second,
		MaxReconnectAttempts: 5,
		MaxQueuedCommands:    16,
	}
}

// withDefaults fills zero fields from DefaultConfig. A zero field never
// means "none" or "disabled".
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaudRate == 0 {
		c.BaudRate = d.BaudRate
	}
	if c.PingInterval == 0 {
		c.PingInterval = d.PingInterval
	}
	if c.InactivityTimeout == 0 {
		c.InactivityTimeout = d.InactivityTimeout
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.MaxQueuedCommands == 0 {
		c.MaxQueuedCommands = d.MaxQueuedCommands
	}
	return c
}

// Validate checks the timings are usable.
func (c Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if c.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("baud rate must be positive, got %d", c.BaudRate))
	}
	for name, d := range map[string]time.Duration{
		"ping interval":      c.PingInterval,
		"inactivity timeout": c.InactivityTimeout,
		"check interval":     c.CheckInterval,
		"command timeout":    c.CommandTimeout,
		"reconnect delay":    c.ReconnectDelay,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, d))
		}
	}
	if c.CommandTimeout >= c.InactivityTimeout {
		errs = append(errs, fmt.Errorf("command timeout %v must be shorter than inactivity timeout %v",
			c.CommandTimeout, c.InactivityTimeout))
	}
	if c.MaxReconnectAttempts < 1 {
		errs = append(errs, fmt.Errorf("max reconnect attempts must be at least 1, got %d", c.MaxReconnectAttempts))
	}
	if c.MaxQueuedCommands < 0 {
		errs = append(errs, fmt.Errorf("max queued commands must not be negative, got %d", c.MaxQueuedCommands))
	}
	return errors.Join(errs...)
}
