// Package config loads the gatelink configuration from a YAML or TOML file,
// .env files and environment variables, in that order of precedence.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/gatelink/internal/events"
	"github.com/shaunagostinho/gatelink/internal/link"
	"github.com/shaunagostinho/gatelink/internal/log"
	"github.com/shaunagostinho/gatelink/internal/simulator"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "/etc/gatelink/config.yaml"

// Config holds all gatelink configuration.
type Config struct {
	mu sync.RWMutex

	// Serial link to the gate controller
	Serial   SerialConfig   `yaml:"serial" json:"serial" toml:"serial"`
	Watchdog WatchdogConfig `yaml:"watchdog" json:"watchdog" toml:"watchdog"`

	// Simulated controller for --demo
	Demo DemoConfig `yaml:"demo" json:"demo" toml:"demo"`

	// Outer surfaces
	Server  ServerConfig  `yaml:"server" json:"server" toml:"server"`
	Events  EventsConfig  `yaml:"events" json:"events" toml:"events"`
	Journal JournalConfig `yaml:"journal" json:"journal" toml:"journal"`

	// Logging
	Log *log.Options `yaml:"log" json:"log" toml:"log"`

	path string
}

type SerialConfig struct {
	PortPath string `yaml:"port_path" json:"portPath" toml:"port_path"` // e.g. /dev/ttyGate
	BaudRate int    `yaml:"baud_rate" json:"baudRate" toml:"baud_rate"`
}

// WatchdogConfig holds link timings in milliseconds.
type WatchdogConfig struct {
	PingIntervalMs      int `yaml:"ping_interval_ms" json:"pingIntervalMs" toml:"ping_interval_ms"`
	InactivityTimeoutMs int `yaml:"inactivity_timeout_ms" json:"inactivityTimeoutMs" toml:"inactivity_timeout_ms"`
	CheckIntervalMs     int `yaml:"check_interval_ms" json:"checkIntervalMs" toml:"check_interval_ms"`
	CommandTimeoutMs    int `yaml:"command_timeout_ms" json:"commandTimeoutMs" toml:"command_timeout_ms"`
	ReconnectDelayMs    int `yaml:"reconnect_delay_ms" json:"reconnectDelayMs" toml:"reconnect_delay_ms"`
	MaxReconnects       int `yaml:"max_reconnects" json:"maxReconnects" toml:"max_reconnects"`
	MaxQueuedCommands   int `yaml:"max_queued_commands" json:"maxQueuedCommands" toml:"max_queued_commands"`
}

type DemoConfig struct {
	Enabled           bool `yaml:"enabled" json:"enabled" toml:"enabled"`
	TravelMs          int  `yaml:"travel_ms" json:"travelMs" toml:"travel_ms"`                            // barrier travel time
	VehicleIntervalMs int  `yaml:"vehicle_interval_ms" json:"vehicleIntervalMs" toml:"vehicle_interval_ms"` // 0 disables traffic
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr" toml:"listen_addr"`
}

type EventsConfig struct {
	Backend     string `yaml:"backend" json:"backend" toml:"backend"` // "none", "nats" or "mqtt"
	URL         string `yaml:"url" json:"url" toml:"url"`
	TopicPrefix string `yaml:"topic_prefix" json:"topicPrefix" toml:"topic_prefix"`
	ClientID    string `yaml:"client_id" json:"clientId" toml:"client_id"`
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" toml:"enabled"`
	Path    string `yaml:"path" json:"path" toml:"path"`
	MaxRows int    `yaml:"max_rows" json:"maxRows" toml:"max_rows"` // rows per file before rotating
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	lc := link.DefaultConfig()
	sc := simulator.DefaultConfig()
	return &Config{
		Serial: SerialConfig{
			PortPath: lc.Port,
			BaudRate: lc.BaudRate,
		},
		Watchdog: WatchdogConfig{
			PingIntervalMs:      ms(lc.PingInterval),
			InactivityTimeoutMs: ms(lc.InactivityTimeout),
			CheckIntervalMs:     ms(lc.CheckInterval),
			CommandTimeoutMs:    ms(lc.CommandTimeout),
			ReconnectDelayMs:    ms(lc.ReconnectDelay),
			MaxReconnects:       lc.MaxReconnectAttempts,
			MaxQueuedCommands:   lc.MaxQueuedCommands,
		},
		Demo: DemoConfig{
			TravelMs:          ms(sc.TravelTime),
			VehicleIntervalMs: ms(sc.VehicleInterval),
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Events: EventsConfig{
			Backend:     events.BackendNone,
			TopicPrefix: events.DefaultTopicPrefix,
			ClientID:    "gatelink",
		},
		Journal: JournalConfig{
			Enabled: false,
			Path:    "/var/log/gatelink",
			MaxRows: 100000,
		},
		Log: log.NewOptions(),
	}
}

// Load reads config from a YAML or TOML file (chosen by extension), then
// applies .env and environment variable overrides. Falls back to defaults
// if the file is missing or unparseable.
func Load(path string) *Config {
	logger := log.WithName("config")
	if path == "" {
		path = DefaultPath
	}
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Info("no config file, using defaults", "path", path)
	} else if err := cfg.decode(data); err != nil {
		logger.Warn("error parsing config, using defaults", "path", path, "error", err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		logger.Info("config loaded", "path", path)
	}

	// .env next to the config, then in the working directory
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

func (c *Config) decode(data []byte) error {
	if isTOML(c.path) {
		_, err := toml.Decode(string(data), c)
		return err
	}
	return yaml.Unmarshal(data, c)
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already present in the environment win.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.WithName("config").Info("loading .env", "path", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if _, set := os.LookupEnv(key); !set {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
func (c *Config) applyEnvOverrides() {
	setString(&c.Serial.PortPath, "GATE_PORT")
	setInt(&c.Serial.BaudRate, "GATE_BAUD")
	setInt(&c.Watchdog.PingIntervalMs, "GATE_PING_INTERVAL_MS")
	setInt(&c.Watchdog.InactivityTimeoutMs, "GATE_INACTIVITY_TIMEOUT_MS")
	setInt(&c.Watchdog.CheckIntervalMs, "GATE_CHECK_INTERVAL_MS")
	setInt(&c.Watchdog.CommandTimeoutMs, "GATE_COMMAND_TIMEOUT_MS")
	setInt(&c.Watchdog.ReconnectDelayMs, "GATE_RECONNECT_DELAY_MS")
	setInt(&c.Watchdog.MaxReconnects, "GATE_MAX_RECONNECTS")
	setBool(&c.Demo.Enabled, "GATE_DEMO")
	setString(&c.Server.ListenAddr, "LISTEN_ADDR")
	setString(&c.Events.Backend, "EVENTS_BACKEND")
	setString(&c.Events.URL, "EVENTS_URL")
	setString(&c.Events.TopicPrefix, "EVENTS_TOPIC_PREFIX")
	setBool(&c.Journal.Enabled, "JOURNAL_ENABLED")
	setString(&c.Journal.Path, "JOURNAL_PATH")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.WithName("config").Warn("ignoring non-numeric override", "key", key, "value", v)
		return
	}
	*dst = n
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(v)
		*dst = v == "1" || v == "true" || v == "yes"
	}
}

// Validate checks the link timings and the events backend.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	if err := c.link().Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Events.Backend {
	case events.BackendNone, events.BackendNATS, events.BackendMQTT:
	default:
		errs = append(errs, fmt.Errorf("unknown events backend %q", c.Events.Backend))
	}
	if c.Events.Backend != events.BackendNone && c.Events.URL == "" {
		errs = append(errs, fmt.Errorf("events backend %q needs a url", c.Events.Backend))
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, errors.New("journal enabled without a path"))
	}
	return errors.Join(errs...)
}

// Link returns the link configuration.
func (c *Config) Link() link.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.link()
}

func (c *Config) link() link.Config {
	w := c.Watchdog
	return link.Config{
		Port:                 c.Serial.PortPath,
		BaudRate:             c.Serial.BaudRate,
		PingInterval:         dur(w.PingIntervalMs),
		InactivityTimeout:    dur(w.InactivityTimeoutMs),
		CheckInterval:        dur(w.CheckIntervalMs),
		CommandTimeout:       dur(w.CommandTimeoutMs),
		ReconnectDelay:       dur(w.ReconnectDelayMs),
		MaxReconnectAttempts: w.MaxReconnects,
		MaxQueuedCommands:    w.MaxQueuedCommands,
	}
}

// Simulator returns the demo controller configuration.
func (c *Config) Simulator() simulator.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return simulator.Config{
		TravelTime:      dur(c.Demo.TravelMs),
		VehicleInterval: dur(c.Demo.VehicleIntervalMs),
	}
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// Save writes the config to its file, as TOML or YAML by extension.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = DefaultPath
	}
	var data []byte
	if isTOML(path) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		data = buf.Bytes()
	} else {
		var err error
		if data, err = yaml.Marshal(c); err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// SetPath changes where Save writes.
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	c.path = path
	c.mu.Unlock()
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

func ms(d time.Duration) int { return int(d / time.Millisecond) }

func dur(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
