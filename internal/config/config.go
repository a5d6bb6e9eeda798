// Package config loads the locator configuration from a JSON or TOML file.
// Every field is optional; the Get* accessors fall back to defaults so a
// partial file is safe.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/banshee-data/position.report/internal/anchors"
	"github.com/banshee-data/position.report/internal/serialmux"
	"github.com/banshee-data/position.report/internal/solver"
)

// DefaultConfigPath is the checked-in example configuration.
const DefaultConfigPath = "config/locate.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Transport sources the locator can read from.
const (
	SourceSerial = "serial"
	SourceSocket = "socket"
	SourceReplay = "replay"
	SourceSim    = "sim"
)

var sources = []string{SourceSerial, SourceSocket, SourceReplay, SourceSim}

// DefaultAnchors is the three-anchor room the tag firmware ships calibrated
// for, in metres.
var DefaultAnchors = []anchors.Anchor{
	{ID: 0, Point: anchors.Point{X: 0, Y: 0}},
	{ID: 1, Point: anchors.Point{X: 0, Y: 4.23}},
	{ID: 2, Point: anchors.Point{X: 7.04, Y: 4.23}},
}

// AnchorConfig places one anchor.
type AnchorConfig struct {
	ID int     `json:"id" toml:"id"`
	X  float64 `json:"x" toml:"x"`
	Y  float64 `json:"y" toml:"y"`
}

// SerialConfig selects and configures the serial device.
type SerialConfig struct {
	Port    string                `json:"port,omitempty" toml:"port"`
	Options serialmux.PortOptions `json:"options,omitzero" toml:"options"`
}

// SimConfig tunes the synthetic tag used by the sim source.
type SimConfig struct {
	Format *string  `json:"format,omitempty" toml:"format"`
	Noise  *float64 `json:"noise,omitempty" toml:"noise"`
	Period *string  `json:"period,omitempty" toml:"period"` // duration string like "20s"
}

// Config is the root configuration. Durations are strings like "100ms".
type Config struct {
	Source          *string        `json:"source,omitempty" toml:"source"`
	Anchors         []AnchorConfig `json:"anchors,omitempty" toml:"anchors"`
	RequiredAnchors []int          `json:"required_anchors,omitempty" toml:"required_anchors"`
	Bounds          *solver.Bounds `json:"bounds,omitempty" toml:"bounds"`

	PollInterval   *string `json:"poll_interval,omitempty" toml:"poll_interval"`
	CycleTimeout   *string `json:"cycle_timeout,omitempty" toml:"cycle_timeout"`
	PublishTimeout *string `json:"publish_timeout,omitempty" toml:"publish_timeout"`

	Serial         *SerialConfig `json:"serial,omitempty" toml:"serial"`
	SocketListen   *string       `json:"socket_listen,omitempty" toml:"socket_listen"`
	ReplayPath     *string       `json:"replay_path,omitempty" toml:"replay_path"`
	ReplayInterval *string       `json:"replay_interval,omitempty" toml:"replay_interval"`
	Sim            *SimConfig    `json:"sim,omitempty" toml:"sim"`

	DBPath *string `json:"db_path,omitempty" toml:"db_path"`
	Listen *string `json:"listen,omitempty" toml:"listen"`
}

// Load reads a configuration file. The extension selects the decoder: .json
// or .toml. The result is validated before it is returned.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".toml" {
		return nil, fmt.Errorf("config file must have .json or .toml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown config keys: %v", undecoded)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that every set field holds a usable value.
func (c *Config) Validate() error {
	if c.Source != nil && !slices.Contains(sources, *c.Source) {
		return fmt.Errorf("unknown source %q: expected one of %v", *c.Source, sources)
	}

	for name, d := range map[string]*string{
		"poll_interval":   c.PollInterval,
		"cycle_timeout":   c.CycleTimeout,
		"publish_timeout": c.PublishTimeout,
		"replay_interval": c.ReplayInterval,
	} {
		if err := validateDuration(name, d); err != nil {
			return err
		}
	}
	if c.PollInterval != nil && *c.PollInterval != "" {
		if d, _ := time.ParseDuration(*c.PollInterval); d == 0 {
			return errors.New("poll_interval must be positive")
		}
	}

	layout, err := c.Layout()
	if err != nil {
		return err
	}
	for _, id := range c.RequiredAnchors {
		if _, ok := layout.Lookup(anchors.ID(id)); !ok {
			return fmt.Errorf("required_anchors: %w %d", anchors.ErrUnknownAnchor, id)
		}
	}

	if c.Bounds != nil {
		if err := c.Bounds.Validate(); err != nil {
			return err
		}
	}

	if c.Serial != nil {
		if _, err := c.Serial.Options.Normalize(); err != nil {
			return fmt.Errorf("serial options: %w", err)
		}
	}

	if c.Sim != nil {
		if err := validateDuration("sim.period", c.Sim.Period); err != nil {
			return err
		}
		if c.Sim.Noise != nil && *c.Sim.Noise < 0 {
			return fmt.Errorf("sim.noise must be non-negative, got %g", *c.Sim.Noise)
		}
	}
	return nil
}

func validateDuration(name string, s *string) error {
	if s == nil || *s == "" {
		return nil
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *s, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must be non-negative, got %s", name, *s)
	}
	return nil
}

func duration(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

func str(s *string, def string) string {
	if s == nil || *s == "" {
		return def
	}
	return *s
}

// Layout builds the anchor layout, or DefaultAnchors when none are set.
func (c *Config) Layout() (*anchors.Layout, error) {
	if len(c.Anchors) == 0 {
		return anchors.NewLayout(DefaultAnchors)
	}
	list := make([]anchors.Anchor, len(c.Anchors))
	for i, a := range c.Anchors {
		list[i] = anchors.Anchor{ID: anchors.ID(a.ID), Point: anchors.Point{X: a.X, Y: a.Y}}
	}
	return anchors.NewLayout(list)
}

// GetRequiredAnchors returns the anchors a cycle needs. Defaults to the
// layout's solver anchors.
func (c *Config) GetRequiredAnchors(layout *anchors.Layout) []anchors.ID {
	if len(c.RequiredAnchors) == 0 {
		return layout.SolverIDs()
	}
	ids := make([]anchors.ID, len(c.RequiredAnchors))
	for i, id := range c.RequiredAnchors {
		ids[i] = anchors.ID(id)
	}
	return ids
}

// GetSource returns the transport source. Defaults to serial.
func (c *Config) GetSource() string { return str(c.Source, SourceSerial) }

// GetPollInterval returns the read poll interval. Defaults to 100ms.
func (c *Config) GetPollInterval() time.Duration {
	return duration(c.PollInterval, 100*time.Millisecond)
}

// GetCycleTimeout returns the partial cycle timeout. Zero, the default,
// means partial cycles never expire.
func (c *Config) GetCycleTimeout() time.Duration {
	return duration(c.CycleTimeout, 0)
}

// GetPublishTimeout returns how long a publish waits for slow subscribers.
// Defaults to 50ms.
func (c *Config) GetPublishTimeout() time.Duration {
	return duration(c.PublishTimeout, 50*time.Millisecond)
}

// GetSerialPort returns the serial device path.
func (c *Config) GetSerialPort() string {
	if c.Serial == nil || c.Serial.Port == "" {
		return "/dev/ttyACM0"
	}
	return c.Serial.Port
}

// GetSerialOptions returns the serial line settings.
func (c *Config) GetSerialOptions() serialmux.PortOptions {
	if c.Serial == nil {
		return serialmux.PortOptions{}
	}
	return c.Serial.Options
}

// GetSocketListen returns the TCP address the socket source listens on.
func (c *Config) GetSocketListen() string { return str(c.SocketListen, ":7000") }

// GetReplayPath returns the fixture replayed by the replay source.
func (c *Config) GetReplayPath() string { return str(c.ReplayPath, "") }

// GetReplayInterval returns the pause between replayed lines. Defaults to
// 100ms.
func (c *Config) GetReplayInterval() time.Duration {
	return duration(c.ReplayInterval, 100*time.Millisecond)
}

// GetSimFormat returns the simulated wire format. Defaults to "ranging".
func (c *Config) GetSimFormat() string {
	if c.Sim == nil {
		return "ranging"
	}
	return str(c.Sim.Format, "ranging")
}

// GetSimNoise returns the simulated distance noise. Defaults to 0.
func (c *Config) GetSimNoise() float64 {
	if c.Sim == nil || c.Sim.Noise == nil {
		return 0
	}
	return *c.Sim.Noise
}

// GetSimPeriod returns the lap time of the simulated tag. Defaults to 20s.
func (c *Config) GetSimPeriod() time.Duration {
	if c.Sim == nil {
		return 20 * time.Second
	}
	return duration(c.Sim.Period, 20*time.Second)
}

// GetDBPath returns the SQLite database path. Defaults to positions.db.
func (c *Config) GetDBPath() string { return str(c.DBPath, "positions.db") }

// GetListen returns the HTTP listen address. Defaults to :8080.
func (c *Config) GetListen() string { return str(c.Listen, ":8080") }
