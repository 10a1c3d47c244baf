// YAML config loader with CUE schema validation
package config

import (
	"fmt"
	"os"

	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
	goyaml "gopkg.in/yaml.v3"

	"epmon/internal/telemetry"
)

// Channel kinds understood by the pipeline. EGT and CHT channels carry a
// cylinder index; the rest are singletons.
const (
	KindRPM      = "rpm"
	KindEGT      = "egt"
	KindCHT      = "cht"
	KindFuelFlow = "fuel_flow"
	KindOilPress = "oil_press"
	KindOilTemp  = "oil_temp"
	KindMAP      = "map"
	KindVolts    = "volts"
	KindOAT      = "oat"
)

// Channel describes one sensor channel sampled by the SAU.
type Channel struct {
	ID       uint8   `yaml:"id"`
	Name     string  `yaml:"name"`
	Kind     string  `yaml:"kind"`
	Unit     string  `yaml:"unit"`
	RateHz   float64 `yaml:"rate_hz"`
	Cylinder int     `yaml:"cylinder,omitempty"`
}

// Threshold defines one alerting band for a parameter. A value below Low or
// above High violates the band. Low or High may be omitted for one-sided
// bands. Hysteresis is the margin the value must clear before the evaluator
// downgrades again.
type Threshold struct {
	Parameter  string   `yaml:"parameter"`
	Severity   string   `yaml:"severity"`
	Low        *float64 `yaml:"low,omitempty"`
	High       *float64 `yaml:"high,omitempty"`
	Hysteresis float64  `yaml:"hysteresis,omitempty"`
}

// Flight holds engine start/stop detection settings.
type Flight struct {
	IdleRPM   float64 `yaml:"idle_rpm"`
	StopRPM   float64 `yaml:"stop_rpm"`
	StopHoldS float64 `yaml:"stop_hold_s"`
}

// Recorder holds flight log settings.
type Recorder struct {
	Dir         string `yaml:"dir"`
	BufferDepth int    `yaml:"buffer_depth"`
}

// Bus holds transport settings for the receive path.
type Bus struct {
	QueueDepth int `yaml:"queue_depth"`
}

// Analytics holds the lean-assist window settings, expressed in ticks.
type Analytics struct {
	WindowTicks int `yaml:"window_ticks"`
	SmoothTicks int `yaml:"smooth_ticks"`
}

// SAU holds simulator behavior rates.
type SAU struct {
	Noise       float64 `yaml:"noise"`
	FaultRate   float64 `yaml:"fault_rate"`
	CorruptRate float64 `yaml:"corrupt_rate"`
}

// Config is the root configuration for the monitor.
type Config struct {
	Channels   []Channel   `yaml:"channels"`
	Thresholds []Threshold `yaml:"thresholds"`
	Flight     Flight      `yaml:"flight"`
	Recorder   Recorder    `yaml:"recorder"`
	Bus        Bus         `yaml:"bus"`
	Analytics  Analytics   `yaml:"analytics"`
	SAU        SAU         `yaml:"sau"`
}

// Load loads YAML config, validates it against the CUE schema, and applies
// defaults.
func Load(configPath, cueSchemaPath string) (*Config, error) {
	if err := ValidateWithCue(configPath, cueSchemaPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := goyaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateWithCue validates a YAML configuration file using a CUE schema file.
func ValidateWithCue(configFile, cueFile string) error {
	ctx := cuecontext.New()

	yamlBytes, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("cannot read YAML config: %w", err)
	}
	file, err := yaml.Extract(configFile, yamlBytes)
	if err != nil {
		return fmt.Errorf("cannot parse YAML config: %w", err)
	}
	configVal := ctx.BuildFile(file)
	if configVal.Err() != nil {
		return fmt.Errorf("cannot build YAML config: %w", configVal.Err())
	}

	schemaBytes, err := os.ReadFile(cueFile)
	if err != nil {
		return fmt.Errorf("cannot read CUE schema: %w", err)
	}
	schemaVal := ctx.CompileBytes(schemaBytes)

	final := configVal.Unify(schemaVal)
	if final.Err() != nil {
		return fmt.Errorf("schema unify failed: %w", final.Err())
	}
	if err := final.Validate(); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Bus.QueueDepth <= 0 {
		c.Bus.QueueDepth = 16
	}
	if c.Recorder.BufferDepth <= 0 {
		c.Recorder.BufferDepth = 128
	}
	if c.Recorder.Dir == "" {
		c.Recorder.Dir = "data/flights"
	}
	if c.Analytics.WindowTicks <= 0 {
		c.Analytics.WindowTicks = 600
	}
	if c.Analytics.SmoothTicks <= 0 {
		c.Analytics.SmoothTicks = 5
	}
	if c.Flight.IdleRPM <= 0 {
		c.Flight.IdleRPM = 800
	}
	if c.Flight.StopRPM <= 0 {
		c.Flight.StopRPM = 500
	}
	if c.Flight.StopHoldS <= 0 {
		c.Flight.StopHoldS = 30
	}
}

// check enforces constraints the CUE schema cannot express across entries.
func (c *Config) check() error {
	if len(c.Channels) == 0 {
		return fmt.Errorf("no channels defined")
	}
	seenID := make(map[uint8]bool)
	seenName := make(map[string]bool)
	for _, ch := range c.Channels {
		if seenID[ch.ID] {
			return fmt.Errorf("duplicate channel id %d", ch.ID)
		}
		if seenName[ch.Name] {
			return fmt.Errorf("duplicate channel name %q", ch.Name)
		}
		seenID[ch.ID] = true
		seenName[ch.Name] = true
	}
	if _, ok := c.ChannelOfKind(KindRPM); !ok {
		return fmt.Errorf("no rpm channel defined; flight detection requires one")
	}
	if c.Flight.IdleRPM <= c.Flight.StopRPM {
		return fmt.Errorf("flight idle_rpm %v must exceed stop_rpm %v", c.Flight.IdleRPM, c.Flight.StopRPM)
	}
	return nil
}

// ChannelByID returns the channel with the given bus id.
func (c *Config) ChannelByID(id telemetry.ChannelID) (Channel, bool) {
	for _, ch := range c.Channels {
		if telemetry.ChannelID(ch.ID) == id {
			return ch, true
		}
	}
	return Channel{}, false
}

// ChannelByName returns the channel with the given name.
func (c *Config) ChannelByName(name string) (Channel, bool) {
	for _, ch := range c.Channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return Channel{}, false
}

// ChannelOfKind returns the first channel of the given kind.
func (c *Config) ChannelOfKind(kind string) (Channel, bool) {
	for _, ch := range c.Channels {
		if ch.Kind == kind {
			return ch, true
		}
	}
	return Channel{}, false
}

// ChannelsOfKind returns all channels of the given kind, in config order.
func (c *Config) ChannelsOfKind(kind string) []Channel {
	var out []Channel
	for _, ch := range c.Channels {
		if ch.Kind == kind {
			out = append(out, ch)
		}
	}
	return out
}
