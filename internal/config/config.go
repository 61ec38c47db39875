package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Sensor          SensorConfig      `yaml:"sensor"`
	Output          OutputConfig      `yaml:"output"`
	Control         ControlConfig     `yaml:"control"`
	Zones           []ZoneConfig      `yaml:"zones"`
	Database        DatabaseConfig    `yaml:"database"`
	Log             LogConfig         `yaml:"log"`
	Ledger          LedgerConfig      `yaml:"ledger"`
	Healthcheck     HealthcheckConfig `yaml:"healthcheck"`
	EventBus        EventBusConfig    `yaml:"eventbus"`
	CSV             CSVConfig         `yaml:"csv"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// SensorConfig selects the ambient light sensor
type SensorConfig struct {
	Type string `yaml:"type"` // file | script
	Path string `yaml:"path"` // file sensor: value file; script sensor: Lua file
	// Script is inline Lua source for the script sensor, used when Path is empty.
	Script string `yaml:"script"`
}

// OutputConfig selects the brightness output
type OutputConfig struct {
	Type       string           `yaml:"type"`    // file | ddcutil
	Path       string           `yaml:"path"`    // file output
	Display    int              `yaml:"display"` // ddcutil display number
	ValueRange ValueRangeConfig `yaml:"value_range"`
}

// ValueRangeConfig maps 0-100% onto the device's native range
type ValueRangeConfig struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// ControlConfig contains control loop and command socket settings
type ControlConfig struct {
	TCP                  TCPConfig  `yaml:"tcp"`
	Unix                 UnixConfig `yaml:"unix"`
	ResponseRouting      string     `yaml:"response_routing"` // origin | broadcast
	UpdateIntervalMs     int        `yaml:"update_interval_ms"`
	AutoResumeTimeoutSec int        `yaml:"auto_resume_timeout_sec"`
	FallbackBrightness   *int       `yaml:"fallback_brightness"`
	StateFile            string     `yaml:"state_file"`
	HysteresisPercent    float64    `yaml:"hysteresis_percent"`
	PersistInterval      Duration   `yaml:"persist_interval"`
	SensorErrorTimeout   Duration   `yaml:"sensor_error_timeout"`
}

// TCPConfig contains TCP control socket settings
type TCPConfig struct {
	Enabled *bool  `yaml:"enabled"` // default: true
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// UnixConfig contains Unix domain control socket settings
type UnixConfig struct {
	Enabled     *bool  `yaml:"enabled"` // default: true
	Path        string `yaml:"path"`
	Permissions string `yaml:"permissions"` // octal, e.g. "0660"
	Owner       string `yaml:"owner"`       // empty keeps the process owner
	Group       string `yaml:"group"`
}

// ZoneConfig is one zone table entry
type ZoneConfig struct {
	Name            string                `yaml:"name"`
	LuxRange        []float64             `yaml:"lux_range"`        // [min, max)
	BrightnessRange []int                 `yaml:"brightness_range"` // [min, max]
	Curve           string                `yaml:"curve"`            // linear | logarithmic | script
	Script          string                `yaml:"script"`           // Lua source defining curve(x)
	StepSizes       *StepSizesConfig      `yaml:"step_sizes"`
	ErrorThresholds *ErrorThresholdConfig `yaml:"error_thresholds"`
}

// StepSizesConfig overrides ramp step sizes for a zone.
// Omitted fields keep the built-in default.
type StepSizesConfig struct {
	LargeUp    *int `yaml:"large_up"`
	MediumUp   *int `yaml:"medium_up"`
	SmallUp    *int `yaml:"small_up"`
	LargeDown  *int `yaml:"large_down"`
	MediumDown *int `yaml:"medium_down"`
	SmallDown  *int `yaml:"small_down"`
}

// ErrorThresholdConfig overrides ramp error thresholds for a zone.
// Omitted fields keep the built-in default.
type ErrorThresholdConfig struct {
	Large *int `yaml:"large"`
	Small *int `yaml:"small"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	JSON   bool   `yaml:"json"`
	Colors bool   `yaml:"colors"`
}

// LedgerConfig contains event ledger settings
type LedgerConfig struct {
	Enabled         *bool    `yaml:"enabled"` // default: true
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// HealthcheckConfig contains health check server settings
type HealthcheckConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 4)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 100)
}

// CSVConfig contains per-tick diagnostics settings
type CSVConfig struct {
	Path string `yaml:"path"` // empty disables CSV logging
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// UpdateInterval returns the control loop period
func (c *ControlConfig) UpdateInterval() time.Duration {
	return time.Duration(c.UpdateIntervalMs) * time.Millisecond
}

// AutoResumeTimeout returns the manual_temporary inactivity timeout
func (c *ControlConfig) AutoResumeTimeout() time.Duration {
	return time.Duration(c.AutoResumeTimeoutSec) * time.Second
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads, parses, defaults and validates the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse is Load without the file read
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func boolPtr(b bool) *bool { return &b }

func (cfg *Config) setDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./alsd.sqlite"
	}

	// Devices
	if cfg.Sensor.Type == "" {
		cfg.Sensor.Type = "file"
	}
	if cfg.Output.Type == "" {
		cfg.Output.Type = "file"
	}
	if cfg.Output.ValueRange.Min == 0 && cfg.Output.ValueRange.Max == 0 {
		cfg.Output.ValueRange.Max = 100
	}

	// Control sockets
	c := &cfg.Control
	if c.TCP.Enabled == nil {
		c.TCP.Enabled = boolPtr(true)
	}
	if c.TCP.Address == "" {
		c.TCP.Address = "127.0.0.1"
	}
	if c.TCP.Port == 0 {
		c.TCP.Port = 9000
	}
	if c.Unix.Enabled == nil {
		c.Unix.Enabled = boolPtr(true)
	}
	if c.Unix.Path == "" {
		c.Unix.Path = "/tmp/alsd.sock"
	}
	if c.Unix.Permissions == "" {
		c.Unix.Permissions = "0660"
	}
	if c.ResponseRouting == "" {
		c.ResponseRouting = "origin"
	}

	// Control loop
	if c.UpdateIntervalMs == 0 {
		c.UpdateIntervalMs = 500
	}
	if c.AutoResumeTimeoutSec == 0 {
		c.AutoResumeTimeoutSec = 60
	}
	if c.FallbackBrightness == nil {
		fb := 50
		c.FallbackBrightness = &fb
	}
	if c.StateFile == "" {
		c.StateFile = "/var/lib/alsd/state.json"
	}
	if c.PersistInterval == 0 {
		c.PersistInterval = Duration(60 * time.Second)
	}
	if c.SensorErrorTimeout == 0 {
		c.SensorErrorTimeout = Duration(300 * time.Second)
	}

	// Zone curves default to linear
	for i := range cfg.Zones {
		if cfg.Zones[i].Curve == "" {
			cfg.Zones[i].Curve = "linear"
		}
	}

	// Ledger defaults
	if cfg.Ledger.Enabled == nil {
		cfg.Ledger.Enabled = boolPtr(true)
	}
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	// Healthcheck defaults
	if cfg.Healthcheck.Port == 0 {
		cfg.Healthcheck.Port = 9090
	}
	if cfg.Healthcheck.Host == "" {
		cfg.Healthcheck.Host = "0.0.0.0"
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

var octalPerm = regexp.MustCompile(`^[0-7]{3,4}$`)

// Validate checks ranges and required fields. It expects defaults to be applied.
func (cfg *Config) Validate() error {
	switch cfg.Sensor.Type {
	case "file":
		if cfg.Sensor.Path == "" {
			return fmt.Errorf("sensor.path is required for file sensor")
		}
	case "script":
		if cfg.Sensor.Path == "" && cfg.Sensor.Script == "" {
			return fmt.Errorf("sensor.path or sensor.script is required for script sensor")
		}
	default:
		return fmt.Errorf("unknown sensor type: %q", cfg.Sensor.Type)
	}

	switch cfg.Output.Type {
	case "file":
		if cfg.Output.Path == "" {
			return fmt.Errorf("output.path is required for file output")
		}
	case "ddcutil":
		if cfg.Output.Display < 1 {
			return fmt.Errorf("output.display must be >= 1 for ddcutil output")
		}
	default:
		return fmt.Errorf("unknown output type: %q", cfg.Output.Type)
	}
	if cfg.Output.ValueRange.Min >= cfg.Output.ValueRange.Max {
		return fmt.Errorf("output.value_range min must be less than max")
	}

	for i, z := range cfg.Zones {
		if z.Name == "" {
			return fmt.Errorf("zones[%d]: name is required", i)
		}
		if len(z.LuxRange) != 2 {
			return fmt.Errorf("zone %q: lux_range must have exactly 2 values [min, max]", z.Name)
		}
		if z.LuxRange[0] >= z.LuxRange[1] {
			return fmt.Errorf("zone %q: lux_range min must be less than max", z.Name)
		}
		if len(z.BrightnessRange) != 2 {
			return fmt.Errorf("zone %q: brightness_range must have exactly 2 values [min, max]", z.Name)
		}
		if z.BrightnessRange[0] < 0 || z.BrightnessRange[1] > 100 || z.BrightnessRange[0] > z.BrightnessRange[1] {
			return fmt.Errorf("zone %q: brightness_range must be an ordered range within 0-100", z.Name)
		}
		switch strings.ToLower(z.Curve) {
		case "linear", "logarithmic", "log":
		case "script", "lua":
			if strings.TrimSpace(z.Script) == "" {
				return fmt.Errorf("zone %q: script curve requires script", z.Name)
			}
		default:
			return fmt.Errorf("zone %q: curve must be 'linear', 'logarithmic' or 'script'", z.Name)
		}
		if s := z.StepSizes; s != nil {
			for _, v := range []*int{s.LargeUp, s.MediumUp, s.SmallUp, s.LargeDown, s.MediumDown, s.SmallDown} {
				if v != nil && *v < 1 {
					return fmt.Errorf("zone %q: step_sizes must be >= 1", z.Name)
				}
			}
		}
		if t := z.ErrorThresholds; t != nil {
			if (t.Small != nil && *t.Small < 0) || (t.Large != nil && *t.Large < 0) {
				return fmt.Errorf("zone %q: error_thresholds must not be negative", z.Name)
			}
			if t.Small != nil && t.Large != nil && *t.Large < *t.Small {
				return fmt.Errorf("zone %q: error_thresholds must satisfy 0 <= small <= large", z.Name)
			}
		}
	}

	c := &cfg.Control
	if !*c.TCP.Enabled && !*c.Unix.Enabled {
		return fmt.Errorf("control: at least one of tcp or unix must be enabled")
	}
	if c.TCP.Port < 1 || c.TCP.Port > 65535 {
		return fmt.Errorf("control.tcp.port must be between 1 and 65535")
	}
	if !octalPerm.MatchString(c.Unix.Permissions) {
		return fmt.Errorf("control.unix.permissions must be a 3-4 digit octal string (e.g. '0660')")
	}
	switch c.ResponseRouting {
	case "origin", "broadcast":
	default:
		return fmt.Errorf("control.response_routing must be 'origin' or 'broadcast'")
	}
	if c.UpdateIntervalMs < 100 || c.UpdateIntervalMs > 10000 {
		return fmt.Errorf("control.update_interval_ms must be between 100 and 10000")
	}
	if c.AutoResumeTimeoutSec < 0 {
		return fmt.Errorf("control.auto_resume_timeout_sec must not be negative")
	}
	if *c.FallbackBrightness < 0 || *c.FallbackBrightness > 100 {
		return fmt.Errorf("control.fallback_brightness must be between 0 and 100")
	}
	if c.HysteresisPercent < 0 || c.HysteresisPercent > 100 {
		return fmt.Errorf("control.hysteresis_percent must be between 0 and 100")
	}

	switch cfg.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: trace, debug, info, warn, error")
	}
	return nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
