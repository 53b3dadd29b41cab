// Package config provides configuration parsing and validation for OpenDQ.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/opendq/internal/chaos"
	"github.com/postalsys/opendq/internal/link"
	"github.com/postalsys/opendq/internal/mac"
	"github.com/postalsys/opendq/internal/transport"
)

// Config represents the complete agent configuration.
type Config struct {
	Agent      AgentConfig      `yaml:"agent" toml:"agent"`
	Links      []PortConfig     `yaml:"links" toml:"links"`
	Link       LinkConfig       `yaml:"link" toml:"link"`
	Experiment ExperimentConfig `yaml:"experiment" toml:"experiment"`
	Health     HealthConfig     `yaml:"health" toml:"health"`
	Control    ControlConfig    `yaml:"control" toml:"control"`
	Metrics    MetricsConfig    `yaml:"metrics" toml:"metrics"`
}

// AgentConfig contains process-wide settings.
type AgentConfig struct {
	DataDir   string `yaml:"data_dir" toml:"data_dir"`
	LogLevel  string `yaml:"log_level" toml:"log_level"`
	LogFormat string `yaml:"log_format" toml:"log_format"`
}

// PortConfig names one serial device or tcp:// endpoint to open at startup.
type PortConfig struct {
	Port string `yaml:"port" toml:"port"`
	Baud int    `yaml:"baud" toml:"baud"`
}

// LinkConfig defines settings shared by every link.
type LinkConfig struct {
	ReadTimeout time.Duration   `yaml:"read_timeout" toml:"read_timeout"`
	WriteRate   int             `yaml:"write_rate" toml:"write_rate"` // bytes/s, 0 = unlimited
	FCS         bool            `yaml:"fcs" toml:"fcs"`
	Reconnect   ReconnectConfig `yaml:"reconnect" toml:"reconnect"`
	Faults      []FaultConfig   `yaml:"faults" toml:"faults"`
}

// ReconnectConfig defines reopening of failed ports.
type ReconnectConfig struct {
	Enabled      bool          `yaml:"enabled" toml:"enabled"`
	InitialDelay time.Duration `yaml:"initial_delay" toml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" toml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" toml:"multiplier"`
	Jitter       float64       `yaml:"jitter" toml:"jitter"`
	MaxRetries   int           `yaml:"max_retries" toml:"max_retries"` // 0 = infinite
}

// FaultConfig injects faults into every opened port. Used for soak testing.
type FaultConfig struct {
	Type        string        `yaml:"type" toml:"type"`
	Probability float64       `yaml:"probability" toml:"probability"`
	MinDelay    time.Duration `yaml:"min_delay" toml:"min_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" toml:"max_delay"`
}

// ExperimentConfig holds the default run parameters.
type ExperimentConfig struct {
	MAC        string     `yaml:"mac" toml:"mac"`
	Nodes      int        `yaml:"nodes" toml:"nodes"`
	DurationMs int        `yaml:"duration_ms" toml:"duration_ms"`
	AutoStart  bool       `yaml:"auto_start" toml:"auto_start"`
	RSSI       RSSIConfig `yaml:"rssi" toml:"rssi"`
}

// RSSIConfig selects how raw RSSI bytes are converted.
type RSSIConfig struct {
	Mode   string `yaml:"mode" toml:"mode"`
	Offset int    `yaml:"offset" toml:"offset"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled" toml:"enabled"`
	Address      string        `yaml:"address" toml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	Pprof        bool          `yaml:"pprof" toml:"pprof"`
}

// ControlConfig defines control socket settings.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	SocketPath string `yaml:"socket_path" toml:"socket_path"`
}

// MetricsConfig toggles Prometheus instrumentation.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	rc := link.DefaultReconnectConfig()
	return &Config{
		Agent: AgentConfig{
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Link: LinkConfig{
			ReadTimeout: transport.DefaultReadTimeout,
			FCS:         true,
			Reconnect: ReconnectConfig{
				Enabled:      rc.Enabled,
				InitialDelay: rc.InitialDelay,
				MaxDelay:     rc.MaxDelay,
				Multiplier:   rc.Multiplier,
				Jitter:       rc.Jitter,
				MaxRetries:   rc.MaxAttempts,
			},
		},
		Experiment: ExperimentConfig{
			MAC:        string(mac.VariantDQ),
			Nodes:      1,
			DurationMs: 10000,
			RSSI: RSSIConfig{
				Mode: mac.RSSITwosComplement,
			},
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Control: ControlConfig{
			Enabled:    false,
			SocketPath: "./data/control.sock",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads and parses a configuration file. Files ending in .toml are
// parsed as TOML, everything else as YAML. A .env file next to the config
// file is loaded into the environment first; variables already set win.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return ParseTOML(data)
	}
	return Parse(data)
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// ParseTOML parses configuration from TOML bytes. Durations are written as
// strings ("250ms").
func ParseTOML(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if _, err := toml.Decode(expanded, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Agent.DataDir == "" {
		errs = append(errs, "agent.data_dir is required")
	}
	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}

	seen := make(map[string]bool)
	for i, p := range c.Links {
		if err := validatePort(p); err != nil {
			errs = append(errs, fmt.Sprintf("links[%d]: %v", i, err))
			continue
		}
		if seen[p.Port] {
			errs = append(errs, fmt.Sprintf("links[%d]: duplicate port %s", i, p.Port))
		}
		seen[p.Port] = true
	}

	if c.Link.ReadTimeout <= 0 {
		errs = append(errs, "link.read_timeout must be positive")
	}
	if c.Link.WriteRate < 0 {
		errs = append(errs, "link.write_rate must not be negative")
	}
	if r := c.Link.Reconnect; r.Enabled {
		if r.InitialDelay <= 0 {
			errs = append(errs, "link.reconnect.initial_delay must be positive")
		}
		if r.MaxDelay < r.InitialDelay {
			errs = append(errs, "link.reconnect.max_delay must be >= initial_delay")
		}
		if r.Multiplier < 1 {
			errs = append(errs, "link.reconnect.multiplier must be at least 1")
		}
		if r.Jitter < 0 || r.Jitter > 1 {
			errs = append(errs, "link.reconnect.jitter must be between 0 and 1")
		}
	}
	for i, f := range c.Link.Faults {
		if _, err := chaos.ParseFaultType(f.Type); err != nil {
			errs = append(errs, fmt.Sprintf("link.faults[%d]: %v", i, err))
		}
		if f.Probability < 0 || f.Probability > 1 {
			errs = append(errs, fmt.Sprintf("link.faults[%d]: probability must be between 0 and 1", i))
		}
	}

	if _, err := mac.ParseVariant(c.Experiment.MAC); err != nil {
		errs = append(errs, fmt.Sprintf("experiment.mac: %v", err))
	}
	if c.Experiment.Nodes < 1 || c.Experiment.Nodes > 255 {
		errs = append(errs, "experiment.nodes must be between 1 and 255")
	}
	if c.Experiment.DurationMs < 0 || c.Experiment.DurationMs > 0xFFFF {
		errs = append(errs, "experiment.duration_ms must be between 0 and 65535")
	}
	if _, err := mac.ParseRSSITransform(c.Experiment.RSSI.Mode, c.Experiment.RSSI.Offset); err != nil {
		errs = append(errs, fmt.Sprintf("experiment.rssi: %v", err))
	}
	if c.Experiment.AutoStart && len(c.Links) == 0 {
		errs = append(errs, "experiment.auto_start requires at least one link")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}
	if c.Control.Enabled && c.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	}
	return false
}

func validatePort(p PortConfig) error {
	if p.Port == "" {
		return fmt.Errorf("port is required")
	}
	if p.Baud < 0 {
		return fmt.Errorf("baud must not be negative")
	}
	if transport.KindOf(p.Port) == transport.KindTCP && strings.TrimPrefix(p.Port, transport.TCPScheme) == "" {
		return fmt.Errorf("tcp port %s has no address", p.Port)
	}
	return nil
}

// Specs returns the transport specs of the configured links.
func (c *Config) Specs() []transport.Spec {
	specs := make([]transport.Spec, 0, len(c.Links))
	for _, p := range c.Links {
		specs = append(specs, transport.Spec{
			Name:        p.Port,
			Baud:        p.Baud,
			ReadTimeout: c.Link.ReadTimeout,
		})
	}
	return specs
}

// LinkReconnect converts the reconnect section for the link manager.
func (c *Config) LinkReconnect() link.ReconnectConfig {
	r := c.Link.Reconnect
	return link.ReconnectConfig{
		Enabled:      r.Enabled,
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   r.Multiplier,
		Jitter:       r.Jitter,
		MaxAttempts:  r.MaxRetries,
	}
}

// RSSITransform returns the configured RSSI conversion.
func (c *Config) RSSITransform() (mac.RSSITransform, error) {
	return mac.ParseRSSITransform(c.Experiment.RSSI.Mode, c.Experiment.RSSI.Offset)
}

// Variant returns the configured MAC variant.
func (c *Config) Variant() (mac.Variant, error) {
	return mac.ParseVariant(c.Experiment.MAC)
}

// FaultConfigs converts the fault section for the chaos injector.
func (c *Config) FaultConfigs() ([]chaos.FaultConfig, error) {
	out := make([]chaos.FaultConfig, 0, len(c.Link.Faults))
	for _, f := range c.Link.Faults {
		t, err := chaos.ParseFaultType(f.Type)
		if err != nil {
			return nil, err
		}
		out = append(out, chaos.FaultConfig{
			Type:        t,
			Probability: f.Probability,
			MinDelay:    f.MinDelay,
			MaxDelay:    f.MaxDelay,
		})
	}
	return out, nil
}

// String returns the configuration as YAML.
func (c *Config) String() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("error marshaling config: %v", err)
	}
	return string(data)
}
