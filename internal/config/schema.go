package config

import (
	"time"
)

// Config is the root configuration structure
type Config struct {
	Version   int             `yaml:"version"`
	Source    SourceConfig    `yaml:"source"`
	Features  FeaturesConfig  `yaml:"features"`
	Snapshots SnapshotsConfig `yaml:"snapshots"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// SourceConfig selects where the fact base comes from. Every configured
// source is registered; the highest priority one that produces facts wins.
type SourceConfig struct {
	File      *FileSourceConfig      `yaml:"file,omitempty"`
	Synthetic *SyntheticSourceConfig `yaml:"synthetic,omitempty"`
	Sysfs     *SysfsSourceConfig     `yaml:"sysfs,omitempty"`
	// Interval re-runs discovery periodically; zero discovers once
	Interval *Duration `yaml:"interval,omitempty"`
}

// FileSourceConfig reads a fact file or an exported document
type FileSourceConfig struct {
	Path     string `yaml:"path"`
	Format   string `yaml:"format,omitempty"` // facts, yaml, json or cbor; from the extension when empty
	Watch    bool   `yaml:"watch,omitempty"`  // reload when the file changes
	Priority int    `yaml:"priority,omitempty"`
}

// SyntheticSourceConfig generates a tree from a description such as
// "NUMANode:2 Package:1 L3Cache:1 Core:4 PU:2"
type SyntheticSourceConfig struct {
	Description string `yaml:"description"`
	Priority    int    `yaml:"priority,omitempty"`
}

// SysfsSourceConfig reads the local machine
type SysfsSourceConfig struct {
	Root              string `yaml:"root,omitempty"`
	DetectEnvironment bool   `yaml:"detect_environment,omitempty"`
	Cgroups           bool   `yaml:"cgroups,omitempty"` // record cgroup CPU and memory limits
	Priority          int    `yaml:"priority,omitempty"`
}

// FeaturesConfig picks a tier and adjusts it feature by feature
type FeaturesConfig struct {
	Tier    Tier     `yaml:"tier"`
	Enable  []string `yaml:"enable,omitempty"`
	Disable []string `yaml:"disable,omitempty"`
}

// SnapshotsConfig holds the snapshot store settings
type SnapshotsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	// Retain bounds the stored snapshots, oldest pruned first; zero keeps all
	Retain int `yaml:"retain,omitempty"`
}

// LogConfig configures the process logger
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"`
}

// HTTPConfig configures the API listener. Empty Listen disables it.
type HTTPConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// Duration wraps time.Duration for YAML unmarshaling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
