// Package config loads the hwtopo daemon configuration.
//
// The file names the discovery sources, the feature tier the topology is
// built with, the snapshot store, and the logging and metrics setup.
//
// Config file locations (priority order):
//  1. $HWTOPO_CONFIG
//  2. ./hwtopo.yaml
//  3. $XDG_CONFIG_HOME/hwtopo/config.yaml or ~/.config/hwtopo/config.yaml
//  4. /etc/hwtopo/config.yaml
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"hwtopo/internal/discovery"
)

// Defaults applied to missing values
const (
	DefaultTier          = TierIO
	DefaultSnapshotsPath = "./hwtopo.db"
	DefaultMetricsPath   = "/metrics"
	DefaultSynthetic     = "Package:1 Core:4 PU:2"

	defaultFilePriority      = 30
	defaultSysfsPriority     = 20
	defaultSyntheticPriority = 10
)

// Load finds and loads the config file, or returns defaults if none found
func Load() (*Config, string, error) {
	path := FindConfigPath()
	if path == "" {
		return DefaultConfig(), "", nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads config from a specific path
func LoadFromPath(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, path, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, path, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, path, nil
}

// Save writes config to the specified path
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// DefaultConfig reads the local machine through sysfs, falling back to a
// small synthetic tree where sysfs is unavailable
func DefaultConfig() *Config {
	cfg := &Config{
		Source: SourceConfig{
			Sysfs:     &SysfsSourceConfig{DetectEnvironment: true, Cgroups: true},
			Synthetic: &SyntheticSourceConfig{Description: DefaultSynthetic},
		},
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in missing values with defaults
func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Features.Tier == "" {
		c.Features.Tier = DefaultTier
	}
	if c.Snapshots.Path == "" {
		c.Snapshots.Path = DefaultSnapshotsPath
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	if f := c.Source.File; f != nil && f.Priority == 0 {
		f.Priority = defaultFilePriority
	}
	if s := c.Source.Sysfs; s != nil {
		if s.Priority == 0 {
			s.Priority = defaultSysfsPriority
		}
		if s.Root == "" {
			s.Root = discovery.DefaultSysfsRoot
		}
	}
	if s := c.Source.Synthetic; s != nil && s.Priority == 0 {
		s.Priority = defaultSyntheticPriority
	}
}

// Validate reports every problem with the configuration at once
func (c *Config) Validate() error {
	var errs []error
	if c.Version != 1 {
		errs = append(errs, fmt.Errorf("unsupported config version %d", c.Version))
	}

	src := c.Source
	if src.File == nil && src.Synthetic == nil && src.Sysfs == nil {
		errs = append(errs, errors.New("source: no discovery source configured"))
	}
	if src.File != nil {
		if src.File.Path == "" {
			errs = append(errs, errors.New("source.file: path is required"))
		}
		switch src.File.Format {
		case "", discovery.FormatFacts, "yaml", "yml", "json", "cbor":
		default:
			errs = append(errs, fmt.Errorf("source.file: unknown format %q", src.File.Format))
		}
	}
	if src.Synthetic != nil {
		if _, err := discovery.ParseSynthetic(src.Synthetic.Description); err != nil {
			errs = append(errs, fmt.Errorf("source.synthetic: %w", err))
		}
	}
	if src.Interval != nil && src.Interval.Duration() < 0 {
		errs = append(errs, errors.New("source.interval: must not be negative"))
	}

	if _, err := c.Features.Resolve(); err != nil {
		errs = append(errs, fmt.Errorf("features: %w", err))
	}
	if c.Snapshots.Retain < 0 {
		errs = append(errs, errors.New("snapshots.retain: must not be negative"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format: want text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// DiscoveryInterval returns the rediscovery period, zero for once
func (c *Config) DiscoveryInterval() time.Duration {
	if c.Source.Interval == nil {
		return 0
	}
	return c.Source.Interval.Duration()
}

// SlogLevel parses Level
func (c LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, err
	}
	return level, nil
}

// NewLogger builds the process logger writing to w
func (c LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := c.SlogLevel()
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch c.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("log.format: want text or json, got %q", c.Format)
}

// Summary returns a human-readable config summary
func (c *Config) Summary() string {
	var b strings.Builder

	var sources []string
	if f := c.Source.File; f != nil {
		s := fmt.Sprintf("file %s (priority %d", f.Path, f.Priority)
		if f.Watch {
			s += ", watched"
		}
		sources = append(sources, s+")")
	}
	if s := c.Source.Sysfs; s != nil {
		sources = append(sources, fmt.Sprintf("sysfs %s (priority %d)", s.Root, s.Priority))
	}
	if s := c.Source.Synthetic; s != nil {
		sources = append(sources, fmt.Sprintf("synthetic %q (priority %d)", s.Description, s.Priority))
	}
	fmt.Fprintf(&b, "Sources: %s\n", strings.Join(sources, ", "))

	if interval := c.DiscoveryInterval(); interval > 0 {
		fmt.Fprintf(&b, "Rediscovery: every %s\n", interval)
	}

	fmt.Fprintf(&b, "Feature tier: %s", c.Features.Tier)
	if len(c.Features.Enable) > 0 {
		fmt.Fprintf(&b, " +%s", strings.Join(c.Features.Enable, " +"))
	}
	if len(c.Features.Disable) > 0 {
		fmt.Fprintf(&b, " -%s", strings.Join(c.Features.Disable, " -"))
	}
	b.WriteString("\n")

	if c.Snapshots.Enabled {
		fmt.Fprintf(&b, "Snapshots: %s", c.Snapshots.Path)
		if info, err := os.Stat(c.Snapshots.Path); err == nil {
			fmt.Fprintf(&b, " (%s)", humanize.IBytes(uint64(info.Size())))
		}
		b.WriteString("\n")
	}
	if c.HTTP.Listen != "" {
		fmt.Fprintf(&b, "HTTP: %s", c.HTTP.Listen)
		if c.Metrics.Enabled {
			fmt.Fprintf(&b, " (metrics at %s)", c.Metrics.Path)
		}
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}
