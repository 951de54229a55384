package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hwtopo/internal/topology"
)

func TestTierLevel(t *testing.T) {
	tests := []struct {
		tier  Tier
		level int
	}{
		{TierCore, 0},
		{TierEditing, 1},
		{TierDistance, 2},
		{TierMemAttrs, 3},
		{TierIO, 4},
		{Tier("bogus"), -1},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.level, tt.tier.Level(), tt.tier)
	}
}

func TestTierAllows(t *testing.T) {
	tests := []struct {
		current  Tier
		required Tier
		allowed  bool
	}{
		{TierIO, TierCore, true},
		{TierIO, TierIO, true},
		{TierDistance, TierEditing, true},
		{TierDistance, TierMemAttrs, false},
		{TierCore, TierCore, true},
		{TierCore, TierEditing, false},
		{Tier("bogus"), TierCore, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, tt.current.Allows(tt.required), "%s allows %s", tt.current, tt.required)
	}
}

func TestParseTier(t *testing.T) {
	got, err := ParseTier("memory_attributes")
	require.NoError(t, err)
	assert.Equal(t, TierMemAttrs, got)

	_, err = ParseTier("discovery")
	assert.Error(t, err)
	_, err = ParseTier("")
	assert.Error(t, err)
}

func TestTierFeatures(t *testing.T) {
	assert.ElementsMatch(t, topology.AllFeatureNames(), TierIO.Features(), "the top tier enables everything")

	core := topology.NewFeatures(TierCore.Features()...)
	assert.True(t, core.Has(topology.FeatureExport))
	assert.False(t, core.Has(topology.FeatureEditRestrict))

	dist := topology.NewFeatures(TierDistance.Features()...)
	assert.True(t, dist.Has(topology.FeatureEditRestrict))
	assert.True(t, dist.Has(topology.FeatureDistances))
	assert.False(t, dist.Has(topology.FeatureMemAttrs))

	// every feature belongs to exactly one tier
	for _, f := range topology.AllFeatureNames() {
		tier, ok := TierOf(f)
		require.True(t, ok, f)
		assert.Contains(t, tier.Features(), f)
	}
}

func TestFeaturesResolve(t *testing.T) {
	fs, err := FeaturesConfig{}.Resolve()
	require.NoError(t, err)
	assert.Equal(t, topology.AllFeatures().List(), fs.List(), "empty tier means the default")

	fs, err = FeaturesConfig{
		Tier:    TierEditing,
		Enable:  []string{"memory_attributes"},
		Disable: []string{"edit_merge"},
	}.Resolve()
	require.NoError(t, err)
	assert.True(t, fs.Has(topology.FeatureMemAttrs))
	assert.False(t, fs.Has(topology.FeatureEditMerge))
	assert.False(t, fs.Has(topology.FeatureDistances))

	_, err = FeaturesConfig{Tier: "everything"}.Resolve()
	assert.Error(t, err)
	_, err = FeaturesConfig{Enable: []string{"telepathy"}}.Resolve()
	assert.ErrorContains(t, err, "telepathy")

	infos, err := FeaturesConfig{Tier: TierCore}.List()
	require.NoError(t, err)
	require.Len(t, infos, len(topology.AllFeatureNames()))
	for _, info := range infos {
		assert.Equal(t, info.Tier == TierCore, info.Enabled, info.Name)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 1, cfg.Version)
	assert.Equal(t, TierIO, cfg.Features.Tier)
	require.NotNil(t, cfg.Source.Sysfs)
	require.NotNil(t, cfg.Source.Synthetic)
	assert.Nil(t, cfg.Source.File)
	assert.Greater(t, cfg.Source.Sysfs.Priority, cfg.Source.Synthetic.Priority)
	assert.Equal(t, "/sys", cfg.Source.Sysfs.Root)
	assert.Zero(t, cfg.DiscoveryInterval())
	assert.NotEmpty(t, cfg.Snapshots.Path)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no sources", func(c *Config) { c.Source = SourceConfig{} }, "no discovery source"},
		{"file without path", func(c *Config) { c.Source.File = &FileSourceConfig{} }, "path is required"},
		{"bad file format", func(c *Config) { c.Source.File = &FileSourceConfig{Path: "x", Format: "xml"} }, "unknown format"},
		{"bad synthetic", func(c *Config) { c.Source.Synthetic.Description = "Core:2" }, "source.synthetic"},
		{"negative interval", func(c *Config) { d := Duration(-time.Second); c.Source.Interval = &d }, "source.interval"},
		{"bad tier", func(c *Config) { c.Features.Tier = "max" }, "features"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"negative retain", func(c *Config) { c.Snapshots.Retain = -1 }, "snapshots.retain"},
		{"version", func(c *Config) { c.Version = 2 }, "version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	cfg := DefaultConfig()
	cfg.Log.Level = "loud"
	cfg.Features.Tier = "max"
	err := cfg.Validate()
	assert.ErrorContains(t, err, "log.level")
	assert.ErrorContains(t, err, "features", "all problems are reported")
}

func TestSaveAndLoad(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Source.File = &FileSourceConfig{Path: "/var/lib/hwtopo/machine.yaml", Watch: true}
	interval := Duration(10 * time.Minute)
	cfg.Source.Interval = &interval
	cfg.Features = FeaturesConfig{Tier: TierDistance, Disable: []string{"distance_transform"}}
	cfg.Snapshots = SnapshotsConfig{Enabled: true, Path: "/tmp/snap.db", Retain: 5}
	require.NoError(t, cfg.Save(configPath))

	loaded, path, err := LoadFromPath(configPath)
	require.NoError(t, err)
	assert.Equal(t, configPath, path)

	require.NotNil(t, loaded.Source.File)
	assert.Equal(t, "/var/lib/hwtopo/machine.yaml", loaded.Source.File.Path)
	assert.True(t, loaded.Source.File.Watch)
	assert.Equal(t, 30, loaded.Source.File.Priority)
	assert.Equal(t, 10*time.Minute, loaded.DiscoveryInterval())
	assert.Equal(t, TierDistance, loaded.Features.Tier)
	assert.Equal(t, []string{"distance_transform"}, loaded.Features.Disable)
	assert.Equal(t, 5, loaded.Snapshots.Retain)
}

func TestLoadFromPathErrors(t *testing.T) {
	_, _, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("source: [unterminated"), 0o644))
	_, _, err = LoadFromPath(bad)
	assert.ErrorContains(t, err, "parse config")

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("features:\n  tier: max\nsource:\n  synthetic:\n    description: PU:2\n"), 0o644))
	_, _, err = LoadFromPath(invalid)
	assert.ErrorContains(t, err, "invalid config")

	minimal := filepath.Join(dir, "minimal.yaml")
	require.NoError(t, os.WriteFile(minimal, []byte("source:\n  synthetic:\n    description: Package:2 PU:2\n"), 0o644))
	cfg, _, err := LoadFromPath(minimal)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Source.Synthetic.Priority)
	assert.Nil(t, cfg.Source.Sysfs)
}

func TestFindConfigPath(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, DefaultConfig().Save(filepath.Join(tmpDir, ConfigFileName)))

	t.Chdir(tmpDir)
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("HOME", t.TempDir())

	found := FindConfigPath()
	assert.Equal(t, ConfigFileName, filepath.Base(found), "working directory config")

	// a missing explicit path falls through to the next candidate
	t.Setenv(EnvConfigPath, "/nonexistent/path.yaml")
	assert.Equal(t, found, FindConfigPath())

	explicit := filepath.Join(t.TempDir(), "explicit.yaml")
	require.NoError(t, DefaultConfig().Save(explicit))
	t.Setenv(EnvConfigPath, explicit)
	assert.Equal(t, explicit, FindConfigPath())

	paths := SearchPaths()
	assert.Equal(t, explicit, paths[0])
	assert.Equal(t, "/etc/hwtopo/config.yaml", paths[len(paths)-1])
}

func TestDuration(t *testing.T) {
	d := Duration(5 * time.Minute)
	assert.Equal(t, 5*time.Minute, d.Duration())

	marshaled, err := d.MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "5m0s", marshaled)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept", "objects", 3)
	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, `"msg":"kept"`)
	assert.Contains(t, out, `"objects":3`)

	_, err = LogConfig{Level: "info", Format: "xml"}.NewLogger(&buf)
	assert.Error(t, err)
}

func TestSummary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Features.Disable = []string{"io_devices"}
	cfg.HTTP.Listen = ":9400"
	cfg.Metrics.Enabled = true

	summary := cfg.Summary()
	lines := strings.Split(summary, "\n")
	assert.Contains(t, lines[0], "sysfs /sys (priority 20)")
	assert.Contains(t, lines[0], `synthetic "Package:1 Core:4 PU:2" (priority 10)`)
	assert.Contains(t, summary, "Feature tier: io -io_devices")
	assert.Contains(t, summary, "HTTP: :9400 (metrics at /metrics)")
}
