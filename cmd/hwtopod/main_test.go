package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hwtopo/internal/discovery"
	"hwtopo/internal/hub"
	"hwtopo/internal/service"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hwtopo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
source:
  synthetic:
    description: "Package:1 Core:2 PU:2"
http:
  listen: ":9400"
`)

	cfg, got, err := loadConfig(options{configPath: path, listen: "127.0.0.1:0", logLevel: "debug"})
	require.NoError(t, err)
	assert.Equal(t, path, got)
	assert.Equal(t, "127.0.0.1:0", cfg.HTTP.Listen)
	assert.Equal(t, "debug", cfg.Log.Level)

	_, _, err = loadConfig(options{configPath: path, logLevel: "chatty"})
	assert.ErrorContains(t, err, "log.level")

	_, _, err = loadConfig(options{configPath: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestBuildRegistry(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
source:
  file:
    path: `+filepath.Join(dir, "facts.yaml")+`
    watch: true
  sysfs:
    root: `+filepath.Join(dir, "no-sysfs")+`
  synthetic:
    description: "Package:1 Core:2 PU:2"
`)
	cfg, _, err := loadConfig(options{configPath: path})
	require.NoError(t, err)

	registry, file, err := buildRegistry(cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	require.NotNil(t, file)
	assert.Equal(t, filepath.Join(dir, "facts.yaml"), file.Path())

	var names []string
	for _, info := range registry.ListSources() {
		names = append(names, info.Name)
	}
	assert.Equal(t, []string{"file", "sysfs", "synthetic"}, names)

	// neither the fact file nor the sysfs tree exist, so synthetic wins
	res, err := registry.Discover(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "synthetic", res.Source)
	assert.Equal(t, discovery.SourceKindSynthetic, res.Kind)
}

func TestBuildRegistryInvalidSynthetic(t *testing.T) {
	cfg, _, err := loadConfig(options{configPath: writeConfig(t, `
source:
  synthetic:
    description: "Package:1 Core:2 PU:2"
`)})
	require.NoError(t, err)
	cfg.Source.Synthetic.Description = "Core:2 Package:1"

	_, _, err = buildRegistry(cfg, slog.New(slog.DiscardHandler))
	assert.ErrorContains(t, err, "invalid synthetic description")
}

func TestExportOnce(t *testing.T) {
	cfg, _, err := loadConfig(options{configPath: writeConfig(t, `
source:
  synthetic:
    description: "Package:1 Core:2 PU:2"
`)})
	require.NoError(t, err)

	// exportOnce writes to stdout; swap it for a pipe
	r, w, err := os.Pipe()
	require.NoError(t, err)
	stdout := os.Stdout
	os.Stdout = w
	err = exportOnce(t.Context(), cfg, slog.New(slog.DiscardHandler), "text")
	os.Stdout = stdout
	require.NoError(t, w.Close())
	require.NoError(t, err)

	var out bytes.Buffer
	_, err = out.ReadFrom(r)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Machine:0")
	assert.Contains(t, out.String(), "PU:3")
}

func TestForwardEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	bus := service.NewEventBus()
	events := hub.New(slog.New(slog.DiscardHandler))

	done := make(chan struct{})
	go func() {
		forwardEvents(ctx, bus, events)
		close(done)
	}()
	cancel()
	<-done
	assert.NoError(t, ignoreCanceled(ctx.Err()))
}
