package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hwtopo/internal/codec"
	"hwtopo/internal/loader"
)

func TestFileSourceFormats(t *testing.T) {
	src, err := NewSyntheticSource("", "Package:1 Core:2 PU:2")
	require.NoError(t, err)
	fb, err := src.Discover(t.Context())
	require.NoError(t, err)
	want, err := codec.FingerprintTopology(buildFacts(t, fb))
	require.NoError(t, err)

	dir := t.TempDir()
	factsPath := filepath.Join(dir, "machine.yaml")
	require.NoError(t, loader.Write(factsPath, fb))

	jsonPath := filepath.Join(dir, "machine.json")
	f, err := os.Create(jsonPath)
	require.NoError(t, err)
	require.NoError(t, codec.NewJSONCodec().Export(fb, f))
	require.NoError(t, f.Close())

	cborPath := filepath.Join(dir, "machine.bin")
	f, err = os.Create(cborPath)
	require.NoError(t, err)
	require.NoError(t, codec.NewCBORCodec().Export(fb, f))
	require.NoError(t, f.Close())

	for _, tc := range []struct {
		name   string
		path   string
		format string
	}{
		{"facts by extension", factsPath, ""},
		{"json by extension", jsonPath, ""},
		{"explicit cbor", cborPath, "cbor"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			src := NewFileSource("", tc.path, tc.format)
			assert.Equal(t, "file:"+filepath.Base(tc.path), src.Name())
			assert.Equal(t, tc.path, src.Path())

			got, err := src.Discover(t.Context())
			require.NoError(t, err)
			topo := buildFacts(t, got)
			digest, err := codec.FingerprintTopology(topo)
			require.NoError(t, err)
			assert.Equal(t, want, digest)
		})
	}
}

func TestFileSourceErrors(t *testing.T) {
	_, err := NewFileSource("m", filepath.Join(t.TempDir(), "missing.yaml"), "").Discover(t.Context())
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = NewFileSource("m", filepath.Join(t.TempDir(), "missing.json"), "").Discover(t.Context())
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(t.TempDir(), "m.yaml")
	require.NoError(t, os.WriteFile(path, []byte("objects: ["), 0o644))
	_, err = NewFileSource("m", path, "xml").Discover(t.Context())
	assert.Error(t, err)
}
