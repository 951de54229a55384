package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"hwtopo/internal/topology"
)

const sampleFacts = `
version: "1"
objects:
  - id: machine
    type: Machine
    infos:
      Vendor: acme
  - id: numa0
    parent: machine
    type: NUMANode
    os_index: 0
    numa:
      memory: 16GiB
      page_types:
        - {size: 4KiB, count: 4194304}
  - id: pkg0
    parent: machine
    type: socket
    os_index: 0
  - id: l3
    parent: pkg0
    type: L3
    cache:
      size: 32MiB
      line_size: 64
  - id: core0
    parent: l3
    type: Core
    os_index: 0
  - id: pu0
    parent: core0
    type: PU
    os_index: 0
  - id: pu1
    parent: core0
    type: PU
    os_index: 1
  - id: core1
    parent: l3
    type: Core
    os_index: 1
  - id: pu2
    parent: core1
    type: PU
    os_index: 2
  - id: pu3
    parent: core1
    type: PU
    os_index: 3
distances:
  - name: pu-hops
    kind: latency|from_user
    objects: [pu0, pu2]
    values: [0, 4, 4, 0]
memattrs:
  - name: Latency
    values:
      - initiator: pkg0
        target: numa0
        value: 95
  - name: Endurance
    policy: higher_first
    values:
      - target: numa0
        value: 3
`

func TestParse(t *testing.T) {
	fb, err := Parse([]byte(sampleFacts))
	require.NoError(t, err)
	require.Len(t, fb.Objects, 10)

	numa := fb.Objects[1]
	assert.Equal(t, topology.TypeNUMANode, numa.Type)
	require.NotNil(t, numa.OSIndex)
	attrs, ok := numa.Attributes.(topology.NUMANodeAttributes)
	require.True(t, ok)
	assert.Equal(t, uint64(16<<30), attrs.LocalMemory)
	assert.Equal(t, []topology.PageType{{Size: 4096, Count: 4194304}}, attrs.PageTypes)

	assert.Equal(t, topology.TypePackage, fb.Objects[2].Type, "aliases are accepted")

	cache, ok := fb.Objects[3].Attributes.(topology.CacheAttributes)
	require.True(t, ok)
	assert.Equal(t, uint64(32<<20), cache.Size)
	assert.Equal(t, 3, cache.Depth, "depth defaults to the cache level")
	assert.Equal(t, topology.CacheUnified, cache.Type)

	require.Len(t, fb.Distances, 1)
	assert.Equal(t, topology.DistanceLatency|topology.DistanceFromUser, fb.Distances[0].Kind)

	require.Len(t, fb.MemAttrs, 2)
	assert.Equal(t, topology.PolicyHigherFirst, fb.MemAttrs[1].Policy)

	topo, err := topology.Build(t.Context(), fb)
	require.NoError(t, err)
	t.Cleanup(func() { topo.Close() })
	assert.Equal(t, "0-3", topo.CPUSet().String())
	assert.Equal(t, "0", topo.NodeSet().String())
	assert.Equal(t, 1, topo.Stats().Distances)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"malformed", "objects: [\n"},
		{"unknown type", "objects:\n  - {id: a, type: Blade}\n"},
		{"future version", "version: \"7\"\nobjects: []\n"},
		{"bad size", "objects:\n  - {id: n, type: NUMANode, numa: {memory: lots}}\n"},
		{"bad cpuset", "objects:\n  - {id: p, type: PU, cpuset: 3-1}\n"},
		{"two attribute blocks", "objects:\n  - {id: n, type: NUMANode, numa: {memory: 1}, cache: {size: 1}}\n"},
		{"bad distance kind", "objects: []\ndistances:\n  - {kind: hops, objects: [], values: []}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestSize(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
	}{
		{"size: 4096", 4096},
		{"size: 4KiB", 4096},
		{"size: 2 MiB", 2 << 20},
		{"size: 16GB", 16_000_000_000},
		{`size: "1 kB"`, 1000},
	}
	for _, tt := range tests {
		var out struct {
			Size Size `yaml:"size"`
		}
		require.NoError(t, yaml.Unmarshal([]byte(tt.in), &out), tt.in)
		assert.Equal(t, tt.want, uint64(out.Size), tt.in)
	}

	v, err := Size(32 << 20).MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "32 MiB", v)

	v, err = Size(1000).MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), v, "inexact sizes stay numeric")
}

func TestRoundTrip(t *testing.T) {
	fb, err := Parse([]byte(sampleFacts))
	require.NoError(t, err)
	topo, err := topology.Build(t.Context(), fb)
	require.NoError(t, err)
	t.Cleanup(func() { topo.Close() })

	exported, err := topo.Facts()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "facts.yaml")
	require.NoError(t, Write(path, exported))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "memory: 16 GiB")
	assert.Contains(t, string(data), `version: "1"`)

	back, err := Load(path)
	require.NoError(t, err)
	again, err := topology.Build(t.Context(), back)
	require.NoError(t, err)
	t.Cleanup(func() { again.Close() })

	assert.Equal(t, topo.Stats().ByType, again.Stats().ByType)
	assert.True(t, topo.CPUSet().Equal(again.CPUSet()))

	v, ok, err := again.MemAttrs().Get("endurance", topology.Initiator{}, first(t, again, topology.TypeNUMANode))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), v)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func first(t *testing.T, topo *topology.Topology, typ topology.ObjectType) topology.Handle {
	t.Helper()
	hs, err := topo.ObjectsWithType(typ)
	require.NoError(t, err)
	require.NotEmpty(t, hs)
	return hs[0]
}
