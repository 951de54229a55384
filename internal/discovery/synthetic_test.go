package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hwtopo/internal/topology"
)

func buildFacts(t *testing.T, fb *topology.FactBase) *topology.Topology {
	t.Helper()
	topo, err := topology.Build(t.Context(), fb)
	require.NoError(t, err)
	t.Cleanup(func() { topo.Close() })
	return topo
}

func objectsOf(t *testing.T, topo *topology.Topology, typ topology.ObjectType) []topology.Object {
	t.Helper()
	hs, err := topo.ObjectsWithType(typ)
	require.NoError(t, err)
	out := make([]topology.Object, len(hs))
	for i, h := range hs {
		out[i], err = h.Object()
		require.NoError(t, err)
	}
	return out
}

func synthetic(t *testing.T, desc string) *topology.Topology {
	t.Helper()
	src, err := NewSyntheticSource("", desc)
	require.NoError(t, err)
	fb, err := src.Discover(t.Context())
	require.NoError(t, err)
	return buildFacts(t, fb)
}

func TestSyntheticNUMASplit(t *testing.T) {
	topo := synthetic(t, "NUMANode:2 Package:1 L3Cache:1 Core:4 PU:2")

	stats := topo.Stats()
	assert.Equal(t, 16, stats.ByType[topology.TypePU])
	assert.Equal(t, 8, stats.ByType[topology.TypeCore])
	assert.Equal(t, 2, stats.ByType[topology.TypePackage])
	assert.Equal(t, 2, stats.ByType[topology.TypeNUMANode])
	assert.Equal(t, 2, stats.ByType[topology.TypeGroup])
	assert.Equal(t, "0-15", topo.CPUSet().String())
	assert.Equal(t, "0-1", topo.NodeSet().String())

	numa := objectsOf(t, topo, topology.TypeNUMANode)
	set, err := numa[1].CPUSet()
	require.NoError(t, err)
	assert.Equal(t, "8-15", set.String())
	attrs, err := numa[1].NUMANode()
	require.NoError(t, err)
	assert.Equal(t, uint64(DefaultNUMAMemory), attrs.LocalMemory)

	groups := objectsOf(t, topo, topology.TypeGroup)
	assert.Equal(t, "NUMA", groups[0].Subtype())
	g, err := groups[0].Group()
	require.NoError(t, err)
	assert.Equal(t, topology.GroupKindMemory, g.Kind)

	pkgs := objectsOf(t, topo, topology.TypePackage)
	nodes, err := pkgs[1].NodeSet()
	require.NoError(t, err)
	assert.Equal(t, "1", nodes.String())

	pus := objectsOf(t, topo, topology.TypePU)
	idx, ok := pus[15].OSIndex()
	require.True(t, ok)
	assert.Equal(t, uint(15), idx)

	root, err := topo.Root().Object()
	require.NoError(t, err)
	desc, _ := root.Info("SyntheticDescription")
	assert.Equal(t, "NUMANode:2 Package:1 L3Cache:1 Core:4 PU:2", desc)
}

func TestSyntheticShapes(t *testing.T) {
	t.Run("implicit node", func(t *testing.T) {
		topo := synthetic(t, "Package:2 Core:2 PU:1")
		assert.Equal(t, 1, topo.Stats().ByType[topology.TypeNUMANode])
		assert.Equal(t, "0", topo.NodeSet().String())
		assert.Equal(t, "0-3", topo.CPUSet().String())
	})

	t.Run("one node per package", func(t *testing.T) {
		topo := synthetic(t, "Package:2 NUMANode:1 Core:2 PU:2")
		assert.Equal(t, 2, topo.Stats().ByType[topology.TypeNUMANode])
		assert.Zero(t, topo.Stats().ByType[topology.TypeGroup])

		pkgs := objectsOf(t, topo, topology.TypePackage)
		nodes, err := pkgs[1].NodeSet()
		require.NoError(t, err)
		assert.Equal(t, "1", nodes.String())
	})

	t.Run("sizes", func(t *testing.T) {
		topo := synthetic(t, "NUMANode:2(memory=4GiB) Package:1 L2Cache:2(size=1MiB) PU:1")
		numa := objectsOf(t, topo, topology.TypeNUMANode)
		attrs, err := numa[0].NUMANode()
		require.NoError(t, err)
		assert.Equal(t, uint64(4<<30), attrs.LocalMemory)

		l2 := objectsOf(t, topo, topology.TypeL2Cache)
		require.Len(t, l2, 4)
		cache, err := l2[0].Cache()
		require.NoError(t, err)
		assert.Equal(t, uint64(1<<20), cache.Size)
		assert.Equal(t, 2, cache.Depth)
	})

	t.Run("groups", func(t *testing.T) {
		topo := synthetic(t, "Package:1 Group:2 Core:2 PU:1")
		groups := objectsOf(t, topo, topology.TypeGroup)
		require.Len(t, groups, 2)
		g, err := groups[1].Group()
		require.NoError(t, err)
		assert.Equal(t, topology.GroupKindSynthetic, g.Kind)
		set, err := groups[1].CPUSet()
		require.NoError(t, err)
		assert.Equal(t, "2-3", set.String())
	})
}

func TestParseSyntheticErrors(t *testing.T) {
	for _, desc := range []string{
		"",
		"Core:2",
		"PU:0",
		"Package:x PU:1",
		"Package PU:1",
		"Core:2 Package:1 PU:1",
		"Machine:1 PU:1",
		"NUMANode:1 NUMANode:2 PU:1",
		"Bridge:1 PU:1",
		"L3Cache:1(memory=1GiB) PU:1",
		"L3Cache:1(size=big) PU:1",
		"Package:2(size=1 PU:1",
		"Blade:2 PU:1",
	} {
		_, err := ParseSynthetic(desc)
		assert.Error(t, err, "%q", desc)
	}

	_, err := NewSyntheticSource("s", "PU:0")
	assert.ErrorContains(t, err, "invalid synthetic description")
}

func TestParseSynthetic(t *testing.T) {
	levels, err := ParseSynthetic("  socket:2   l3:1(size=8MiB) core:2 pu:2 ")
	require.NoError(t, err)
	assert.Equal(t, []SyntheticLevel{
		{Type: topology.TypePackage, Arity: 2},
		{Type: topology.TypeL3Cache, Arity: 1, Size: 8 << 20},
		{Type: topology.TypeCore, Arity: 2},
		{Type: topology.TypePU, Arity: 2},
	}, levels)
}
