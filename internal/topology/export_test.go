package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hwtopo/internal/bitmap"
)

func TestFactsRoundTrip(t *testing.T) {
	topo := newTestTopology(t)
	require.NoError(t, topo.MemAttrs().Set(MemAttrLatency,
		InitiatorObject(nth(t, topo, TypePackage, 1)), nth(t, topo, TypeNUMANode, 1), 90))
	require.NoError(t, topo.MemAttrs().Set(MemAttrLatency,
		InitiatorCPUSet(bitmap.MustParse("0-7")), nth(t, topo, TypeNUMANode, 0), 130))

	fb, err := topo.Facts()
	require.NoError(t, err)
	assert.Equal(t, "Machine:0", fb.Objects[0].ID)
	assert.Empty(t, fb.Objects[0].Parent)
	require.Len(t, fb.Distances, 1)
	assert.Equal(t, []string{"NUMANode:0", "NUMANode:1"}, fb.Distances[0].Objects)
	require.Len(t, fb.MemAttrs, 1, "built-ins without values are skipped")
	assert.Equal(t, "Package:1", fb.MemAttrs[0].Values[0].Initiator)
	assert.Equal(t, "0-7", fb.MemAttrs[0].Values[1].InitiatorCPUSet.String())

	again := build(t, fb)

	before, err := topo.ObjectsWithType(TypeCore)
	require.NoError(t, err)
	after, err := again.ObjectsWithType(TypeCore)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.True(t, cpusOf(t, before[i]).Equal(cpusOf(t, after[i])), "core %d", i)
		assert.True(t, nodesOf(t, before[i]).Equal(nodesOf(t, after[i])), "core %d", i)
	}
	assert.Equal(t, topo.Stats().ByType, again.Stats().ByType)

	m, err := again.Distances().Get("numa-latency")
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 20, 20, 10}, m.Values())

	best, ok, err := again.MemAttrs().BestTarget(MemAttrLatency, InitiatorObject(nth(t, again, TypePU, 5)))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(90), best.Value)

	eth := obj(t, nth(t, again, TypeOSDevice, 0))
	assert.Equal(t, "eth0", eth.Name())
}

func TestFactsAfterEdit(t *testing.T) {
	topo := newTestTopology(t)
	require.NoError(t, edit(t, topo, func(ed *Editor) error {
		if err := ed.Restrict(bitmap.MustParse("0-5"), RestrictRemoveCPULess); err != nil {
			return err
		}
		_, err := ed.InsertMisc(topo.Root(), "bmc")
		return err
	}))

	fb, err := topo.Facts()
	require.NoError(t, err)
	again := build(t, fb)
	assert.Equal(t, "0-5", again.CPUSet().String())
	assert.Equal(t, 3, count(t, again, TypeCore))
	assert.Equal(t, 1, count(t, again, TypeMisc))
}

func TestFactsKeepCPULessNodes(t *testing.T) {
	topo := newTestTopology(t)
	require.NoError(t, edit(t, topo, func(ed *Editor) error {
		return ed.Restrict(bitmap.MustParse("0-3"), 0)
	}))
	require.Equal(t, 2, count(t, topo, TypeNUMANode))
	require.True(t, cpusOf(t, nth(t, topo, TypeNUMANode, 1)).IsEmpty())

	fb, err := topo.Facts()
	require.NoError(t, err)
	var cpuless int
	for _, f := range fb.Objects {
		if f.NoCPUs {
			cpuless++
			assert.Equal(t, TypeNUMANode, f.Type)
		}
	}
	assert.Equal(t, 1, cpuless)

	again := build(t, fb)
	assert.True(t, cpusOf(t, nth(t, again, TypeNUMANode, 1)).IsEmpty())
	local, err := again.LocalNUMANodes(bitmap.MustParse("0"))
	require.NoError(t, err)
	assert.Len(t, local, 1)
	requireContainment(t, again)
}

func TestFactsNeedsExport(t *testing.T) {
	topo := newTestTopology(t, WithFeatures(AllFeatures().Without(FeatureExport)))
	_, err := topo.Facts()
	assert.ErrorIs(t, err, ErrUnsupportedFeature)

	var fe *FeatureError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FeatureExport, fe.Feature)
}

func TestObjectID(t *testing.T) {
	assert.Equal(t, "L3Cache:2", ObjectID(TypeL3Cache, 2))
}
