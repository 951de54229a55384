package topology

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"hwtopo/internal/bitmap"
)

const gib = 1 << 30

// twoPackageFacts describes:
//
//	Machine
//	├── Package 0 ── NUMANode 0, L3 ── Core 0 (PU 0-1), Core 1 (PU 2-3)
//	└── Package 1 ── NUMANode 1, L3 ── Core 2 (PU 4-5), Core 3 (PU 6-7),
//	                 Bridge ── PCIDevice ── OSDevice eth0
//
// with a NUMA latency matrix named "numa-latency".
func twoPackageFacts() *FactBase {
	fb := &FactBase{}
	add := func(f Fact) { fb.Objects = append(fb.Objects, f) }

	add(Fact{ID: "machine", Type: TypeMachine, Infos: map[string]string{"Vendor": "test"}})
	pu := uint(0)
	for p := uint(0); p < 2; p++ {
		pkg := fmt.Sprintf("pkg%d", p)
		add(Fact{ID: pkg, Parent: "machine", Type: TypePackage, OSIndex: OSIndex(p)})
		add(Fact{
			ID: fmt.Sprintf("numa%d", p), Parent: pkg, Type: TypeNUMANode, OSIndex: OSIndex(p),
			Attributes: NUMANodeAttributes{LocalMemory: 16 * gib},
		})
		l3 := fmt.Sprintf("l3-%d", p)
		add(Fact{
			ID: l3, Parent: pkg, Type: TypeL3Cache,
			Attributes: CacheAttributes{Size: 32 << 20, Depth: 3, LineSize: 64, Type: CacheUnified},
		})
		for c := uint(0); c < 2; c++ {
			core := fmt.Sprintf("core%d", 2*p+c)
			add(Fact{ID: core, Parent: l3, Type: TypeCore, OSIndex: OSIndex(2*p + c)})
			for range 2 {
				add(Fact{ID: fmt.Sprintf("pu%d", pu), Parent: core, Type: TypePU, OSIndex: OSIndex(pu)})
				pu++
			}
		}
	}
	add(Fact{
		ID: "bridge", Parent: "pkg1", Type: TypeBridge,
		Attributes: BridgeAttributes{UpstreamType: BridgeHost, DownstreamType: BridgePCI, SecondaryBus: 1, SubordinateBus: 1},
	})
	add(Fact{
		ID: "nic", Parent: "bridge", Type: TypePCIDevice,
		Attributes: PCIDeviceAttributes{Bus: 1, ClassID: 0x0200, VendorID: 0x8086, DeviceID: 0x1521},
	})
	add(Fact{ID: "eth0", Parent: "nic", Type: TypeOSDevice, Name: "eth0", Attributes: OSDeviceAttributes{Kind: OSDeviceNetwork}})

	fb.Distances = []DistanceFact{{
		Name:    "numa-latency",
		Kind:    DistanceLatency | DistanceNormalized | DistanceFromOS,
		Objects: []string{"numa0", "numa1"},
		Values:  []uint64{10, 20, 20, 10},
	}}
	return fb
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func build(t *testing.T, fb *FactBase, opts ...Option) *Topology {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	topo, err := Build(context.Background(), fb, opts...)
	require.NoError(t, err)
	return topo
}

func newTestTopology(t *testing.T, opts ...Option) *Topology {
	t.Helper()
	return build(t, twoPackageFacts(), opts...)
}

// nth returns the object of a type with the given logical index
func nth(t *testing.T, topo *Topology, typ ObjectType, idx int) Handle {
	t.Helper()
	hs, err := topo.ObjectsWithType(typ)
	require.NoError(t, err)
	require.Greater(t, len(hs), idx, "no %s:%d", typ, idx)
	return hs[idx]
}

func obj(t *testing.T, h Handle) Object {
	t.Helper()
	o, err := h.Object()
	require.NoError(t, err)
	return o
}

func cpusOf(t *testing.T, h Handle) bitmap.CPUSet {
	t.Helper()
	cs, err := obj(t, h).CPUSet()
	require.NoError(t, err)
	return cs
}

func nodesOf(t *testing.T, h Handle) bitmap.NodeSet {
	t.Helper()
	ns, err := obj(t, h).NodeSet()
	require.NoError(t, err)
	return ns
}

func count(t *testing.T, topo *Topology, typ ObjectType) int {
	t.Helper()
	hs, err := topo.ObjectsWithType(typ)
	require.NoError(t, err)
	return len(hs)
}

// requireContainment checks every set-bearing object against its parent
func requireContainment(t *testing.T, topo *Topology) {
	t.Helper()
	all, err := topo.Descendants(topo.Root(), TypeAny)
	require.NoError(t, err)
	for h := range all {
		o := obj(t, h)
		if !o.Type().HasSets() {
			continue
		}
		p, err := topo.Parent(h)
		require.NoError(t, err)
		po := obj(t, p)
		cs, _ := o.CPUSet()
		pcs, err := po.CPUSet()
		require.NoError(t, err, "%s has a set-less parent", o)
		require.True(t, cs.IsSubset(pcs), "%s cpuset %s not within %s %s", o, cs, po, pcs)
		ns, _ := o.NodeSet()
		pns, _ := po.NodeSet()
		require.True(t, ns.IsSubset(pns), "%s nodeset %s not within %s %s", o, ns, po, pns)
	}
}

func edit(t *testing.T, topo *Topology, fn func(ed *Editor) error) error {
	t.Helper()
	return topo.Update(context.Background(), fn)
}
