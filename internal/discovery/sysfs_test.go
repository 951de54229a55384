package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hwtopo/internal/topology"
)

// writeSysfsFile creates a file at path within root, creating parent
// directories as needed
func writeSysfsFile(t *testing.T, root, path, content string) {
	t.Helper()
	full := filepath.Join(root, path)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content+"\n"), 0o644))
}

// twoSocketSysfs lays out 2 packages x 2 cores x 2 threads. Threads of a
// core are numbered n and n+1; each core has private L1d/L1i/L2 and each
// package one L3.
func twoSocketSysfs(t *testing.T, withNodes bool) string {
	t.Helper()
	root := t.TempDir()

	for cpu := range 8 {
		base := fmt.Sprintf("devices/system/cpu/cpu%d", cpu)
		pkg := cpu / 4
		core := cpu / 2
		writeSysfsFile(t, root, base+"/topology/physical_package_id", fmt.Sprint(pkg))
		writeSysfsFile(t, root, base+"/topology/core_id", fmt.Sprint(core%2))

		coreList := fmt.Sprintf("%d-%d", core*2, core*2+1)
		pkgList := fmt.Sprintf("%d-%d", pkg*4, pkg*4+3)
		for i, c := range []struct{ level, typ, size, shared string }{
			{"1", "Data", "48K", coreList},
			{"1", "Instruction", "32K", coreList},
			{"2", "Unified", "2048K", coreList},
			{"3", "Unified", "32768K", pkgList},
		} {
			dir := fmt.Sprintf("%s/cache/index%d", base, i)
			writeSysfsFile(t, root, dir+"/level", c.level)
			writeSysfsFile(t, root, dir+"/type", c.typ)
			writeSysfsFile(t, root, dir+"/size", c.size)
			writeSysfsFile(t, root, dir+"/shared_cpu_list", c.shared)
			writeSysfsFile(t, root, dir+"/coherency_line_size", "64")
		}
	}
	// not a cpu directory
	writeSysfsFile(t, root, "devices/system/cpu/cpufreq/boost", "1")

	if withNodes {
		for node, row := range []string{"10 21", "21 10"} {
			base := fmt.Sprintf("devices/system/node/node%d", node)
			writeSysfsFile(t, root, base+"/cpulist", fmt.Sprintf("%d-%d", node*4, node*4+3))
			writeSysfsFile(t, root, base+"/distance", row)
			writeSysfsFile(t, root, base+"/meminfo",
				fmt.Sprintf("Node %d MemTotal:       8388608 kB\nNode %d MemFree:        1024 kB", node, node))
			writeSysfsFile(t, root, base+"/hugepages/hugepages-2048kB/nr_hugepages", "16")
			writeSysfsFile(t, root, base+"/hugepages/hugepages-1048576kB/nr_hugepages", "0")
		}
	}
	writeSysfsFile(t, root, "class/dmi/id/sys_vendor", "ACME")
	return root
}

func TestSysfsSource(t *testing.T) {
	src := NewSysfsSource("", twoSocketSysfs(t, true))
	assert.Equal(t, "sysfs", src.Name())

	fb, err := src.Discover(t.Context())
	require.NoError(t, err)
	topo := buildFacts(t, fb)

	stats := topo.Stats()
	assert.Equal(t, 8, stats.ByType[topology.TypePU])
	assert.Equal(t, 4, stats.ByType[topology.TypeCore])
	assert.Equal(t, 4, stats.ByType[topology.TypeL1Cache], "instruction caches are skipped")
	assert.Equal(t, 4, stats.ByType[topology.TypeL2Cache])
	assert.Equal(t, 2, stats.ByType[topology.TypeL3Cache])
	assert.Equal(t, 2, stats.ByType[topology.TypePackage])
	assert.Equal(t, 2, stats.ByType[topology.TypeNUMANode])
	assert.Zero(t, stats.ByType[topology.TypeDie], "one die per package is not reported")

	types := []topology.ObjectType{
		topology.TypeMachine, topology.TypePackage, topology.TypeL3Cache,
		topology.TypeL2Cache, topology.TypeL1Cache, topology.TypeCore, topology.TypePU,
	}
	for d, want := range types {
		got, err := topo.TypeAtDepth(d)
		require.NoError(t, err)
		assert.Equal(t, want, got, "depth %d", d)
	}

	l3 := objectsOf(t, topo, topology.TypeL3Cache)
	cache, err := l3[1].Cache()
	require.NoError(t, err)
	assert.Equal(t, uint64(32<<20), cache.Size)
	assert.Equal(t, uint(64), cache.LineSize)

	l1 := objectsOf(t, topo, topology.TypeL1Cache)
	cache, err = l1[0].Cache()
	require.NoError(t, err)
	assert.Equal(t, topology.CacheData, cache.Type)

	numa := objectsOf(t, topo, topology.TypeNUMANode)
	parent, err := topo.Parent(numa[1].Handle())
	require.NoError(t, err)
	p, err := parent.Object()
	require.NoError(t, err)
	assert.Equal(t, topology.TypePackage, p.Type(), "nodes attach to the package with the same cpuset")

	attrs, err := numa[1].NUMANode()
	require.NoError(t, err)
	assert.Equal(t, uint64(8<<30), attrs.LocalMemory)
	assert.Equal(t, []topology.PageType{{Size: 2 << 20, Count: 16}, {Size: 1 << 30, Count: 0}}, attrs.PageTypes)

	m, err := topo.Distances().Get("numa")
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 21, 21, 10}, m.Values())

	root, err := topo.Root().Object()
	require.NoError(t, err)
	vendor, _ := root.Info("DMISysVendor")
	assert.Equal(t, "ACME", vendor)
	_, ok := root.Info("Environment")
	assert.False(t, ok, "environment is only probed on request")
}

func TestSysfsSourceEnvironment(t *testing.T) {
	fsRoot := t.TempDir()
	writeSysfsFile(t, fsRoot, ".dockerenv", "")

	src := NewSysfsSource("", twoSocketSysfs(t, false)).
		WithEnvironment(EnvironmentProbe{Root: fsRoot, Getenv: func(string) string { return "" }})
	fb, err := src.Discover(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "containerized", fb.Objects[0].Infos["Environment"])
	assert.Equal(t, "docker", fb.Objects[0].Infos["ContainerRuntime"])
}

func TestSysfsSourceWithoutNodes(t *testing.T) {
	fb, err := NewSysfsSource("vm", twoSocketSysfs(t, false)).Discover(t.Context())
	require.NoError(t, err)
	assert.Empty(t, fb.Distances)

	topo := buildFacts(t, fb)
	assert.Equal(t, "0", topo.NodeSet().String())
	numa := objectsOf(t, topo, topology.TypeNUMANode)
	require.Len(t, numa, 1)
	assert.True(t, numa[0].Handle().Valid())
	parent, err := topo.Parent(numa[0].Handle())
	require.NoError(t, err)
	assert.Equal(t, topo.Root(), parent)
}

func TestSysfsSourceUnknownIDs(t *testing.T) {
	root := t.TempDir()
	for cpu := range 4 {
		base := fmt.Sprintf("devices/system/cpu/cpu%d/topology", cpu)
		writeSysfsFile(t, root, base+"/physical_package_id", "-1")
		writeSysfsFile(t, root, base+"/die_id", "-1")
		writeSysfsFile(t, root, base+"/core_id", "-1")
	}

	fb, err := NewSysfsSource("", root).Discover(t.Context())
	require.NoError(t, err)

	var cores []topology.Fact
	for _, f := range fb.Objects {
		switch f.Type {
		case topology.TypeCore:
			cores = append(cores, f)
			assert.Nil(t, f.OSIndex, "core %s", f.ID)
		case topology.TypePackage:
			require.NotNil(t, f.OSIndex)
			assert.Equal(t, uint(0), *f.OSIndex)
		case topology.TypeDie:
			t.Errorf("unexpected die %s", f.ID)
		}
	}
	assert.Len(t, cores, 4)

	topo := buildFacts(t, fb)
	assert.Equal(t, 4, topo.Stats().ByType[topology.TypeCore])
	assert.Equal(t, 1, topo.Stats().ByType[topology.TypePackage])
}

func TestSysfsSourceErrors(t *testing.T) {
	_, err := NewSysfsSource("", filepath.Join(t.TempDir(), "missing")).Discover(t.Context())
	assert.Error(t, err)

	empty := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(empty, "devices/system/cpu"), 0o755))
	_, err = NewSysfsSource("", empty).Discover(t.Context())
	assert.ErrorContains(t, err, "no cpus")

	root := twoSocketSysfs(t, true)
	writeSysfsFile(t, root, "devices/system/node/node1/cpulist", "7-4")
	_, err = NewSysfsSource("", root).Discover(t.Context())
	assert.ErrorContains(t, err, "node1")
}

func TestParseSysfsSize(t *testing.T) {
	for in, want := range map[string]uint64{
		"48K":  48 << 10,
		"2M":   2 << 20,
		"1G":   1 << 30,
		"512":  512,
		"junk": 0,
		"":     0,
	} {
		assert.Equal(t, want, parseSysfsSize(in), in)
	}
}
