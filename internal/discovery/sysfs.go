package discovery

import (
	"bufio"
	"cmp"
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"hwtopo/internal/bitmap"
	"hwtopo/internal/topology"
)

// DefaultSysfsRoot is where the kernel mounts sysfs
const DefaultSysfsRoot = "/sys"

// SysfsSource reads CPU, cache and NUMA topology from a Linux sysfs tree.
// Missing optional files leave the matching facts out rather than failing:
// a VM without NUMA or cache information is still a valid machine.
type SysfsSource struct {
	name    string
	root    string
	env     *EnvironmentProbe
	cgroups bool
}

// NewSysfsSource creates a source reading the sysfs tree mounted at root
func NewSysfsSource(name, root string) *SysfsSource {
	if name == "" {
		name = "sysfs"
	}
	if root == "" {
		root = DefaultSysfsRoot
	}
	return &SysfsSource{name: name, root: root}
}

// WithEnvironment makes Discover record the container or hypervisor
// environment found by p in the machine infos
func (s *SysfsSource) WithEnvironment(p EnvironmentProbe) *SysfsSource {
	s.env = &p
	return s
}

// WithCgroupLimits makes Discover record the limits of the cgroup it runs
// in, read below root/fs/cgroup, in the machine infos
func (s *SysfsSource) WithCgroupLimits() *SysfsSource {
	s.cgroups = true
	return s
}

// Name returns the source identifier
func (s *SysfsSource) Name() string { return s.name }

// Kind returns SourceKindSysfs
func (s *SysfsSource) Kind() SourceKind { return SourceKindSysfs }

// sysObject is an object found in sysfs, placed into the tree by cpuset
// inclusion once everything has been read.
type sysObject struct {
	id       string
	typ      topology.ObjectType
	cpuset   bitmap.CPUSet
	osIndex  *uint
	attrs    topology.TypeAttributes
	children []*sysObject
	memory   []*sysNode
}

type sysNode struct {
	fact topology.Fact
}

var sysRank = map[topology.ObjectType]int{
	topology.TypePackage: 0,
	topology.TypeDie:     1,
	topology.TypeL3Cache: 2,
	topology.TypeL2Cache: 3,
	topology.TypeL1Cache: 4,
	topology.TypeCore:    5,
	topology.TypePU:      6,
}

// Discover probes the tree
func (s *SysfsSource) Discover(ctx context.Context) (*topology.FactBase, error) {
	cpuBase := filepath.Join(s.root, "devices/system/cpu")
	cpus, err := listIndexed(cpuBase, "cpu")
	if err != nil {
		return nil, fmt.Errorf("failed to list cpus: %w", err)
	}
	if len(cpus) == 0 {
		return nil, fmt.Errorf("no cpus under %s", cpuBase)
	}

	objects, err := s.readCPUs(ctx, cpuBase, cpus)
	if err != nil {
		return nil, err
	}
	machine := &sysObject{id: "machine", typ: topology.TypeMachine}
	place(machine, objects)

	nodes, distances, err := s.readNodes(ctx)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		parent := smallestContaining(machine, n.fact.CPUSet)
		parent.memory = append(parent.memory, n)
	}

	fb := &topology.FactBase{Distances: distances}
	machineFact := topology.Fact{ID: machine.id, Type: topology.TypeMachine, Infos: s.readIdentity()}
	fb.Objects = append(fb.Objects, machineFact)
	emit(fb, machine)
	return fb, nil
}

func (s *SysfsSource) readCPUs(ctx context.Context, cpuBase string, cpus []uint) ([]*sysObject, error) {
	type dieKey struct{ pkg, die int }
	type coreKey struct{ pkg, die, core int }

	packages := map[int]bitmap.CPUSet{}
	dies := map[dieKey]bitmap.CPUSet{}
	cores := map[coreKey]bitmap.CPUSet{}
	caches := map[string]*sysObject{}
	var objects []*sysObject

	for _, cpu := range cpus {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dir := filepath.Join(cpuBase, fmt.Sprintf("cpu%d", cpu))
		topoDir := filepath.Join(dir, "topology")
		pu := bitmap.Singleton(cpu)

		pkg := readSysfsInt(filepath.Join(topoDir, "physical_package_id"), 0)
		if pkg < 0 {
			pkg = 0
		}
		die := readSysfsInt(filepath.Join(topoDir, "die_id"), 0)
		if die < 0 {
			die = 0
		}
		// some kernels report -1 for an unknown core; each such PU gets a
		// core of its own, without an OS index
		core := readSysfsInt(filepath.Join(topoDir, "core_id"), int(cpu))
		if core < 0 {
			core = -1 - int(cpu)
		}

		packages[pkg] = packages[pkg].Union(pu)
		dies[dieKey{pkg, die}] = dies[dieKey{pkg, die}].Union(pu)
		cores[coreKey{pkg, die, core}] = cores[coreKey{pkg, die, core}].Union(pu)

		objects = append(objects, &sysObject{
			id:      fmt.Sprintf("pu%d", cpu),
			typ:     topology.TypePU,
			cpuset:  pu,
			osIndex: topology.OSIndex(cpu),
		})

		indexes, _ := listIndexed(filepath.Join(dir, "cache"), "index")
		for _, idx := range indexes {
			c, ok := readCache(filepath.Join(dir, "cache", fmt.Sprintf("index%d", idx)), pu)
			if !ok {
				continue
			}
			key := fmt.Sprintf("%s:%s", c.typ, c.cpuset)
			if _, seen := caches[key]; !seen {
				c.id = fmt.Sprintf("%s-%d", strings.ToLower(string(c.typ)), len(caches))
				caches[key] = c
			}
		}
	}

	for pkg, set := range packages {
		objects = append(objects, &sysObject{
			id:      fmt.Sprintf("package%d", pkg),
			typ:     topology.TypePackage,
			cpuset:  set,
			osIndex: topology.OSIndex(uint(pkg)),
		})
	}

	diesPerPackage := map[int]int{}
	for k := range dies {
		diesPerPackage[k.pkg]++
	}
	for k, set := range dies {
		if diesPerPackage[k.pkg] < 2 {
			continue
		}
		objects = append(objects, &sysObject{
			id:      fmt.Sprintf("die%d-%d", k.pkg, k.die),
			typ:     topology.TypeDie,
			cpuset:  set,
			osIndex: topology.OSIndex(uint(k.die)),
		})
	}

	for k, set := range cores {
		c := &sysObject{
			id:     fmt.Sprintf("core%d-%d-%d", k.pkg, k.die, k.core),
			typ:    topology.TypeCore,
			cpuset: set,
		}
		if k.core >= 0 {
			c.osIndex = topology.OSIndex(uint(k.core))
		} else {
			c.id = fmt.Sprintf("core%d-%d-cpu%d", k.pkg, k.die, -1-k.core)
		}
		objects = append(objects, c)
	}

	for _, c := range caches {
		objects = append(objects, c)
	}
	return objects, nil
}

func readCache(dir string, self bitmap.CPUSet) (*sysObject, bool) {
	level := readSysfsInt(filepath.Join(dir, "level"), 0)
	var typ topology.ObjectType
	switch level {
	case 1:
		typ = topology.TypeL1Cache
	case 2:
		typ = topology.TypeL2Cache
	case 3:
		typ = topology.TypeL3Cache
	default:
		return nil, false
	}

	attrs := topology.CacheAttributes{Depth: level}
	switch strings.ToLower(readSysfsString(filepath.Join(dir, "type"))) {
	case "data":
		attrs.Type = topology.CacheData
	case "unified", "":
		attrs.Type = topology.CacheUnified
	default:
		return nil, false
	}
	attrs.Size = parseSysfsSize(readSysfsString(filepath.Join(dir, "size")))
	attrs.LineSize = uint(max(readSysfsInt(filepath.Join(dir, "coherency_line_size"), 0), 0))
	attrs.Associativity = readSysfsInt(filepath.Join(dir, "ways_of_associativity"), 0)

	shared, err := bitmap.Parse(readSysfsString(filepath.Join(dir, "shared_cpu_list")))
	if err != nil || shared.IsEmpty() {
		shared = self
	}
	return &sysObject{typ: typ, cpuset: shared.Union(self), attrs: attrs}, true
}

func (s *SysfsSource) readNodes(ctx context.Context) ([]*sysNode, []topology.DistanceFact, error) {
	nodeBase := filepath.Join(s.root, "devices/system/node")
	indexes, err := listIndexed(nodeBase, "node")
	if err != nil || len(indexes) == 0 {
		// no NUMA information: a single node covering everything
		return []*sysNode{{fact: topology.Fact{
			ID:      "node0",
			Type:    topology.TypeNUMANode,
			OSIndex: topology.OSIndex(0),
		}}}, nil, nil
	}

	var nodes []*sysNode
	var rows [][]uint64
	for _, idx := range indexes {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		dir := filepath.Join(nodeBase, fmt.Sprintf("node%d", idx))
		cpus, err := bitmap.Parse(readSysfsString(filepath.Join(dir, "cpulist")))
		if err != nil {
			return nil, nil, fmt.Errorf("node%d: invalid cpulist: %w", idx, err)
		}

		attrs := topology.NUMANodeAttributes{LocalMemory: readNodeMemTotal(filepath.Join(dir, "meminfo"))}
		attrs.PageTypes = readHugePages(filepath.Join(dir, "hugepages"))

		nodes = append(nodes, &sysNode{fact: topology.Fact{
			ID:         fmt.Sprintf("node%d", idx),
			Type:       topology.TypeNUMANode,
			OSIndex:    topology.OSIndex(idx),
			CPUSet:     cpus,
			Attributes: attrs,
		}})

		var row []uint64
		for _, field := range strings.Fields(readSysfsString(filepath.Join(dir, "distance"))) {
			v, err := strconv.ParseUint(field, 10, 64)
			if err != nil {
				row = nil
				break
			}
			row = append(row, v)
		}
		rows = append(rows, row)
	}

	var distances []topology.DistanceFact
	if values, ok := flattenSquare(rows); ok {
		df := topology.DistanceFact{
			Name:   "numa",
			Kind:   topology.DistanceLatency | topology.DistanceNormalized | topology.DistanceFromOS,
			Values: values,
		}
		for _, n := range nodes {
			df.Objects = append(df.Objects, n.fact.ID)
		}
		distances = append(distances, df)
	}
	return nodes, distances, nil
}

func (s *SysfsSource) readIdentity() map[string]string {
	infos := map[string]string{"OSName": "Linux"}
	for key, file := range map[string]string{
		"DMISysVendor":   "sys_vendor",
		"DMIProductName": "product_name",
		"DMIBoardName":   "board_name",
	} {
		if v := readSysfsString(filepath.Join(s.root, "class/dmi/id", file)); v != "" {
			infos[key] = v
		}
	}
	if s.env != nil {
		maps.Copy(infos, s.env.DetectEnvironment().Infos())
	}
	if s.cgroups {
		maps.Copy(infos, ReadCgroupLimits(s.root).Infos())
	}
	return infos
}

// place nests objects under root by cpuset inclusion. Larger sets go first;
// equal sets nest in type order, so a Core sits inside the L1 it owns.
func place(root *sysObject, objects []*sysObject) {
	slices.SortFunc(objects, func(a, b *sysObject) int {
		wa, _ := a.cpuset.Weight()
		wb, _ := b.cpuset.Weight()
		if c := cmp.Compare(wb, wa); c != 0 {
			return c
		}
		if c := cmp.Compare(sysRank[a.typ], sysRank[b.typ]); c != 0 {
			return c
		}
		return cmp.Compare(firstCPU(a), firstCPU(b))
	})

	for _, o := range objects {
		parent := smallestContaining(root, o.cpuset)
		parent.children = append(parent.children, o)
	}
}

// smallestContaining walks down from root to the deepest object whose
// cpuset includes set, stopping at the first object with exactly that set.
// PUs never receive children.
func smallestContaining(root *sysObject, set bitmap.CPUSet) *sysObject {
	cur := root
	for {
		if cur != root && cur.cpuset.Equal(set) {
			return cur
		}
		var next *sysObject
		for _, c := range cur.children {
			if c.typ != topology.TypePU && !set.IsEmpty() && c.cpuset.Includes(set) {
				next = c
				break
			}
		}
		if next == nil {
			return cur
		}
		cur = next
	}
}

func emit(fb *topology.FactBase, o *sysObject) {
	for _, n := range o.memory {
		n.fact.Parent = o.id
		fb.Objects = append(fb.Objects, n.fact)
	}
	slices.SortStableFunc(o.children, func(a, b *sysObject) int { return cmp.Compare(firstCPU(a), firstCPU(b)) })
	for _, c := range o.children {
		fb.Objects = append(fb.Objects, topology.Fact{
			ID:         c.id,
			Parent:     o.id,
			Type:       c.typ,
			OSIndex:    c.osIndex,
			CPUSet:     c.cpuset,
			Attributes: c.attrs,
		})
		emit(fb, c)
	}
}

func firstCPU(o *sysObject) uint {
	first, _ := o.cpuset.First()
	return first
}

// listIndexed returns the N of every prefixN entry of dir, sorted
func listIndexed(dir, prefix string) ([]uint, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []uint
	for _, entry := range entries {
		suffix, ok := strings.CutPrefix(entry.Name(), prefix)
		if !ok || suffix == "" {
			continue
		}
		n, err := strconv.ParseUint(suffix, 10, 32)
		if err != nil {
			continue
		}
		out = append(out, uint(n))
	}
	slices.Sort(out)
	return out, nil
}

// readSysfsString reads a sysfs attribute, trimmed; "" when unreadable
func readSysfsString(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readSysfsInt(path string, fallback int) int {
	v, err := strconv.Atoi(readSysfsString(path))
	if err != nil {
		return fallback
	}
	return v
}

// parseSysfsSize reads sizes such as "32K" or "16384K". sysfs suffixes are
// binary multiples.
func parseSysfsSize(s string) uint64 {
	mult := uint64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult = 1 << 10
	case strings.HasSuffix(s, "M"):
		mult = 1 << 20
	case strings.HasSuffix(s, "G"):
		mult = 1 << 30
	}
	n, err := strconv.ParseUint(strings.TrimRight(s, "KMG"), 10, 64)
	if err != nil {
		return 0
	}
	return n * mult
}

// readNodeMemTotal finds "Node N MemTotal: X kB" in a node meminfo file
func readNodeMemTotal(path string) uint64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 4 && fields[2] == "MemTotal:" {
			kb, err := strconv.ParseUint(fields[3], 10, 64)
			if err != nil {
				return 0
			}
			return kb << 10
		}
	}
	return 0
}

// readHugePages reads hugepages-<size>kB/nr_hugepages entries
func readHugePages(dir string) []topology.PageType {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []topology.PageType
	for _, entry := range entries {
		size, ok := strings.CutPrefix(entry.Name(), "hugepages-")
		if !ok {
			continue
		}
		kb, err := strconv.ParseUint(strings.TrimSuffix(size, "kB"), 10, 64)
		if err != nil {
			continue
		}
		count, err := strconv.ParseUint(readSysfsString(filepath.Join(dir, entry.Name(), "nr_hugepages")), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, topology.PageType{Size: kb << 10, Count: count})
	}
	slices.SortFunc(out, func(a, b topology.PageType) int { return cmp.Compare(a.Size, b.Size) })
	return out
}

func flattenSquare(rows [][]uint64) ([]uint64, bool) {
	var out []uint64
	for _, row := range rows {
		if len(row) != len(rows) {
			return nil, false
		}
		out = append(out, row...)
	}
	return out, len(out) > 0
}
