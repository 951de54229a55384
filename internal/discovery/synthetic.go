package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"hwtopo/internal/topology"
)

// Defaults for synthetic objects that carry sizes
const (
	DefaultNUMAMemory = 1 << 30
	defaultLineSize   = 64
)

var defaultCacheSize = map[topology.ObjectType]uint64{
	topology.TypeL1Cache: 32 << 10,
	topology.TypeL2Cache: 512 << 10,
	topology.TypeL3Cache: 16 << 20,
}

// SyntheticLevel is one "Type:arity" element of a synthetic description
type SyntheticLevel struct {
	Type  topology.ObjectType
	Arity int
	// Size is the cache size or, for NUMANode, the memory of each node
	Size uint64
}

// ParseSynthetic reads a description such as
// "NUMANode:2(memory=16GiB) Package:1 L3Cache:1(size=32MiB) Core:4 PU:2".
// Levels go from the outermost inwards, the Machine is implicit and the
// last level must be PU. A NUMANode level with arity above one splits its
// parent into memory groups, each holding one node; without a NUMANode
// level a single node is attached to the Machine.
func ParseSynthetic(desc string) ([]SyntheticLevel, error) {
	fields := strings.Fields(desc)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty synthetic description")
	}

	var levels []SyntheticLevel
	lastRank := -1
	sawNUMA := false
	for i, field := range fields {
		lv, err := parseSyntheticLevel(field)
		if err != nil {
			return nil, err
		}

		switch lv.Type {
		case topology.TypeMachine:
			return nil, fmt.Errorf("level %d: the Machine level is implicit", i)
		case topology.TypeNUMANode:
			if sawNUMA {
				return nil, fmt.Errorf("level %d: only one NUMANode level is allowed", i)
			}
			sawNUMA = true
		case topology.TypeGroup:
		default:
			rank := normalRank(lv.Type)
			if rank < 0 {
				return nil, fmt.Errorf("level %d: %s cannot appear in a synthetic description", i, lv.Type)
			}
			if rank <= lastRank {
				return nil, fmt.Errorf("level %d: %s out of order", i, lv.Type)
			}
			lastRank = rank
		}
		levels = append(levels, lv)
	}

	if levels[len(levels)-1].Type != topology.TypePU {
		return nil, fmt.Errorf("the last level must be PU, got %s", levels[len(levels)-1].Type)
	}
	return levels, nil
}

func parseSyntheticLevel(field string) (SyntheticLevel, error) {
	spec, attrs, hasAttrs := strings.Cut(field, "(")
	if hasAttrs {
		if !strings.HasSuffix(attrs, ")") {
			return SyntheticLevel{}, fmt.Errorf("%q: unterminated attribute list", field)
		}
		attrs = strings.TrimSuffix(attrs, ")")
	}

	name, count, ok := strings.Cut(spec, ":")
	if !ok {
		return SyntheticLevel{}, fmt.Errorf("%q: want Type:arity", field)
	}
	typ, err := topology.ParseObjectType(name)
	if err != nil {
		return SyntheticLevel{}, fmt.Errorf("%q: %w", field, err)
	}
	arity, err := strconv.Atoi(count)
	if err != nil || arity < 1 {
		return SyntheticLevel{}, fmt.Errorf("%q: arity must be a positive integer", field)
	}

	lv := SyntheticLevel{Type: typ, Arity: arity}
	switch {
	case typ == topology.TypeNUMANode:
		lv.Size = DefaultNUMAMemory
	case typ.IsCache():
		lv.Size = defaultCacheSize[typ]
	}

	if !hasAttrs {
		return lv, nil
	}
	for _, kv := range strings.Split(attrs, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if !ok {
			return SyntheticLevel{}, fmt.Errorf("%q: attribute %q is not key=value", field, kv)
		}
		switch {
		case key == "size" && typ.IsCache(), key == "memory" && typ == topology.TypeNUMANode:
			size, err := humanize.ParseBytes(value)
			if err != nil {
				return SyntheticLevel{}, fmt.Errorf("%q: %w", field, err)
			}
			lv.Size = size
		default:
			return SyntheticLevel{}, fmt.Errorf("%q: unsupported attribute %q for %s", field, key, typ)
		}
	}
	return lv, nil
}

func normalRank(t topology.ObjectType) int {
	for i, n := range []topology.ObjectType{
		topology.TypePackage,
		topology.TypeDie,
		topology.TypeL3Cache,
		topology.TypeL2Cache,
		topology.TypeL1Cache,
		topology.TypeCore,
		topology.TypePU,
	} {
		if n == t {
			return i
		}
	}
	return -1
}

// GenerateSynthetic expands parsed levels into a fact base
func GenerateSynthetic(levels []SyntheticLevel) *topology.FactBase {
	g := &synthGenerator{
		fb:       &topology.FactBase{},
		counters: make(map[topology.ObjectType]uint),
	}
	root := g.add("", topology.TypeMachine, nil, false)

	hasNUMA := false
	for _, lv := range levels {
		if lv.Type == topology.TypeNUMANode {
			hasNUMA = true
		}
	}
	if !hasNUMA {
		g.add(root, topology.TypeNUMANode, topology.NUMANodeAttributes{LocalMemory: DefaultNUMAMemory}, true)
	}

	groupDepth := 0
	g.groupDepths = make([]int, len(levels))
	for i, lv := range levels {
		if lv.Type == topology.TypeGroup {
			g.groupDepths[i] = groupDepth
			groupDepth++
		}
	}

	g.expand(root, levels, 0)
	return g.fb
}

type synthGenerator struct {
	fb          *topology.FactBase
	counters    map[topology.ObjectType]uint
	groupDepths []int
	seq         int
}

func (g *synthGenerator) add(parent string, typ topology.ObjectType, attrs topology.TypeAttributes, osIndexed bool) string {
	id := fmt.Sprintf("%s#%d", typ, g.seq)
	g.seq++
	f := topology.Fact{ID: id, Parent: parent, Type: typ, Attributes: attrs}
	if osIndexed {
		f.OSIndex = topology.OSIndex(g.counters[typ])
	}
	g.counters[typ]++
	g.fb.Objects = append(g.fb.Objects, f)
	return id
}

func (g *synthGenerator) expand(parent string, levels []SyntheticLevel, li int) {
	if li == len(levels) {
		return
	}
	lv := levels[li]

	switch lv.Type {
	case topology.TypeNUMANode:
		numa := topology.NUMANodeAttributes{LocalMemory: lv.Size}
		if lv.Arity == 1 {
			g.add(parent, topology.TypeNUMANode, numa, true)
			g.expand(parent, levels, li+1)
			return
		}
		for range lv.Arity {
			group := g.add(parent, topology.TypeGroup, topology.GroupAttributes{Kind: topology.GroupKindMemory}, false)
			g.fb.Objects[len(g.fb.Objects)-1].Subtype = "NUMA"
			g.add(group, topology.TypeNUMANode, numa, true)
			g.expand(group, levels, li+1)
		}
	case topology.TypeGroup:
		for range lv.Arity {
			attrs := topology.GroupAttributes{Depth: g.groupDepths[li], Kind: topology.GroupKindSynthetic}
			g.expand(g.add(parent, topology.TypeGroup, attrs, false), levels, li+1)
		}
	default:
		var attrs topology.TypeAttributes
		if lv.Type.IsCache() {
			attrs = topology.CacheAttributes{
				Size:     lv.Size,
				Depth:    lv.Type.CacheLevel(),
				LineSize: defaultLineSize,
				Type:     topology.CacheUnified,
			}
		}
		osIndexed := attrs == nil
		for range lv.Arity {
			g.expand(g.add(parent, lv.Type, attrs, osIndexed), levels, li+1)
		}
	}
}

// SyntheticSource generates facts from a synthetic description
type SyntheticSource struct {
	name   string
	desc   string
	levels []SyntheticLevel
}

// NewSyntheticSource parses desc once; Discover never fails afterwards
func NewSyntheticSource(name, desc string) (*SyntheticSource, error) {
	levels, err := ParseSynthetic(desc)
	if err != nil {
		return nil, fmt.Errorf("invalid synthetic description: %w", err)
	}
	if name == "" {
		name = "synthetic"
	}
	return &SyntheticSource{name: name, desc: desc, levels: levels}, nil
}

// Name returns the source identifier
func (s *SyntheticSource) Name() string { return s.name }

// Kind returns SourceKindSynthetic
func (s *SyntheticSource) Kind() SourceKind { return SourceKindSynthetic }

// Description returns the description the source was created from
func (s *SyntheticSource) Description() string { return s.desc }

// Discover generates the facts
func (s *SyntheticSource) Discover(ctx context.Context) (*topology.FactBase, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fb := GenerateSynthetic(s.levels)
	fb.Objects[0].Infos = map[string]string{"SyntheticDescription": s.desc}
	return fb, nil
}
