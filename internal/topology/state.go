package topology

import (
	"fmt"

	"hwtopo/internal/bitmap"
)

// state is one immutable generation of the tree
type state struct {
	generation uint64
	objects    []*object // indexed by arena id; nil once removed
	root       int

	levels    [][]int              // normal levels, logical order
	byType    map[ObjectType][]int // every type, logical order
	typeDepth map[ObjectType]int   // normal types present
}

// clone deep-copies the arena so the copy can be edited and finalized
// without touching published records
func (s *state) clone() *state {
	objects := make([]*object, len(s.objects))
	for i, o := range s.objects {
		if o != nil {
			objects[i] = o.clone()
		}
	}
	return &state{objects: objects, root: s.root}
}

func (s *state) obj(id int) *object {
	if id < 0 || id >= len(s.objects) {
		return nil
	}
	return s.objects[id]
}

// preorder visits the tree from id in pre-order
func (s *state) preorder(id int, visit func(o *object) bool) bool {
	o := s.objects[id]
	if !visit(o) {
		return false
	}
	for _, c := range o.children {
		if !s.preorder(c, visit) {
			return false
		}
	}
	return true
}

// finalize recomputes depths, levels and logical indexes from the structure
func (s *state) finalize() {
	present := map[ObjectType]bool{}
	var order []*object
	s.preorder(s.root, func(o *object) bool {
		present[o.typ] = true
		order = append(order, o)
		return true
	})

	s.typeDepth = map[ObjectType]int{}
	depth := 0
	for _, t := range normalOrder {
		if present[t] {
			s.typeDepth[t] = depth
			depth++
		}
	}

	s.levels = make([][]int, depth)
	s.byType = map[ObjectType][]int{}
	for _, o := range order {
		if d, ok := s.typeDepth[o.typ]; ok {
			o.depth = d
			s.levels[d] = append(s.levels[d], o.id)
		} else {
			o.depth = specialDepths[o.typ]
		}
		o.logicalIndex = len(s.byType[o.typ])
		s.byType[o.typ] = append(s.byType[o.typ], o.id)
	}
}

func (s *state) nearestNormal(o *object) *object {
	for p := s.obj(o.parent); p != nil; p = s.obj(p.parent) {
		if p.typ.IsNormal() {
			return p
		}
	}
	return nil
}

// validate checks every structural invariant of a finalized state
func (s *state) validate() error {
	root := s.obj(s.root)
	if root == nil || root.parent != noParent {
		return fmt.Errorf("%w: missing root", ErrInvariant)
	}
	if root.typ != TypeMachine {
		return fmt.Errorf("%w: root is %s, not Machine", ErrInvariant, root.typ)
	}

	reachable := 0
	var err error
	s.preorder(s.root, func(o *object) bool {
		reachable++
		for _, c := range o.children {
			child := s.obj(c)
			if child == nil || child.parent != o.id {
				err = fmt.Errorf("%w: broken parent link under %s", ErrInvariant, o.typ)
				return false
			}
		}
		if o.id != s.root {
			if err = s.validatePlacement(o); err != nil {
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	live := 0
	for _, o := range s.objects {
		if o != nil {
			live++
		}
	}
	if live != reachable {
		return fmt.Errorf("%w: %d objects unreachable from root", ErrInvariant, live-reachable)
	}

	for d, level := range s.levels {
		seen := bitmap.New()
		for _, id := range level {
			cs := s.objects[id].cpuset
			if seen.Intersects(cs) {
				return fmt.Errorf("%w: overlapping cpusets at depth %d", ErrInvariant, d)
			}
			seen = seen.Union(cs)
		}
	}

	nodes := map[uint]bool{}
	for _, id := range s.byType[TypeNUMANode] {
		o := s.objects[id]
		if nodes[o.osIndex] {
			return fmt.Errorf("%w: duplicate NUMA node os index %d", ErrInvariant, o.osIndex)
		}
		nodes[o.osIndex] = true
	}
	return nil
}

func (s *state) validatePlacement(o *object) error {
	parent := s.objects[o.parent]
	where := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s under %s: %s", ErrInvariant, o.typ, parent.typ, fmt.Sprintf(format, args...))
	}

	switch {
	case o.typ.isStructural():
		if !parent.typ.isStructural() || parent.typ == TypePU {
			return where("cpu objects need a cpu parent above the PU level")
		}
		if o.typ.IsNormal() {
			if anc := s.nearestNormal(o); anc != nil && anc.typ.rank() >= o.typ.rank() {
				return where("%s may not nest inside %s", o.typ, anc.typ)
			}
		}
	case o.typ == TypeMemCache:
		if !parent.typ.isStructural() && parent.typ != TypeMemCache {
			return where("memory cache needs a cpu or memcache parent")
		}
	case o.typ == TypeNUMANode:
		if !parent.typ.isStructural() && parent.typ != TypeMemCache {
			return where("numa node needs a cpu or memcache parent")
		}
	case o.typ.IsIO():
		if parent.typ.IsMemory() || parent.typ == TypeMisc {
			return where("io objects attach to cpu or io objects")
		}
	}
	if parent.typ == TypeMemCache && !o.typ.IsMemory() {
		return where("memory caches only hold memory objects")
	}

	if !o.typ.HasSets() {
		return nil
	}
	if !parent.typ.HasSets() {
		return where("set-bearing object below %s", parent.typ)
	}
	switch {
	case !o.cpuset.IsSubset(parent.cpuset):
		return where("cpuset %s not within parent %s", o.cpuset, parent.cpuset)
	case !o.completeCPUSet.IsSubset(parent.completeCPUSet):
		return where("complete cpuset not within parent")
	case !o.nodeset.IsSubset(parent.nodeset):
		return where("nodeset %s not within parent %s", o.nodeset, parent.nodeset)
	case !o.completeNodeSet.IsSubset(parent.completeNodeSet):
		return where("complete nodeset not within parent")
	}
	return nil
}
