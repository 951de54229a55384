package topology

import (
	"fmt"
	"iter"
	"slices"

	"hwtopo/internal/bitmap"
)

// snapshot returns the current state of an open topology
func (t *Topology) snapshot() (*state, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	return t.current.Load(), nil
}

// Root returns the Machine object at the top of the tree
func (t *Topology) Root() Handle {
	st := t.current.Load()
	return t.handle(st, st.root)
}

// Depth returns the number of normal levels
func (t *Topology) Depth() int {
	return len(t.current.Load().levels)
}

// Parent returns the parent of h, or the zero handle for the root
func (t *Topology) Parent(h Handle) (Handle, error) {
	st, o, err := t.resolve(h)
	if err != nil {
		return Handle{}, err
	}
	if o.parent == noParent {
		return Handle{}, nil
	}
	return t.handle(st, o.parent), nil
}

// Children returns the children of h in order
func (t *Topology) Children(h Handle) ([]Handle, error) {
	st, o, err := t.resolve(h)
	if err != nil {
		return nil, err
	}
	return t.handles(st, o.children), nil
}

// Ancestors returns the chain from the parent of h up to the root
func (t *Topology) Ancestors(h Handle) ([]Handle, error) {
	st, o, err := t.resolve(h)
	if err != nil {
		return nil, err
	}
	var out []Handle
	for p := st.obj(o.parent); p != nil; p = st.obj(p.parent) {
		out = append(out, t.handle(st, p.id))
	}
	return out, nil
}

// Descendants yields the strict descendants of h in pre-order, filtered by
// type unless typ is TypeAny. The sequence reads the generation current at
// call time and can be ranged over more than once.
func (t *Topology) Descendants(h Handle, typ ObjectType) (iter.Seq[Handle], error) {
	st, o, err := t.resolve(h)
	if err != nil {
		return nil, err
	}
	return func(yield func(Handle) bool) {
		for _, c := range o.children {
			cont := st.preorder(c, func(d *object) bool {
				if typ != TypeAny && d.typ != typ {
					return true
				}
				return yield(t.handle(st, d.id))
			})
			if !cont {
				return
			}
		}
	}, nil
}

// ObjectsAtDepth lists the objects at a normal depth, or at one of the
// special negative depths, in logical order
func (t *Topology) ObjectsAtDepth(d int) ([]Handle, error) {
	st, err := t.snapshot()
	if err != nil {
		return nil, err
	}
	if d >= 0 {
		if d >= len(st.levels) {
			return nil, &IndexError{Index: d, Len: len(st.levels)}
		}
		return t.handles(st, st.levels[d]), nil
	}
	for typ, sd := range specialDepths {
		if sd == d {
			if err := t.features.allowsType(typ); err != nil {
				return nil, err
			}
			return t.handles(st, st.byType[typ]), nil
		}
	}
	return nil, fmt.Errorf("%w: no depth %d", ErrIndexOutOfRange, d)
}

// ObjectsWithType lists all objects of a type in logical order
func (t *Topology) ObjectsWithType(typ ObjectType) ([]Handle, error) {
	if err := t.features.allowsType(typ); err != nil {
		return nil, err
	}
	st, err := t.snapshot()
	if err != nil {
		return nil, err
	}
	return t.handles(st, st.byType[typ]), nil
}

// DepthForType returns the depth of a type: its level for normal types
// present in the tree, DepthUnknown for normal types absent from it, and the
// fixed special depth otherwise.
func (t *Topology) DepthForType(typ ObjectType) (int, error) {
	if !typ.Valid() {
		return DepthUnknown, fmt.Errorf("%w: invalid type %q", ErrNotFound, typ)
	}
	if err := t.features.allowsType(typ); err != nil {
		return DepthUnknown, err
	}
	if sd, ok := specialDepths[typ]; ok {
		return sd, nil
	}
	if d, ok := t.current.Load().typeDepth[typ]; ok {
		return d, nil
	}
	return DepthUnknown, nil
}

// TypeAtDepth returns the object type found at a depth
func (t *Topology) TypeAtDepth(d int) (ObjectType, error) {
	st := t.current.Load()
	if d >= 0 {
		if d >= len(st.levels) {
			return TypeAny, &IndexError{Index: d, Len: len(st.levels)}
		}
		return st.objects[st.levels[d][0]].typ, nil
	}
	for typ, sd := range specialDepths {
		if sd == d {
			return typ, nil
		}
	}
	return TypeAny, fmt.Errorf("%w: no depth %d", ErrIndexOutOfRange, d)
}

// NextSibling returns the next child of the same parent, or the zero handle
func (t *Topology) NextSibling(h Handle) (Handle, error) {
	return t.sibling(h, 1)
}

func (t *Topology) PrevSibling(h Handle) (Handle, error) {
	return t.sibling(h, -1)
}

func (t *Topology) sibling(h Handle, step int) (Handle, error) {
	st, o, err := t.resolve(h)
	if err != nil {
		return Handle{}, err
	}
	p := st.obj(o.parent)
	if p == nil {
		return Handle{}, nil
	}
	i := slices.Index(p.children, o.id) + step
	if i < 0 || i >= len(p.children) {
		return Handle{}, nil
	}
	return t.handle(st, p.children[i]), nil
}

// NextCousin returns the next object of the same type in logical order,
// or the zero handle
func (t *Topology) NextCousin(h Handle) (Handle, error) {
	return t.cousin(h, 1)
}

func (t *Topology) PrevCousin(h Handle) (Handle, error) {
	return t.cousin(h, -1)
}

func (t *Topology) cousin(h Handle, step int) (Handle, error) {
	st, o, err := t.resolve(h)
	if err != nil {
		return Handle{}, err
	}
	same := st.byType[o.typ]
	i := o.logicalIndex + step
	if i < 0 || i >= len(same) {
		return Handle{}, nil
	}
	return t.handle(st, same[i]), nil
}

// IsInSubtree reports whether h is root or one of its descendants
func (t *Topology) IsInSubtree(h, root Handle) (bool, error) {
	st, o, err := t.resolve(h)
	if err != nil {
		return false, err
	}
	if _, _, err := t.resolve(root); err != nil {
		return false, err
	}
	for cur := o; cur != nil; cur = st.obj(cur.parent) {
		if cur.id == root.id {
			return true, nil
		}
	}
	return false, nil
}

// CommonAncestor returns the deepest object that is an ancestor-or-self of
// both a and b
func (t *Topology) CommonAncestor(a, b Handle) (Handle, error) {
	st, oa, err := t.resolve(a)
	if err != nil {
		return Handle{}, err
	}
	_, ob, err := t.resolve(b)
	if err != nil {
		return Handle{}, err
	}
	chain := map[int]bool{}
	for cur := oa; cur != nil; cur = st.obj(cur.parent) {
		chain[cur.id] = true
	}
	for cur := ob; cur != nil; cur = st.obj(cur.parent) {
		if chain[cur.id] {
			return t.handle(st, cur.id), nil
		}
	}
	return t.handle(st, st.root), nil
}

// structuralChildren returns the normal and Group children of o
func (st *state) structuralChildren(o *object) []*object {
	var out []*object
	for _, c := range o.children {
		if child := st.objects[c]; child.typ.isStructural() {
			out = append(out, child)
		}
	}
	return out
}

// FirstObjectCovering returns the deepest object whose cpuset includes set.
// Among candidates at the same depth the lowest logical index wins.
func (t *Topology) FirstObjectCovering(set bitmap.CPUSet) (Handle, error) {
	st, err := t.snapshot()
	if err != nil {
		return Handle{}, err
	}
	cur := st.objects[st.root]
	if set.IsEmpty() || !cur.cpuset.Includes(set) {
		return Handle{}, fmt.Errorf("%w: no object covers %s", ErrNotFound, set)
	}
descend:
	for {
		for _, child := range st.structuralChildren(cur) {
			if child.cpuset.Includes(set) {
				cur = child
				continue descend
			}
		}
		return t.handle(st, cur.id), nil
	}
}

// LargestObjectInside returns the shallowest object whose non-empty cpuset
// is included in set, taking the first one in logical order
func (t *Topology) LargestObjectInside(set bitmap.CPUSet) (Handle, error) {
	st, err := t.snapshot()
	if err != nil {
		return Handle{}, err
	}
	cur := st.objects[st.root]
	for {
		if !cur.cpuset.IsEmpty() && cur.cpuset.IsSubset(set) {
			return t.handle(st, cur.id), nil
		}
		var next *object
		for _, child := range st.structuralChildren(cur) {
			if child.cpuset.Intersects(set) {
				next = child
				break
			}
		}
		if next == nil {
			return Handle{}, fmt.Errorf("%w: no object inside %s", ErrNotFound, set)
		}
		cur = next
	}
}

// LargestObjectsInside returns the smallest list of largest objects whose
// cpusets exactly cover the part of set known to the topology
func (t *Topology) LargestObjectsInside(set bitmap.CPUSet) ([]Handle, error) {
	st, err := t.snapshot()
	if err != nil {
		return nil, err
	}
	var out []Handle
	var walk func(o *object)
	walk = func(o *object) {
		if o.cpuset.IsEmpty() || !o.cpuset.Intersects(set) {
			return
		}
		if o.cpuset.IsSubset(set) {
			out = append(out, t.handle(st, o.id))
			return
		}
		for _, child := range st.structuralChildren(o) {
			walk(child)
		}
	}
	walk(st.objects[st.root])
	return out, nil
}

// ObjectsInside lists objects of a type whose non-empty cpuset is included
// in set, in logical order
func (t *Topology) ObjectsInside(set bitmap.CPUSet, typ ObjectType) ([]Handle, error) {
	if !typ.HasSets() {
		return nil, mismatch("objects inside cpuset", typ)
	}
	if err := t.features.allowsType(typ); err != nil {
		return nil, err
	}
	st, err := t.snapshot()
	if err != nil {
		return nil, err
	}
	var out []Handle
	for _, id := range st.byType[typ] {
		cs := st.objects[id].cpuset
		if !cs.IsEmpty() && cs.IsSubset(set) {
			out = append(out, t.handle(st, id))
		}
	}
	return out, nil
}

// PUByOSIndex finds the processing unit with the given OS index
func (t *Topology) PUByOSIndex(idx uint) (Handle, error) {
	return t.byOSIndex(TypePU, idx)
}

// NUMANodeByOSIndex finds the NUMA node with the given OS index
func (t *Topology) NUMANodeByOSIndex(idx uint) (Handle, error) {
	return t.byOSIndex(TypeNUMANode, idx)
}

func (t *Topology) byOSIndex(typ ObjectType, idx uint) (Handle, error) {
	st, err := t.snapshot()
	if err != nil {
		return Handle{}, err
	}
	for _, id := range st.byType[typ] {
		if o := st.objects[id]; o.hasOSIndex && o.osIndex == idx {
			return t.handle(st, id), nil
		}
	}
	return Handle{}, fmt.Errorf("%w: %s with os index %d", ErrNotFound, typ, idx)
}

// LocalNUMANodes lists the NUMA nodes whose cpuset intersects set, in
// logical order. These are the nodes memory should come from when running
// on set.
func (t *Topology) LocalNUMANodes(set bitmap.CPUSet) ([]Handle, error) {
	st, err := t.snapshot()
	if err != nil {
		return nil, err
	}
	var out []Handle
	for _, id := range st.byType[TypeNUMANode] {
		if st.objects[id].cpuset.Intersects(set) {
			out = append(out, t.handle(st, id))
		}
	}
	return out, nil
}

// CPUSet returns the processors of the whole topology
func (t *Topology) CPUSet() bitmap.CPUSet {
	st := t.current.Load()
	return st.objects[st.root].cpuset
}

func (t *Topology) CompleteCPUSet() bitmap.CPUSet {
	st := t.current.Load()
	return st.objects[st.root].completeCPUSet
}

// NodeSet returns the NUMA nodes of the whole topology
func (t *Topology) NodeSet() bitmap.NodeSet {
	st := t.current.Load()
	return st.objects[st.root].nodeset
}

func (t *Topology) CompleteNodeSet() bitmap.NodeSet {
	st := t.current.Load()
	return st.objects[st.root].completeNodeSet
}

// Stats summarizes one generation of the tree
type Stats struct {
	Generation uint64
	Depth      int
	Objects    int
	ByType     map[ObjectType]int
	Distances  int
	MemAttrs   int
}

// Stats counts the objects of the current generation
func (t *Topology) Stats() Stats {
	st := t.current.Load()
	s := Stats{
		Generation: st.generation,
		Depth:      len(st.levels),
		ByType:     make(map[ObjectType]int, len(st.byType)),
		Distances:  t.distances.count(),
		MemAttrs:   t.memattrs.count(),
	}
	for typ, ids := range st.byType {
		s.ByType[typ] = len(ids)
		s.Objects += len(ids)
	}
	return s
}
