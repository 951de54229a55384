package topology

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"

	"hwtopo/internal/bitmap"
)

// Topology owns the object tree and its attached distance and memory
// attribute stores. Readers load the current generation through an atomic
// pointer and never lock; editors serialize on a single session slot.
type Topology struct {
	current  atomic.Pointer[state]
	closed   atomic.Bool
	gens     atomic.Uint64
	editSlot chan struct{}

	features Features
	logger   *slog.Logger

	distances *DistanceStore
	memattrs  *MemAttrStore
}

// Option configures Build
type Option func(*buildOptions)

type buildOptions struct {
	features        Features
	logger          *slog.Logger
	ignoreDistances bool
	ignoreMemAttrs  bool
}

// WithFeatures sets the capability surface; the default enables everything
func WithFeatures(f Features) Option {
	return func(o *buildOptions) { o.features = f }
}

// WithLogger sets the logger; the default is slog.Default()
func WithLogger(l *slog.Logger) Option {
	return func(o *buildOptions) { o.logger = l }
}

// WithoutDistances drops distance facts at build time
func WithoutDistances() Option {
	return func(o *buildOptions) { o.ignoreDistances = true }
}

// WithoutMemAttrs drops memory attribute facts at build time
func WithoutMemAttrs() Option {
	return func(o *buildOptions) { o.ignoreMemAttrs = true }
}

// Build constructs a topology from a fact base. Objects whose type is gated
// by a disabled feature are filtered out the way a discovery type filter
// would: Die and MemCache objects are collapsed into their parent, I/O and
// Misc subtrees are dropped.
func Build(ctx context.Context, fb *FactBase, opts ...Option) (*Topology, error) {
	o := buildOptions{features: AllFeatures(), logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if fb == nil {
		return nil, factErr("", "nil fact base")
	}

	start := time.Now()
	ctx, span := startBuildSpan(ctx, len(fb.Objects))
	defer span.End()

	t := &Topology{
		editSlot: make(chan struct{}, 1),
		features: o.features,
		logger:   o.logger,
	}
	t.distances = &DistanceStore{topo: t}
	t.memattrs = newMemAttrStore(t)

	st, ids, err := buildState(fb, o.features)
	if err != nil {
		span.RecordError(err)
		recordBuild(ctx, time.Since(start), 0, false)
		return nil, err
	}
	st.generation = t.gens.Add(1)
	t.current.Store(st)

	if err := t.loadDistances(fb.Distances, ids, o); err != nil {
		span.RecordError(err)
		recordBuild(ctx, time.Since(start), 0, false)
		return nil, err
	}
	if err := t.loadMemAttrs(fb.MemAttrs, ids, o); err != nil {
		span.RecordError(err)
		recordBuild(ctx, time.Since(start), 0, false)
		return nil, err
	}

	n := len(st.objects)
	recordBuild(ctx, time.Since(start), n, true)
	t.logger.Debug("topology built",
		"objects", n,
		"depth", len(st.levels),
		"distances", len(fb.Distances),
		"memattrs", len(fb.MemAttrs),
		"features", o.features.String(),
	)
	return t, nil
}

func (t *Topology) loadDistances(facts []DistanceFact, ids map[string]int, o buildOptions) error {
	if len(facts) == 0 {
		return nil
	}
	if o.ignoreDistances || !o.features.Has(FeatureDistances) {
		t.logger.Debug("ignoring distance facts", "count", len(facts))
		return nil
	}
	for _, df := range facts {
		handles := make([]Handle, len(df.Objects))
		for i, ref := range df.Objects {
			h, err := t.factHandle(ids, ref)
			if err != nil {
				return fmt.Errorf("distances %q: %w", df.Name, err)
			}
			handles[i] = h
		}
		m, err := NewDistanceMatrix(df.Name, df.Kind, handles, df.Values)
		if err != nil {
			return fmt.Errorf("%w: distances %q: %w", ErrInvalidFacts, df.Name, err)
		}
		if err := t.distances.Add(m); err != nil {
			return fmt.Errorf("%w: distances %q: %w", ErrInvalidFacts, df.Name, err)
		}
	}
	return nil
}

func (t *Topology) loadMemAttrs(facts []MemAttrFact, ids map[string]int, o buildOptions) error {
	if len(facts) == 0 {
		return nil
	}
	if o.ignoreMemAttrs || !o.features.Has(FeatureMemAttrs) {
		t.logger.Debug("ignoring memory attribute facts", "count", len(facts))
		return nil
	}
	for _, mf := range facts {
		if _, err := t.memattrs.Info(mf.Name); err != nil {
			if err := t.memattrs.Register(mf.Name, mf.Policy, mf.Flags); err != nil {
				return fmt.Errorf("%w: memattr %q: %w", ErrInvalidFacts, mf.Name, err)
			}
		}
		for _, v := range mf.Values {
			target, err := t.factHandle(ids, v.Target)
			if err != nil {
				return fmt.Errorf("memattr %q: %w", mf.Name, err)
			}
			var init Initiator
			switch {
			case v.Initiator != "":
				h, err := t.factHandle(ids, v.Initiator)
				if err != nil {
					return fmt.Errorf("memattr %q: %w", mf.Name, err)
				}
				init = InitiatorObject(h)
			case !v.InitiatorCPUSet.IsEmpty():
				init = InitiatorCPUSet(v.InitiatorCPUSet)
			}
			if err := t.memattrs.Set(mf.Name, init, target, v.Value); err != nil {
				return fmt.Errorf("%w: memattr %q: %w", ErrInvalidFacts, mf.Name, err)
			}
		}
	}
	return nil
}

func (t *Topology) factHandle(ids map[string]int, ref string) (Handle, error) {
	id, ok := ids[ref]
	if !ok {
		return Handle{}, factErr(ref, "unknown or filtered object reference")
	}
	st := t.current.Load()
	return Handle{topo: t, id: id, gen: st.generation}, nil
}

// Close invalidates every outstanding handle. Further queries fail with
// ErrStaleHandle and edits with ErrClosed.
func (t *Topology) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.distances.clear()
	t.memattrs.clear()
	t.logger.Debug("topology closed", "generation", t.Generation())
	return nil
}

// Closed reports whether Close has been called
func (t *Topology) Closed() bool {
	return t.closed.Load()
}

// Generation returns the current tree generation
func (t *Topology) Generation() uint64 {
	return t.current.Load().generation
}

// Features returns the capability surface this topology was built with
func (t *Topology) Features() Features {
	return t.features
}

// Distances returns the attached distance store
func (t *Topology) Distances() *DistanceStore {
	return t.distances
}

// MemAttrs returns the attached memory attribute store
func (t *Topology) MemAttrs() *MemAttrStore {
	return t.memattrs
}

// resolve checks a handle against the current generation
func (t *Topology) resolve(h Handle) (*state, *object, error) {
	if h.topo != t {
		return nil, nil, fmt.Errorf("%w: handle belongs to another topology", ErrStaleHandle)
	}
	if t.closed.Load() {
		return nil, nil, fmt.Errorf("%w: topology closed", ErrStaleHandle)
	}
	st := t.current.Load()
	if h.gen != st.generation {
		return nil, nil, fmt.Errorf("%w: generation %d, tree is at %d", ErrStaleHandle, h.gen, st.generation)
	}
	o := st.obj(h.id)
	if o == nil {
		return nil, nil, fmt.Errorf("%w: object removed", ErrStaleHandle)
	}
	return st, o, nil
}

func (t *Topology) handle(st *state, id int) Handle {
	return Handle{topo: t, id: id, gen: st.generation}
}

func (t *Topology) handles(st *state, ids []int) []Handle {
	out := make([]Handle, len(ids))
	for i, id := range ids {
		out[i] = t.handle(st, id)
	}
	return out
}

// Object returns a snapshot of the object h refers to
func (t *Topology) Object(h Handle) (Object, error) {
	_, o, err := t.resolve(h)
	if err != nil {
		return Object{}, err
	}
	return Object{handle: h, obj: o}, nil
}

// buildState validates the facts and lays them out in an arena in pre-order.
// It returns the fact ID to arena id mapping of the surviving objects.
func buildState(fb *FactBase, feats Features) (*state, map[string]int, error) {
	if len(fb.Objects) == 0 {
		return nil, nil, factErr("", "no objects")
	}

	byID := make(map[string]int, len(fb.Objects))
	rootIdx := -1
	for i, f := range fb.Objects {
		if f.ID == "" {
			return nil, nil, factErr("", "object %d has no ID", i)
		}
		if _, dup := byID[f.ID]; dup {
			return nil, nil, factErr(f.ID, "duplicate ID")
		}
		if !f.Type.Valid() {
			return nil, nil, factErr(f.ID, "unknown type %q", f.Type)
		}
		if f.Attributes != nil && !f.Attributes.appliesTo(f.Type) {
			return nil, nil, factErr(f.ID, "attributes %T do not apply to %s", f.Attributes, f.Type)
		}
		switch f.Type {
		case TypePU:
			if f.OSIndex == nil && f.CPUSet.IsEmpty() {
				return nil, nil, factErr(f.ID, "PU needs an OS index or a cpuset")
			}
		case TypeNUMANode:
			if f.OSIndex == nil {
				return nil, nil, factErr(f.ID, "NUMA node needs an OS index")
			}
		}
		if f.NoCPUs && (!f.Type.IsMemory() || !f.CPUSet.IsEmpty()) {
			return nil, nil, factErr(f.ID, "NoCPUs needs a memory object with an empty cpuset")
		}
		byID[f.ID] = i
		if f.Parent == "" {
			if rootIdx >= 0 {
				return nil, nil, factErr(f.ID, "second root (first is %q)", fb.Objects[rootIdx].ID)
			}
			rootIdx = i
		}
	}
	if rootIdx < 0 {
		return nil, nil, factErr("", "no root object")
	}
	if fb.Objects[rootIdx].Type != TypeMachine {
		return nil, nil, factErr(fb.Objects[rootIdx].ID, "root must be a Machine, got %s", fb.Objects[rootIdx].Type)
	}

	children := make(map[int][]int, len(fb.Objects))
	for i, f := range fb.Objects {
		if f.Parent == "" {
			continue
		}
		p, ok := byID[f.Parent]
		if !ok {
			return nil, nil, factErr(f.ID, "unknown parent %q", f.Parent)
		}
		children[p] = append(children[p], i)
	}

	st := &state{}
	ids := make(map[string]int, len(fb.Objects))
	facts := make([]*Fact, 0, len(fb.Objects))
	visited := 0

	// place lays out fact i under arena parent and returns the arena ids to
	// attach there: the object itself, or its promoted children when its type
	// is collapsed by a feature filter.
	var place func(i, parent int) []int
	place = func(i, parent int) []int {
		visited++
		f := &fb.Objects[i]
		if feats.allowsType(f.Type) != nil {
			if f.Type.IsIO() || f.Type == TypeMisc {
				dropSubtree(children, i, &visited)
				return nil
			}
			var promoted []int
			for _, c := range children[i] {
				promoted = append(promoted, place(c, parent)...)
			}
			return promoted
		}

		o := &object{
			id:      len(st.objects),
			typ:     f.Type,
			subtype: f.Subtype,
			name:    f.Name,
			parent:  parent,
			infos:   maps.Clone(f.Infos),
			attrs:   f.Attributes,
		}
		if f.OSIndex != nil {
			o.osIndex, o.hasOSIndex = *f.OSIndex, true
		}
		st.objects = append(st.objects, o)
		facts = append(facts, f)
		ids[f.ID] = o.id
		for _, c := range children[i] {
			o.children = append(o.children, place(c, o.id)...)
		}
		return []int{o.id}
	}
	place(rootIdx, noParent)
	if visited != len(fb.Objects) {
		return nil, nil, factErr("", "%d objects unreachable from the root (parent cycle)", len(fb.Objects)-visited)
	}
	st.root = 0

	computeSets(st, facts)
	st.finalize()
	if err := st.validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidFacts, err)
	}
	return st, ids, nil
}

func dropSubtree(children map[int][]int, i int, visited *int) {
	for _, c := range children[i] {
		*visited++
		dropSubtree(children, c, visited)
	}
}

// computeSets derives every set left empty in the facts. facts is indexed by
// arena id.
func computeSets(st *state, facts []*Fact) {
	var cpus func(id int)
	cpus = func(id int) {
		o := st.objects[id]
		f := facts[id]
		union, complete := bitmap.New(), bitmap.New()
		for _, c := range o.children {
			child := st.objects[c]
			if !child.typ.isStructural() {
				continue
			}
			cpus(c)
			union = union.Union(child.cpuset)
			complete = complete.Union(child.completeCPUSet)
		}
		o.cpuset = f.CPUSet.Union(union)
		if o.typ == TypePU && o.cpuset.IsEmpty() {
			o.cpuset = bitmap.Singleton(o.osIndex)
		}
		o.completeCPUSet = f.CompleteCPUSet.Union(o.cpuset).Union(complete)
	}
	cpus(st.root)

	// memory objects take their parent's cpusets unless given or CPU-less
	st.preorder(st.root, func(o *object) bool {
		if o.typ.IsMemory() {
			p := st.objects[o.parent]
			f := facts[o.id]
			o.cpuset = f.CPUSet
			if o.cpuset.IsEmpty() && !f.NoCPUs {
				o.cpuset = p.cpuset
			}
			o.completeCPUSet = f.CompleteCPUSet.Union(o.cpuset)
			if f.CompleteCPUSet.IsEmpty() && !f.NoCPUs {
				o.completeCPUSet = p.completeCPUSet
			}
		}
		return true
	})

	deriveNodeSets(st, func(id int) (bitmap.NodeSet, bitmap.NodeSet) {
		return facts[id].NodeSet, facts[id].CompleteNodeSet
	})
}

// deriveNodeSets computes nodesets from the memory objects of the tree: a
// NUMA node covers its own OS index, other objects cover the memory in
// their subtree plus the memory attached to their ancestors. given supplies
// extra bits to merge in.
func deriveNodeSets(st *state, given func(id int) (bitmap.NodeSet, bitmap.NodeSet)) {
	sub := make(map[int]bitmap.NodeSet, len(st.objects))
	var subtree func(id int) bitmap.NodeSet
	subtree = func(id int) bitmap.NodeSet {
		o := st.objects[id]
		set := bitmap.New()
		if o.typ == TypeNUMANode {
			set = bitmap.Singleton(o.osIndex)
		}
		for _, c := range o.children {
			if st.objects[c].typ.HasSets() {
				set = set.Union(subtree(c))
			}
		}
		sub[id] = set
		return set
	}
	subtree(st.root)

	var assign func(id int, inherited bitmap.NodeSet) bitmap.NodeSet
	assign = func(id int, inherited bitmap.NodeSet) bitmap.NodeSet {
		o := st.objects[id]
		extra, extraComplete := given(id)
		if o.typ.IsMemory() {
			o.nodeset = sub[id].Union(extra)
		} else {
			for _, c := range o.children {
				if st.objects[c].typ.IsMemory() {
					inherited = inherited.Union(sub[c])
				}
			}
			o.nodeset = inherited.Union(sub[id]).Union(extra)
		}
		complete := o.nodeset.Union(extraComplete)
		for _, c := range o.children {
			if st.objects[c].typ.HasSets() {
				complete = complete.Union(assign(c, inherited))
			}
		}
		o.completeNodeSet = complete
		return complete
	}
	assign(st.root, bitmap.New())
}
