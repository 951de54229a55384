package topology

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"hwtopo/internal/bitmap"
)

// RestrictFlags tune what Restrict and RestrictNodes remove
type RestrictFlags uint

const (
	// RestrictRemoveCPULess also removes memory objects left without CPUs
	RestrictRemoveCPULess RestrictFlags = 1 << iota
	// RestrictRemoveMemLess makes RestrictNodes remove CPU objects whose
	// nodeset becomes empty
	RestrictRemoveMemLess
	// RestrictAdaptMisc moves Misc objects of removed parents up to the
	// nearest surviving ancestor instead of removing them
	RestrictAdaptMisc
	// RestrictAdaptIO does the same for I/O objects
	RestrictAdaptIO
)

// Editor is an exclusive edit session. Edits apply to a private copy of the
// tree; Commit validates it and publishes it as a new generation, Discard
// drops it. The first failing edit poisons the session: later edits and
// Commit return that error and the tree is left untouched.
type Editor struct {
	topo     *Topology
	ctx      context.Context
	base     *state
	shadow   *state
	gen      uint64
	err      error
	closed   bool
	ops      int
	released map[int]bool
}

// Edit opens an edit session, waiting for any open session to finish
func (t *Topology) Edit(ctx context.Context) (*Editor, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	select {
	case t.editSlot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return t.begin(ctx)
}

// TryEdit opens an edit session or fails with ErrEditorBusy
func (t *Topology) TryEdit(ctx context.Context) (*Editor, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	select {
	case t.editSlot <- struct{}{}:
	default:
		return nil, ErrEditorBusy
	}
	return t.begin(ctx)
}

func (t *Topology) begin(ctx context.Context) (*Editor, error) {
	if t.closed.Load() {
		<-t.editSlot
		return nil, ErrClosed
	}
	base := t.current.Load()
	return &Editor{
		topo:     t,
		ctx:      ctx,
		base:     base,
		shadow:   base.clone(),
		gen:      t.gens.Add(1),
		released: map[int]bool{},
	}, nil
}

// Update runs fn in a session and commits it, or discards it when fn fails
func (t *Topology) Update(ctx context.Context, fn func(*Editor) error) error {
	e, err := t.Edit(ctx)
	if err != nil {
		return err
	}
	if err := fn(e); err != nil {
		e.Discard()
		return err
	}
	return e.Commit()
}

// Err returns the error that poisoned the session, if any
func (e *Editor) Err() error {
	return e.err
}

// Generation is the generation the tree will have if this session commits
func (e *Editor) Generation() uint64 {
	return e.gen
}

func (e *Editor) start(f Feature) error {
	if e.closed {
		return ErrSessionClosed
	}
	if e.err != nil {
		return e.err
	}
	e.ops++
	return e.fail(e.topo.features.require(f))
}

// fail poisons the session with err unless it already failed
func (e *Editor) fail(err error) error {
	if err != nil && e.err == nil {
		e.err = err
	}
	return err
}

// lookup resolves a handle against the session copy. Handles from the base
// generation and handles minted by this session are accepted.
func (e *Editor) lookup(h Handle) (*object, error) {
	if h.topo != e.topo {
		return nil, fmt.Errorf("%w: handle belongs to another topology", ErrStaleHandle)
	}
	if h.gen != e.base.generation && h.gen != e.gen {
		return nil, fmt.Errorf("%w: generation %d, session edits %d", ErrStaleHandle, h.gen, e.base.generation)
	}
	o := e.shadow.obj(h.id)
	if o == nil {
		return nil, fmt.Errorf("%w: object removed", ErrStaleHandle)
	}
	return o, nil
}

func (e *Editor) referenced(id int) bool {
	if e.released[id] {
		return false
	}
	return e.topo.distances.references(id) || e.topo.memattrs.references(id)
}

// splice removes o and puts its children where it was
func (e *Editor) splice(o *object) {
	st := e.shadow
	p := st.objects[o.parent]
	i := slices.Index(p.children, o.id)
	p.children = slices.Replace(p.children, i, i+1, o.children...)
	for _, c := range o.children {
		st.objects[c].parent = p.id
	}
	st.objects[o.id] = nil
}

// Restrict keeps only the parts of the tree that intersect set. CPU objects
// left without processors are removed; memory, I/O and Misc objects are
// handled according to flags.
func (e *Editor) Restrict(set bitmap.CPUSet, flags RestrictFlags) error {
	if err := e.start(FeatureEditRestrict); err != nil {
		return err
	}
	root := e.shadow.objects[e.shadow.root]
	if !root.cpuset.Intersects(set) {
		return e.fail(fmt.Errorf("%w: %q does not intersect %q", ErrInvalidRestriction, set, root.cpuset))
	}
	e.restrict(set, bitmap.Full(), flags)
	return nil
}

// RestrictNodes keeps only the NUMA nodes in nodes. With
// RestrictRemoveMemLess, CPU objects left without local memory go too.
func (e *Editor) RestrictNodes(nodes bitmap.NodeSet, flags RestrictFlags) error {
	if err := e.start(FeatureEditRestrict); err != nil {
		return err
	}
	st := e.shadow
	root := st.objects[st.root]
	if !root.nodeset.Intersects(nodes) {
		return e.fail(fmt.Errorf("%w: %q does not intersect %q", ErrInvalidRestriction, nodes, root.nodeset))
	}

	cpuKeep := bitmap.Full()
	if flags&RestrictRemoveMemLess != 0 {
		lost := bitmap.New()
		for _, o := range st.objects {
			if o != nil && o.typ == TypePU && !o.nodeset.Intersects(nodes) {
				lost = lost.Union(o.cpuset)
			}
		}
		cpuKeep = cpuKeep.Difference(lost)
		if !root.cpuset.Intersects(cpuKeep) {
			return e.fail(fmt.Errorf("%w: no processor keeps local memory", ErrInvalidRestriction))
		}
	}
	e.restrict(cpuKeep, nodes, flags)
	return nil
}

func (e *Editor) restrict(cpuKeep bitmap.CPUSet, nodeKeep bitmap.NodeSet, flags RestrictFlags) {
	st := e.shadow
	removeCPULess := flags&RestrictRemoveCPULess != 0

	// rebuild returns the ids to attach to the caller: o itself when it
	// survives, otherwise whichever of its descendants may move up
	var rebuild func(id int, parentGone bool) []int
	rebuild = func(id int, parentGone bool) []int {
		o := st.objects[id]
		var keep bool
		switch {
		case o.typ.isStructural():
			keep = o.cpuset.Intersects(cpuKeep)
		case o.typ.IsMemory():
			keep = o.nodeset.Intersects(nodeKeep) && (!removeCPULess || o.cpuset.Intersects(cpuKeep))
		case o.typ.IsIO():
			keep = !parentGone || flags&RestrictAdaptIO != 0
		default:
			keep = !parentGone || flags&RestrictAdaptMisc != 0
		}

		var survivors []int
		for _, c := range o.children {
			survivors = append(survivors, rebuild(c, !keep)...)
		}
		if keep && o.typ == TypeMemCache && !slices.ContainsFunc(survivors, func(c int) bool {
			return st.objects[c].typ.IsMemory()
		}) {
			keep = false
		}
		if !keep {
			st.objects[id] = nil
			return survivors
		}
		o.children = survivors
		for _, c := range survivors {
			st.objects[c].parent = id
		}
		if o.typ.HasSets() {
			o.cpuset = o.cpuset.Intersection(cpuKeep)
			o.completeCPUSet = o.completeCPUSet.Intersection(cpuKeep)
			o.nodeset = o.nodeset.Intersection(nodeKeep)
			o.completeNodeSet = o.completeNodeSet.Intersection(nodeKeep)
		}
		return []int{id}
	}
	rebuild(st.root, false)
}

// InsertGroup puts a new Group between parent and some of its children.
// The returned handle becomes valid once the session commits.
func (e *Editor) InsertGroup(parent Handle, children []Handle) (Handle, error) {
	if err := e.start(FeatureEditGroup); err != nil {
		return Handle{}, err
	}
	p, err := e.lookup(parent)
	if err != nil {
		return Handle{}, e.fail(err)
	}
	if len(children) == 0 {
		return Handle{}, e.fail(fmt.Errorf("%w: no children given", ErrInvalidGrouping))
	}
	if !p.typ.isStructural() || p.typ == TypePU {
		return Handle{}, e.fail(fmt.Errorf("%w: %s cannot hold a group", ErrInvalidGrouping, p.typ))
	}

	st := e.shadow
	members := make(map[int]bool, len(children))
	hasCPUs := false
	for _, h := range children {
		c, err := e.lookup(h)
		if err != nil {
			return Handle{}, e.fail(err)
		}
		switch {
		case c.parent != p.id:
			return Handle{}, e.fail(fmt.Errorf("%w: %s is not a child of the parent", ErrInvalidGrouping, c.typ))
		case members[c.id]:
			return Handle{}, e.fail(fmt.Errorf("%w: %s listed twice", ErrInvalidGrouping, c.typ))
		case !c.typ.HasSets():
			return Handle{}, e.fail(fmt.Errorf("%w: %s cannot be grouped", ErrInvalidGrouping, c.typ))
		}
		members[c.id] = true
		hasCPUs = hasCPUs || c.typ.isStructural()
	}
	if !hasCPUs {
		return Handle{}, e.fail(fmt.Errorf("%w: a group needs at least one CPU child", ErrInvalidGrouping))
	}

	groupDepth := 0
	for a := p; a != nil; a = st.obj(a.parent) {
		if a.typ == TypeGroup {
			groupDepth++
		}
	}
	g := &object{
		id:     len(st.objects),
		typ:    TypeGroup,
		parent: p.id,
		attrs:  GroupAttributes{Depth: groupDepth, Kind: GroupKindUser},
	}

	var kept []int
	for _, c := range p.children {
		if !members[c] {
			kept = append(kept, c)
			continue
		}
		if len(g.children) == 0 {
			kept = append(kept, g.id)
		}
		g.children = append(g.children, c)
		child := st.objects[c]
		child.parent = g.id
		g.cpuset = g.cpuset.Union(child.cpuset)
		g.completeCPUSet = g.completeCPUSet.Union(child.completeCPUSet)
		g.nodeset = g.nodeset.Union(child.nodeset)
		g.completeNodeSet = g.completeNodeSet.Union(child.completeNodeSet)
	}
	p.children = kept
	st.objects = append(st.objects, g)
	return Handle{topo: e.topo, id: g.id, gen: e.gen}, nil
}

// InsertMisc adds a Misc object as the last child of parent
func (e *Editor) InsertMisc(parent Handle, name string) (Handle, error) {
	if err := e.start(FeatureEditMisc); err != nil {
		return Handle{}, err
	}
	if err := e.topo.features.allowsType(TypeMisc); err != nil {
		return Handle{}, e.fail(err)
	}
	p, err := e.lookup(parent)
	if err != nil {
		return Handle{}, e.fail(err)
	}
	if p.typ == TypeMemCache {
		return Handle{}, e.fail(mismatch("misc child", p.typ))
	}
	st := e.shadow
	m := &object{id: len(st.objects), typ: TypeMisc, name: name, parent: p.id}
	p.children = append(p.children, m.id)
	st.objects = append(st.objects, m)
	return Handle{topo: e.topo, id: m.id, gen: e.gen}, nil
}

// RemoveObject removes one object and gives its children to its parent, in
// its place. Objects indexed by a distance matrix or a memory attribute
// value must be released first.
func (e *Editor) RemoveObject(h Handle) error {
	if err := e.start(FeatureEditRemove); err != nil {
		return err
	}
	o, err := e.lookup(h)
	if err != nil {
		return e.fail(err)
	}
	if o.parent == noParent {
		return e.fail(ErrRootObject)
	}
	if e.referenced(o.id) {
		return e.fail(fmt.Errorf("%w: %s", ErrObjectInUse, o.typ))
	}
	e.splice(o)
	return nil
}

// ReleaseReferences drops, on commit, every distance matrix row and memory
// attribute value naming the object, and lets this session remove it
func (e *Editor) ReleaseReferences(h Handle) error {
	if err := e.start(FeatureEditRemove); err != nil {
		return err
	}
	o, err := e.lookup(h)
	if err != nil {
		return e.fail(err)
	}
	e.released[o.id] = true
	return nil
}

// MergeIdentical folds, within the subtree of parent, every CPU object whose
// only CPU child covers exactly the same cpuset, complete cpuset and nodeset.
// The upper object of a pair is kept unless it is a Group and the lower one
// is not. PUs and referenced objects are never folded. It returns the number
// of objects removed.
func (e *Editor) MergeIdentical(parent Handle) (int, error) {
	if err := e.start(FeatureEditMerge); err != nil {
		return 0, err
	}
	start, err := e.lookup(parent)
	if err != nil {
		return 0, e.fail(err)
	}
	st := e.shadow

	foldable := func(o *object) bool {
		if o.typ == TypePU || o.parent == noParent || e.referenced(o.id) {
			return false
		}
		g, ok := o.attrs.(GroupAttributes)
		return !ok || !g.DontMerge
	}
	same := func(a, b *object) bool {
		return a.cpuset.Equal(b.cpuset) && a.completeCPUSet.Equal(b.completeCPUSet) && a.nodeset.Equal(b.nodeset)
	}

	merged := 0
	var visit func(id int)
	visit = func(id int) {
		for {
			o := st.objects[id]
			if !o.typ.isStructural() {
				break
			}
			kids := st.structuralChildren(o)
			if len(kids) != 1 || !same(o, kids[0]) {
				break
			}
			c := kids[0]
			victim, keeper := c, o
			if o.typ == TypeGroup && c.typ != TypeGroup && foldable(o) {
				victim, keeper = o, c
			}
			if !foldable(victim) {
				break
			}
			e.splice(victim)
			merged++
			id = keeper.id
		}
		for _, c := range slices.Clone(st.objects[id].children) {
			visit(c)
		}
	}
	visit(start.id)
	return merged, nil
}

// SetInfo sets an info attribute on an object
func (e *Editor) SetInfo(h Handle, key, value string) error {
	if err := e.start(FeatureEditMisc); err != nil {
		return err
	}
	o, err := e.lookup(h)
	if err != nil {
		return e.fail(err)
	}
	infos := maps.Clone(o.infos)
	if infos == nil {
		infos = map[string]string{}
	}
	infos[key] = value
	o.infos = infos
	return nil
}

// Discard drops the session. It is safe to call after Commit.
func (e *Editor) Discard() {
	if e.closed {
		return
	}
	e.release()
	recordCommit(e.ctx, 0, 0, "discarded")
	e.topo.logger.Debug("edit session discarded", "generation", e.gen, "ops", e.ops)
}

func (e *Editor) release() {
	e.closed = true
	e.shadow = nil
	<-e.topo.editSlot
}

// Commit validates the edited tree and publishes it. Distance matrices and
// memory attribute values naming removed or released objects are re-indexed
// or dropped in the same step, so no reader sees a dangling reference.
func (e *Editor) Commit() error {
	if e.closed {
		return ErrSessionClosed
	}
	if e.err != nil {
		err := e.err
		e.release()
		recordCommit(e.ctx, 0, 0, "poisoned")
		e.topo.logger.Debug("edit session rolled back", "generation", e.gen, "error", err)
		return err
	}
	if e.topo.closed.Load() {
		e.release()
		return ErrClosed
	}

	began := time.Now()
	ctx, span := startCommitSpan(e.ctx, e.gen, e.ops)
	defer span.End()

	st := e.shadow
	dropped := map[int]bool{}
	droppedNodes := bitmap.New()
	for id, o := range e.base.objects {
		if o != nil && st.obj(id) == nil {
			dropped[id] = true
			if o.typ == TypeNUMANode {
				droppedNodes = droppedNodes.With(o.osIndex)
			}
		}
	}
	for id := range e.released {
		dropped[id] = true
	}

	deriveNodeSets(st, func(id int) (bitmap.NodeSet, bitmap.NodeSet) {
		o := st.objects[id]
		return o.nodeset.Difference(droppedNodes), o.completeNodeSet.Difference(droppedNodes)
	})
	st.finalize()
	if err := st.validate(); err != nil {
		span.RecordError(err)
		e.release()
		recordCommit(ctx, 0, 0, "invalid")
		e.topo.logger.Warn("edit session rejected", "generation", e.gen, "error", err)
		return err
	}
	st.generation = e.gen

	ds, ms := e.topo.distances, e.topo.memattrs
	ds.mu.Lock()
	ms.mu.Lock()
	e.topo.current.Store(st)
	matrices := ds.prune(dropped)
	values := ms.prune(dropped)
	ms.mu.Unlock()
	ds.mu.Unlock()

	e.release()
	live := len(st.objects) - countNil(st.objects)
	recordCommit(ctx, time.Since(began), live, "committed")
	e.topo.logger.Info("topology edited",
		"generation", st.generation,
		"ops", e.ops,
		"objects", live,
		"removed", len(dropped),
		"matrices_changed", matrices,
		"memattr_values_dropped", values,
	)
	return nil
}

func countNil(objects []*object) int {
	n := 0
	for _, o := range objects {
		if o == nil {
			n++
		}
	}
	return n
}
