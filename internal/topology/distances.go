package topology

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// DistanceKind describes what a matrix measures and where it came from
type DistanceKind uint

const (
	DistanceLatency DistanceKind = 1 << iota
	DistanceBandwidth
	DistanceNormalized // relative values, e.g. 10 for local access
	DistanceFromOS
	DistanceFromUser
)

var distanceKindNames = []struct {
	kind DistanceKind
	name string
}{
	{DistanceLatency, "latency"},
	{DistanceBandwidth, "bandwidth"},
	{DistanceNormalized, "normalized"},
	{DistanceFromOS, "from_os"},
	{DistanceFromUser, "from_user"},
}

func (k DistanceKind) String() string {
	var parts []string
	for _, kn := range distanceKindNames {
		if k&kn.kind != 0 {
			parts = append(parts, kn.name)
		}
	}
	return strings.Join(parts, "|")
}

// MarshalText implements encoding.TextMarshaler
func (k DistanceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText accepts the "latency|from_os" form produced by String
func (k *DistanceKind) UnmarshalText(text []byte) error {
	var out DistanceKind
	for _, part := range strings.Split(string(text), "|") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		found := false
		for _, kn := range distanceKindNames {
			if kn.name == part {
				out |= kn.kind
				found = true
			}
		}
		if !found {
			return fmt.Errorf("unknown distance kind %q", part)
		}
	}
	*k = out
	return nil
}

// DistanceMatrix holds pairwise values between objects of one type. Row i
// and column i belong to Objects()[i]; values need not be symmetric. A matrix
// is immutable; transforms return new matrices.
type DistanceMatrix struct {
	name    string
	kind    DistanceKind
	typ     ObjectType
	topo    *Topology
	objects []Handle
	values  []uint64
}

// NewDistanceMatrix validates and copies the inputs. values is row-major and
// must hold len(objects)² entries.
func NewDistanceMatrix(name string, kind DistanceKind, objects []Handle, values []uint64) (*DistanceMatrix, error) {
	n := len(objects)
	if n == 0 {
		return nil, fmt.Errorf("%w: no objects", ErrDimensionMismatch)
	}
	if len(values) != n*n {
		return nil, fmt.Errorf("%w: %d values for %d objects, want %d", ErrDimensionMismatch, len(values), n, n*n)
	}
	topo := objects[0].topo
	if topo == nil {
		return nil, ErrStaleHandle
	}
	if err := topo.features.require(FeatureDistances); err != nil {
		return nil, err
	}

	var typ ObjectType
	seen := make(map[int]bool, n)
	for i, h := range objects {
		if h.topo != topo {
			return nil, fmt.Errorf("%w: objects come from different topologies", ErrStaleHandle)
		}
		_, o, err := topo.resolve(h)
		if err != nil {
			return nil, fmt.Errorf("object %d: %w", i, err)
		}
		if i == 0 {
			typ = o.typ
		} else if o.typ != typ {
			return nil, fmt.Errorf("%w: %s and %s", ErrMixedObjectTypes, typ, o.typ)
		}
		if seen[h.id] {
			return nil, fmt.Errorf("%w: object %d listed twice", ErrDimensionMismatch, i)
		}
		seen[h.id] = true
	}

	return &DistanceMatrix{
		name:    name,
		kind:    kind,
		typ:     typ,
		topo:    topo,
		objects: slices.Clone(objects),
		values:  slices.Clone(values),
	}, nil
}

func (m *DistanceMatrix) Name() string {
	return m.name
}

func (m *DistanceMatrix) Kind() DistanceKind {
	return m.kind
}

// ObjectType is the type of every object in the basis
func (m *DistanceMatrix) ObjectType() ObjectType {
	return m.typ
}

func (m *DistanceMatrix) Len() int {
	return len(m.objects)
}

// Objects returns the index basis of the matrix
func (m *DistanceMatrix) Objects() []Handle {
	return slices.Clone(m.objects)
}

// Values returns a row-major copy of all values
func (m *DistanceMatrix) Values() []uint64 {
	return slices.Clone(m.values)
}

// Value returns the value from object i to object j
func (m *DistanceMatrix) Value(i, j int) (uint64, error) {
	n := len(m.objects)
	if i < 0 || i >= n {
		return 0, &IndexError{Index: i, Len: n}
	}
	if j < 0 || j >= n {
		return 0, &IndexError{Index: j, Len: n}
	}
	return m.values[i*n+j], nil
}

// FindIndex returns the position of h in the index basis. Objects are
// matched by identity, so handles from a later generation still match.
func (m *DistanceMatrix) FindIndex(h Handle) (int, bool) {
	for i, o := range m.objects {
		if o.SameObject(h) {
			return i, true
		}
	}
	return -1, false
}

// ValueBetween looks up the value from a to b
func (m *DistanceMatrix) ValueBetween(a, b Handle) (uint64, error) {
	i, ok := m.FindIndex(a)
	if !ok {
		return 0, fmt.Errorf("%w: source object not in matrix %q", ErrNotFound, m.name)
	}
	j, ok := m.FindIndex(b)
	if !ok {
		return 0, fmt.Errorf("%w: destination object not in matrix %q", ErrNotFound, m.name)
	}
	return m.values[i*len(m.objects)+j], nil
}

// Neighbor is one entry of a nearest-neighbor ranking
type Neighbor struct {
	Object Handle
	Index  int
	Value  uint64
}

// NearestNeighbors ranks the other objects of the matrix by ascending value
// from h. Equal values keep index order.
func (m *DistanceMatrix) NearestNeighbors(h Handle) ([]Neighbor, error) {
	i, ok := m.FindIndex(h)
	if !ok {
		return nil, fmt.Errorf("%w: object not in matrix %q", ErrNotFound, m.name)
	}
	n := len(m.objects)
	out := make([]Neighbor, 0, n-1)
	for j := range n {
		if j == i {
			continue
		}
		out = append(out, Neighbor{Object: m.objects[j], Index: j, Value: m.values[i*n+j]})
	}
	slices.SortStableFunc(out, func(a, b Neighbor) int {
		switch {
		case a.Value < b.Value:
			return -1
		case a.Value > b.Value:
			return 1
		}
		return 0
	})
	return out, nil
}

// subset builds a matrix over the given indices of m, in that order
func (m *DistanceMatrix) subset(keep []int) (*DistanceMatrix, error) {
	if len(keep) == 0 {
		return nil, fmt.Errorf("%w: transform left no objects", ErrDimensionMismatch)
	}
	n := len(m.objects)
	out := &DistanceMatrix{
		name:    m.name,
		kind:    m.kind,
		typ:     m.typ,
		topo:    m.topo,
		objects: make([]Handle, len(keep)),
		values:  make([]uint64, 0, len(keep)*len(keep)),
	}
	for a, i := range keep {
		out.objects[a] = m.objects[i]
		for _, j := range keep {
			out.values = append(out.values, m.values[i*n+j])
		}
	}
	return out, nil
}

// TransformPolicy is a named rewrite of a distance matrix
type TransformPolicy struct {
	name  string
	apply func(m *DistanceMatrix) (*DistanceMatrix, error)
}

func (p TransformPolicy) String() string { return p.name }

// Transform returns a new matrix rewritten by policy
func (m *DistanceMatrix) Transform(policy TransformPolicy) (*DistanceMatrix, error) {
	if err := m.topo.features.require(FeatureDistanceTransform); err != nil {
		return nil, err
	}
	if policy.apply == nil {
		return nil, fmt.Errorf("%w: empty transform policy", ErrUnsupportedFeature)
	}
	return policy.apply(m)
}

// RemoveObject drops one object from the index basis
func RemoveObject(h Handle) TransformPolicy {
	return TransformPolicy{name: "remove_object", apply: func(m *DistanceMatrix) (*DistanceMatrix, error) {
		idx, ok := m.FindIndex(h)
		if !ok {
			return nil, fmt.Errorf("%w: object not in matrix %q", ErrNotFound, m.name)
		}
		keep := make([]int, 0, len(m.objects)-1)
		for i := range m.objects {
			if i != idx {
				keep = append(keep, i)
			}
		}
		return m.subset(keep)
	}}
}

// MergeSwitches collapses runs of consecutive objects whose rows and columns
// are identical, which is how switch-only hops show up in measured matrices.
// The first object of each run is kept.
func MergeSwitches() TransformPolicy {
	return TransformPolicy{name: "merge_switches", apply: func(m *DistanceMatrix) (*DistanceMatrix, error) {
		n := len(m.objects)
		v := func(i, j int) uint64 { return m.values[i*n+j] }
		identical := func(i, j int) bool {
			if v(i, j) != v(j, i) {
				return false
			}
			for k := range n {
				if k == i || k == j {
					continue
				}
				if v(i, k) != v(j, k) || v(k, i) != v(k, j) {
					return false
				}
			}
			return true
		}
		var keep []int
		for i := 0; i < n; {
			keep = append(keep, i)
			j := i + 1
			for j < n && identical(i, j) {
				j++
			}
			i = j
		}
		return m.subset(keep)
	}}
}

// RemoveNull drops objects whose whole row and column are zero outside the
// diagonal, i.e. objects nothing was measured for
func RemoveNull() TransformPolicy {
	return TransformPolicy{name: "remove_null", apply: func(m *DistanceMatrix) (*DistanceMatrix, error) {
		n := len(m.objects)
		if n < 2 {
			return m.subset([]int{0})
		}
		var keep []int
		for i := range n {
			for k := range n {
				if k != i && (m.values[i*n+k] != 0 || m.values[k*n+i] != 0) {
					keep = append(keep, i)
					break
				}
			}
		}
		return m.subset(keep)
	}}
}

// DistanceStore holds the named matrices attached to a topology. Entries
// refer to objects by arena id and are re-indexed when a commit removes
// objects.
type DistanceStore struct {
	topo    *Topology
	mu      sync.RWMutex
	entries []*distanceEntry
}

type distanceEntry struct {
	name   string
	kind   DistanceKind
	typ    ObjectType
	ids    []int
	values []uint64
}

// Add attaches a matrix. Its objects must resolve in the current generation.
func (s *DistanceStore) Add(m *DistanceMatrix) error {
	if err := s.topo.features.require(FeatureDistances); err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%w: nil matrix", ErrDimensionMismatch)
	}
	if m.topo != s.topo {
		return fmt.Errorf("%w: matrix belongs to another topology", ErrStaleHandle)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := m.name
	if name == "" {
		name = fmt.Sprintf("%s:%s", m.typ, m.kind)
	}
	if s.find(name) >= 0 {
		return fmt.Errorf("%w: distances %q", ErrDuplicateName, name)
	}
	e := &distanceEntry{
		name:   name,
		kind:   m.kind,
		typ:    m.typ,
		ids:    make([]int, len(m.objects)),
		values: slices.Clone(m.values),
	}
	for i, h := range m.objects {
		if _, _, err := s.topo.resolve(h); err != nil {
			return fmt.Errorf("object %d: %w", i, err)
		}
		e.ids[i] = h.id
	}
	s.entries = append(s.entries, e)
	return nil
}

// Remove detaches a matrix by name
func (s *DistanceStore) Remove(name string) error {
	if err := s.topo.features.require(FeatureDistances); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.find(name)
	if i < 0 {
		return fmt.Errorf("%w: distances %q", ErrNotFound, name)
	}
	s.entries = slices.Delete(s.entries, i, i+1)
	return nil
}

// Get returns a matrix whose handles belong to the current generation
func (s *DistanceStore) Get(name string) (*DistanceMatrix, error) {
	if err := s.topo.features.require(FeatureDistances); err != nil {
		return nil, err
	}
	if _, err := s.topo.snapshot(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.topo.current.Load()
	i := s.find(name)
	if i < 0 {
		return nil, fmt.Errorf("%w: distances %q", ErrNotFound, name)
	}
	return s.materialize(st, s.entries[i]), nil
}

// List returns every matrix in insertion order
func (s *DistanceStore) List() ([]*DistanceMatrix, error) {
	return s.filter(func(*distanceEntry) bool { return true })
}

// WithType returns the matrices indexing objects of one type
func (s *DistanceStore) WithType(typ ObjectType) ([]*DistanceMatrix, error) {
	return s.filter(func(e *distanceEntry) bool { return e.typ == typ })
}

func (s *DistanceStore) filter(keep func(*distanceEntry) bool) ([]*DistanceMatrix, error) {
	if err := s.topo.features.require(FeatureDistances); err != nil {
		return nil, err
	}
	if _, err := s.topo.snapshot(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.topo.current.Load()
	var out []*DistanceMatrix
	for _, e := range s.entries {
		if keep(e) {
			out = append(out, s.materialize(st, e))
		}
	}
	return out, nil
}

func (s *DistanceStore) find(name string) int {
	return slices.IndexFunc(s.entries, func(e *distanceEntry) bool { return e.name == name })
}

func (s *DistanceStore) materialize(st *state, e *distanceEntry) *DistanceMatrix {
	return &DistanceMatrix{
		name:    e.name,
		kind:    e.kind,
		typ:     e.typ,
		topo:    s.topo,
		objects: s.topo.handles(st, e.ids),
		values:  slices.Clone(e.values),
	}
}

// references reports whether any matrix indexes the object
func (s *DistanceStore) references(id int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if slices.Contains(e.ids, id) {
			return true
		}
	}
	return false
}

// prune re-indexes matrices without the dropped objects and deletes
// matrices left empty. The caller holds s.mu.
func (s *DistanceStore) prune(dropped map[int]bool) int {
	changed := 0
	kept := s.entries[:0]
	for _, e := range s.entries {
		var keep []int
		for i, id := range e.ids {
			if !dropped[id] {
				keep = append(keep, i)
			}
		}
		switch {
		case len(keep) == len(e.ids):
			kept = append(kept, e)
			continue
		case len(keep) == 0:
			changed++
			continue
		}
		n := len(e.ids)
		ne := &distanceEntry{name: e.name, kind: e.kind, typ: e.typ}
		for _, i := range keep {
			ne.ids = append(ne.ids, e.ids[i])
			for _, j := range keep {
				ne.values = append(ne.values, e.values[i*n+j])
			}
		}
		kept = append(kept, ne)
		changed++
	}
	clear(s.entries[len(kept):])
	s.entries = kept
	return changed
}

func (s *DistanceStore) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *DistanceStore) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}
