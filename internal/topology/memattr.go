package topology

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"hwtopo/internal/bitmap"
)

// MemAttrPolicy says which values are better
type MemAttrPolicy string

const (
	PolicyHigherFirst MemAttrPolicy = "higher_first" // bandwidth, capacity
	PolicyLowerFirst  MemAttrPolicy = "lower_first"  // latency, locality
)

func (p MemAttrPolicy) valid() bool {
	return p == PolicyHigherFirst || p == PolicyLowerFirst
}

// better reports whether a beats b under the policy
func (p MemAttrPolicy) better(a, b uint64) bool {
	if p == PolicyLowerFirst {
		return a < b
	}
	return a > b
}

// MemAttrFlags modify how an attribute is keyed
type MemAttrFlags uint

const (
	// MemAttrNeedInitiator means values depend on where the access comes from
	MemAttrNeedInitiator MemAttrFlags = 1 << iota
)

// Built-in attribute names
const (
	MemAttrCapacity       = "Capacity"
	MemAttrLocality       = "Locality"
	MemAttrBandwidth      = "Bandwidth"
	MemAttrReadBandwidth  = "ReadBandwidth"
	MemAttrWriteBandwidth = "WriteBandwidth"
	MemAttrLatency        = "Latency"
	MemAttrReadLatency    = "ReadLatency"
	MemAttrWriteLatency   = "WriteLatency"
)

// MemAttr describes a registered attribute
type MemAttr struct {
	Name    string
	Policy  MemAttrPolicy
	Flags   MemAttrFlags
	BuiltIn bool
}

// NeedsInitiator reports whether values are keyed by initiator
func (a MemAttr) NeedsInitiator() bool {
	return a.Flags&MemAttrNeedInitiator != 0
}

// derived reports whether values come from the tree rather than the store
func (a MemAttr) derived() bool {
	return a.BuiltIn && (a.Name == MemAttrCapacity || a.Name == MemAttrLocality)
}

// Initiator is the location memory accesses come from: an object or a cpuset.
// The zero Initiator means none.
type Initiator struct {
	object Handle
	cpuset bitmap.CPUSet
	isSet  bool
}

// InitiatorObject uses an object's cpuset as the initiator
func InitiatorObject(h Handle) Initiator {
	return Initiator{object: h}
}

// InitiatorCPUSet uses an explicit cpuset as the initiator
func InitiatorCPUSet(set bitmap.CPUSet) Initiator {
	return Initiator{cpuset: set, isSet: true}
}

// IsZero reports whether no initiator is given
func (i Initiator) IsZero() bool {
	return !i.isSet && i.object.IsZero()
}

// Object returns the initiator object, if it is one
func (i Initiator) Object() (Handle, bool) {
	return i.object, !i.object.IsZero()
}

// CPUSet returns the explicit initiator cpuset, if it is one
func (i Initiator) CPUSet() (bitmap.CPUSet, bool) {
	return i.cpuset, i.isSet
}

// TargetValue pairs a target NUMA node with an attribute value
type TargetValue struct {
	Target Handle
	Value  uint64
}

// InitiatorValue pairs an initiator with an attribute value
type InitiatorValue struct {
	Initiator Initiator
	Value     uint64
}

// MemAttrStore holds memory attribute values keyed by (initiator, target
// NUMA node). Values refer to objects by arena id and are dropped when a
// commit removes their target or initiator object.
type MemAttrStore struct {
	topo  *Topology
	mu    sync.RWMutex
	attrs map[string]*memAttr
	order []string
}

type memAttr struct {
	info   MemAttr
	values []memAttrValue
}

type memAttrValue struct {
	initObj int // arena id, or noParent when the initiator is a cpuset or absent
	initSet bitmap.CPUSet
	hasInit bool
	target  int
	value   uint64
}

func newMemAttrStore(t *Topology) *MemAttrStore {
	s := &MemAttrStore{topo: t, attrs: map[string]*memAttr{}}
	for _, a := range []MemAttr{
		{Name: MemAttrCapacity, Policy: PolicyHigherFirst},
		{Name: MemAttrLocality, Policy: PolicyLowerFirst},
		{Name: MemAttrBandwidth, Policy: PolicyHigherFirst, Flags: MemAttrNeedInitiator},
		{Name: MemAttrReadBandwidth, Policy: PolicyHigherFirst, Flags: MemAttrNeedInitiator},
		{Name: MemAttrWriteBandwidth, Policy: PolicyHigherFirst, Flags: MemAttrNeedInitiator},
		{Name: MemAttrLatency, Policy: PolicyLowerFirst, Flags: MemAttrNeedInitiator},
		{Name: MemAttrReadLatency, Policy: PolicyLowerFirst, Flags: MemAttrNeedInitiator},
		{Name: MemAttrWriteLatency, Policy: PolicyLowerFirst, Flags: MemAttrNeedInitiator},
	} {
		a.BuiltIn = true
		s.add(a)
	}
	return s
}

func memAttrKey(name string) string {
	return strings.ToLower(name)
}

func (s *MemAttrStore) add(a MemAttr) {
	key := memAttrKey(a.Name)
	s.attrs[key] = &memAttr{info: a}
	s.order = append(s.order, key)
}

func (s *MemAttrStore) lookup(name string) (*memAttr, error) {
	a, ok := s.attrs[memAttrKey(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAttribute, name)
	}
	return a, nil
}

// Register adds a custom attribute. Names are case-insensitive and the
// policy can never change afterwards.
func (s *MemAttrStore) Register(name string, policy MemAttrPolicy, flags MemAttrFlags) error {
	if err := s.topo.features.require(FeatureMemAttrs); err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty name", ErrUnknownAttribute)
	}
	if !policy.valid() {
		return fmt.Errorf("%w: %q has invalid policy %q", ErrUnknownAttribute, name, policy)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.attrs[memAttrKey(name)]; exists {
		return fmt.Errorf("%w: memory attribute %q", ErrDuplicateName, name)
	}
	s.add(MemAttr{Name: name, Policy: policy, Flags: flags})
	return nil
}

// Info describes one attribute
func (s *MemAttrStore) Info(name string) (MemAttr, error) {
	if err := s.topo.features.require(FeatureMemAttrs); err != nil {
		return MemAttr{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, err := s.lookup(name)
	if err != nil {
		return MemAttr{}, err
	}
	return a.info, nil
}

// Attributes lists every attribute in registration order, built-ins first
func (s *MemAttrStore) Attributes() ([]MemAttr, error) {
	if err := s.topo.features.require(FeatureMemAttrs); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MemAttr, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.attrs[key].info)
	}
	return out, nil
}

// target resolves h and checks it is a NUMA node
func (s *MemAttrStore) target(h Handle) (*object, error) {
	_, o, err := s.topo.resolve(h)
	if err != nil {
		return nil, err
	}
	if o.typ != TypeNUMANode {
		return nil, mismatch("memory attribute target", o.typ)
	}
	return o, nil
}

// initiator resolves an initiator to its cpuset and object id
func (s *MemAttrStore) initiator(a *memAttr, init Initiator) (bitmap.CPUSet, int, error) {
	if !a.info.NeedsInitiator() {
		if !init.IsZero() {
			return bitmap.CPUSet{}, noParent, fmt.Errorf("%w: %s takes no initiator", ErrInvalidInitiator, a.info.Name)
		}
		return bitmap.CPUSet{}, noParent, nil
	}
	if init.IsZero() {
		return bitmap.CPUSet{}, noParent, fmt.Errorf("%w: %s needs an initiator", ErrInvalidInitiator, a.info.Name)
	}
	if init.isSet {
		if init.cpuset.IsEmpty() {
			return bitmap.CPUSet{}, noParent, fmt.Errorf("%w: empty cpuset", ErrInvalidInitiator)
		}
		return init.cpuset, noParent, nil
	}
	_, o, err := s.topo.resolve(init.object)
	if err != nil {
		return bitmap.CPUSet{}, noParent, err
	}
	if !o.typ.HasSets() {
		return bitmap.CPUSet{}, noParent, mismatch("memory attribute initiator", o.typ)
	}
	if o.cpuset.IsEmpty() {
		return bitmap.CPUSet{}, noParent, fmt.Errorf("%w: %s has no cpus", ErrInvalidInitiator, o.typ)
	}
	return o.cpuset, o.id, nil
}

// Set records a value, replacing any previous value for the same initiator
// and target
func (s *MemAttrStore) Set(name string, init Initiator, target Handle, value uint64) error {
	if err := s.topo.features.require(FeatureMemAttrs); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.lookup(name)
	if err != nil {
		return err
	}
	if a.info.derived() {
		return fmt.Errorf("%w: %s", ErrReadOnlyAttribute, a.info.Name)
	}
	t, err := s.target(target)
	if err != nil {
		return err
	}
	set, initObj, err := s.initiator(a, init)
	if err != nil {
		return err
	}

	v := memAttrValue{initObj: initObj, initSet: set, hasInit: a.info.NeedsInitiator(), target: t.id, value: value}
	for i, old := range a.values {
		if old.target == v.target && old.initObj == v.initObj && old.initSet.Equal(v.initSet) {
			a.values[i] = v
			return nil
		}
	}
	a.values = append(a.values, v)
	return nil
}

// Get returns the value for target as seen from init. With an initiator, a
// stored value applies when its initiator cpuset includes init's cpuset; the
// smallest such initiator wins.
func (s *MemAttrStore) Get(name string, init Initiator, target Handle) (uint64, bool, error) {
	if err := s.topo.features.require(FeatureMemAttrs); err != nil {
		return 0, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, err := s.lookup(name)
	if err != nil {
		return 0, false, err
	}
	t, err := s.target(target)
	if err != nil {
		return 0, false, err
	}
	set, _, err := s.initiator(a, init)
	if err != nil {
		return 0, false, err
	}
	v, ok := s.value(a, set, t)
	return v, ok, nil
}

// value looks up one target; the caller holds s.mu
func (s *MemAttrStore) value(a *memAttr, query bitmap.CPUSet, t *object) (uint64, bool) {
	if a.info.derived() {
		switch a.info.Name {
		case MemAttrCapacity:
			attrs, ok := t.attrs.(NUMANodeAttributes)
			if !ok {
				return 0, false
			}
			return attrs.LocalMemory, true
		case MemAttrLocality:
			w, ok := t.cpuset.Weight()
			return uint64(w), ok
		}
	}

	var (
		best      uint64
		bestWidth = -1
		found     bool
	)
	for _, v := range a.values {
		if v.target != t.id {
			continue
		}
		if !v.hasInit {
			return v.value, true
		}
		if !v.initSet.Includes(query) {
			continue
		}
		width, ok := v.initSet.Weight()
		if !ok {
			width = int(^uint(0) >> 1)
		}
		if !found || width < bestWidth {
			best, bestWidth, found = v.value, width, true
		}
	}
	return best, found
}

// Targets lists every NUMA node with a value as seen from init, in logical
// order
func (s *MemAttrStore) Targets(name string, init Initiator) ([]TargetValue, error) {
	if err := s.topo.features.require(FeatureMemAttrs); err != nil {
		return nil, err
	}
	if _, err := s.topo.snapshot(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.topo.current.Load()

	a, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	set, _, err := s.initiator(a, init)
	if err != nil {
		return nil, err
	}
	var out []TargetValue
	for _, id := range st.byType[TypeNUMANode] {
		if v, ok := s.value(a, set, st.objects[id]); ok {
			out = append(out, TargetValue{Target: s.topo.handle(st, id), Value: v})
		}
	}
	return out, nil
}

// BestTarget picks the NUMA node with the best value as seen from init:
// lowest for lower-first attributes, highest otherwise. Ties go to the
// lowest logical index.
func (s *MemAttrStore) BestTarget(name string, init Initiator) (TargetValue, bool, error) {
	targets, err := s.Targets(name, init)
	if err != nil || len(targets) == 0 {
		return TargetValue{}, false, err
	}
	info, err := s.Info(name)
	if err != nil {
		return TargetValue{}, false, err
	}
	best := targets[0]
	for _, tv := range targets[1:] {
		if info.Policy.better(tv.Value, best.Value) {
			best = tv
		}
	}
	return best, true, nil
}

// BestInitiator picks the initiator with the best value for target. Ties go
// to the value recorded first.
func (s *MemAttrStore) BestInitiator(name string, target Handle) (InitiatorValue, bool, error) {
	if err := s.topo.features.require(FeatureMemAttrs); err != nil {
		return InitiatorValue{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, err := s.lookup(name)
	if err != nil {
		return InitiatorValue{}, false, err
	}
	if !a.info.NeedsInitiator() {
		return InitiatorValue{}, false, fmt.Errorf("%w: %s takes no initiator", ErrInvalidInitiator, a.info.Name)
	}
	t, err := s.target(target)
	if err != nil {
		return InitiatorValue{}, false, err
	}
	st := s.topo.current.Load()

	var (
		best  InitiatorValue
		found bool
	)
	for _, v := range a.values {
		if v.target != t.id {
			continue
		}
		if found && !a.info.Policy.better(v.value, best.Value) {
			continue
		}
		init := InitiatorCPUSet(v.initSet)
		if v.initObj != noParent {
			init = InitiatorObject(s.topo.handle(st, v.initObj))
		}
		best, found = InitiatorValue{Initiator: init, Value: v.value}, true
	}
	return best, found, nil
}

// MemAttrEntry is one stored value, as listed by Entries
type MemAttrEntry struct {
	Initiator Initiator
	Target    Handle
	Value     uint64
}

// Entries lists the stored values of an attribute in insertion order.
// Derived attributes have none.
func (s *MemAttrStore) Entries(name string) ([]MemAttrEntry, error) {
	if err := s.topo.features.require(FeatureMemAttrs); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	st := s.topo.current.Load()
	out := make([]MemAttrEntry, 0, len(a.values))
	for _, v := range a.values {
		e := MemAttrEntry{Target: s.topo.handle(st, v.target), Value: v.value}
		switch {
		case v.initObj != noParent:
			e.Initiator = InitiatorObject(s.topo.handle(st, v.initObj))
		case v.hasInit:
			e.Initiator = InitiatorCPUSet(v.initSet)
		}
		out = append(out, e)
	}
	return out, nil
}

// references reports whether any value names the object
func (s *MemAttrStore) references(id int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.attrs {
		for _, v := range a.values {
			if v.target == id || v.initObj == id {
				return true
			}
		}
	}
	return false
}

// prune drops values naming dropped objects. The caller holds s.mu.
func (s *MemAttrStore) prune(dropped map[int]bool) int {
	n := 0
	for _, a := range s.attrs {
		before := len(a.values)
		a.values = slices.DeleteFunc(a.values, func(v memAttrValue) bool {
			return dropped[v.target] || (v.initObj != noParent && dropped[v.initObj])
		})
		n += before - len(a.values)
	}
	return n
}

func (s *MemAttrStore) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.attrs {
		n += len(a.values)
	}
	return n
}

func (s *MemAttrStore) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.attrs {
		a.values = nil
	}
}
