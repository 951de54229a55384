package topology

import (
	"fmt"
	"maps"

	"hwtopo/internal/bitmap"
)

const noParent = -1

// object is the arena record of one tree node. Records reachable from a
// published state are never mutated; the editor clones before writing.
type object struct {
	id           int
	typ          ObjectType
	subtype      string
	name         string
	osIndex      uint
	hasOSIndex   bool
	depth        int
	logicalIndex int
	parent       int
	children     []int

	cpuset          bitmap.CPUSet
	completeCPUSet  bitmap.CPUSet
	nodeset         bitmap.NodeSet
	completeNodeSet bitmap.NodeSet

	infos map[string]string
	attrs TypeAttributes
}

func (o *object) clone() *object {
	c := *o
	c.children = append([]int(nil), o.children...)
	return &c
}

// Handle is a lightweight reference to an object at one generation of a tree.
// Handles are comparable; they become stale once an editor session commits.
type Handle struct {
	topo *Topology
	id   int
	gen  uint64
}

// IsZero reports whether h is the zero handle
func (h Handle) IsZero() bool {
	return h.topo == nil
}

// Generation returns the tree generation the handle was minted at
func (h Handle) Generation() uint64 {
	return h.gen
}

// Valid reports whether the handle still resolves
func (h Handle) Valid() bool {
	if h.topo == nil {
		return false
	}
	_, _, err := h.topo.resolve(h)
	return err == nil
}

// Object resolves the handle to a snapshot of the object
func (h Handle) Object() (Object, error) {
	if h.topo == nil {
		return Object{}, ErrStaleHandle
	}
	return h.topo.Object(h)
}

// SameObject reports whether a and b name the same arena slot of the same
// tree, regardless of generation
func (h Handle) SameObject(other Handle) bool {
	return h.topo == other.topo && h.id == other.id
}

func (h Handle) String() string {
	if h.topo == nil {
		return "handle(nil)"
	}
	return fmt.Sprintf("handle(%d@%d)", h.id, h.gen)
}

// Object is an immutable snapshot of a topology object. The identity
// accessors (Type, Name, LogicalIndex, ...) describe the object as it was
// when the snapshot was taken; every fallible accessor fails with
// ErrStaleHandle once an edit has committed a newer generation.
type Object struct {
	handle Handle
	obj    *object
}

func (o Object) Handle() Handle {
	return o.handle
}

func (o Object) Type() ObjectType {
	return o.obj.typ
}

func (o Object) Subtype() string {
	return o.obj.subtype
}

func (o Object) Name() string {
	return o.obj.name
}

func (o Object) Depth() int {
	return o.obj.depth
}

// LogicalIndex is the position among objects of the same type
func (o Object) LogicalIndex() int {
	return o.obj.logicalIndex
}

func (o Object) Arity() int {
	return len(o.obj.children)
}

func (o Object) IsRoot() bool {
	return o.obj.parent == noParent
}

func (o Object) OSIndex() (uint, bool) {
	return o.obj.osIndex, o.obj.hasOSIndex
}

// live checks that the snapshot still belongs to the current generation
func (o Object) live() error {
	if o.handle.topo == nil {
		return ErrStaleHandle
	}
	_, _, err := o.handle.topo.resolve(o.handle)
	return err
}

// CPUSet returns the processors this object covers
func (o Object) CPUSet() (bitmap.CPUSet, error) {
	if err := o.live(); err != nil {
		return bitmap.CPUSet{}, err
	}
	if !o.obj.typ.HasSets() {
		return bitmap.CPUSet{}, mismatch("cpuset", o.obj.typ)
	}
	return o.obj.cpuset, nil
}

// CompleteCPUSet also covers processors that are offline or disallowed
func (o Object) CompleteCPUSet() (bitmap.CPUSet, error) {
	if err := o.live(); err != nil {
		return bitmap.CPUSet{}, err
	}
	if !o.obj.typ.HasSets() {
		return bitmap.CPUSet{}, mismatch("complete cpuset", o.obj.typ)
	}
	return o.obj.completeCPUSet, nil
}

// NodeSet returns the NUMA nodes local to this object
func (o Object) NodeSet() (bitmap.NodeSet, error) {
	if err := o.live(); err != nil {
		return bitmap.NodeSet{}, err
	}
	if !o.obj.typ.HasSets() {
		return bitmap.NodeSet{}, mismatch("nodeset", o.obj.typ)
	}
	return o.obj.nodeset, nil
}

func (o Object) CompleteNodeSet() (bitmap.NodeSet, error) {
	if err := o.live(); err != nil {
		return bitmap.NodeSet{}, err
	}
	if !o.obj.typ.HasSets() {
		return bitmap.NodeSet{}, mismatch("complete nodeset", o.obj.typ)
	}
	return o.obj.completeNodeSet, nil
}

// Info returns one info attribute
func (o Object) Info(key string) (string, bool) {
	v, ok := o.obj.infos[key]
	return v, ok
}

// Infos returns a copy of all info attributes
func (o Object) Infos() map[string]string {
	return maps.Clone(o.obj.infos)
}

// Attributes returns the raw type-specific variant, nil when the type has none
func (o Object) Attributes() TypeAttributes {
	return o.obj.attrs
}

func (o Object) Cache() (CacheAttributes, error) {
	if err := o.live(); err != nil {
		return CacheAttributes{}, err
	}
	a, ok := o.obj.attrs.(CacheAttributes)
	if !ok {
		return CacheAttributes{}, mismatch("cache attributes", o.obj.typ)
	}
	return a, nil
}

func (o Object) NUMANode() (NUMANodeAttributes, error) {
	if err := o.live(); err != nil {
		return NUMANodeAttributes{}, err
	}
	a, ok := o.obj.attrs.(NUMANodeAttributes)
	if !ok {
		return NUMANodeAttributes{}, mismatch("numa node attributes", o.obj.typ)
	}
	a.PageTypes = append([]PageType(nil), a.PageTypes...)
	return a, nil
}

func (o Object) Group() (GroupAttributes, error) {
	if err := o.live(); err != nil {
		return GroupAttributes{}, err
	}
	a, ok := o.obj.attrs.(GroupAttributes)
	if !ok {
		return GroupAttributes{}, mismatch("group attributes", o.obj.typ)
	}
	return a, nil
}

func (o Object) PCIDevice() (PCIDeviceAttributes, error) {
	if err := o.live(); err != nil {
		return PCIDeviceAttributes{}, err
	}
	a, ok := o.obj.attrs.(PCIDeviceAttributes)
	if !ok {
		return PCIDeviceAttributes{}, mismatch("pci device attributes", o.obj.typ)
	}
	return a, nil
}

func (o Object) Bridge() (BridgeAttributes, error) {
	if err := o.live(); err != nil {
		return BridgeAttributes{}, err
	}
	a, ok := o.obj.attrs.(BridgeAttributes)
	if !ok {
		return BridgeAttributes{}, mismatch("bridge attributes", o.obj.typ)
	}
	return a, nil
}

func (o Object) OSDevice() (OSDeviceAttributes, error) {
	if err := o.live(); err != nil {
		return OSDeviceAttributes{}, err
	}
	a, ok := o.obj.attrs.(OSDeviceAttributes)
	if !ok {
		return OSDeviceAttributes{}, mismatch("os device attributes", o.obj.typ)
	}
	return a, nil
}

// String renders e.g. "Core:3" or "PCIDevice:0 (eth0)"
func (o Object) String() string {
	s := fmt.Sprintf("%s:%d", o.obj.typ, o.obj.logicalIndex)
	if o.obj.name != "" {
		s += " (" + o.obj.name + ")"
	}
	return s
}
