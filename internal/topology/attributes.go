package topology

// TypeAttributes is the type-specific attribute variant of an object. The
// concrete value is one of CacheAttributes, NUMANodeAttributes,
// GroupAttributes, PCIDeviceAttributes, BridgeAttributes or OSDeviceAttributes.
type TypeAttributes interface {
	appliesTo(t ObjectType) bool
}

// CacheAttributes describes CPU caches and memory-side caches
type CacheAttributes struct {
	Size          uint64    `json:"size" yaml:"size" cbor:"size"`
	Depth         int       `json:"depth" yaml:"depth" cbor:"depth"`
	LineSize      uint      `json:"line_size,omitempty" yaml:"line_size,omitempty" cbor:"line_size,omitempty"`
	Associativity int       `json:"associativity,omitempty" yaml:"associativity,omitempty" cbor:"associativity,omitempty"` // -1 = fully associative
	Type          CacheType `json:"type,omitempty" yaml:"type,omitempty" cbor:"type,omitempty"`
}

func (CacheAttributes) appliesTo(t ObjectType) bool { return t.IsCache() || t == TypeMemCache }

// PageType is a memory page size and how many pages of it a node holds
type PageType struct {
	Size  uint64 `json:"size" yaml:"size" cbor:"size"`
	Count uint64 `json:"count" yaml:"count" cbor:"count"`
}

// NUMANodeAttributes describes NUMA nodes
type NUMANodeAttributes struct {
	LocalMemory uint64     `json:"local_memory" yaml:"local_memory" cbor:"local_memory"`
	PageTypes   []PageType `json:"page_types,omitempty" yaml:"page_types,omitempty" cbor:"page_types,omitempty"`
}

func (NUMANodeAttributes) appliesTo(t ObjectType) bool { return t == TypeNUMANode }

// GroupAttributes describes Group objects
type GroupAttributes struct {
	Depth     int       `json:"depth" yaml:"depth" cbor:"depth"`
	Kind      GroupKind `json:"kind,omitempty" yaml:"kind,omitempty" cbor:"kind,omitempty"`
	Subkind   uint      `json:"subkind,omitempty" yaml:"subkind,omitempty" cbor:"subkind,omitempty"`
	DontMerge bool      `json:"dont_merge,omitempty" yaml:"dont_merge,omitempty" cbor:"dont_merge,omitempty"`
}

func (GroupAttributes) appliesTo(t ObjectType) bool { return t == TypeGroup }

// PCIDeviceAttributes describes PCI functions
type PCIDeviceAttributes struct {
	Domain    uint32  `json:"domain" yaml:"domain" cbor:"domain"`
	Bus       uint8   `json:"bus" yaml:"bus" cbor:"bus"`
	Dev       uint8   `json:"dev" yaml:"dev" cbor:"dev"`
	Func      uint8   `json:"func" yaml:"func" cbor:"func"`
	ClassID   uint16  `json:"class_id" yaml:"class_id" cbor:"class_id"`
	VendorID  uint16  `json:"vendor_id" yaml:"vendor_id" cbor:"vendor_id"`
	DeviceID  uint16  `json:"device_id" yaml:"device_id" cbor:"device_id"`
	LinkSpeed float32 `json:"link_speed,omitempty" yaml:"link_speed,omitempty" cbor:"link_speed,omitempty"` // GB/s
}

func (PCIDeviceAttributes) appliesTo(t ObjectType) bool { return t == TypePCIDevice }

// BridgeAttributes describes host and PCI bridges
type BridgeAttributes struct {
	UpstreamType   BridgeType `json:"upstream_type" yaml:"upstream_type" cbor:"upstream_type"`
	DownstreamType BridgeType `json:"downstream_type" yaml:"downstream_type" cbor:"downstream_type"`
	SecondaryBus   uint8      `json:"secondary_bus,omitempty" yaml:"secondary_bus,omitempty" cbor:"secondary_bus,omitempty"`
	SubordinateBus uint8      `json:"subordinate_bus,omitempty" yaml:"subordinate_bus,omitempty" cbor:"subordinate_bus,omitempty"`
	Depth          int        `json:"depth" yaml:"depth" cbor:"depth"`
}

func (BridgeAttributes) appliesTo(t ObjectType) bool { return t == TypeBridge }

// OSDeviceAttributes describes devices known to the operating system
type OSDeviceAttributes struct {
	Kind OSDeviceKind `json:"kind" yaml:"kind" cbor:"kind"`
}

func (OSDeviceAttributes) appliesTo(t ObjectType) bool { return t == TypeOSDevice }
