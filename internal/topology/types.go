package topology

import (
	"fmt"
	"strings"
)

// ObjectType identifies the kind of hardware or virtual element an object represents
type ObjectType string

const (
	TypeAny       ObjectType = ""
	TypeMachine   ObjectType = "Machine"
	TypePackage   ObjectType = "Package"
	TypeDie       ObjectType = "Die"
	TypeL3Cache   ObjectType = "L3Cache"
	TypeL2Cache   ObjectType = "L2Cache"
	TypeL1Cache   ObjectType = "L1Cache"
	TypeCore      ObjectType = "Core"
	TypePU        ObjectType = "PU"
	TypeGroup     ObjectType = "Group"
	TypeNUMANode  ObjectType = "NUMANode"
	TypeMemCache  ObjectType = "MemCache"
	TypeBridge    ObjectType = "Bridge"
	TypePCIDevice ObjectType = "PCIDevice"
	TypeOSDevice  ObjectType = "OSDevice"
	TypeMisc      ObjectType = "Misc"
)

// Special depths for objects that do not form a uniform level
const (
	DepthUnknown   = -1
	DepthGroup     = -2
	DepthNUMANode  = -3
	DepthBridge    = -4
	DepthPCIDevice = -5
	DepthOSDevice  = -6
	DepthMisc      = -7
	DepthMemCache  = -8
)

// normalOrder ranks the types that form normal levels, outermost first
var normalOrder = []ObjectType{
	TypeMachine,
	TypePackage,
	TypeDie,
	TypeL3Cache,
	TypeL2Cache,
	TypeL1Cache,
	TypeCore,
	TypePU,
}

var specialDepths = map[ObjectType]int{
	TypeGroup:     DepthGroup,
	TypeNUMANode:  DepthNUMANode,
	TypeBridge:    DepthBridge,
	TypePCIDevice: DepthPCIDevice,
	TypeOSDevice:  DepthOSDevice,
	TypeMisc:      DepthMisc,
	TypeMemCache:  DepthMemCache,
}

// AllTypes lists every concrete object type
func AllTypes() []ObjectType {
	return []ObjectType{
		TypeMachine, TypePackage, TypeDie, TypeL3Cache, TypeL2Cache, TypeL1Cache,
		TypeCore, TypePU, TypeGroup, TypeNUMANode, TypeMemCache,
		TypeBridge, TypePCIDevice, TypeOSDevice, TypeMisc,
	}
}

// rank returns the position of a normal type in the level order, or -1
func (t ObjectType) rank() int {
	for i, nt := range normalOrder {
		if nt == t {
			return i
		}
	}
	return -1
}

// Valid reports whether t names a concrete object type
func (t ObjectType) Valid() bool {
	return t.rank() >= 0 || specialDepths[t] != 0
}

// IsNormal reports whether objects of this type form a normal level
func (t ObjectType) IsNormal() bool {
	return t.rank() >= 0
}

// IsMemory reports whether t is a memory object (NUMA node or memory-side cache)
func (t ObjectType) IsMemory() bool {
	return t == TypeNUMANode || t == TypeMemCache
}

// IsIO reports whether t is an I/O object
func (t ObjectType) IsIO() bool {
	return t == TypeBridge || t == TypePCIDevice || t == TypeOSDevice
}

// IsCache reports whether t is a CPU-side cache
func (t ObjectType) IsCache() bool {
	return t == TypeL1Cache || t == TypeL2Cache || t == TypeL3Cache
}

// HasSets reports whether objects of this type carry CPU and node sets
func (t ObjectType) HasSets() bool {
	return t.IsNormal() || t == TypeGroup || t.IsMemory()
}

// isStructural reports whether t participates in the CPU hierarchy (normal or Group)
func (t ObjectType) isStructural() bool {
	return t.IsNormal() || t == TypeGroup
}

// CacheLevel returns 1, 2 or 3 for CPU caches and 0 otherwise
func (t ObjectType) CacheLevel() int {
	switch t {
	case TypeL1Cache:
		return 1
	case TypeL2Cache:
		return 2
	case TypeL3Cache:
		return 3
	}
	return 0
}

var typeAliases = map[string]ObjectType{
	"machine":   TypeMachine,
	"package":   TypePackage,
	"pack":      TypePackage,
	"socket":    TypePackage,
	"die":       TypeDie,
	"l3":        TypeL3Cache,
	"l3cache":   TypeL3Cache,
	"l2":        TypeL2Cache,
	"l2cache":   TypeL2Cache,
	"l1":        TypeL1Cache,
	"l1cache":   TypeL1Cache,
	"l1d":       TypeL1Cache,
	"core":      TypeCore,
	"pu":        TypePU,
	"thread":    TypePU,
	"group":     TypeGroup,
	"numanode":  TypeNUMANode,
	"numa":      TypeNUMANode,
	"node":      TypeNUMANode,
	"memcache":  TypeMemCache,
	"bridge":    TypeBridge,
	"pcidevice": TypePCIDevice,
	"pcidev":    TypePCIDevice,
	"pci":       TypePCIDevice,
	"osdevice":  TypeOSDevice,
	"osdev":     TypeOSDevice,
	"misc":      TypeMisc,
}

// ParseObjectType converts a type name or common alias (case-insensitive)
func ParseObjectType(s string) (ObjectType, error) {
	if t, ok := typeAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return t, nil
	}
	return TypeAny, fmt.Errorf("unknown object type %q", s)
}

// CacheType distinguishes unified, data and instruction caches
type CacheType string

const (
	CacheUnified     CacheType = "unified"
	CacheData        CacheType = "data"
	CacheInstruction CacheType = "instruction"
)

// GroupKind records why a Group object exists
type GroupKind string

const (
	GroupKindUser      GroupKind = "user"
	GroupKindDistance  GroupKind = "distance"
	GroupKindMemory    GroupKind = "memory"
	GroupKindSynthetic GroupKind = "synthetic"
)

// OSDeviceKind classifies operating system devices
type OSDeviceKind string

const (
	OSDeviceBlock       OSDeviceKind = "block"
	OSDeviceGPU         OSDeviceKind = "gpu"
	OSDeviceNetwork     OSDeviceKind = "network"
	OSDeviceOpenFabrics OSDeviceKind = "openfabrics"
	OSDeviceDMA         OSDeviceKind = "dma"
	OSDeviceCoproc      OSDeviceKind = "coproc"
	OSDeviceMemory      OSDeviceKind = "memory"
)

// BridgeType is the bus type on either side of a bridge
type BridgeType string

const (
	BridgeHost BridgeType = "host"
	BridgePCI  BridgeType = "pci"
)
