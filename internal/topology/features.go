package topology

import (
	"slices"
	"strings"
)

// Feature names an optional capability of the topology core
type Feature string

const (
	FeatureDie               Feature = "die"                // Die objects
	FeatureMemCache          Feature = "memcache"           // memory-side caches
	FeatureIODevices         Feature = "io_devices"         // bridges, PCI and OS devices
	FeatureMisc              Feature = "misc"               // Misc objects
	FeatureEditRestrict      Feature = "edit_restrict"      // Restrict / RestrictNodes
	FeatureEditGroup         Feature = "edit_group"         // InsertGroup
	FeatureEditRemove        Feature = "edit_remove"        // RemoveObject / ReleaseReferences
	FeatureEditMerge         Feature = "edit_merge"         // MergeIdentical
	FeatureEditMisc          Feature = "edit_misc"          // InsertMisc / SetInfo
	FeatureDistances         Feature = "distances"          // distance store
	FeatureDistanceTransform Feature = "distance_transform" // DistanceMatrix.Transform
	FeatureMemAttrs          Feature = "memory_attributes"  // memory attribute store
	FeatureExport            Feature = "export"             // Topology.Facts
)

// AllFeatureNames lists every known feature in a stable order
func AllFeatureNames() []Feature {
	return []Feature{
		FeatureDie, FeatureMemCache, FeatureIODevices, FeatureMisc,
		FeatureEditRestrict, FeatureEditGroup, FeatureEditRemove, FeatureEditMerge, FeatureEditMisc,
		FeatureDistances, FeatureDistanceTransform, FeatureMemAttrs, FeatureExport,
	}
}

// Features is the set of capabilities enabled for a topology. It is resolved
// once at startup and never changes afterwards.
type Features struct {
	enabled map[Feature]bool
}

// NewFeatures returns a set holding exactly the given features
func NewFeatures(fs ...Feature) Features {
	out := Features{enabled: make(map[Feature]bool, len(fs))}
	for _, f := range fs {
		out.enabled[f] = true
	}
	return out
}

// AllFeatures enables everything
func AllFeatures() Features {
	return NewFeatures(AllFeatureNames()...)
}

// Has reports whether f is enabled
func (fs Features) Has(f Feature) bool {
	return fs.enabled[f]
}

// With returns a copy with f enabled
func (fs Features) With(f Feature) Features {
	return NewFeatures(append(fs.List(), f)...)
}

// Without returns a copy with f disabled
func (fs Features) Without(f Feature) Features {
	out := NewFeatures()
	for g := range fs.enabled {
		if g != f {
			out.enabled[g] = true
		}
	}
	return out
}

// List returns the enabled features sorted by name
func (fs Features) List() []Feature {
	out := make([]Feature, 0, len(fs.enabled))
	for f, on := range fs.enabled {
		if on {
			out = append(out, f)
		}
	}
	slices.Sort(out)
	return out
}

func (fs Features) String() string {
	names := make([]string, 0, len(fs.enabled))
	for _, f := range fs.List() {
		names = append(names, string(f))
	}
	return strings.Join(names, ",")
}

func (fs Features) require(f Feature) error {
	if !fs.Has(f) {
		return &FeatureError{Feature: f}
	}
	return nil
}

// typeFeature returns the feature that gates objects of type t, if any
func typeFeature(t ObjectType) (Feature, bool) {
	switch {
	case t == TypeDie:
		return FeatureDie, true
	case t == TypeMemCache:
		return FeatureMemCache, true
	case t.IsIO():
		return FeatureIODevices, true
	case t == TypeMisc:
		return FeatureMisc, true
	}
	return "", false
}

func (fs Features) allowsType(t ObjectType) error {
	if f, gated := typeFeature(t); gated {
		return fs.require(f)
	}
	return nil
}
