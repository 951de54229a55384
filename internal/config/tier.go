package config

import (
	"fmt"
	"slices"

	"hwtopo/internal/topology"
)

// Tier is an ordered bundle of topology features. Each tier enables
// everything the tiers below it enable.
type Tier string

const (
	TierCore     Tier = "core"              // object tree, dies, memory-side caches, export
	TierEditing  Tier = "editing"           // + editor operations and Misc objects
	TierDistance Tier = "distances"         // + distance store and transforms
	TierMemAttrs Tier = "memory_attributes" // + memory attribute store
	TierIO       Tier = "io"                // + bridges, PCI and OS devices
)

var tierOrder = []Tier{TierCore, TierEditing, TierDistance, TierMemAttrs, TierIO}

// features each tier adds over the one below it
var tierFeatures = map[Tier][]topology.Feature{
	TierCore: {topology.FeatureDie, topology.FeatureMemCache, topology.FeatureExport},
	TierEditing: {
		topology.FeatureMisc,
		topology.FeatureEditRestrict,
		topology.FeatureEditGroup,
		topology.FeatureEditRemove,
		topology.FeatureEditMerge,
		topology.FeatureEditMisc,
	},
	TierDistance: {topology.FeatureDistances, topology.FeatureDistanceTransform},
	TierMemAttrs: {topology.FeatureMemAttrs},
	TierIO:       {topology.FeatureIODevices},
}

// ParseTier converts a string to a Tier
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown feature tier %q", s)
	}
	return t, nil
}

// Valid reports whether t is a known tier
func (t Tier) Valid() bool {
	return slices.Contains(tierOrder, t)
}

// Level returns the position of t in the tier order, -1 if unknown
func (t Tier) Level() int {
	return slices.Index(tierOrder, t)
}

// Allows reports whether t includes everything required includes
func (t Tier) Allows(required Tier) bool {
	return t.Valid() && t.Level() >= required.Level()
}

// Features returns every feature enabled at t
func (t Tier) Features() []topology.Feature {
	var out []topology.Feature
	for _, tier := range tierOrder[:t.Level()+1] {
		out = append(out, tierFeatures[tier]...)
	}
	return out
}

// TierOf returns the lowest tier that enables f
func TierOf(f topology.Feature) (Tier, bool) {
	for _, tier := range tierOrder {
		if slices.Contains(tierFeatures[tier], f) {
			return tier, true
		}
	}
	return "", false
}

// FeatureInfo describes one feature as resolved from a FeaturesConfig
type FeatureInfo struct {
	Name    topology.Feature `json:"name"`
	Tier    Tier             `json:"tier"`
	Enabled bool             `json:"enabled"`
}

// Resolve turns the configured tier and overrides into a feature set.
// Overrides naming unknown features are errors.
func (c FeaturesConfig) Resolve() (topology.Features, error) {
	tier := c.Tier
	if tier == "" {
		tier = DefaultTier
	}
	if !tier.Valid() {
		return topology.Features{}, fmt.Errorf("unknown feature tier %q", tier)
	}

	fs := topology.NewFeatures(tier.Features()...)
	for _, name := range c.Enable {
		f, err := parseFeature(name)
		if err != nil {
			return topology.Features{}, err
		}
		fs = fs.With(f)
	}
	for _, name := range c.Disable {
		f, err := parseFeature(name)
		if err != nil {
			return topology.Features{}, err
		}
		fs = fs.Without(f)
	}
	return fs, nil
}

// List reports every known feature and whether c enables it
func (c FeaturesConfig) List() ([]FeatureInfo, error) {
	fs, err := c.Resolve()
	if err != nil {
		return nil, err
	}
	var out []FeatureInfo
	for _, f := range topology.AllFeatureNames() {
		tier, _ := TierOf(f)
		out = append(out, FeatureInfo{Name: f, Tier: tier, Enabled: fs.Has(f)})
	}
	return out, nil
}

func parseFeature(name string) (topology.Feature, error) {
	f := topology.Feature(name)
	if !slices.Contains(topology.AllFeatureNames(), f) {
		return "", fmt.Errorf("unknown feature %q", name)
	}
	return f, nil
}
