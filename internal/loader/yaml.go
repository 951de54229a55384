package loader

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"hwtopo/internal/bitmap"
	"hwtopo/internal/topology"
)

// FormatVersion is the fact file version written by Marshal
const FormatVersion = "1"

// FileYAML represents the fact file structure
type FileYAML struct {
	Version   string         `yaml:"version"`
	Objects   []ObjectYAML   `yaml:"objects"`
	Distances []DistanceYAML `yaml:"distances,omitempty"`
	MemAttrs  []MemAttrYAML  `yaml:"memattrs,omitempty"`
}

// ObjectYAML represents one object fact. At most one of the attribute
// blocks may be present and it must match the object type.
type ObjectYAML struct {
	ID      string `yaml:"id"`
	Parent  string `yaml:"parent,omitempty"`
	Type    string `yaml:"type"`
	Subtype string `yaml:"subtype,omitempty"`
	Name    string `yaml:"name,omitempty"`
	OSIndex *uint  `yaml:"os_index,omitempty"`

	CPUSet          *bitmap.CPUSet  `yaml:"cpuset,omitempty"`
	CompleteCPUSet  *bitmap.CPUSet  `yaml:"complete_cpuset,omitempty"`
	NodeSet         *bitmap.NodeSet `yaml:"nodeset,omitempty"`
	CompleteNodeSet *bitmap.NodeSet `yaml:"complete_nodeset,omitempty"`

	Infos map[string]string `yaml:"infos,omitempty"`

	Cache  *CacheYAML                    `yaml:"cache,omitempty"`
	NUMA   *NUMAYAML                     `yaml:"numa,omitempty"`
	Group  *topology.GroupAttributes     `yaml:"group,omitempty"`
	PCI    *topology.PCIDeviceAttributes `yaml:"pci,omitempty"`
	Bridge *topology.BridgeAttributes    `yaml:"bridge,omitempty"`
	OSDev  *topology.OSDeviceAttributes  `yaml:"osdev,omitempty"`
}

// CacheYAML represents cache attributes with a human-readable size
type CacheYAML struct {
	Size          Size               `yaml:"size"`
	Depth         int                `yaml:"depth,omitempty"`
	LineSize      uint               `yaml:"line_size,omitempty"`
	Associativity int                `yaml:"associativity,omitempty"`
	Type          topology.CacheType `yaml:"type,omitempty"`
}

// NUMAYAML represents NUMA node memory
type NUMAYAML struct {
	Memory    Size           `yaml:"memory"`
	PageTypes []PageTypeYAML `yaml:"page_types,omitempty"`
}

// PageTypeYAML represents one page size of a NUMA node
type PageTypeYAML struct {
	Size  Size   `yaml:"size"`
	Count uint64 `yaml:"count"`
}

// DistanceYAML represents a distance matrix in row-major order
type DistanceYAML struct {
	Name    string                `yaml:"name,omitempty"`
	Kind    topology.DistanceKind `yaml:"kind"`
	Objects []string              `yaml:"objects"`
	Values  []uint64              `yaml:"values,flow"`
}

// MemAttrYAML represents a memory attribute and its values
type MemAttrYAML struct {
	Name          string                 `yaml:"name"`
	Policy        topology.MemAttrPolicy `yaml:"policy,omitempty"`
	NeedInitiator bool                   `yaml:"need_initiator,omitempty"`
	Values        []MemAttrValueYAML     `yaml:"values"`
}

// MemAttrValueYAML represents one attribute value
type MemAttrValueYAML struct {
	Initiator       string         `yaml:"initiator,omitempty"`
	InitiatorCPUSet *bitmap.CPUSet `yaml:"initiator_cpuset,omitempty"`
	Target          string         `yaml:"target"`
	Value           uint64         `yaml:"value"`
}

// Size is a byte count written as an integer or a human-readable string
// such as "32MiB". SI suffixes are decimal: "16GB" is 16e9 bytes.
type Size uint64

// UnmarshalYAML accepts integers and humanized sizes
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var n uint64
	if err := value.Decode(&n); err == nil {
		*s = Size(n)
		return nil
	}
	v, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid size %q: %w", value.Line, value.Value, err)
	}
	*s = Size(v)
	return nil
}

// MarshalYAML writes the binary-prefixed form when it is exact
func (s Size) MarshalYAML() (any, error) {
	text := humanize.IBytes(uint64(s))
	if v, err := humanize.ParseBytes(text); err == nil && v == uint64(s) {
		return text, nil
	}
	return uint64(s), nil
}

// Load loads a fact base from a YAML file
func Load(path string) (*topology.FactBase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fact file: %w", err)
	}

	return Parse(data)
}

// Parse parses a fact base from YAML bytes
func Parse(data []byte) (*topology.FactBase, error) {
	var file FileYAML
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if file.Version != "" && file.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported fact file version %q", file.Version)
	}

	return convertYAMLToFacts(&file)
}

func convertYAMLToFacts(y *FileYAML) (*topology.FactBase, error) {
	fb := &topology.FactBase{}

	for i := range y.Objects {
		f, err := convertObject(&y.Objects[i])
		if err != nil {
			return nil, fmt.Errorf("object %d (%s): %w", i, y.Objects[i].ID, err)
		}
		fb.Objects = append(fb.Objects, f)
	}

	for _, d := range y.Distances {
		fb.Distances = append(fb.Distances, topology.DistanceFact{
			Name:    d.Name,
			Kind:    d.Kind,
			Objects: d.Objects,
			Values:  d.Values,
		})
	}

	for _, m := range y.MemAttrs {
		fact := topology.MemAttrFact{
			Name:   m.Name,
			Policy: m.Policy,
		}
		if m.NeedInitiator {
			fact.Flags |= topology.MemAttrNeedInitiator
		}
		for _, v := range m.Values {
			value := topology.MemAttrValueFact{
				Initiator: v.Initiator,
				Target:    v.Target,
				Value:     v.Value,
			}
			if v.InitiatorCPUSet != nil {
				value.InitiatorCPUSet = *v.InitiatorCPUSet
			}
			fact.Values = append(fact.Values, value)
		}
		fb.MemAttrs = append(fb.MemAttrs, fact)
	}

	return fb, nil
}

func convertObject(o *ObjectYAML) (topology.Fact, error) {
	typ, err := topology.ParseObjectType(o.Type)
	if err != nil {
		return topology.Fact{}, err
	}

	f := topology.Fact{
		ID:      strings.TrimSpace(o.ID),
		Parent:  strings.TrimSpace(o.Parent),
		Type:    typ,
		Subtype: o.Subtype,
		Name:    o.Name,
		OSIndex: o.OSIndex,
		Infos:   o.Infos,
	}
	if o.CPUSet != nil {
		f.CPUSet = *o.CPUSet
		f.NoCPUs = typ.IsMemory() && f.CPUSet.IsEmpty()
	}
	if o.CompleteCPUSet != nil {
		f.CompleteCPUSet = *o.CompleteCPUSet
	}
	if o.NodeSet != nil {
		f.NodeSet = *o.NodeSet
	}
	if o.CompleteNodeSet != nil {
		f.CompleteNodeSet = *o.CompleteNodeSet
	}

	var attrs []topology.TypeAttributes
	if o.Cache != nil {
		c := topology.CacheAttributes{
			Size:          uint64(o.Cache.Size),
			Depth:         o.Cache.Depth,
			LineSize:      o.Cache.LineSize,
			Associativity: o.Cache.Associativity,
			Type:          o.Cache.Type,
		}
		if c.Depth == 0 {
			c.Depth = typ.CacheLevel()
		}
		if c.Type == "" {
			c.Type = topology.CacheUnified
		}
		attrs = append(attrs, c)
	}
	if o.NUMA != nil {
		n := topology.NUMANodeAttributes{LocalMemory: uint64(o.NUMA.Memory)}
		for _, p := range o.NUMA.PageTypes {
			n.PageTypes = append(n.PageTypes, topology.PageType{Size: uint64(p.Size), Count: p.Count})
		}
		attrs = append(attrs, n)
	}
	if o.Group != nil {
		attrs = append(attrs, *o.Group)
	}
	if o.PCI != nil {
		attrs = append(attrs, *o.PCI)
	}
	if o.Bridge != nil {
		attrs = append(attrs, *o.Bridge)
	}
	if o.OSDev != nil {
		attrs = append(attrs, *o.OSDev)
	}

	switch len(attrs) {
	case 0:
	case 1:
		f.Attributes = attrs[0]
	default:
		return topology.Fact{}, fmt.Errorf("%d attribute blocks given, at most one allowed", len(attrs))
	}

	return f, nil
}

// Marshal writes a fact base in the fact file format
func Marshal(fb *topology.FactBase) ([]byte, error) {
	file := &FileYAML{Version: FormatVersion}

	for _, f := range fb.Objects {
		file.Objects = append(file.Objects, exportObject(f))
	}

	for _, d := range fb.Distances {
		file.Distances = append(file.Distances, DistanceYAML{
			Name:    d.Name,
			Kind:    d.Kind,
			Objects: d.Objects,
			Values:  d.Values,
		})
	}

	for _, m := range fb.MemAttrs {
		attr := MemAttrYAML{
			Name:          m.Name,
			Policy:        m.Policy,
			NeedInitiator: m.Flags&topology.MemAttrNeedInitiator != 0,
		}
		for _, v := range m.Values {
			value := MemAttrValueYAML{
				Initiator: v.Initiator,
				Target:    v.Target,
				Value:     v.Value,
			}
			if !v.InitiatorCPUSet.IsEmpty() {
				set := v.InitiatorCPUSet
				value.InitiatorCPUSet = &set
			}
			attr.Values = append(attr.Values, value)
		}
		file.MemAttrs = append(file.MemAttrs, attr)
	}

	return yaml.Marshal(file)
}

// Write marshals a fact base to path
func Write(path string, fb *topology.FactBase) error {
	data, err := Marshal(fb)
	if err != nil {
		return fmt.Errorf("failed to marshal facts: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write fact file: %w", err)
	}
	return nil
}

func exportObject(f topology.Fact) ObjectYAML {
	o := ObjectYAML{
		ID:      f.ID,
		Parent:  f.Parent,
		Type:    string(f.Type),
		Subtype: f.Subtype,
		Name:    f.Name,
		OSIndex: f.OSIndex,
		Infos:   f.Infos,
	}
	o.CPUSet = setOrNil(f.CPUSet)
	if f.NoCPUs {
		empty := bitmap.New()
		o.CPUSet = &empty
	}
	o.CompleteCPUSet = setOrNil(f.CompleteCPUSet)
	o.NodeSet = setOrNil(f.NodeSet)
	o.CompleteNodeSet = setOrNil(f.CompleteNodeSet)

	switch a := f.Attributes.(type) {
	case topology.CacheAttributes:
		o.Cache = &CacheYAML{
			Size:          Size(a.Size),
			Depth:         a.Depth,
			LineSize:      a.LineSize,
			Associativity: a.Associativity,
			Type:          a.Type,
		}
	case topology.NUMANodeAttributes:
		o.NUMA = &NUMAYAML{Memory: Size(a.LocalMemory)}
		for _, p := range a.PageTypes {
			o.NUMA.PageTypes = append(o.NUMA.PageTypes, PageTypeYAML{Size: Size(p.Size), Count: p.Count})
		}
	case topology.GroupAttributes:
		o.Group = &a
	case topology.PCIDeviceAttributes:
		o.PCI = &a
	case topology.BridgeAttributes:
		o.Bridge = &a
	case topology.OSDeviceAttributes:
		o.OSDev = &a
	}
	return o
}

func setOrNil(b bitmap.Bitmap) *bitmap.Bitmap {
	if b.IsEmpty() {
		return nil
	}
	return &b
}
