package codec

import (
	"context"
	"fmt"
	"io"
	"strings"

	"hwtopo/internal/bitmap"
	"hwtopo/internal/topology"
)

// DocumentVersion is written into every exported document
const DocumentVersion = "1"

// Importer interface for importing topology descriptions from various formats
type Importer interface {
	Parse(r io.Reader) (*topology.FactBase, error)
	Format() string
}

// Exporter interface for exporting topology descriptions to various formats
type Exporter interface {
	Export(fb *topology.FactBase, w io.Writer) error
	Format() string
}

// Codec both imports and exports
type Codec interface {
	Importer
	Exporter
}

// ForFormat returns the codec registered under name
func ForFormat(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "yaml", "yml":
		return NewYAMLCodec(), nil
	case "json":
		return NewJSONCodec(), nil
	case "cbor":
		return NewCBORCodec(), nil
	}
	return nil, fmt.Errorf("unknown codec format %q", name)
}

// Export writes the current generation of topo with e
func Export(topo *topology.Topology, e Exporter, w io.Writer) error {
	fb, err := topo.Facts()
	if err != nil {
		return fmt.Errorf("failed to export topology: %w", err)
	}
	return e.Export(fb, w)
}

// Import reads a description with i and builds a topology from it
func Import(ctx context.Context, i Importer, r io.Reader, opts ...topology.Option) (*topology.Topology, error) {
	fb, err := i.Parse(r)
	if err != nil {
		return nil, err
	}
	topo, err := topology.Build(ctx, fb, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build imported %s topology: %w", i.Format(), err)
	}
	return topo, nil
}

// Document is the hierarchical export form shared by every codec. Objects
// nest under their parents and are named "Type:logical_index"; distance
// matrices and attribute values refer to those names.
type Document struct {
	Version   string     `json:"version" yaml:"version" cbor:"version"`
	Root      *Node      `json:"root" yaml:"root" cbor:"root"`
	Distances []Distance `json:"distances,omitempty" yaml:"distances,omitempty" cbor:"distances,omitempty"`
	MemAttrs  []MemAttr  `json:"memattrs,omitempty" yaml:"memattrs,omitempty" cbor:"memattrs,omitempty"`
}

// Node is one object and its children
type Node struct {
	ID      string              `json:"id,omitempty" yaml:"id,omitempty" cbor:"id,omitempty"`
	Type    topology.ObjectType `json:"type" yaml:"type" cbor:"type"`
	Subtype string              `json:"subtype,omitempty" yaml:"subtype,omitempty" cbor:"subtype,omitempty"`
	Name    string              `json:"name,omitempty" yaml:"name,omitempty" cbor:"name,omitempty"`
	OSIndex *uint               `json:"os_index,omitempty" yaml:"os_index,omitempty" cbor:"os_index,omitempty"`

	CPUSet          *bitmap.CPUSet  `json:"cpuset,omitempty" yaml:"cpuset,omitempty" cbor:"cpuset,omitempty"`
	CompleteCPUSet  *bitmap.CPUSet  `json:"complete_cpuset,omitempty" yaml:"complete_cpuset,omitempty" cbor:"complete_cpuset,omitempty"`
	NodeSet         *bitmap.NodeSet `json:"nodeset,omitempty" yaml:"nodeset,omitempty" cbor:"nodeset,omitempty"`
	CompleteNodeSet *bitmap.NodeSet `json:"complete_nodeset,omitempty" yaml:"complete_nodeset,omitempty" cbor:"complete_nodeset,omitempty"`

	Infos map[string]string `json:"infos,omitempty" yaml:"infos,omitempty" cbor:"infos,omitempty"`

	Cache  *topology.CacheAttributes     `json:"cache,omitempty" yaml:"cache,omitempty" cbor:"cache,omitempty"`
	NUMA   *topology.NUMANodeAttributes  `json:"numa,omitempty" yaml:"numa,omitempty" cbor:"numa,omitempty"`
	Group  *topology.GroupAttributes     `json:"group,omitempty" yaml:"group,omitempty" cbor:"group,omitempty"`
	PCI    *topology.PCIDeviceAttributes `json:"pci,omitempty" yaml:"pci,omitempty" cbor:"pci,omitempty"`
	Bridge *topology.BridgeAttributes    `json:"bridge,omitempty" yaml:"bridge,omitempty" cbor:"bridge,omitempty"`
	OSDev  *topology.OSDeviceAttributes  `json:"osdev,omitempty" yaml:"osdev,omitempty" cbor:"osdev,omitempty"`

	Children []*Node `json:"children,omitempty" yaml:"children,omitempty" cbor:"children,omitempty"`
}

// Distance is a matrix in row-major order
type Distance struct {
	Name    string                `json:"name" yaml:"name" cbor:"name"`
	Kind    topology.DistanceKind `json:"kind" yaml:"kind" cbor:"kind"`
	Objects []string              `json:"objects" yaml:"objects,flow" cbor:"objects"`
	Values  []uint64              `json:"values" yaml:"values,flow" cbor:"values"`
}

// MemAttr is a memory attribute with its recorded values
type MemAttr struct {
	Name          string                 `json:"name" yaml:"name" cbor:"name"`
	Policy        topology.MemAttrPolicy `json:"policy,omitempty" yaml:"policy,omitempty" cbor:"policy,omitempty"`
	NeedInitiator bool                   `json:"need_initiator,omitempty" yaml:"need_initiator,omitempty" cbor:"need_initiator,omitempty"`
	Values        []MemAttrValue         `json:"values" yaml:"values" cbor:"values"`
}

// MemAttrValue is one recorded value. Initiator names an object,
// InitiatorCPUSet gives a raw set; both absent means no initiator.
type MemAttrValue struct {
	Initiator       string         `json:"initiator,omitempty" yaml:"initiator,omitempty" cbor:"initiator,omitempty"`
	InitiatorCPUSet *bitmap.CPUSet `json:"initiator_cpuset,omitempty" yaml:"initiator_cpuset,omitempty" cbor:"initiator_cpuset,omitempty"`
	Target          string         `json:"target" yaml:"target" cbor:"target"`
	Value           uint64         `json:"value" yaml:"value" cbor:"value"`
}

// NewDocument nests a fact base. Parents must precede their children, as
// they do in topology.Topology.Facts output.
func NewDocument(fb *topology.FactBase) (*Document, error) {
	doc := &Document{Version: DocumentVersion}
	nodes := make(map[string]*Node, len(fb.Objects))

	for _, f := range fb.Objects {
		n := factToNode(f)
		if _, dup := nodes[f.ID]; dup {
			return nil, fmt.Errorf("duplicate object %q", f.ID)
		}
		nodes[f.ID] = n

		if f.Parent == "" {
			if doc.Root != nil {
				return nil, fmt.Errorf("object %q: second root", f.ID)
			}
			doc.Root = n
			continue
		}
		parent, ok := nodes[f.Parent]
		if !ok {
			return nil, fmt.Errorf("object %q: parent %q not seen before it", f.ID, f.Parent)
		}
		parent.Children = append(parent.Children, n)
	}
	if doc.Root == nil {
		return nil, fmt.Errorf("no root object")
	}

	for _, d := range fb.Distances {
		doc.Distances = append(doc.Distances, Distance{
			Name:    d.Name,
			Kind:    d.Kind,
			Objects: d.Objects,
			Values:  d.Values,
		})
	}

	for _, m := range fb.MemAttrs {
		attr := MemAttr{
			Name:          m.Name,
			Policy:        m.Policy,
			NeedInitiator: m.Flags&topology.MemAttrNeedInitiator != 0,
			Values:        make([]MemAttrValue, 0, len(m.Values)),
		}
		for _, v := range m.Values {
			value := MemAttrValue{Initiator: v.Initiator, Target: v.Target, Value: v.Value}
			value.InitiatorCPUSet = setOrNil(v.InitiatorCPUSet)
			attr.Values = append(attr.Values, value)
		}
		doc.MemAttrs = append(doc.MemAttrs, attr)
	}

	return doc, nil
}

// Facts flattens the document back into a fact base. Nodes without an ID
// are given one.
func (d *Document) Facts() (*topology.FactBase, error) {
	if d.Version != "" && d.Version != DocumentVersion {
		return nil, fmt.Errorf("unsupported document version %q", d.Version)
	}
	if d.Root == nil {
		return nil, fmt.Errorf("document has no root object")
	}

	fb := &topology.FactBase{}
	seq := 0
	var walk func(n *Node, parent string) error
	walk = func(n *Node, parent string) error {
		f, err := nodeToFact(n)
		if err != nil {
			return err
		}
		if f.ID == "" {
			f.ID = fmt.Sprintf("#%d", seq)
		}
		seq++
		f.Parent = parent
		fb.Objects = append(fb.Objects, f)
		for _, c := range n.Children {
			if c == nil {
				continue
			}
			if err := walk(c, f.ID); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(d.Root, ""); err != nil {
		return nil, err
	}

	for _, dist := range d.Distances {
		fb.Distances = append(fb.Distances, topology.DistanceFact{
			Name:    dist.Name,
			Kind:    dist.Kind,
			Objects: dist.Objects,
			Values:  dist.Values,
		})
	}

	for _, m := range d.MemAttrs {
		fact := topology.MemAttrFact{Name: m.Name, Policy: m.Policy}
		if m.NeedInitiator {
			fact.Flags |= topology.MemAttrNeedInitiator
		}
		for _, v := range m.Values {
			value := topology.MemAttrValueFact{Initiator: v.Initiator, Target: v.Target, Value: v.Value}
			if v.InitiatorCPUSet != nil {
				value.InitiatorCPUSet = *v.InitiatorCPUSet
			}
			fact.Values = append(fact.Values, value)
		}
		fb.MemAttrs = append(fb.MemAttrs, fact)
	}

	return fb, nil
}

func factToNode(f topology.Fact) *Node {
	n := &Node{
		ID:              f.ID,
		Type:            f.Type,
		Subtype:         f.Subtype,
		Name:            f.Name,
		OSIndex:         f.OSIndex,
		CPUSet:          setOrNil(f.CPUSet),
		CompleteCPUSet:  setOrNil(f.CompleteCPUSet),
		NodeSet:         setOrNil(f.NodeSet),
		CompleteNodeSet: setOrNil(f.CompleteNodeSet),
		Infos:           f.Infos,
	}
	if f.NoCPUs {
		// an explicit empty set, as opposed to an inherited one
		empty := bitmap.New()
		n.CPUSet = &empty
	}
	switch a := f.Attributes.(type) {
	case topology.CacheAttributes:
		n.Cache = &a
	case topology.NUMANodeAttributes:
		n.NUMA = &a
	case topology.GroupAttributes:
		n.Group = &a
	case topology.PCIDeviceAttributes:
		n.PCI = &a
	case topology.BridgeAttributes:
		n.Bridge = &a
	case topology.OSDeviceAttributes:
		n.OSDev = &a
	}
	return n
}

func nodeToFact(n *Node) (topology.Fact, error) {
	typ, err := topology.ParseObjectType(string(n.Type))
	if err != nil {
		return topology.Fact{}, fmt.Errorf("object %q: %w", n.ID, err)
	}
	f := topology.Fact{
		ID:      n.ID,
		Type:    typ,
		Subtype: n.Subtype,
		Name:    n.Name,
		OSIndex: n.OSIndex,
		Infos:   n.Infos,
	}
	if n.CPUSet != nil {
		f.CPUSet = *n.CPUSet
		f.NoCPUs = typ.IsMemory() && f.CPUSet.IsEmpty()
	}
	if n.CompleteCPUSet != nil {
		f.CompleteCPUSet = *n.CompleteCPUSet
	}
	if n.NodeSet != nil {
		f.NodeSet = *n.NodeSet
	}
	if n.CompleteNodeSet != nil {
		f.CompleteNodeSet = *n.CompleteNodeSet
	}

	var attrs []topology.TypeAttributes
	if n.Cache != nil {
		attrs = append(attrs, *n.Cache)
	}
	if n.NUMA != nil {
		attrs = append(attrs, *n.NUMA)
	}
	if n.Group != nil {
		attrs = append(attrs, *n.Group)
	}
	if n.PCI != nil {
		attrs = append(attrs, *n.PCI)
	}
	if n.Bridge != nil {
		attrs = append(attrs, *n.Bridge)
	}
	if n.OSDev != nil {
		attrs = append(attrs, *n.OSDev)
	}
	switch len(attrs) {
	case 0:
	case 1:
		f.Attributes = attrs[0]
	default:
		return topology.Fact{}, fmt.Errorf("object %q: %d attribute blocks, at most one allowed", n.ID, len(attrs))
	}
	return f, nil
}

func setOrNil(b bitmap.Bitmap) *bitmap.Bitmap {
	if b.IsEmpty() {
		return nil
	}
	return &b
}
