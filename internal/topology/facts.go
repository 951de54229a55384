package topology

import "hwtopo/internal/bitmap"

// FactBase is the raw description handed over by a discovery source. Objects
// are a flat list linked by parent IDs; the first fact without a parent is the
// root. Children keep the order in which their facts appear.
type FactBase struct {
	Objects   []Fact
	Distances []DistanceFact
	MemAttrs  []MemAttrFact
}

// Fact describes one object. Sets left empty are derived: a PU's cpuset is
// its OS index, inner objects take the union of their children, memory
// objects inherit their parent's cpuset unless NoCPUs is set.
type Fact struct {
	ID      string
	Parent  string
	Type    ObjectType
	Subtype string
	Name    string
	OSIndex *uint

	CPUSet          bitmap.CPUSet
	CompleteCPUSet  bitmap.CPUSet
	NodeSet         bitmap.NodeSet
	CompleteNodeSet bitmap.NodeSet
	// NoCPUs keeps the empty CPUSet of a memory object that serves no
	// processors, such as a NUMA node left CPU-less by a restriction
	NoCPUs bool

	Infos      map[string]string
	Attributes TypeAttributes
}

// DistanceFact is a distance matrix over objects named by fact ID
type DistanceFact struct {
	Name    string
	Kind    DistanceKind
	Objects []string
	Values  []uint64
}

// MemAttrFact registers an attribute (unless built in) and records its values
type MemAttrFact struct {
	Name   string
	Policy MemAttrPolicy
	Flags  MemAttrFlags
	Values []MemAttrValueFact
}

// MemAttrValueFact is one value. The initiator is either an object ID or a
// cpuset; both empty means no initiator.
type MemAttrValueFact struct {
	Initiator       string
	InitiatorCPUSet bitmap.CPUSet
	Target          string
	Value           uint64
}

// OSIndex is a convenience for filling Fact.OSIndex
func OSIndex(i uint) *uint {
	return &i
}
