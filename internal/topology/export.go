package topology

import (
	"fmt"
	"maps"
)

// ObjectID names an object as "Type:logical_index", the form used by
// exported fact bases
func ObjectID(typ ObjectType, logicalIndex int) string {
	return fmt.Sprintf("%s:%d", typ, logicalIndex)
}

// Facts exports the current generation as a fact base with every set made
// explicit. Building from it yields an equivalent tree.
func (t *Topology) Facts() (*FactBase, error) {
	if err := t.features.require(FeatureExport); err != nil {
		return nil, err
	}
	st, err := t.snapshot()
	if err != nil {
		return nil, err
	}

	id := func(o *object) string { return ObjectID(o.typ, o.logicalIndex) }
	ref := func(h Handle) (string, error) {
		if h.gen != st.generation || st.obj(h.id) == nil {
			return "", fmt.Errorf("%w: topology edited during export", ErrStaleHandle)
		}
		return id(st.objects[h.id]), nil
	}
	fb := &FactBase{}
	st.preorder(st.root, func(o *object) bool {
		f := Fact{
			ID:         id(o),
			Type:       o.typ,
			Subtype:    o.subtype,
			Name:       o.name,
			Infos:      maps.Clone(o.infos),
			Attributes: o.attrs,
		}
		if p := st.obj(o.parent); p != nil {
			f.Parent = id(p)
		}
		if o.hasOSIndex {
			f.OSIndex = OSIndex(o.osIndex)
		}
		if o.typ.HasSets() {
			f.CPUSet = o.cpuset
			f.CompleteCPUSet = o.completeCPUSet
			f.NodeSet = o.nodeset
			f.CompleteNodeSet = o.completeNodeSet
			f.NoCPUs = o.typ.IsMemory() && o.cpuset.IsEmpty()
		}
		fb.Objects = append(fb.Objects, f)
		return true
	})

	if t.features.Has(FeatureDistances) {
		matrices, err := t.distances.List()
		if err != nil {
			return nil, err
		}
		for _, m := range matrices {
			df := DistanceFact{Name: m.name, Kind: m.kind, Values: m.Values()}
			for _, h := range m.objects {
				name, err := ref(h)
				if err != nil {
					return nil, err
				}
				df.Objects = append(df.Objects, name)
			}
			fb.Distances = append(fb.Distances, df)
		}
	}

	if t.features.Has(FeatureMemAttrs) {
		attrs, err := t.memattrs.Attributes()
		if err != nil {
			return nil, err
		}
		for _, a := range attrs {
			entries, err := t.memattrs.Entries(a.Name)
			if err != nil {
				return nil, err
			}
			if a.BuiltIn && len(entries) == 0 {
				continue
			}
			mf := MemAttrFact{Name: a.Name, Policy: a.Policy, Flags: a.Flags}
			for _, e := range entries {
				target, err := ref(e.Target)
				if err != nil {
					return nil, err
				}
				v := MemAttrValueFact{Target: target, Value: e.Value}
				if h, ok := e.Initiator.Object(); ok {
					if v.Initiator, err = ref(h); err != nil {
						return nil, err
					}
				} else if set, ok := e.Initiator.CPUSet(); ok {
					v.InitiatorCPUSet = set
				}
				mf.Values = append(mf.Values, v)
			}
			fb.MemAttrs = append(fb.MemAttrs, mf)
		}
	}
	return fb, nil
}
