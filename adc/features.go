package adc

// ExtFeatures is an ordered list of features, as advertised in SU/SUP.
type ExtFeatures []Feature

func (f ExtFeatures) Has(v Feature) bool {
	for _, x := range f {
		if x == v {
			return true
		}
	}
	return false
}

func (f ExtFeatures) String() string {
	s := ""
	for _, x := range f {
		s += string(x)
	}
	return s
}

// ModFeatures is a set of features with add/remove semantics, used for SUP
// negotiation (ADfeat/RMfeat tokens) and for tracking negotiated/mutual
// support. A nil or absent key means "not set".
type ModFeatures map[Feature]bool

// IsSet reports whether a feature was explicitly enabled.
func (m ModFeatures) IsSet(f Feature) bool {
	return m[f]
}

// Clone returns a deep copy, so callers can hand out ModFeatures without
// exposing the internal map to concurrent mutation.
func (m ModFeatures) Clone() ModFeatures {
	if m == nil {
		return nil
	}
	out := make(ModFeatures, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Intersect returns the set of features set (true) in both maps.
func (m ModFeatures) Intersect(o ModFeatures) ModFeatures {
	out := make(ModFeatures)
	for k, v := range m {
		if v && o[k] {
			out[k] = true
		}
	}
	return out
}

// Apply merges AD/RM tokens from SUP into the receiver, returning a new map.
func (m ModFeatures) Apply(add, remove []Feature) ModFeatures {
	out := m.Clone()
	if out == nil {
		out = make(ModFeatures)
	}
	for _, f := range add {
		out[f] = true
	}
	for _, f := range remove {
		delete(out, f)
	}
	return out
}

func FeaturesFromList(l ExtFeatures) ModFeatures {
	out := make(ModFeatures, len(l))
	for _, f := range l {
		out[f] = true
	}
	return out
}
