package query

import "strings"

// Pattern selects a set of keys for invalidation or eviction.
type Pattern interface {
	Match(key Key) bool
	String() string
}

type exactPattern struct {
	key string
}

// Exact matches exactly one key.
func Exact(key Key) Pattern {
	return exactPattern{key: key.String()}
}

func (p exactPattern) Match(key Key) bool { return key.String() == p.key }
func (p exactPattern) String() string { return p.key }

type shapePattern struct {
	kind  Kind
	scope []Segment
}

// Shape matches keys of kind whose scope has the same dimensions in the same
// order, treating Wildcard segments as matching any value of their dimension.
func Shape(kind Kind, scope ...Segment) Pattern {
	return shapePattern{kind: kind, scope: scope}
}

func (p shapePattern) Match(key Key) bool {
	if key.Kind != p.kind || len(key.Scope) != len(p.scope) {
		return false
	}
	for i, want := range p.scope {
		got := key.Scope[i]
		if got.Dim != want.Dim {
			return false
		}
		if want.wildcard {
			continue
		}
		if got.Self != want.Self || got.ID != want.ID {
			return false
		}
	}
	return true
}

func (p shapePattern) String() string {
	return Key{Kind: p.kind, Scope: p.scope}.String()
}

type kindPattern struct {
	kind Kind
}

// OfKind matches every key of kind regardless of scope.
func OfKind(kind Kind) Pattern {
	return kindPattern{kind: kind}
}

func (p kindPattern) Match(key Key) bool { return key.Kind == p.kind }
func (p kindPattern) String() string { return string(p.kind) + "/**" }

type referencingPattern struct {
	segments []Segment
}

// Referencing matches keys whose scope contains any of segments.
func Referencing(segments ...Segment) Pattern {
	return referencingPattern{segments: segments}
}

func (p referencingPattern) Match(key Key) bool {
	for _, s := range p.segments {
		if key.Has(s) {
			return true
		}
	}
	return false
}

func (p referencingPattern) String() string {
	parts := make([]string, len(p.segments))
	for i, s := range p.segments {
		parts[i] = s.String()
	}
	return "ref(" + strings.Join(parts, ",") + ")"
}

type sessionScopedPattern struct{}

// SessionScoped matches every key carrying a role or user discriminator:
// everything that was fetched on behalf of a particular session.
func SessionScoped() Pattern {
	return sessionScopedPattern{}
}

func (sessionScopedPattern) Match(key Key) bool {
	for _, s := range key.Scope {
		switch s.Dim {
		case DimRole, DimPatient, DimDoctor, DimNurse:
			return true
		}
	}
	return false
}

func (sessionScopedPattern) String() string { return "session-scoped" }

type anyOfPattern []Pattern

// AnyOf matches keys matched by at least one of patterns.
func AnyOf(patterns ...Pattern) Pattern {
	return anyOfPattern(patterns)
}

func (p anyOfPattern) Match(key Key) bool {
	for _, pattern := range p {
		if pattern.Match(key) {
			return true
		}
	}
	return false
}

func (p anyOfPattern) String() string {
	parts := make([]string, len(p))
	for i, pattern := range p {
		parts[i] = pattern.String()
	}
	return "any(" + strings.Join(parts, ",") + ")"
}

type allPattern struct{}

// All matches every key.
func All() Pattern {
	return allPattern{}
}

func (allPattern) Match(Key) bool { return true }
func (allPattern) String() string { return "**" }
