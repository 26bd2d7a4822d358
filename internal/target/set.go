package target

import "sort"

// Set is a set of minion identities.
type Set map[string]struct{}

// NewSet builds a Set from ids.
func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Add inserts id.
func (s Set) Add(id string) {
	s[id] = struct{}{}
}

// Clone returns an independent copy.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// Sorted returns members as a sorted slice.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Union returns s ∪ other.
func (s Set) Union(other Set) Set {
	out := s.Clone()
	for id := range other {
		out[id] = struct{}{}
	}
	return out
}

// Intersect returns s ∩ other.
func (s Set) Intersect(other Set) Set {
	out := make(Set)
	for id := range s {
		if other.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Diff returns s − other.
func (s Set) Diff(other Set) Set {
	out := make(Set)
	for id := range s {
		if !other.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// SubsetOf reports whether every member of s is in other.
func (s Set) SubsetOf(other Set) bool {
	for id := range s {
		if !other.Has(id) {
			return false
		}
	}
	return true
}

// MatchResult is the uniform outcome of a matcher engine. Minions holds the
// matched identities; Missing holds identities the engine expected data for
// but could not find (cache lookups, unknown list members). A single engine
// never reports the same id in both sets for the same reason.
type MatchResult struct {
	Minions Set
	Missing Set
}

// EmptyResult is the fail-empty outcome: matches nothing, reports nothing.
func EmptyResult() MatchResult {
	return MatchResult{Minions: make(Set), Missing: make(Set)}
}
