// Package diff partitions two snapshots of keys into shared and one-sided sets.
package diff

// Result is the three-way partition of two collections.
type Result[K comparable] struct {
	InBoth  []K `json:"inBoth"`
	OnlyInA []K `json:"onlyInA"`
	OnlyInB []K `json:"onlyInB"`
}

// Changed reports whether either collection has elements the other lacks.
func (r Result[K]) Changed() bool {
	return len(r.OnlyInA) != 0 || len(r.OnlyInB) != 0
}

// Compute splits a and b into their intersection and the elements unique to each.
// Duplicates collapse. Output order follows first appearance but callers
// should not depend on it.
func Compute[K comparable](a, b []K) Result[K] {
	inB := make(map[K]struct{}, len(b))
	for _, k := range b {
		inB[k] = struct{}{}
	}

	r := Result[K]{
		InBoth:  []K{},
		OnlyInA: []K{},
		OnlyInB: []K{},
	}
	seen := make(map[K]struct{}, len(a)+len(b))
	for _, k := range a {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if _, ok := inB[k]; ok {
			r.InBoth = append(r.InBoth, k)
		} else {
			r.OnlyInA = append(r.OnlyInA, k)
		}
	}
	for _, k := range b {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		// Anything in a was already placed above.
		r.OnlyInB = append(r.OnlyInB, k)
	}
	return r
}
