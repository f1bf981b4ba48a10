package diff

import (
	"slices"
	"testing"
)

func sorted(s []string) []string {
	out := slices.Clone(s)
	slices.Sort(out)
	return out
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name        string
		a, b        []string
		wantBoth    []string
		wantOnlyInA []string
		wantOnlyInB []string
	}{
		{
			name:        "disjoint",
			a:           []string{"D2Profiles", "D2Vendors"},
			b:           []string{"Destiny2"},
			wantBoth:    []string{},
			wantOnlyInA: []string{"D2Profiles", "D2Vendors"},
			wantOnlyInB: []string{"Destiny2"},
		},
		{
			name:        "overlap",
			a:           []string{"a", "b", "c"},
			b:           []string{"c", "d", "b"},
			wantBoth:    []string{"b", "c"},
			wantOnlyInA: []string{"a"},
			wantOnlyInB: []string{"d"},
		},
		{
			name:        "identical",
			a:           []string{"x", "y"},
			b:           []string{"y", "x"},
			wantBoth:    []string{"x", "y"},
			wantOnlyInA: []string{},
			wantOnlyInB: []string{},
		},
		{
			name:        "empty a",
			a:           nil,
			b:           []string{"x", "y"},
			wantBoth:    []string{},
			wantOnlyInA: []string{},
			wantOnlyInB: []string{"x", "y"},
		},
		{
			name:        "duplicates collapse",
			a:           []string{"x", "x", "y"},
			b:           []string{"y", "y", "z", "z"},
			wantBoth:    []string{"y"},
			wantOnlyInA: []string{"x"},
			wantOnlyInB: []string{"z"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.a, tt.b)
			if !slices.Equal(sorted(got.InBoth), tt.wantBoth) {
				t.Errorf("InBoth = %v, want %v", got.InBoth, tt.wantBoth)
			}
			if !slices.Equal(sorted(got.OnlyInA), tt.wantOnlyInA) {
				t.Errorf("OnlyInA = %v, want %v", got.OnlyInA, tt.wantOnlyInA)
			}
			if !slices.Equal(sorted(got.OnlyInB), tt.wantOnlyInB) {
				t.Errorf("OnlyInB = %v, want %v", got.OnlyInB, tt.wantOnlyInB)
			}
		})
	}
}

// TestComputePartition checks that every element lands in exactly one bucket per side.
func TestComputePartition(t *testing.T) {
	a := []int{1, 2, 3, 4, 5, 6}
	b := []int{4, 5, 6, 7, 8}
	r := Compute(a, b)

	count := func(k int, buckets ...[]int) int {
		n := 0
		for _, bucket := range buckets {
			if slices.Contains(bucket, k) {
				n++
			}
		}
		return n
	}
	for _, k := range a {
		if n := count(k, r.InBoth, r.OnlyInA); n != 1 {
			t.Errorf("element %d of a appears in %d of inBoth/onlyInA", k, n)
		}
	}
	for _, k := range b {
		if n := count(k, r.InBoth, r.OnlyInB); n != 1 {
			t.Errorf("element %d of b appears in %d of inBoth/onlyInB", k, n)
		}
	}
	if !r.Changed() {
		t.Error("Changed() = false, want true")
	}
	if Compute(a, a).Changed() {
		t.Error("Compute(a, a).Changed() = true, want false")
	}
}
