package scanmode

import "testing"

func TestMergeUniqueDedupsPreservingOrder(t *testing.T) {
	a := []string{"k1", "k2"}
	b := []string{"k2", "k3"}
	got := mergeUnique(a, b)
	want := []string{"k1", "k2", "k3"}
	if len(got) != len(want) {
		t.Fatalf("want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("want %v, got %v", want, got)
		}
	}
}

func TestMergeUniqueEmptyInputs(t *testing.T) {
	got := mergeUnique(nil, nil)
	if len(got) != 0 {
		t.Fatalf("expected empty merge, got %v", got)
	}
}
