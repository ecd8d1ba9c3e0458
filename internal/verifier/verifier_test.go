package verifier

import "testing"

func TestResultPassesThreshold(t *testing.T) {
	r := Result{Total: 100, Counts: map[Category]int{CategoryMatching: 95}}
	if !r.Passes() {
		t.Fatalf("95/100 should pass the 0.95 threshold")
	}

	r2 := Result{Total: 100, Counts: map[Category]int{CategoryMatching: 94}}
	if r2.Passes() {
		t.Fatalf("94/100 should not pass the 0.95 threshold")
	}
}

func TestResultPassRateVacuous(t *testing.T) {
	r := Result{Total: 0, Counts: map[Category]int{}}
	if r.PassRate() != 1.0 {
		t.Fatalf("empty comparison should report a vacuous pass rate of 1.0, got %v", r.PassRate())
	}
	if !r.Passes() {
		t.Fatalf("empty comparison should pass")
	}
}

func TestStringSlicesEqual(t *testing.T) {
	if !stringSlicesEqual([]string{"a", "b"}, []string{"a", "b"}) {
		t.Fatalf("identical ordered slices should be equal")
	}
	if stringSlicesEqual([]string{"a", "b"}, []string{"b", "a"}) {
		t.Fatalf("list order matters: reordered slices should not be equal")
	}
	if stringSlicesEqual([]string{"a"}, []string{"a", "b"}) {
		t.Fatalf("different lengths should not be equal")
	}
}

func TestStringSetsEqualIgnoresOrder(t *testing.T) {
	if !stringSetsEqual([]string{"a", "b", "c"}, []string{"c", "a", "b"}) {
		t.Fatalf("sets should ignore member order")
	}
	if stringSetsEqual([]string{"a", "a", "b"}, []string{"a", "b", "b"}) {
		t.Fatalf("member multiplicity should matter")
	}
}

func TestStringMapsEqual(t *testing.T) {
	a := map[string]string{"f1": "v1", "f2": "v2"}
	b := map[string]string{"f2": "v2", "f1": "v1"}
	if !stringMapsEqual(a, b) {
		t.Fatalf("identical hash contents should be equal regardless of field order")
	}
	c := map[string]string{"f1": "v1"}
	if stringMapsEqual(a, c) {
		t.Fatalf("different sized maps should not be equal")
	}
}
