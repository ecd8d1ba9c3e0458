package streamio

import "testing"

func TestTrimCRLF(t *testing.T) {
	cases := map[string]string{
		"$123\r\n": "$123",
		"$123\n":   "$123",
		"$123":     "$123",
		"":         "",
	}
	for in, want := range cases {
		if got := trimCRLF(in); got != want {
			t.Errorf("trimCRLF(%q) = %q, want %q", in, got, want)
		}
	}
}
