package subject

import "testing"

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Math", "math"},
		{"  Math  101 ", "math 101"},
		{"PHYSICS\tII", "physics ii"},
		{"a   b", "a b"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := normalizeName(tc.in); got != tc.want {
			t.Errorf("normalizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
