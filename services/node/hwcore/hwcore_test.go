package hwcore

import "testing"

func TestParseEdge(t *testing.T) {
	cases := []struct {
		in   string
		want Edge
		ok   bool
	}{
		{"", EdgeFalling, true},
		{"change", EdgeChange, true},
		{" Rising", EdgeRising, true},
		{"falling", EdgeFalling, true},
		{"LOW", EdgeLow, true},
		{"sideways", EdgeNone, false},
	}
	for _, tc := range cases {
		got, ok := ParseEdge(tc.in, EdgeFalling)
		if got != tc.want || ok != tc.ok {
			t.Errorf("ParseEdge(%q) = %v, %v; want %v, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestParsePull(t *testing.T) {
	cases := []struct {
		in   string
		want Pull
		ok   bool
	}{
		{"", PullUp, true},
		{"up", PullUp, true},
		{"Down", PullDown, true},
		{"none", PullNone, true},
		{"floating", PullUp, false},
	}
	for _, tc := range cases {
		got, ok := ParsePull(tc.in, PullUp)
		if got != tc.want || ok != tc.ok {
			t.Errorf("ParsePull(%q) = %v, %v; want %v, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
