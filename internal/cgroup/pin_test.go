package cgroup

import "testing"

func TestParseCPUListMax(t *testing.T) {
	cases := []struct {
		list string
		want int
	}{
		{"0-3", 4},
		{"0-3,8", 9},
		{"0", 1},
		{"0,2,4", 5},
	}
	for _, c := range cases {
		got, err := parseCPUListMax(c.list)
		if err != nil {
			t.Fatalf("parseCPUListMax(%q): %v", c.list, err)
		}
		if got != c.want {
			t.Errorf("parseCPUListMax(%q) = %d, want %d", c.list, got, c.want)
		}
	}
}

func TestScopeNameIsPIDBased(t *testing.T) {
	a := ScopeName(1234)
	b := ScopeName(1234)
	if a != b {
		t.Fatalf("ScopeName must be deterministic for a given pid")
	}
	if a == ScopeName(5678) {
		t.Fatalf("different pids must not share a scope name")
	}
}
