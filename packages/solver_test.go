package packages

import (
	"strings"
	"testing"
)

func TestSolvePicksHighestSatisfying(t *testing.T) {
	assignment, err := Solve(
		[]Constraint{{Name: "std", Range: "^1.0"}},
		map[string][]string{"std": {"0.9.0", "1.0.0", "1.4.2", "2.0.0"}},
	)
	if err != nil {
		t.Fatal(err)
	}
	if assignment["std"] != "1.4.2" {
		t.Fatalf("std = %s, want 1.4.2", assignment["std"])
	}
}

func TestSolveIntersectsConstraints(t *testing.T) {
	assignment, err := Solve(
		[]Constraint{
			{Name: "std", Range: ">=1.0.0"},
			{Name: "std", Range: "<1.3.0"},
		},
		map[string][]string{"std": {"1.0.0", "1.2.0", "1.4.0"}},
	)
	if err != nil {
		t.Fatal(err)
	}
	if assignment["std"] != "1.2.0" {
		t.Fatalf("std = %s, want 1.2.0", assignment["std"])
	}
}

func TestSolveReportsConflict(t *testing.T) {
	_, err := Solve(
		[]Constraint{
			{Name: "std", Range: "^1.0"},
			{Name: "std", Range: "^2.0"},
		},
		map[string][]string{"std": {"1.0.0", "2.0.0"}},
	)
	if err == nil {
		t.Fatal("expected conflict")
	}
	if !strings.Contains(err.Error(), "std") {
		t.Fatalf("conflict message does not name the package: %v", err)
	}
}

func TestRangeSatisfied(t *testing.T) {
	cases := []struct {
		rng     string
		version string
		want    bool
	}{
		{"^1.2.3", "1.2.3", true},
		{"^1.2.3", "1.9.0", true},
		{"^1.2.3", "2.0.0", false},
		{"^1.2.3", "1.2.2", false},
		{"~1.2.3", "1.2.9", true},
		{"~1.2.3", "1.3.0", false},
		{">=1.2 <2", "1.5.0", true},
		{">=1.2 <2", "2.0.0", false},
		{"*", "0.0.1", true},
		{"", "3.1.4", true},
		{"1.0.0", "1.0.0", true},
		{"1.0.0", "1.0.1", false},
	}
	for _, c := range cases {
		if got := RangeSatisfied(c.rng, c.version); got != c.want {
			t.Errorf("RangeSatisfied(%q, %q) = %v, want %v", c.rng, c.version, got, c.want)
		}
	}
}
