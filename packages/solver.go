package packages

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/mod/semver"
)

// Constraint asks for one package at a version satisfying a range.
type Constraint struct {
	Name  string
	Range string
}

// Solve finds an assignment of one version per package satisfying every
// constraint, given the candidate versions of each package. The search is
// depth-first, highest version first, backtracking on conflict. On
// failure the error reports the conflicting constraint chain.
func Solve(constraints []Constraint, candidates map[string][]string) (map[string]string, error) {
	byName := map[string][]Constraint{}
	var names []string
	for _, c := range constraints {
		if _, seen := byName[c.Name]; !seen {
			names = append(names, c.Name)
		}
		byName[c.Name] = append(byName[c.Name], c)
	}
	sort.Strings(names)

	assignment := map[string]string{}
	var conflicts []string
	var solve func(i int) bool
	solve = func(i int) bool {
		if i == len(names) {
			return true
		}
		name := names[i]
		versions := sortedVersionsDescending(candidates[name])
		for _, version := range versions {
			ok := true
			for _, c := range byName[name] {
				if !RangeSatisfied(c.Range, version) {
					ok = false
					break
				}
			}
			if !ok {
				continue
			}
			assignment[name] = version
			if solve(i + 1) {
				return true
			}
			delete(assignment, name)
		}
		ranges := make([]string, len(byName[name]))
		for j, c := range byName[name] {
			ranges[j] = c.Range
		}
		conflicts = append(conflicts, fmt.Sprintf("%s requires %s of %v", name, strings.Join(ranges, " and "), versions))
		return false
	}
	if !solve(0) {
		return nil, fmt.Errorf("no version assignment satisfies the constraints: %s", strings.Join(conflicts, "; "))
	}
	return assignment, nil
}

func sortedVersionsDescending(versions []string) []string {
	out := make([]string, 0, len(versions))
	for _, v := range versions {
		if semver.IsValid(canonicalVersion(v)) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return semver.Compare(canonicalVersion(out[i]), canonicalVersion(out[j])) > 0
	})
	return out
}

func canonicalVersion(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// RangeSatisfied reports whether version satisfies a range expression.
// Supported forms: exact versions, "^x.y.z", "~x.y.z", comparator lists
// like ">=1.2 <2", "*", and the empty range (anything).
func RangeSatisfied(rangeExpr, version string) bool {
	rangeExpr = strings.TrimSpace(rangeExpr)
	v := canonicalVersion(version)
	if !semver.IsValid(v) {
		return false
	}
	if rangeExpr == "" || rangeExpr == "*" {
		return true
	}
	for _, clause := range strings.Fields(rangeExpr) {
		if !clauseSatisfied(clause, v) {
			return false
		}
	}
	return true
}

func clauseSatisfied(clause, v string) bool {
	switch {
	case strings.HasPrefix(clause, "^"):
		base := canonicalVersion(clause[1:])
		if !semver.IsValid(base) {
			return false
		}
		if semver.Compare(v, base) < 0 {
			return false
		}
		return semver.Major(v) == semver.Major(base)
	case strings.HasPrefix(clause, "~"):
		base := canonicalVersion(clause[1:])
		if !semver.IsValid(base) {
			return false
		}
		if semver.Compare(v, base) < 0 {
			return false
		}
		return semver.MajorMinor(v) == semver.MajorMinor(base)
	case strings.HasPrefix(clause, ">="):
		return semver.Compare(v, canonicalVersion(clause[2:])) >= 0
	case strings.HasPrefix(clause, "<="):
		return semver.Compare(v, canonicalVersion(clause[2:])) <= 0
	case strings.HasPrefix(clause, ">"):
		return semver.Compare(v, canonicalVersion(clause[1:])) > 0
	case strings.HasPrefix(clause, "<"):
		return semver.Compare(v, canonicalVersion(clause[1:])) < 0
	case strings.HasPrefix(clause, "="):
		return semver.Compare(v, canonicalVersion(clause[1:])) == 0
	default:
		return semver.Compare(v, canonicalVersion(clause)) == 0
	}
}
