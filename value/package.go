package value

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tangram-dev/tangram/id"
)

// Dependency is a package reference: either a relative path inside the
// importing package's tree, or a registry name with a version range.
// Exactly one of Path or Name is set.
type Dependency struct {
	Path  string
	Name  string
	Range string
}

// IsPath reports whether the dependency is a path dependency.
func (d Dependency) IsPath() bool { return d.Path != "" }

// String renders the canonical dependency key used in lockfiles and in
// serialization: the path itself, or "name@range".
func (d Dependency) String() string {
	if d.IsPath() {
		return d.Path
	}
	if d.Range == "" {
		return d.Name
	}
	return d.Name + "@" + d.Range
}

// ParseDependency inverts String.
func ParseDependency(s string) (Dependency, error) {
	if s == "" {
		return Dependency{}, fmt.Errorf("empty dependency")
	}
	if strings.HasPrefix(s, ".") || strings.Contains(s, "/") {
		return Dependency{Path: s}, nil
	}
	name, rng, _ := strings.Cut(s, "@")
	return Dependency{Name: name, Range: rng}, nil
}

// Package pairs a directory artifact with its resolved dependencies.
type Package struct {
	Artifact     *Handle
	Dependencies map[Dependency]*Handle
}

func (*Package) Kind() id.Kind { return id.Package }

// NewPackage creates a package value.
func NewPackage(artifact *Handle, dependencies map[Dependency]*Handle) *Package {
	if dependencies == nil {
		dependencies = map[Dependency]*Handle{}
	}
	return &Package{Artifact: artifact, Dependencies: dependencies}
}

func (p *Package) sortedDependencies() []Dependency {
	deps := make([]Dependency, 0, len(p.Dependencies))
	for d := range p.Dependencies {
		deps = append(deps, d)
	}
	sort.Slice(deps, func(i, j int) bool {
		return deps[i].String() < deps[j].String()
	})
	return deps
}

// SortedDependencies returns the dependency keys in canonical order.
func (p *Package) SortedDependencies() []Dependency {
	return p.sortedDependencies()
}
