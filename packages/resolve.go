package packages

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tangram-dev/tangram/artifact"
	"github.com/tangram-dev/tangram/value"
)

// RootModuleNames are the accepted root module file names, in preference
// order.
var RootModuleNames = []string{"tangram.ts", "package.tg"}

// LockfileName is the manifest written into every checked-in package.
const LockfileName = "tangram.lock"

// Registry resolves registry dependencies. The daemon serves these from
// its local registry table, delegating to its parent when configured.
type Registry interface {
	GetPackageVersions(ctx context.Context, name string) ([]string, error)
	GetPackage(ctx context.Context, name, version string) (*value.Handle, error)
}

// Resolver checks in package trees.
type Resolver struct {
	engine   *artifact.Engine
	store    value.Store
	registry Registry
	// inFlight detects cycles among path dependencies.
	inFlight map[string]bool
}

// NewResolver creates a resolver. registry may be nil, in which case
// registry dependencies fail to resolve.
func NewResolver(engine *artifact.Engine, store value.Store, registry Registry) *Resolver {
	return &Resolver{
		engine:   engine,
		store:    store,
		registry: registry,
		inFlight: map[string]bool{},
	}
}

// Checkin transforms the package at dir into a package object: it walks
// the module graph breadth-first from the root module, checks in every
// module and include, resolves dependencies, writes the lockfile, and
// returns a handle to the package.
func (r *Resolver) Checkin(ctx context.Context, dir string) (*value.Handle, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	root, err = filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("package %s: %w", dir, err)
	}
	if r.inFlight[root] {
		return nil, fmt.Errorf("cycle among path dependencies at %s", root)
	}
	r.inFlight[root] = true
	defer delete(r.inFlight, root)

	rootModule, err := findRootModule(root)
	if err != nil {
		return nil, err
	}

	builder := value.NewDirectoryBuilder()
	dependencies := map[value.Dependency]*value.Handle{}
	var registryImports []Import
	queue := []string{rootModule}
	visited := map[string]bool{rootModule: true}

	for len(queue) > 0 {
		subpath := queue[0]
		queue = queue[1:]
		modulePath := filepath.Join(root, filepath.FromSlash(subpath))
		moduleArtifact, err := r.engine.Checkin(ctx, modulePath)
		if err != nil {
			return nil, err
		}
		if err := builder.Add(subpath, moduleArtifact); err != nil {
			return nil, err
		}
		source, err := os.ReadFile(modulePath)
		if err != nil {
			return nil, err
		}
		scan, err := Scan(subpath, string(source))
		if err != nil {
			return nil, err
		}

		for _, include := range scan.Includes {
			includeSubpath, err := resolveWithin(subpath, include.Specifier)
			if err != nil {
				return nil, fmt.Errorf("%s:%d:%d: %w", subpath, include.Line, include.Column, err)
			}
			h, err := r.engine.Checkin(ctx, filepath.Join(root, filepath.FromSlash(includeSubpath)))
			if err != nil {
				return nil, err
			}
			if err := builder.Add(includeSubpath, h); err != nil {
				return nil, err
			}
		}

		for _, imp := range scan.Imports {
			switch {
			case strings.HasPrefix(imp.Specifier, "tangram:"):
				registryImports = append(registryImports, imp)
			case strings.HasPrefix(imp.Specifier, "./") || strings.HasPrefix(imp.Specifier, "../") || strings.HasPrefix(imp.Specifier, "/"):
				resolved := path.Join(path.Dir(subpath), imp.Specifier)
				if strings.HasPrefix(resolved, "../") || resolved == ".." {
					// A path dependency: another package outside this
					// tree, keyed by its path relative to the package
					// root.
					dep := value.Dependency{Path: resolved}
					if _, done := dependencies[dep]; done {
						continue
					}
					depDir := filepath.Join(root, filepath.FromSlash(resolved))
					// An import of the dependency's root module names the
					// package by its directory.
					for _, name := range RootModuleNames {
						if filepath.Base(depDir) == name {
							depDir = filepath.Dir(depDir)
							break
						}
					}
					pkg, err := r.Checkin(ctx, depDir)
					if err != nil {
						return nil, fmt.Errorf("%s:%d:%d: %w", subpath, imp.Line, imp.Column, err)
					}
					dependencies[dep] = pkg
					continue
				}
				moduleSubpath, err := localModuleSubpath(root, resolved)
				if err != nil {
					return nil, fmt.Errorf("%s:%d:%d: %w", subpath, imp.Line, imp.Column, err)
				}
				if !visited[moduleSubpath] {
					visited[moduleSubpath] = true
					queue = append(queue, moduleSubpath)
				}
			default:
				return nil, fmt.Errorf("%s:%d:%d: unresolved import %q", subpath, imp.Line, imp.Column, imp.Specifier)
			}
		}
	}

	if err := r.resolveRegistryImports(ctx, registryImports, dependencies); err != nil {
		return nil, err
	}

	lockfile, err := r.buildLockfile(ctx, dependencies)
	if err != nil {
		return nil, err
	}
	if err := builder.Add(LockfileName, lockfile); err != nil {
		return nil, err
	}

	dirHandle := value.NewHandle(builder.Build())
	if _, err := dirHandle.ID(ctx, r.store); err != nil {
		return nil, err
	}
	pkg := value.NewHandle(value.NewPackage(dirHandle, dependencies))
	if _, err := pkg.ID(ctx, r.store); err != nil {
		return nil, err
	}
	return pkg, nil
}

func (r *Resolver) resolveRegistryImports(ctx context.Context, imports []Import, dependencies map[value.Dependency]*value.Handle) error {
	var constraints []Constraint
	deps := map[Constraint]value.Dependency{}
	for _, imp := range imports {
		dep, err := parseRegistrySpecifier(imp.Specifier)
		if err != nil {
			return err
		}
		if _, done := dependencies[dep]; done {
			continue
		}
		c := Constraint{Name: dep.Name, Range: dep.Range}
		constraints = append(constraints, c)
		deps[c] = dep
	}
	if len(constraints) == 0 {
		return nil
	}
	if r.registry == nil {
		return fmt.Errorf("registry dependencies require a registry")
	}
	candidates := map[string][]string{}
	for _, c := range constraints {
		if _, done := candidates[c.Name]; done {
			continue
		}
		versions, err := r.registry.GetPackageVersions(ctx, c.Name)
		if err != nil {
			return fmt.Errorf("list versions of %s: %w", c.Name, err)
		}
		candidates[c.Name] = versions
	}
	assignment, err := Solve(constraints, candidates)
	if err != nil {
		return err
	}
	for c, dep := range deps {
		pkg, err := r.registry.GetPackage(ctx, c.Name, assignment[c.Name])
		if err != nil {
			return fmt.Errorf("get package %s@%s: %w", c.Name, assignment[c.Name], err)
		}
		dependencies[dep] = pkg
	}
	return nil
}

// Lockfile is the JSON manifest pinning each dependency to a package ID.
type Lockfile struct {
	Dependencies map[string]string `json:"dependencies"`
}

func (r *Resolver) buildLockfile(ctx context.Context, dependencies map[value.Dependency]*value.Handle) (*value.Handle, error) {
	lock := Lockfile{Dependencies: map[string]string{}}
	for dep, pkg := range dependencies {
		i, err := pkg.ID(ctx, r.store)
		if err != nil {
			return nil, err
		}
		lock.Dependencies[dep.String()] = i.String()
	}
	contents, err := json.MarshalIndent(orderedLockfile(lock), "", "  ")
	if err != nil {
		return nil, err
	}
	blob, err := value.NewBlob(ctx, r.store, strings.NewReader(string(contents)+"\n"))
	if err != nil {
		return nil, err
	}
	h := value.NewHandle(value.NewFile(blob, false, nil))
	if _, err := h.ID(ctx, r.store); err != nil {
		return nil, err
	}
	return h, nil
}

// orderedLockfile renders with sorted keys so lockfile bytes are stable.
func orderedLockfile(lock Lockfile) map[string]any {
	keys := make([]string, 0, len(lock.Dependencies))
	for k := range lock.Dependencies {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]string, len(keys))
	for _, k := range keys {
		ordered[k] = lock.Dependencies[k]
	}
	return map[string]any{"dependencies": ordered}
}

// ParseLockfile reads a lockfile's contents.
func ParseLockfile(data []byte) (*Lockfile, error) {
	var lock Lockfile
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("invalid lockfile: %w", err)
	}
	return &lock, nil
}

func parseRegistrySpecifier(specifier string) (value.Dependency, error) {
	rest := strings.TrimPrefix(specifier, "tangram:")
	// Strip a module subpath; the dependency is the package itself.
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return value.Dependency{}, fmt.Errorf("invalid specifier %q", specifier)
	}
	name, rng, _ := strings.Cut(rest, "@")
	return value.Dependency{Name: name, Range: rng}, nil
}

func findRootModule(root string) (string, error) {
	for _, name := range RootModuleNames {
		if _, err := os.Stat(filepath.Join(root, name)); err == nil {
			return name, nil
		}
	}
	return "", fmt.Errorf("no root module (%s) in %s", strings.Join(RootModuleNames, " or "), root)
}

// resolveWithin resolves a relative specifier against the referrer
// module's parent, refusing escapes above the package root.
func resolveWithin(referrerSubpath, specifier string) (string, error) {
	resolved := path.Join(path.Dir(referrerSubpath), specifier)
	if resolved == ".." || strings.HasPrefix(resolved, "../") {
		return "", fmt.Errorf("path %q escapes the package", specifier)
	}
	return resolved, nil
}

// localModuleSubpath normalizes a local import to a module subpath,
// appending the .ts extension when the specifier omits it.
func localModuleSubpath(root, resolved string) (string, error) {
	full := filepath.Join(root, filepath.FromSlash(resolved))
	if info, err := os.Stat(full); err == nil {
		if !info.IsDir() {
			return resolved, nil
		}
		for _, name := range RootModuleNames {
			if _, err := os.Stat(filepath.Join(full, name)); err == nil {
				return path.Join(resolved, name), nil
			}
		}
		return "", fmt.Errorf("directory import %q has no root module", resolved)
	}
	withExt := resolved + ".ts"
	if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(withExt))); err == nil {
		return withExt, nil
	}
	return "", fmt.Errorf("unresolved import %q", resolved)
}
