package runtime

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dop251/goja"
	esbuild "github.com/evanw/esbuild/pkg/api"
	"github.com/go-sourcemap/sourcemap"

	"github.com/tangram-dev/tangram/id"
	"github.com/tangram-dev/tangram/packages"
	"github.com/tangram-dev/tangram/value"
)

// moduleWrapperPrefix wraps transpiled module code as a CommonJS-style
// factory. It stays on one line so transpiled line N is goja line N+1.
const moduleWrapperPrefix = "(function(exports, require, module, tg) {\n"
const moduleWrapperSuffix = "\n})"

// wrapperLineOffset is subtracted from goja line numbers before source
// map lookup.
const wrapperLineOffset = 1

// cachedModule is one loaded module: its identity, source text,
// transpiled text, source map, and compiled program.
type cachedModule struct {
	module     Module
	text       string
	transpiled string
	sourceMap  *sourcemap.Consumer
	program    *goja.Program
}

// Loader fetches, transpiles, compiles, and caches modules, and
// resolves specifiers between them.
type Loader struct {
	store value.Store
	libs  map[string]string

	mu    sync.Mutex
	cache map[string]*cachedModule
}

// NewLoader creates a loader. libs maps ambient module names to their
// source.
func NewLoader(store value.Store, libs map[string]string) *Loader {
	return &Loader{store: store, libs: libs, cache: map[string]*cachedModule{}}
}

// Load returns the cached module, fetching, transpiling, and compiling
// on first use. Re-resolution of a cached module returns the same entry.
func (l *Loader) Load(ctx context.Context, m Module) (*cachedModule, error) {
	key := m.URL()
	l.mu.Lock()
	if cached, ok := l.cache[key]; ok {
		l.mu.Unlock()
		return cached, nil
	}
	l.mu.Unlock()

	text, err := l.fetch(ctx, m)
	if err != nil {
		return nil, err
	}
	result := esbuild.Transform(text, esbuild.TransformOptions{
		Loader:     esbuild.LoaderTS,
		Format:     esbuild.FormatCommonJS,
		Sourcemap:  esbuild.SourceMapExternal,
		Sourcefile: key,
		Target:     esbuild.ESNext,
	})
	if len(result.Errors) > 0 {
		e := result.Errors[0]
		loc := &value.Location{Source: key}
		if e.Location != nil {
			loc.Line = uint32(e.Location.Line)
			loc.Column = uint32(e.Location.Column)
		}
		return nil, &value.Error{Message: "failed to transpile the module: " + e.Text, Location: loc}
	}
	transpiled := string(result.Code)
	consumer, err := sourcemap.Parse(key, result.Map)
	if err != nil {
		return nil, fmt.Errorf("invalid source map for %s: %w", key, err)
	}
	program, err := goja.Compile(key, moduleWrapperPrefix+transpiled+moduleWrapperSuffix, true)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", key, err)
	}
	cached := &cachedModule{
		module:     m,
		text:       text,
		transpiled: transpiled,
		sourceMap:  consumer,
		program:    program,
	}
	l.mu.Lock()
	if existing, ok := l.cache[key]; ok {
		cached = existing
	} else {
		l.cache[key] = cached
	}
	l.mu.Unlock()
	return cached, nil
}

// lookup returns a cached module by URL, for the error mapper.
func (l *Loader) lookup(url string) (*cachedModule, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cached, ok := l.cache[url]
	return cached, ok
}

func (l *Loader) fetch(ctx context.Context, m Module) (string, error) {
	switch m.Kind {
	case ModuleLib:
		source, ok := l.libs[m.Subpath]
		if !ok {
			return "", fmt.Errorf("unknown lib module %q", m.Subpath)
		}
		return source, nil
	case ModulePackagePath:
		b, err := os.ReadFile(filepath.Join(m.PackagePath, filepath.FromSlash(m.Subpath)))
		if err != nil {
			return "", err
		}
		return string(b), nil
	case ModulePackageID:
		pkg, err := l.loadPackage(ctx, m.PackageID)
		if err != nil {
			return "", err
		}
		file, err := l.artifactAt(ctx, pkg.Artifact, m.Subpath)
		if err != nil {
			return "", err
		}
		f, ok := file.(*value.File)
		if !ok {
			return "", fmt.Errorf("module %s is not a file", m.URL())
		}
		b, err := value.ReadBlob(ctx, l.store, f.Contents)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return "", fmt.Errorf("invalid module %s", m.URL())
}

func (l *Loader) loadPackage(ctx context.Context, packageID id.ID) (*value.Package, error) {
	v, err := value.HandleWithID(packageID).Load(ctx, l.store)
	if err != nil {
		return nil, err
	}
	pkg, ok := v.(*value.Package)
	if !ok {
		return nil, fmt.Errorf("object %s is not a package", packageID)
	}
	return pkg, nil
}

// artifactAt descends a directory artifact along a slash-separated
// subpath.
func (l *Loader) artifactAt(ctx context.Context, h *value.Handle, subpath string) (value.Value, error) {
	v, err := h.Load(ctx, l.store)
	if err != nil {
		return nil, err
	}
	if subpath == "" {
		return v, nil
	}
	for _, segment := range strings.Split(subpath, "/") {
		d, ok := v.(*value.Directory)
		if !ok {
			return nil, fmt.Errorf("path %s does not exist in the artifact", subpath)
		}
		entry, ok := d.Entries[segment]
		if !ok {
			return nil, fmt.Errorf("path %s does not exist in the artifact", subpath)
		}
		if v, err = entry.Load(ctx, l.store); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Resolve maps a specifier against its referrer: relative specifiers
// stay inside the referrer's package; tangram: specifiers follow the
// referrer package's dependencies.
func (l *Loader) Resolve(ctx context.Context, specifier string, referrer Module) (Module, error) {
	switch {
	case strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../") || strings.HasPrefix(specifier, "/"):
		resolved := path.Join(path.Dir(referrer.Subpath), specifier)
		if resolved == ".." || strings.HasPrefix(resolved, "../") {
			return Module{}, fmt.Errorf("specifier %q escapes the package", specifier)
		}
		if !strings.HasSuffix(resolved, ".ts") && !strings.HasSuffix(resolved, ".tg") {
			resolved += ".ts"
		}
		out := referrer
		out.Subpath = resolved
		return out, nil
	case strings.HasPrefix(specifier, "tangram:"):
		return l.resolveDependency(ctx, specifier, referrer)
	}
	return Module{}, fmt.Errorf("unresolved specifier %q", specifier)
}

func (l *Loader) resolveDependency(ctx context.Context, specifier string, referrer Module) (Module, error) {
	rest := strings.TrimPrefix(specifier, "tangram:")
	name := rest
	subpath := ""
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		name, subpath = rest[:i], rest[i+1:]
	}
	switch referrer.Kind {
	case ModulePackageID:
		pkg, err := l.loadPackage(ctx, referrer.PackageID)
		if err != nil {
			return Module{}, err
		}
		dep, ok := findDependency(pkg, name)
		if !ok {
			return Module{}, fmt.Errorf("unresolved dependency %q", specifier)
		}
		depID, err := dep.ID(ctx, l.store)
		if err != nil {
			return Module{}, err
		}
		if subpath == "" {
			if subpath, err = l.rootModuleSubpath(ctx, depID); err != nil {
				return Module{}, err
			}
		}
		return Module{Kind: ModulePackageID, PackageID: depID, Subpath: subpath}, nil
	case ModulePackagePath:
		// An unlocked referrer pins registry dependencies through its
		// lockfile and follows path dependencies on the filesystem.
		lock, pathDep, err := l.pathReferrerDependency(referrer.PackagePath, name)
		if err != nil {
			return Module{}, err
		}
		if pathDep != "" {
			canonical, err := filepath.EvalSymlinks(pathDep)
			if err != nil {
				return Module{}, err
			}
			if subpath == "" {
				subpath = packages.RootModuleNames[0]
			}
			return Module{Kind: ModulePackagePath, PackagePath: canonical, Subpath: subpath}, nil
		}
		if subpath == "" {
			if subpath, err = l.rootModuleSubpath(ctx, lock); err != nil {
				return Module{}, err
			}
		}
		return Module{Kind: ModulePackageID, PackageID: lock, Subpath: subpath}, nil
	}
	return Module{}, fmt.Errorf("module %s cannot have dependencies", referrer.URL())
}

// findDependency matches a dependency by registry name, or by the last
// path segment of a path dependency.
func findDependency(pkg *value.Package, name string) (*value.Handle, bool) {
	for dep, h := range pkg.Dependencies {
		if dep.Name == name {
			return h, true
		}
		if dep.IsPath() && path.Base(strings.TrimSuffix(dep.Path, "/"+packages.RootModuleNames[0])) == name {
			return h, true
		}
	}
	return nil, false
}

// pathReferrerDependency resolves the dependency of an unlocked package:
// either a path on disk (returned second) or a locked package ID.
func (l *Loader) pathReferrerDependency(packagePath, name string) (id.ID, string, error) {
	// A sibling directory with a root module wins as a path dependency.
	candidate := filepath.Join(filepath.Dir(packagePath), name)
	for _, rootName := range packages.RootModuleNames {
		if _, err := os.Stat(filepath.Join(candidate, rootName)); err == nil {
			return id.ID{}, candidate, nil
		}
	}
	lockBytes, err := os.ReadFile(filepath.Join(packagePath, packages.LockfileName))
	if err != nil {
		return id.ID{}, "", fmt.Errorf("unresolved dependency %q: %w", name, err)
	}
	lock, err := packages.ParseLockfile(lockBytes)
	if err != nil {
		return id.ID{}, "", err
	}
	for key, hex := range lock.Dependencies {
		dep, err := value.ParseDependency(key)
		if err != nil {
			continue
		}
		if dep.Name == name {
			i, err := id.Parse(hex)
			if err != nil {
				return id.ID{}, "", err
			}
			return i, "", nil
		}
	}
	return id.ID{}, "", fmt.Errorf("unresolved dependency %q", name)
}

func (l *Loader) rootModuleSubpath(ctx context.Context, packageID id.ID) (string, error) {
	pkg, err := l.loadPackage(ctx, packageID)
	if err != nil {
		return "", err
	}
	v, err := pkg.Artifact.Load(ctx, l.store)
	if err != nil {
		return "", err
	}
	d, ok := v.(*value.Directory)
	if !ok {
		return "", fmt.Errorf("package %s artifact is not a directory", packageID)
	}
	for _, name := range packages.RootModuleNames {
		if _, ok := d.Entries[name]; ok {
			return name, nil
		}
	}
	return "", fmt.Errorf("package %s has no root module", packageID)
}
