// Package runtime hosts the JS side of the engine: a goja isolate per
// build, a module loader that resolves tangram and relative specifiers
// against a package's dependency graph, and the syscall bridge back into
// the object store and build scheduler.
package runtime

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/tangram-dev/tangram/id"
)

// ModuleKind distinguishes how a module's source is located.
type ModuleKind string

const (
	// ModulePackageID addresses a module inside a stored package.
	ModulePackageID ModuleKind = "package"
	// ModulePackagePath addresses a module inside an unlocked package on
	// the filesystem, for development.
	ModulePackagePath ModuleKind = "path"
	// ModuleLib addresses an ambient library module.
	ModuleLib ModuleKind = "lib"
)

// Module identifies one module. Its URL form appears to the isolate as
// the script resource name, and the error mapper parses it back.
type Module struct {
	Kind ModuleKind
	// PackageID is set for ModulePackageID.
	PackageID id.ID
	// PackagePath is set for ModulePackagePath.
	PackagePath string
	// Subpath is the slash-separated module path inside the package, or
	// the lib module name for ModuleLib.
	Subpath string
}

// URL renders the module identifier:
// tangram://package/<hex>?<subpath>, tangram://path/<path>?<subpath>,
// or tangram://lib/<name>.
func (m Module) URL() string {
	switch m.Kind {
	case ModulePackageID:
		return fmt.Sprintf("tangram://package/%s?%s", m.PackageID, url.QueryEscape(m.Subpath))
	case ModulePackagePath:
		return fmt.Sprintf("tangram://path/%s?%s", url.PathEscape(m.PackagePath), url.QueryEscape(m.Subpath))
	case ModuleLib:
		return fmt.Sprintf("tangram://lib/%s", url.PathEscape(m.Subpath))
	}
	return "tangram://invalid"
}

// ParseModuleURL inverts URL.
func ParseModuleURL(s string) (Module, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Module{}, fmt.Errorf("invalid module url %q: %w", s, err)
	}
	if u.Scheme != "tangram" {
		return Module{}, fmt.Errorf("invalid module url %q", s)
	}
	rest := strings.TrimPrefix(u.Path, "/")
	subpath, err := url.QueryUnescape(u.RawQuery)
	if err != nil {
		return Module{}, fmt.Errorf("invalid module url %q: %w", s, err)
	}
	switch ModuleKind(u.Host) {
	case ModulePackageID:
		packageID, err := id.Parse(rest)
		if err != nil {
			return Module{}, fmt.Errorf("invalid module url %q: %w", s, err)
		}
		return Module{Kind: ModulePackageID, PackageID: packageID, Subpath: subpath}, nil
	case ModulePackagePath:
		path, err := url.PathUnescape(rest)
		if err != nil {
			return Module{}, err
		}
		return Module{Kind: ModulePackagePath, PackagePath: "/" + strings.TrimPrefix(path, "/"), Subpath: subpath}, nil
	case ModuleLib:
		name, err := url.PathUnescape(rest)
		if err != nil {
			return Module{}, err
		}
		return Module{Kind: ModuleLib, Subpath: name}, nil
	}
	return Module{}, fmt.Errorf("invalid module url %q", s)
}
