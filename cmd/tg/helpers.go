package main

import (
	"context"
	"fmt"

	"github.com/tangram-dev/tangram/packages"
	"github.com/tangram-dev/tangram/server"
	"github.com/tangram-dev/tangram/value"
)

// packageMetadata scans a package's root module for its exported
// metadata literal.
func packageMetadata(ctx context.Context, s *server.Server, pkg *value.Handle) (packages.Metadata, error) {
	var meta packages.Metadata
	v, err := pkg.Load(ctx, s.Store())
	if err != nil {
		return meta, err
	}
	p, ok := v.(*value.Package)
	if !ok {
		return meta, fmt.Errorf("not a package")
	}
	av, err := p.Artifact.Load(ctx, s.Store())
	if err != nil {
		return meta, err
	}
	d, ok := av.(*value.Directory)
	if !ok {
		return meta, fmt.Errorf("package artifact is not a directory")
	}
	for _, name := range packages.RootModuleNames {
		entry, ok := d.Entries[name]
		if !ok {
			continue
		}
		fv, err := entry.Load(ctx, s.Store())
		if err != nil {
			return meta, err
		}
		file, ok := fv.(*value.File)
		if !ok {
			continue
		}
		source, err := value.ReadBlob(ctx, s.Store(), file.Contents)
		if err != nil {
			return meta, err
		}
		scan, err := packages.Scan(name, string(source))
		if err != nil {
			return meta, err
		}
		if scan.Metadata != nil {
			return *scan.Metadata, nil
		}
		return meta, nil
	}
	return meta, fmt.Errorf("package has no root module")
}
