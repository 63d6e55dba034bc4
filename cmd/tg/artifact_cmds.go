package main

import (
	"context"
	"fmt"

	"github.com/tangram-dev/tangram/id"
	"github.com/tangram-dev/tangram/server"
	"github.com/tangram-dev/tangram/value"
)

type CheckinCmd struct {
	Path string `arg:"" placeholder:"<path>" help:"filesystem path to check in"`
}

func (c *CheckinCmd) Run(cctx *Context) error {
	ctx := context.Background()
	s, err := server.New(ctx, cctx.Config)
	if err != nil {
		return err
	}
	defer s.Close()
	h, err := s.Engine().Checkin(ctx, c.Path)
	if err != nil {
		return err
	}
	i, err := h.ID(ctx, s.Store())
	if err != nil {
		return err
	}
	fmt.Println(i.String())
	return nil
}

type CheckoutCmd struct {
	ID   string `arg:"" placeholder:"<artifact-id>" help:"artifact to check out"`
	Path string `arg:"" optional:"" placeholder:"<path>" help:"destination path (default: the artifacts root)"`
}

func (c *CheckoutCmd) Run(cctx *Context) error {
	ctx := context.Background()
	s, err := server.New(ctx, cctx.Config)
	if err != nil {
		return err
	}
	defer s.Close()
	i, err := id.Parse(c.ID)
	if err != nil {
		return err
	}
	h := value.HandleWithID(i)
	if c.Path == "" {
		path, err := s.Engine().Checkout(ctx, h)
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	}
	return s.Engine().CheckoutPath(ctx, h, c.Path)
}

type GcCmd struct{}

func (c *GcCmd) Run(cctx *Context) error {
	ctx := context.Background()
	s, err := server.New(ctx, cctx.Config)
	if err != nil {
		return err
	}
	defer s.Close()
	result, err := s.GC(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("marked %d, swept %d objects, swept %d blob files\n",
		result.Marked, result.SweptObjects, result.SweptBlobs)
	return nil
}

type PublishCmd struct {
	Package string `arg:"" default:"." placeholder:"<package-path>" help:"path to the package to publish"`
}

func (c *PublishCmd) Run(cctx *Context) error {
	ctx := context.Background()
	s, err := server.New(ctx, cctx.Config)
	if err != nil {
		return err
	}
	defer s.Close()
	pkg, err := s.Resolver().Checkin(ctx, c.Package)
	if err != nil {
		return err
	}
	pkgID, err := pkg.ID(ctx, s.Store())
	if err != nil {
		return err
	}
	meta, err := packageMetadata(ctx, s, pkg)
	if err != nil {
		return err
	}
	if meta.Name == "" || meta.Version == "" {
		return fmt.Errorf("the package metadata must declare a name and version")
	}
	if err := s.PublishPackage(ctx, meta.Name, meta.Version, pkgID); err != nil {
		return err
	}
	fmt.Printf("published %s@%s (%s)\n", meta.Name, meta.Version, pkgID)
	return nil
}
