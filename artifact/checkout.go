package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/tangram-dev/tangram/value"
)

// Checkout materializes an artifact at <artifacts_root>/<hex-id> and
// returns that path. It is idempotent: a completed checkout never redoes
// work, and concurrent checkouts of the same artifact coordinate through
// the final rename, which is the commit point.
func (e *Engine) Checkout(ctx context.Context, h *value.Handle) (string, error) {
	i, err := h.ID(ctx, e.store)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(e.artifactsPath, i.String())
	if _, err := os.Lstat(dest); err == nil {
		return dest, nil
	}
	tmp, err := os.MkdirTemp(e.artifactsPath, "checkout-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmp)
	staged := filepath.Join(tmp, "artifact")
	if err := e.checkoutInner(ctx, h, staged); err != nil {
		return "", err
	}
	if err := os.Rename(staged, dest); err != nil {
		// A concurrent checkout won the rename.
		if _, statErr := os.Lstat(dest); statErr == nil {
			return dest, nil
		}
		return "", err
	}
	return dest, nil
}

// CheckoutPath materializes an artifact at an arbitrary path outside the
// artifacts root. Referenced artifacts still land in the artifacts root
// so symlink targets resolve.
func (e *Engine) CheckoutPath(ctx context.Context, h *value.Handle, path string) error {
	if _, err := os.Lstat(path); err == nil {
		return fmt.Errorf("checkout: %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return e.checkoutInner(ctx, h, path)
}

func (e *Engine) checkoutInner(ctx context.Context, h *value.Handle, path string) error {
	v, err := h.Load(ctx, e.store)
	if err != nil {
		return err
	}
	switch v := v.(type) {
	case *value.Directory:
		return e.checkoutDirectory(ctx, v, path)
	case *value.File:
		return e.checkoutFile(ctx, v, path)
	case *value.Symlink:
		return e.checkoutSymlink(ctx, v, path)
	default:
		return fmt.Errorf("checkout: %s is not an artifact", v.Kind())
	}
}

func (e *Engine) checkoutDirectory(ctx context.Context, d *value.Directory, path string) error {
	if err := os.Mkdir(path, 0o755); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for name, entry := range d.Entries {
		g.Go(func() error {
			return e.checkoutInner(gctx, entry, filepath.Join(path, name))
		})
	}
	return g.Wait()
}

func (e *Engine) checkoutFile(ctx context.Context, f *value.File, path string) error {
	// The engine guarantees a file's references are materialized
	// transitively whenever the file is.
	for _, ref := range f.References {
		if _, err := e.Checkout(ctx, ref); err != nil {
			return err
		}
	}
	if err := e.fds.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.fds.Release(1)
	mode := os.FileMode(0o644)
	if f.Executable {
		mode = 0o755
	}
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, value.NewBlobReader(ctx, e.store, f.Contents)); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	writeReferences(path, f.References)
	return nil
}

func (e *Engine) checkoutSymlink(ctx context.Context, s *value.Symlink, path string) error {
	target, err := s.Target.Render(func(c value.Component) (string, error) {
		switch c := c.(type) {
		case value.StringComponent:
			return string(c), nil
		case value.ArtifactComponent:
			return e.Checkout(ctx, c.Artifact)
		case value.PlaceholderComponent:
			return "", fmt.Errorf("checkout: symlink target contains placeholder %q", c.Name)
		}
		return "", fmt.Errorf("checkout: unknown component")
	})
	if err != nil {
		return err
	}
	return os.Symlink(target, path)
}
