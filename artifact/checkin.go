package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/tangram-dev/tangram/id"
	"github.com/tangram-dev/tangram/value"
)

// xattrName is the extended attribute carrying a file's artifact
// references across checkouts and checkins.
const xattrName = "user.tangram"

type xattrData struct {
	References []string `json:"references"`
}

// Checkin converts the filesystem tree at path into an artifact, storing
// every object it creates. Directory entries check in concurrently.
func (e *Engine) Checkin(ctx context.Context, path string) (*value.Handle, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, fmt.Errorf("checkin %s: %w", path, err)
	}
	switch {
	case info.IsDir():
		return e.checkinDirectory(ctx, path)
	case info.Mode()&os.ModeSymlink != 0:
		return e.checkinSymlink(ctx, path)
	case info.Mode().IsRegular():
		return e.checkinFile(ctx, path, info)
	default:
		return nil, fmt.Errorf("checkin %s: unsupported file type %s", path, info.Mode())
	}
}

func (e *Engine) checkinDirectory(ctx context.Context, path string) (*value.Handle, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, entry := range entries {
		names[i] = entry.Name()
	}
	sort.Strings(names)
	handles := make([]*value.Handle, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			h, err := e.Checkin(gctx, filepath.Join(path, name))
			if err != nil {
				return err
			}
			handles[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	dirEntries := make(map[string]*value.Handle, len(names))
	for i, name := range names {
		dirEntries[name] = handles[i]
	}
	h := value.NewHandle(value.NewDirectory(dirEntries))
	if _, err := h.ID(ctx, e.store); err != nil {
		return nil, err
	}
	return h, nil
}

func (e *Engine) checkinFile(ctx context.Context, path string, info os.FileInfo) (*value.Handle, error) {
	if err := e.fds.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.fds.Release(1)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	blob, err := value.NewBlob(ctx, e.store, f)
	if err != nil {
		return nil, fmt.Errorf("checkin %s: %w", path, err)
	}
	references, err := readReferences(path)
	if err != nil {
		return nil, err
	}
	executable := info.Mode()&0o111 != 0
	h := value.NewHandle(value.NewFile(blob, executable, references))
	if _, err := h.ID(ctx, e.store); err != nil {
		return nil, err
	}
	return h, nil
}

func (e *Engine) checkinSymlink(ctx context.Context, path string) (*value.Handle, error) {
	target, err := os.Readlink(path)
	if err != nil {
		return nil, err
	}
	tmpl, err := value.Unrender([]string{e.artifactsPath}, target)
	if err != nil {
		return nil, fmt.Errorf("checkin %s: %w", path, err)
	}
	h := value.NewHandle(value.NewSymlink(tmpl))
	if _, err := h.ID(ctx, e.store); err != nil {
		return nil, err
	}
	return h, nil
}

// readReferences decodes the user.tangram extended attribute, which
// restores cross-artifact references invisible in plain file data.
func readReferences(path string) ([]*value.Handle, error) {
	size, err := unix.Lgetxattr(path, xattrName, nil)
	if err != nil || size <= 0 {
		// Absent attribute (or an unsupported filesystem) means no
		// references.
		return nil, nil
	}
	buf := make([]byte, size)
	n, err := unix.Lgetxattr(path, xattrName, buf)
	if err != nil {
		return nil, nil
	}
	var data xattrData
	if err := json.Unmarshal(buf[:n], &data); err != nil {
		return nil, fmt.Errorf("invalid %s attribute on %s: %w", xattrName, path, err)
	}
	references := make([]*value.Handle, 0, len(data.References))
	for _, s := range data.References {
		i, err := id.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid reference in %s attribute on %s: %w", xattrName, path, err)
		}
		references = append(references, value.HandleWithID(i))
	}
	return references, nil
}

// writeReferences records a file's references in the extended attribute.
// Failure is ignored: not every filesystem supports user xattrs.
func writeReferences(path string, references []*value.Handle) {
	if len(references) == 0 {
		return
	}
	var data xattrData
	for _, r := range references {
		if i, ok := r.CachedID(); ok {
			data.References = append(data.References, i.String())
		}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return
	}
	_ = unix.Lsetxattr(path, xattrName, b, 0)
}
