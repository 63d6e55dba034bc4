package value

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/tangram-dev/tangram/id"
)

// Leaf is a chunk of raw blob bytes.
type Leaf struct {
	Bytes []byte
}

func (*Leaf) Kind() id.Kind { return id.Leaf }

// BranchChild pairs a child blob with its size, so branch sizes sum
// without loading leaves.
type BranchChild struct {
	Blob *Handle
	Size uint64
}

// Branch groups child blobs into a tree.
type Branch struct {
	Children []BranchChild
}

func (*Branch) Kind() id.Kind { return id.Branch }

const (
	// blobLeafSize is the fixed chunk size for leaves.
	blobLeafSize = 2 * 1024 * 1024
	// blobBranchWidth is the maximum number of children per branch.
	blobBranchWidth = 1024
)

// NewBlob streams bytes from r into leaf chunks, groups them into
// branches until one root remains, and returns a handle to the root.
// Equal byte sequences produce equal blob IDs.
func NewBlob(ctx context.Context, s Store, r io.Reader) (*Handle, error) {
	var level []BranchChild
	buf := make([]byte, blobLeafSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			leaf := &Leaf{Bytes: bytes.Clone(buf[:n])}
			h := NewHandle(leaf)
			if _, err := h.ID(ctx, s); err != nil {
				return nil, err
			}
			level = append(level, BranchChild{Blob: h, Size: uint64(n)})
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if len(level) == 0 {
		h := NewHandle(&Leaf{})
		if _, err := h.ID(ctx, s); err != nil {
			return nil, err
		}
		return h, nil
	}
	for len(level) > 1 {
		var next []BranchChild
		for i := 0; i < len(level); i += blobBranchWidth {
			end := min(i+blobBranchWidth, len(level))
			branch := &Branch{Children: level[i:end]}
			var size uint64
			for _, c := range branch.Children {
				size += c.Size
			}
			h := NewHandle(branch)
			if _, err := h.ID(ctx, s); err != nil {
				return nil, err
			}
			next = append(next, BranchChild{Blob: h, Size: size})
		}
		level = next
	}
	return level[0].Blob, nil
}

// BlobSize returns the total byte length of a blob.
func BlobSize(ctx context.Context, s Store, blob *Handle) (uint64, error) {
	v, err := blob.Load(ctx, s)
	if err != nil {
		return 0, err
	}
	switch v := v.(type) {
	case *Leaf:
		return uint64(len(v.Bytes)), nil
	case *Branch:
		var size uint64
		for _, c := range v.Children {
			size += c.Size
		}
		return size, nil
	default:
		return 0, fmt.Errorf("expected a blob, got %s", v.Kind())
	}
}

// BlobReader reads a blob's bytes by concatenating its leaves in order.
type BlobReader struct {
	ctx   context.Context
	store Store
	// stack of pending handles, top last
	stack []*Handle
	cur   []byte
}

// NewBlobReader returns a reader over the blob's contents.
func NewBlobReader(ctx context.Context, s Store, blob *Handle) *BlobReader {
	return &BlobReader{ctx: ctx, store: s, stack: []*Handle{blob}}
}

func (r *BlobReader) Read(p []byte) (int, error) {
	for len(r.cur) == 0 {
		if len(r.stack) == 0 {
			return 0, io.EOF
		}
		h := r.stack[len(r.stack)-1]
		r.stack = r.stack[:len(r.stack)-1]
		v, err := h.Load(r.ctx, r.store)
		if err != nil {
			return 0, err
		}
		switch v := v.(type) {
		case *Leaf:
			r.cur = v.Bytes
		case *Branch:
			for i := len(v.Children) - 1; i >= 0; i-- {
				r.stack = append(r.stack, v.Children[i].Blob)
			}
		default:
			return 0, fmt.Errorf("expected a blob, got %s", v.Kind())
		}
	}
	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}

// ReadBlob reads an entire blob into memory.
func ReadBlob(ctx context.Context, s Store, blob *Handle) ([]byte, error) {
	return io.ReadAll(NewBlobReader(ctx, s, blob))
}

// IsBlob reports whether a kind is one of the blob kinds.
func IsBlob(k id.Kind) bool {
	return k == id.Leaf || k == id.Branch
}
