package value

import (
	"fmt"
	"sort"

	"github.com/tangram-dev/tangram/id"
)

// Directory is an ordered mapping of unique UTF-8 names to artifacts.
type Directory struct {
	Entries map[string]*Handle
}

func (*Directory) Kind() id.Kind { return id.Directory }
func (*Directory) artifact()     {}

// NewDirectory creates a directory from its entries.
func NewDirectory(entries map[string]*Handle) *Directory {
	if entries == nil {
		entries = map[string]*Handle{}
	}
	return &Directory{Entries: entries}
}

func (d *Directory) names() []string {
	names := make([]string, 0, len(d.Entries))
	for name := range d.Entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DirectoryBuilder assembles a directory tree from slash-separated paths.
type DirectoryBuilder struct {
	entries map[string]any // *Handle or *DirectoryBuilder
}

func NewDirectoryBuilder() *DirectoryBuilder {
	return &DirectoryBuilder{entries: map[string]any{}}
}

// Add places an artifact handle at path, creating intermediate
// directories. Adding over an existing subtree replaces it.
func (b *DirectoryBuilder) Add(path string, artifact *Handle) error {
	name, rest, nested := cutPath(path)
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("invalid entry name %q", name)
	}
	if !nested {
		b.entries[name] = artifact
		return nil
	}
	child, ok := b.entries[name].(*DirectoryBuilder)
	if !ok {
		child = NewDirectoryBuilder()
		b.entries[name] = child
	}
	return child.Add(rest, artifact)
}

// Build constructs the directory value.
func (b *DirectoryBuilder) Build() *Directory {
	entries := make(map[string]*Handle, len(b.entries))
	for name, e := range b.entries {
		switch e := e.(type) {
		case *Handle:
			entries[name] = e
		case *DirectoryBuilder:
			entries[name] = NewHandle(e.Build())
		}
	}
	return NewDirectory(entries)
}

func cutPath(path string) (first, rest string, nested bool) {
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i], path[i+1:], true
		}
	}
	return path, "", false
}

// File owns a blob, an executable flag, and the artifacts the file's
// contents reference. Referenced artifacts are materialized transitively
// whenever the file is checked out.
type File struct {
	Contents   *Handle
	Executable bool
	References []*Handle
}

func (*File) Kind() id.Kind { return id.File }
func (*File) artifact()     {}

// NewFile creates a file value over a blob handle.
func NewFile(contents *Handle, executable bool, references []*Handle) *File {
	return &File{Contents: contents, Executable: executable, References: references}
}

// Symlink holds a target template, usually one string component or an
// artifact plus a string.
type Symlink struct {
	Target *Template
}

func (*Symlink) Kind() id.Kind { return id.Symlink }
func (*Symlink) artifact()     {}

// NewSymlink creates a symlink value.
func NewSymlink(target *Template) *Symlink {
	return &Symlink{Target: target}
}

// IsArtifact reports whether a kind is one of the artifact kinds.
func IsArtifact(k id.Kind) bool {
	return k == id.Directory || k == id.File || k == id.Symlink
}
