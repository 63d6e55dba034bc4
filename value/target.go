package value

import (
	"github.com/tangram-dev/tangram/id"
)

// Target describes a buildable unit: a JS function export when the host
// is "js", or a process template otherwise.
type Target struct {
	Host       System
	Executable *Template
	Package    *Handle // optional, a Package
	Name       string  // optional, the exported target name
	Env        Map
	Args       Array
	Checksum   *Checksum
	Unsafe     bool
}

func (*Target) Kind() id.Kind { return id.Target }

func (t *Target) children() []*Handle {
	var hs []*Handle
	if t.Executable != nil {
		hs = append(hs, t.Executable.artifactHandles()...)
	}
	if t.Package != nil {
		hs = append(hs, t.Package)
	}
	hs = append(hs, children(t.Env)...)
	hs = append(hs, children(t.Args)...)
	return hs
}

// TargetBuilder is a fluent builder for targets.
type TargetBuilder struct {
	target Target
}

// NewTarget starts a builder for the given host.
func NewTarget(host System) *TargetBuilder {
	return &TargetBuilder{target: Target{Host: host, Env: Map{}}}
}

func (b *TargetBuilder) Executable(t *Template) *TargetBuilder {
	b.target.Executable = t
	return b
}

func (b *TargetBuilder) Package(p *Handle) *TargetBuilder {
	b.target.Package = p
	return b
}

func (b *TargetBuilder) Name(name string) *TargetBuilder {
	b.target.Name = name
	return b
}

func (b *TargetBuilder) Env(env Map) *TargetBuilder {
	b.target.Env = env
	return b
}

func (b *TargetBuilder) Args(args Array) *TargetBuilder {
	b.target.Args = args
	return b
}

func (b *TargetBuilder) Checksum(c Checksum) *TargetBuilder {
	b.target.Checksum = &c
	return b
}

func (b *TargetBuilder) Unsafe(unsafe bool) *TargetBuilder {
	b.target.Unsafe = unsafe
	return b
}

// Build returns a handle wrapping the target.
func (b *TargetBuilder) Build() *Handle {
	t := b.target
	return NewHandle(&t)
}
