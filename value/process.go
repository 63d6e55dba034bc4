package value

import (
	"sort"

	"github.com/tangram-dev/tangram/id"
)

// Process is a concrete sandboxed subprocess invocation. Unlike a target,
// its env and args are already rendered down to templates.
type Process struct {
	Host       System
	Executable *Template
	Env        map[string]*Template
	Args       []*Template
	Checksum   *Checksum
	Unsafe     bool
	Network    bool
	// HostPaths are host filesystem paths mounted read-only into the
	// sandbox. Declaring any requires unsafe or a checksum.
	HostPaths []string
}

func (*Process) Kind() id.Kind { return id.Process }

func (p *Process) children() []*Handle {
	var hs []*Handle
	if p.Executable != nil {
		hs = append(hs, p.Executable.artifactHandles()...)
	}
	for _, k := range p.sortedEnvKeys() {
		hs = append(hs, p.Env[k].artifactHandles()...)
	}
	for _, a := range p.Args {
		hs = append(hs, a.artifactHandles()...)
	}
	return hs
}

func (p *Process) sortedEnvKeys() []string {
	keys := make([]string, 0, len(p.Env))
	for k := range p.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ProcessBuilder is a fluent builder for processes.
type ProcessBuilder struct {
	process Process
}

// NewProcess starts a builder for the given host and executable.
func NewProcess(host System, executable *Template) *ProcessBuilder {
	return &ProcessBuilder{process: Process{
		Host:       host,
		Executable: executable,
		Env:        map[string]*Template{},
	}}
}

func (b *ProcessBuilder) Env(name string, t *Template) *ProcessBuilder {
	b.process.Env[name] = t
	return b
}

func (b *ProcessBuilder) Args(args ...*Template) *ProcessBuilder {
	b.process.Args = append(b.process.Args, args...)
	return b
}

func (b *ProcessBuilder) Checksum(c Checksum) *ProcessBuilder {
	b.process.Checksum = &c
	return b
}

func (b *ProcessBuilder) Unsafe(unsafe bool) *ProcessBuilder {
	b.process.Unsafe = unsafe
	return b
}

func (b *ProcessBuilder) Network(network bool) *ProcessBuilder {
	b.process.Network = network
	return b
}

func (b *ProcessBuilder) HostPath(path string) *ProcessBuilder {
	b.process.HostPaths = append(b.process.HostPaths, path)
	return b
}

// Build returns a handle wrapping the process.
func (b *ProcessBuilder) Build() *Handle {
	p := b.process
	return NewHandle(&p)
}
