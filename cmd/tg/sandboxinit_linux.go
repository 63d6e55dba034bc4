//go:build linux

package main

import (
	"github.com/tangram-dev/tangram/sandbox"
)

// SandboxInitCmd runs inside the freshly cloned namespaces: it builds
// the sandbox filesystem view and execs the target. Never invoked by
// users directly.
type SandboxInitCmd struct {
	Spec string `arg:"" placeholder:"<spec-file>" help:"serialized sandbox spec"`
}

func (c *SandboxInitCmd) Run(_ *Context) error {
	return sandbox.Init(c.Spec)
}
