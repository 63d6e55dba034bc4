//go:build !linux

package main

import (
	"fmt"
)

// SandboxInitCmd exists only on Linux; on macOS the sandbox is applied
// by sandbox-exec, not a re-exec helper.
type SandboxInitCmd struct {
	Spec string `arg:"" placeholder:"<spec-file>" help:"serialized sandbox spec"`
}

func (c *SandboxInitCmd) Run(_ *Context) error {
	return fmt.Errorf("sandbox-init is only used on linux")
}
