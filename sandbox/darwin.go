//go:build darwin

package sandbox

import (
	"context"
	"os/exec"
)

// Command prepares the sandboxed child under a generated Seatbelt
// profile. sandbox-exec applies the profile before exec'ing the target.
func Command(ctx context.Context, spec *Spec) (*exec.Cmd, error) {
	profile := SeatbeltProfile(spec)
	args := append([]string{"-p", profile, spec.Executable}, spec.Args...)
	cmd := exec.CommandContext(ctx, "/usr/bin/sandbox-exec", args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = spec.Env
	return cmd, nil
}
