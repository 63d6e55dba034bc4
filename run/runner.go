// Package run evaluates process tasks: it renders templates against
// checked-out artifacts, assembles the sandbox mounts, spawns the
// jailed subprocess, and checks the output back in.
package run

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/goombaio/namegenerator"
	"golang.org/x/sync/semaphore"

	"github.com/tangram-dev/tangram/artifact"
	"github.com/tangram-dev/tangram/sandbox"
	"github.com/tangram-dev/tangram/value"
)

// Runner evaluates processes on the host system.
type Runner struct {
	store  value.Store
	engine *artifact.Engine
	// tempsPath holds the per-run working directories.
	tempsPath string
	// procs bounds concurrent sandboxed subprocesses to the machine's
	// parallelism.
	procs *semaphore.Weighted
	host  value.System
	names namegenerator.Generator
}

// NewRunner creates a process runner.
func NewRunner(store value.Store, engine *artifact.Engine, tempsPath string) (*Runner, error) {
	host, err := value.HostSystem()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(tempsPath, 0o755); err != nil {
		return nil, err
	}
	return &Runner{
		store:     store,
		engine:    engine,
		tempsPath: tempsPath,
		procs:     semaphore.NewWeighted(int64(runtime.NumCPU())),
		host:      host,
		names:     namegenerator.NewNameGenerator(time.Now().UnixNano()),
	}, nil
}

// SafetyError reports a process that asked for network access or host
// paths without unsafe or a checksum.
type SafetyError struct {
	Reason string
}

func (e *SafetyError) Error() string { return e.Reason }

// Run evaluates one process, writing its stdout and stderr to log.
func (r *Runner) Run(ctx context.Context, process *value.Process, log io.Writer) (value.Value, error) {
	if process.Host != r.host {
		return nil, fmt.Errorf("process host %s does not match this machine (%s)", process.Host, r.host)
	}

	// Safety gates come before any work.
	if err := checkSafety(process); err != nil {
		return nil, err
	}

	tempDir, err := os.MkdirTemp(r.tempsPath, r.names.Generate()+"-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tempDir)
	workDir := filepath.Join(tempDir, "work")
	outputParent := filepath.Join(tempDir, "output")
	outputPath := filepath.Join(outputParent, "output")
	for _, dir := range []string{workDir, outputParent} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	// Render the executable, env, and args, checking out every artifact
	// they reference so the rendered paths exist.
	render := r.renderer(ctx, outputPath)
	executable, err := process.Executable.Render(render)
	if err != nil {
		return nil, err
	}
	env := []string{
		"HOME=" + workDir,
		"TMPDIR=/tmp",
		"OUTPUT=" + outputPath,
		// In-sandbox tooling reaches the engine through this socket.
		"TANGRAM_SOCKET=" + filepath.Join(tempDir, guestSocketName),
	}
	for _, name := range sortedEnvNames(process.Env) {
		rendered, err := process.Env[name].Render(render)
		if err != nil {
			return nil, err
		}
		env = append(env, name+"="+rendered)
	}
	args := make([]string, len(process.Args))
	for i, arg := range process.Args {
		if args[i], err = arg.Render(render); err != nil {
			return nil, err
		}
	}

	// Collect the referenced artifacts, transitively, and check them
	// out so their sandbox mounts exist.
	references, err := r.collectReferences(ctx, process)
	if err != nil {
		return nil, err
	}
	// The temp dir itself is mounted so the guest socket inside it is a
	// real bind, not an overlay shadow.
	paths := map[string]sandbox.Mode{
		tempDir:      sandbox.ReadWrite,
		workDir:      sandbox.ReadWrite,
		outputParent: sandbox.ReadWrite,
	}
	for _, ref := range references {
		path, err := r.engine.Checkout(ctx, ref)
		if err != nil {
			return nil, err
		}
		paths[path] = paths[path].Merge(sandbox.Read)
	}
	for _, hostPath := range process.HostPaths {
		paths[hostPath] = paths[hostPath].Merge(sandbox.Read)
	}

	spec := &sandbox.Spec{
		Mounts:     sandbox.MergeMounts(paths),
		Network:    process.Network,
		WorkDir:    workDir,
		Hostname:   "tangram",
		TempDir:    tempDir,
		Executable: executable,
		Args:       args,
		Env:        env,
	}

	// Expose the in-sandbox endpoint on a socket under the temp dir,
	// which is mounted read-write.
	guest, err := serveGuestEndpoint(ctx, r.engine, spec)
	if err != nil {
		return nil, err
	}
	defer guest.Close()

	if err := r.procs.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.procs.Release(1)

	cmd, err := sandbox.Command(ctx, spec)
	if err != nil {
		return nil, err
	}
	cmd.Stdout = log
	cmd.Stderr = log
	slog.InfoContext(ctx, "spawning process", "executable", executable, "network", process.Network)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			return nil, fmt.Errorf("process exited with %s", exitErr.ProcessState)
		}
		return nil, err
	}

	// Check the output in and verify the declared checksum.
	if _, err := os.Lstat(outputPath); err != nil {
		return nil, fmt.Errorf("process did not write an output: %w", err)
	}
	output, err := r.engine.Checkin(ctx, outputPath)
	if err != nil {
		return nil, err
	}
	if process.Checksum != nil {
		if err := r.verifyChecksum(ctx, output, *process.Checksum); err != nil {
			return nil, err
		}
	}
	return value.ObjectRef{Handle: output}, nil
}

func checkSafety(process *value.Process) error {
	guarded := process.Unsafe || process.Checksum != nil
	if process.Network && !guarded {
		return &SafetyError{Reason: "Network access is not allowed unless the process is unsafe or has a checksum"}
	}
	if len(process.HostPaths) > 0 && !guarded {
		return &SafetyError{Reason: "Host paths are not allowed unless the process is unsafe or has a checksum"}
	}
	return nil
}

// renderer renders template components: strings pass through, artifacts
// check out and become their host path, and the output placeholder
// becomes the output path.
func (r *Runner) renderer(ctx context.Context, outputPath string) func(value.Component) (string, error) {
	return func(c value.Component) (string, error) {
		switch c := c.(type) {
		case value.StringComponent:
			return string(c), nil
		case value.ArtifactComponent:
			return r.engine.Checkout(ctx, c.Artifact)
		case value.PlaceholderComponent:
			if c.Name == "output" {
				return outputPath, nil
			}
			return "", fmt.Errorf("unknown placeholder %q", c.Name)
		}
		return "", fmt.Errorf("unknown template component")
	}
}

// collectReferences gathers every artifact the process's templates
// mention plus, transitively, every artifact those artifacts reference.
func (r *Runner) collectReferences(ctx context.Context, process *value.Process) ([]*value.Handle, error) {
	var queue []*value.Handle
	queue = append(queue, process.Executable.Artifacts()...)
	for _, t := range process.Env {
		queue = append(queue, t.Artifacts()...)
	}
	for _, t := range process.Args {
		queue = append(queue, t.Artifacts()...)
	}
	seen := map[string]bool{}
	var out []*value.Handle
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		i, err := h.ID(ctx, r.store)
		if err != nil {
			return nil, err
		}
		if seen[i.String()] {
			continue
		}
		seen[i.String()] = true
		out = append(out, h)
		v, err := h.Load(ctx, r.store)
		if err != nil {
			return nil, err
		}
		queue = append(queue, artifactReferences(v)...)
	}
	return out, nil
}

// artifactReferences returns the direct cross-artifact references of an
// artifact value: file references and symlink target artifacts, walking
// through directory entries.
func artifactReferences(v value.Value) []*value.Handle {
	switch v := v.(type) {
	case *value.Directory:
		var out []*value.Handle
		for _, entry := range v.Entries {
			out = append(out, entry)
		}
		return out
	case *value.File:
		return v.References
	case *value.Symlink:
		return v.Target.Artifacts()
	}
	return nil
}

func (r *Runner) verifyChecksum(ctx context.Context, output *value.Handle, expected value.Checksum) error {
	v, err := output.Load(ctx, r.store)
	if err != nil {
		return err
	}
	file, ok := v.(*value.File)
	if !ok {
		return fmt.Errorf("checksum verification requires a file output, got %s", v.Kind())
	}
	w, err := value.NewChecksumWriter(expected.Algorithm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, value.NewBlobReader(ctx, r.store, file.Contents)); err != nil {
		return err
	}
	actual := w.Checksum()
	if !actual.Equal(expected) {
		return &value.ChecksumMismatchError{Expected: expected, Actual: actual}
	}
	return nil
}

func sortedEnvNames(env map[string]*value.Template) []string {
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sortStrings(names)
	return names
}
