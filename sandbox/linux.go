//go:build linux

package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// InitCommand is the hidden CLI subcommand that runs between clone and
// exec: it assembles the filesystem view inside the new namespaces, then
// replaces itself with the target binary.
const InitCommand = "sandbox-init"

// Command prepares the sandboxed child. The child is this binary's
// sandbox-init subcommand, cloned into fresh mount, PID, UTS, and IPC
// namespaces (plus a network namespace when network access is denied),
// with a user namespace mapping the current user to root.
func Command(ctx context.Context, spec *Spec) (*exec.Cmd, error) {
	specPath := filepath.Join(spec.TempDir, "sandbox.json")
	b, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(specPath, b, 0o600); err != nil {
		return nil, err
	}
	self, err := os.Executable()
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, self, InitCommand, specPath)
	flags := uintptr(syscall.CLONE_NEWNS |
		syscall.CLONE_NEWPID |
		syscall.CLONE_NEWUTS |
		syscall.CLONE_NEWIPC |
		syscall.CLONE_NEWUSER)
	if !spec.Network {
		flags |= syscall.CLONE_NEWNET
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: flags,
		// Orphaned sandboxes die with the server.
		Pdeathsig: syscall.SIGKILL,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getuid(), Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getgid(), Size: 1},
		},
		GidMappingsEnableSetgroups: false,
	}
	return cmd, nil
}

// Init is the child side of Command. It runs inside the new namespaces,
// prepares the overlay root, performs the mounts, pivots, and execs. It
// never returns on success.
func Init(specPath string) error {
	b, err := os.ReadFile(specPath)
	if err != nil {
		return err
	}
	var spec Spec
	if err := json.Unmarshal(b, &spec); err != nil {
		return err
	}

	if spec.Hostname != "" {
		if err := unix.Sethostname([]byte(spec.Hostname)); err != nil {
			return fmt.Errorf("sethostname: %w", err)
		}
	}

	// Make every mount in this namespace private so nothing leaks back.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("remount / private: %w", err)
	}

	// Overlay the host root so writes inside the sandbox are isolated.
	root := filepath.Join(spec.TempDir, "root")
	upper := filepath.Join(spec.TempDir, "upper")
	work := filepath.Join(spec.TempDir, "work")
	for _, dir := range []string{root, upper, work} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	overlayOptions := fmt.Sprintf("lowerdir=/,upperdir=%s,workdir=%s", upper, work)
	if err := unix.Mount("overlay", root, "overlay", 0, overlayOptions); err != nil {
		return fmt.Errorf("mount overlay: %w", err)
	}

	// Bind each required path over the overlay, remounting read-only
	// when the mode demands.
	for _, mount := range spec.Mounts {
		target := filepath.Join(root, mount.Path)
		if err := os.MkdirAll(target, 0o755); err != nil {
			return err
		}
		if err := unix.Mount(mount.Path, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind %s: %w", mount.Path, err)
		}
		if mount.Mode == Read {
			if err := unix.Mount("", target, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
				return fmt.Errorf("remount %s read-only: %w", mount.Path, err)
			}
		}
	}

	// Kernel filesystems and a fresh /tmp.
	if err := os.MkdirAll(filepath.Join(root, "proc"), 0o755); err != nil {
		return err
	}
	if err := unix.Mount("proc", filepath.Join(root, "proc"), "proc", 0, ""); err != nil {
		return fmt.Errorf("mount /proc: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "dev"), 0o755); err != nil {
		return err
	}
	if err := unix.Mount("/dev", filepath.Join(root, "dev"), "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind /dev: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0o777); err != nil {
		return err
	}
	if err := unix.Mount("tmpfs", filepath.Join(root, "tmp"), "tmpfs", 0, ""); err != nil {
		return fmt.Errorf("mount /tmp: %w", err)
	}

	if err := populateEtc(root, spec.Network); err != nil {
		return err
	}

	// Pivot into the overlay and drop the old root.
	if err := os.Chdir(root); err != nil {
		return err
	}
	if err := unix.PivotRoot(".", "."); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	if err := unix.Unmount(".", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detach old root: %w", err)
	}
	if err := os.Chdir(spec.WorkDir); err != nil {
		return fmt.Errorf("chdir %s: %w", spec.WorkDir, err)
	}

	return unix.Exec(spec.Executable, append([]string{spec.Executable}, spec.Args...), spec.Env)
}

// populateEtc writes the minimal /etc a build needs. The host's
// resolv.conf is copied only when network access is allowed.
func populateEtc(root string, network bool) error {
	etc := filepath.Join(root, "etc")
	if err := os.MkdirAll(etc, 0o755); err != nil {
		return err
	}
	files := map[string]string{
		"passwd":        "root:!:0:0:root:/nonexistent:/bin/false\nnobody:!:65534:65534:nobody:/nonexistent:/bin/false\n",
		"group":         "root:x:0:\nnobody:x:65534:\n",
		"nsswitch.conf": "passwd: files\ngroup: files\nhosts: files dns\n",
	}
	for name, contents := range files {
		if err := os.WriteFile(filepath.Join(etc, name), []byte(contents), 0o644); err != nil {
			return err
		}
	}
	if network {
		resolv, err := os.ReadFile("/etc/resolv.conf")
		if err == nil {
			if err := os.WriteFile(filepath.Join(etc, "resolv.conf"), resolv, 0o644); err != nil {
				return err
			}
		}
	}
	return nil
}
