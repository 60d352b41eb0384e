// Package sandbox forks, isolates and execs the sandboxed application
// binary. Isolation primitives are applied between fork and exec: the
// parent places the child in its cgroup before handing it its policy,
// then the child applies mount namespace, bind mounts, display socket
// bind, network namespace, filesystem LSM rules, seccomp, fd closing,
// then exec. No primitive may be applied post-exec.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/sandboxrun/sandboxrun/cgroup"
	"github.com/sandboxrun/sandboxrun/internal/logging"
	"github.com/sandboxrun/sandboxrun/internal/workerpool"
	"github.com/sandboxrun/sandboxrun/policy"
)

// PolicyFDEnv names the environment variable carrying the file
// descriptor number (in the reexec'd child) the resolved policy's JSON
// encoding can be read from. SysProcAttr and argv have no channel for
// structured data across fork+exec, so the policy travels over a pipe
// instead — the same approach the teacher uses to hand a one-shot
// payload to an elevated helper it reexecs into.
const PolicyFDEnv = "SANDBOXRUN_POLICY_FD"

var log = logging.L("sandbox")

// ErrSandboxSetupFailed wraps a failure of any isolation primitive
// applied before exec.
type ErrSandboxSetupFailed struct {
	Err error
}

func (e *ErrSandboxSetupFailed) Error() string {
	return fmt.Sprintf("sandbox setup failed: %v", e.Err)
}
func (e *ErrSandboxSetupFailed) Unwrap() error { return e.Err }

// ErrAppStartFailed covers binary-not-found, exec error, or immediate exit.
type ErrAppStartFailed struct {
	Err error
}

func (e *ErrAppStartFailed) Error() string { return fmt.Sprintf("app start failed: %v", e.Err) }
func (e *ErrAppStartFailed) Unwrap() error  { return e.Err }

// Spec is everything Spawn needs to launch one sandboxed process.
type Spec struct {
	SessionID  string
	Binary     string
	Args       []string
	Env        []string
	Policy     *policy.ResolvedPolicy
	CgroupName string
	DisplayID  int
	Stdout     *os.File
	Stderr     *os.File
	Pool       *workerpool.Pool
}

// Child is the running sandboxed process handle owned exclusively by
// the session's control task.
type Child struct {
	cmd        *exec.Cmd
	mu         sync.Mutex
	terminated bool
}

// Spawn forks a child, applies every isolation primitive in order, and
// execs the binary. The reexec-into-self idiom is used: the immediate
// child is this same binary invoked with an internal subcommand that
// performs isolation before exec'ing the real target — this lets Spawn
// build a SysProcAttr carrying the namespace flags while the detailed
// per-step setup (which must run after fork, inside the new namespaces,
// but before exec of the *target* binary) lives in cmd/sandboxrund's
// reexec entry point.
//
// The cgroup writes and the fork/exec itself are blocking syscalls; they
// run on s.Pool, which bounds how many are in flight across sessions.
// Spawn waits for them to finish (or for ctx to end), so its caller is
// occupied for that long.
func Spawn(ctx context.Context, s Spec) (*Child, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, &ErrSandboxSetupFailed{Err: fmt.Errorf("resolve self path: %w", err)}
	}

	policyJSON, err := json.Marshal(s.Policy)
	if err != nil {
		return nil, &ErrSandboxSetupFailed{Err: fmt.Errorf("marshal policy: %w", err)}
	}

	var child *Child
	err = s.Pool.Do(ctx, func() error {
		if err := cgroup.Create(s.CgroupName, s.Policy.Caps); err != nil {
			return &ErrSandboxSetupFailed{Err: fmt.Errorf("create cgroup: %w", err)}
		}

		policyR, policyW, err := os.Pipe()
		if err != nil {
			cgroup.Remove(s.CgroupName)
			return &ErrSandboxSetupFailed{Err: fmt.Errorf("create policy pipe: %w", err)}
		}

		reexecArgs := append([]string{"__sandbox-init", s.Binary}, s.Args...)
		cmd := exec.CommandContext(ctx, self, reexecArgs...)
		cmd.Env = append(s.Env, encodeSpecEnv(s)...)
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=3", PolicyFDEnv))
		cmd.ExtraFiles = []*os.File{policyR}
		cmd.Stdout = s.Stdout
		cmd.Stderr = s.Stderr
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Setpgid:    true,
			Pdeathsig:  syscall.SIGKILL,
			Cloneflags: syscall.CLONE_NEWNS | syscall.CLONE_NEWNET,
		}

		if err := cmd.Start(); err != nil {
			policyR.Close()
			policyW.Close()
			cgroup.Remove(s.CgroupName)
			return &ErrAppStartFailed{Err: err}
		}
		policyR.Close()

		// Join the cgroup before handing over the policy: the child
		// blocks reading it, so it cannot exec or fork before this.
		if err := cgroup.AddProcess(s.CgroupName, cmd.Process.Pid); err != nil {
			policyW.Close()
			terminateChildProcess(cmd)
			cgroup.Remove(s.CgroupName)
			return &ErrSandboxSetupFailed{Err: fmt.Errorf("join cgroup: %w", err)}
		}

		if _, err := policyW.Write(policyJSON); err != nil {
			log.Warn("failed writing policy to reexec pipe", "sessionId", s.SessionID, "error", err)
		}
		policyW.Close()

		log.Info("sandbox spawned", "sessionId", s.SessionID, "pid", cmd.Process.Pid, "displayId", s.DisplayID)
		child = &Child{cmd: cmd}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return child, nil
}

// encodeSpecEnv carries the display id, session id and syscall profile
// name to the reexec'd __sandbox-init step as environment variables; the
// policy itself travels over the pipe named by PolicyFDEnv.
func encodeSpecEnv(s Spec) []string {
	return []string{
		fmt.Sprintf("DISPLAY=:%d", s.DisplayID),
		fmt.Sprintf("SANDBOXRUN_SESSION_ID=%s", s.SessionID),
		fmt.Sprintf("SANDBOXRUN_SYSCALL_PROFILE=%s", s.Policy.SyscallProfile),
	}
}

// ReadPolicyFromEnv decodes the ResolvedPolicy handed across the reexec
// boundary via the fd named by PolicyFDEnv. Called once, early, by
// cmd/sandboxrund's __sandbox-init subcommand before any other isolation
// step runs.
func ReadPolicyFromEnv() (*policy.ResolvedPolicy, error) {
	fdStr := os.Getenv(PolicyFDEnv)
	if fdStr == "" {
		return nil, fmt.Errorf("%s not set", PolicyFDEnv)
	}
	var fd int
	if _, err := fmt.Sscanf(fdStr, "%d", &fd); err != nil {
		return nil, fmt.Errorf("parse %s: %w", PolicyFDEnv, err)
	}
	f := os.NewFile(uintptr(fd), "policy-pipe")
	defer f.Close()

	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := f.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}

	var p policy.ResolvedPolicy
	if err := json.Unmarshal(buf, &p); err != nil {
		return nil, fmt.Errorf("unmarshal policy: %w", err)
	}
	return &p, nil
}

// Wait blocks until the child exits, returning its error (nil on a
// clean zero exit).
func (c *Child) Wait() error {
	return c.cmd.Wait()
}

// PID returns the child's top-level process id.
func (c *Child) PID() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Terminate performs the two-phase teardown required by the session
// state machine's Terminated entry: SIGTERM the process group, wait a
// bounded interval, then SIGKILL. Idempotent.
func (c *Child) Terminate(timeout time.Duration) {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	c.mu.Unlock()

	terminateChildProcess(c.cmd)

	done := make(chan struct{})
	go func() {
		c.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		killChildProcess(c.cmd)
		<-done
	}
}

func terminateChildProcess(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
}

func killChildProcess(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}
