// Package display manages the pool of virtual-display identifiers and
// the Xvfb-style servers bound to them. A display id is never reused
// while any process in the previous cohort on that id is still alive.
package display

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/sandboxrun/sandboxrun/internal/logging"
	"github.com/sandboxrun/sandboxrun/internal/workerpool"
)

var log = logging.L("display")

// ErrDisplayStartFailed is returned when a virtual display server did
// not become ready within the configured timeout.
type ErrDisplayStartFailed struct {
	ID  int
	Err error
}

func (e *ErrDisplayStartFailed) Error() string {
	return fmt.Sprintf("display %d failed to start: %v", e.ID, e.Err)
}

func (e *ErrDisplayStartFailed) Unwrap() error { return e.Err }

// ErrResourceExhausted is returned when no display id is free.
var ErrResourceExhausted = fmt.Errorf("no free display id")

// Handle is a live virtual display bound to an identifier.
type Handle struct {
	ID         int
	SocketPath string
	Width      int
	Height     int

	cmd *exec.Cmd
}

// Config parameterizes the pool's id range and the backing server.
type Config struct {
	MinID         int
	MaxID         int
	Width         int
	Height        int
	XvfbPath      string
	ReadyTimeout  time.Duration
	ReadyInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinID:         100,
		MaxID:         199,
		Width:         1920,
		Height:        1080,
		XvfbPath:      "/usr/bin/Xvfb",
		ReadyTimeout:  10 * time.Second,
		ReadyInterval: 50 * time.Millisecond,
	}
}

// Pool is process-wide state: display allocation and release are
// mutually exclusive, guarded by one mutex for the free list.
type Pool struct {
	cfg  Config
	wp   *workerpool.Pool
	mu   sync.Mutex
	free []int
	live map[int]*Handle
}

// NewPool builds a display pool that runs each Xvfb start and readiness
// poll on wp, which bounds how many of them are in flight at once;
// Acquire's caller waits for that work to finish.
func NewPool(cfg Config, wp *workerpool.Pool) *Pool {
	p := &Pool{cfg: cfg, wp: wp, live: make(map[int]*Handle)}
	for id := cfg.MinID; id <= cfg.MaxID; id++ {
		p.free = append(p.free, id)
	}
	return p
}

// Acquire reserves a free display id and starts its backing server,
// blocking until the server's socket is observable. On timeout or spawn
// error it releases the id back to the free list and returns
// ErrDisplayStartFailed.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	id, err := p.takeFree()
	if err != nil {
		return nil, err
	}

	h, err := p.startServer(ctx, id)
	if err != nil {
		p.mu.Lock()
		p.free = append(p.free, id)
		p.mu.Unlock()
		return nil, &ErrDisplayStartFailed{ID: id, Err: err}
	}

	p.mu.Lock()
	p.live[id] = h
	p.mu.Unlock()

	log.Info("display acquired", "displayId", id, "socket", h.SocketPath)
	return h, nil
}

// Release terminates the server for h, unlinks its socket, and — only
// after confirming no descendant process is live on the identifier —
// returns the id to the free list.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}

	if h.cmd != nil && h.cmd.Process != nil {
		terminateProcessGroup(h.cmd)
		waitWithTimeout(h.cmd, 3*time.Second)
	}

	if err := os.Remove(h.SocketPath); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to unlink display socket", "displayId", h.ID, "path", h.SocketPath, "error", err)
	}

	p.mu.Lock()
	delete(p.live, h.ID)
	p.mu.Unlock()

	if !p.waitForQuiescence(h.ID) {
		log.Warn("display id withheld from the free list: a process is still live on it", "displayId", h.ID)
		return
	}

	p.mu.Lock()
	p.free = append(p.free, h.ID)
	p.mu.Unlock()

	log.Info("display released", "displayId", h.ID)
}

func (p *Pool) takeFree() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, ErrResourceExhausted
	}
	id := p.free[0]
	p.free = p.free[1:]
	return id, nil
}

// startServer launches Xvfb and waits for its socket to appear. Both
// steps are blocking syscalls (fork/exec, then a stat-poll loop), so the
// whole sequence runs on the shared worker pool, which bounds how many
// run at once across sessions. The caller — a session's control
// goroutine, via Acquire — waits on the result and handles no other
// command until it arrives or ctx ends.
func (p *Pool) startServer(ctx context.Context, id int) (*Handle, error) {
	var h *Handle
	err := p.wp.Do(ctx, func() error {
		socketPath := SocketPath(id)
		_ = os.Remove(socketPath)

		args := []string{
			fmt.Sprintf(":%d", id),
			"-screen", "0", fmt.Sprintf("%dx%dx24", p.cfg.Width, p.cfg.Height),
			"-nolisten", "tcp",
		}
		cmd := exec.Command(p.cfg.XvfbPath, args...)
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGKILL}

		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start xvfb: %w", err)
		}

		candidate := &Handle{ID: id, SocketPath: socketPath, Width: p.cfg.Width, Height: p.cfg.Height, cmd: cmd}
		if err := p.awaitReady(ctx, candidate); err != nil {
			terminateProcessGroup(cmd)
			return err
		}
		h = candidate
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// awaitReady polls for the display socket at a small fixed interval,
// bounded by the configured timeout.
func (p *Pool) awaitReady(ctx context.Context, h *Handle) error {
	deadline := time.Now().Add(p.cfg.ReadyTimeout)
	ticker := time.NewTicker(p.cfg.ReadyInterval)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(h.SocketPath); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("socket %s not observable within %s", h.SocketPath, p.cfg.ReadyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// waitForQuiescence polls, via gopsutil, for up to two seconds until no
// process whose environment sets DISPLAY to this id is alive, and
// reports whether that point was reached. Release returns the id to the
// free list only when it was.
func (p *Pool) waitForQuiescence(id int) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !anyProcessOnDisplay(id) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}

func anyProcessOnDisplay(id int) bool {
	procs, err := process.Processes()
	if err != nil {
		return false
	}
	want := fmt.Sprintf("DISPLAY=:%d", id)
	for _, proc := range procs {
		env, err := proc.Environ()
		if err != nil {
			continue
		}
		for _, e := range env {
			if e == want {
				return true
			}
		}
	}
	return false
}

// SocketPath returns the canonical Unix-domain socket path for a
// display id's server — the sole IPC entry point later bind-mounted
// read-only into a sandboxed child.
func SocketPath(id int) string {
	return fmt.Sprintf("/tmp/.X11-unix/X%d", id)
}

// SocketDisplayName returns the display name (e.g. ":100") a client
// library or DISPLAY environment variable uses to address id.
func SocketDisplayName(id int) string {
	return fmt.Sprintf(":%d", id)
}

func terminateProcessGroup(cmd *exec.Cmd) {
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

func waitWithTimeout(cmd *exec.Cmd, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		if cmd.Process != nil {
			if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
				_ = syscall.Kill(-pgid, syscall.SIGKILL)
			} else {
				_ = cmd.Process.Kill()
			}
		}
		<-done
	}
}

// ReapOrphans kills any process group left over from a prior daemon
// instance whose environment carries a DISPLAY variable in the pool's
// managed range. Called once at startup since the session registry is
// in-memory and a restart considers all prior sessions terminated.
func ReapOrphans(cfg Config) {
	procs, err := process.Processes()
	if err != nil {
		log.Warn("failed to enumerate processes for orphan reap", "error", err)
		return
	}
	for _, proc := range procs {
		env, err := proc.Environ()
		if err != nil {
			continue
		}
		for _, e := range env {
			var id int
			if n, _ := fmt.Sscanf(e, "DISPLAY=:%d", &id); n == 1 && id >= cfg.MinID && id <= cfg.MaxID {
				pid := proc.Pid
				log.Warn("reaping orphaned sandbox process from prior run", "pid", pid, "displayId", id)
				_ = syscall.Kill(-int(pid), syscall.SIGKILL)
			}
		}
	}
}
