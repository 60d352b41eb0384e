package session

import (
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/sandboxrun/sandboxrun/cgroup"
)

// ReapOrphans runs once at daemon startup, before any session is
// accepted. Since the registry is in-memory only (spec.md §6: "on
// process restart all sessions are considered terminated"), a prior
// crash can leave sandboxed process groups running under cgroups this
// process no longer tracks. This walks cgroup.Root's leftover per-
// session directories, reads their member pids from cgroup.procs, and
// two-phase kills each process group — the same SIGTERM-then-SIGKILL
// shape sandbox.Child.Terminate uses per-session, applied here across
// every leftover cgroup found at boot. Grounded on the teacher's
// process-group reap idiom (enumerate via gopsutil, kill by group),
// generalized from "per execution" to "once, at startup".
func ReapOrphans(cgroupRoot string) {
	entries, err := os.ReadDir(cgroupRoot)
	if err != nil {
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		pids := readCgroupPids(filepath.Join(cgroupRoot, name))
		if len(pids) == 0 {
			cgroup.Remove(name)
			continue
		}

		log.Warn("reaping orphaned sandbox cgroup from a prior run", "cgroup", name, "pids", pids)
		for _, pid := range pids {
			killProcessGroup(pid, syscall.SIGTERM)
		}

		time.Sleep(2 * time.Second)

		for _, pid := range pids {
			if alive(pid) {
				killProcessGroup(pid, syscall.SIGKILL)
			}
		}
		cgroup.Remove(name)
	}
}

func readCgroupPids(dir string) []int {
	raw, err := os.ReadFile(filepath.Join(dir, "cgroup.procs"))
	if err != nil {
		return nil
	}
	var pids []int
	for _, line := range splitLines(raw) {
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err == nil {
			pids = append(pids, pid)
		}
	}
	return pids
}

func splitLines(raw []byte) []string {
	var out []string
	start := 0
	for i, b := range raw {
		if b == '\n' {
			out = append(out, string(raw[start:i]))
			start = i + 1
		}
	}
	if start < len(raw) {
		out = append(out, string(raw[start:]))
	}
	return out
}

func killProcessGroup(pid int, sig syscall.Signal) {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		syscall.Kill(pid, sig)
		return
	}
	syscall.Kill(-pgid, sig)
}

func alive(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}
