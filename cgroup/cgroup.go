//go:build linux

// Package cgroup places sandboxed children into a per-session cgroup v2
// with the resource caps declared in their ResolvedPolicy. Cgroup writes
// are single-writer per session, as required by the concurrency model.
package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sandboxrun/sandboxrun/internal/logging"
	"github.com/sandboxrun/sandboxrun/policy"
)

var log = logging.L("cgroup")

// Root is the cgroup v2 mount point under which per-session cgroups are
// created. Overridden by config at daemon startup.
var Root = "/sys/fs/cgroup/sandboxrun"

// Create makes a new cgroup directory for name and writes its resource
// caps. Returns ResourceExhausted-flavored errors (via the wrapped OS
// error) if the cgroup controller refuses a write.
func Create(name string, caps policy.ResourceCaps) error {
	dir := filepath.Join(Root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir cgroup %s: %w", dir, err)
	}

	if caps.MemoryMax > 0 {
		if err := writeCap(dir, "memory.max", strconv.FormatInt(caps.MemoryMax, 10)); err != nil {
			return err
		}
	}
	if caps.PIDsMax > 0 {
		if err := writeCap(dir, "pids.max", strconv.FormatInt(caps.PIDsMax, 10)); err != nil {
			return err
		}
	}
	if caps.CPUShares > 0 {
		if err := writeCap(dir, "cpu.weight", strconv.FormatInt(caps.CPUShares, 10)); err != nil {
			return err
		}
	}

	log.Debug("cgroup created", "name", name, "dir", dir)
	return nil
}

// AddProcess joins pid to name's cgroup by writing cgroup.procs.
func AddProcess(name string, pid int) error {
	dir := filepath.Join(Root, name)
	return writeCap(dir, "cgroup.procs", strconv.Itoa(pid))
}

// Remove deletes the cgroup directory for name. Safe to call on an
// already-removed cgroup (idempotent per the session teardown
// requirement).
func Remove(name string) {
	dir := filepath.Join(Root, name)
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to remove cgroup", "name", name, "error", err)
	}
}

func writeCap(dir, file, value string) error {
	path := filepath.Join(dir, file)
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
