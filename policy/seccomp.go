//go:build linux

package policy

import (
	"fmt"

	seccomp "github.com/seccomp/libseccomp-golang"
)

// deniedSyscalls are explicitly excluded from the GUI-app base profile:
// process debugging, mounting, rebooting, kernel module load, and
// privilege-gain syscalls. Denial delivers SIGSYS (not a quiet EPERM) so
// a violating process terminates loudly rather than limping on with a
// silently-failed syscall.
var deniedSyscalls = []string{
	"ptrace",
	"process_vm_readv",
	"process_vm_writev",
	"mount",
	"umount2",
	"pivot_root",
	"reboot",
	"kexec_load",
	"init_module",
	"finit_module",
	"delete_module",
	"setuid",
	"setgid",
	"setreuid",
	"setregid",
	"setresuid",
	"setresgid",
	"capset",
	"personality",
	"acct",
	"swapon",
	"swapoff",
	"syslog",
	"bpf",
	"perf_event_open",
	"kcmp",
	"ioperm",
	"iopl",
}

// baseSyscalls is the fixed allow-list: the smallest set of syscalls
// that lets a typical GUI application start, render to a display server,
// and read/write within its bind-mounted view.
var baseSyscalls = []string{
	"read", "write", "readv", "writev", "pread64", "pwrite64",
	"open", "openat", "close", "stat", "fstat", "lstat", "newfstatat",
	"access", "faccessat", "faccessat2", "lseek", "getdents64",
	"mmap", "munmap", "mprotect", "brk", "madvise", "mremap",
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack",
	"ioctl", "fcntl", "dup", "dup2", "dup3", "pipe", "pipe2",
	"select", "pselect6", "poll", "ppoll", "epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
	"socket", "connect", "accept", "accept4", "sendto", "recvfrom", "sendmsg", "recvmsg",
	"bind", "listen", "getsockname", "getpeername", "setsockopt", "getsockopt", "shutdown",
	"clone", "clone3", "fork", "vfork", "execve", "execveat", "exit", "exit_group", "wait4", "waitid",
	"futex", "set_robust_list", "get_robust_list", "set_tid_address",
	"nanosleep", "clock_gettime", "clock_nanosleep", "gettimeofday", "getpid", "gettid", "getppid",
	"getuid", "geteuid", "getgid", "getegid", "getresuid", "getresgid", "getgroups",
	"uname", "arch_prctl", "prctl", "sched_yield", "sched_getaffinity",
	"rseq", "getrandom", "mkdir", "mkdirat", "unlink", "unlinkat", "rename", "renameat", "renameat2",
	"chdir", "fchdir", "getcwd", "readlink", "readlinkat", "truncate", "ftruncate",
	"chmod", "fchmod", "fchmodat", "utimensat", "statx", "sysinfo",
	"eventfd2", "signalfd4", "timerfd_create", "timerfd_settime", "copy_file_range",
	"membarrier", "getrlimit", "setrlimit", "prlimit64",
}

// LoadFilter compiles and loads a seccomp-bpf filter implementing the
// named profile into the calling thread. The caller must invoke this
// after the mount/network namespace setup but before exec, from within
// the sandboxed child — loading a filter is per-thread and irreversible.
//
// profile is currently always the base profile; the name is carried
// through ResolvedPolicy so future per-app profiles can diverge without
// changing the launcher's call site.
func LoadFilter(profile string) error {
	// Default-deny: anything not explicitly allowed below is killed.
	filter, err := seccomp.NewFilter(seccomp.ActKill)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	defer filter.Release()

	if err := filter.SetNoNewPrivsBit(true); err != nil {
		return fmt.Errorf("set no_new_privs: %w", err)
	}

	for _, name := range baseSyscalls {
		call, err := seccomp.GetSyscallFromName(name)
		if err != nil {
			// Syscall not known on this kernel/arch — nothing to allow.
			continue
		}
		if err := filter.AddRule(call, seccomp.ActAllow); err != nil {
			return fmt.Errorf("allow syscall %s: %w", name, err)
		}
	}

	// Explicit denials are redundant against a default-kill filter for
	// syscalls outside the base set, but guard against the base set ever
	// growing to accidentally include one of these.
	for _, name := range deniedSyscalls {
		call, err := seccomp.GetSyscallFromName(name)
		if err != nil {
			continue
		}
		if err := filter.AddRule(call, seccomp.ActKill); err != nil {
			return fmt.Errorf("deny syscall %s: %w", name, err)
		}
	}

	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}
