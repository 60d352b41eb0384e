//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/sandboxrun/sandboxrun/policy"
)

// Landlock syscall numbers are fixed across architectures supported by
// this daemon (x86_64, arm64); golang.org/x/sys/unix does not yet wrap
// them, so they're invoked directly via unix.Syscall.
const (
	sysLandlockCreateRuleset = 444
	sysLandlockAddRule       = 445
	sysLandlockRestrictSelf  = 446

	landlockRuleTypePathBeneath = 1

	landlockCreateRulesetVersion = 1 << 0
)

const (
	accessFSExecute    = 1 << 0
	accessFSWriteFile  = 1 << 1
	accessFSReadFile   = 1 << 2
	accessFSReadDir    = 1 << 3
	accessFSRemoveDir  = 1 << 4
	accessFSRemoveFile = 1 << 5
	accessFSMakeReg    = 1 << 8
)

type landlockRulesetAttr struct {
	HandledAccessFS uint64
}

type landlockPathBeneathAttr struct {
	AllowedAccess uint64
	ParentFD      int32
}

// landlockABIVersion queries the kernel's Landlock ABI version via the
// create-ruleset syscall's version-query mode.
func landlockABIVersion() (int, error) {
	ret, _, errno := unix.Syscall(sysLandlockCreateRuleset, 0, 0, landlockCreateRulesetVersion)
	if errno != 0 {
		return 0, errno
	}
	return int(ret), nil
}

var fullFSAccess = uint64(accessFSExecute | accessFSWriteFile | accessFSReadFile |
	accessFSReadDir | accessFSRemoveDir | accessFSRemoveFile | accessFSMakeReg)

// landlockAddRule creates a single-path ruleset restricting access
// under path to the given rights, then merges it into this thread's
// enforced set via landlock_restrict_self. Each call creates its own
// ruleset fd since rulesets can only be narrowed, never widened, once
// restricted — one call per policy path keeps each path's rights
// independent.
func landlockAddRule(path string, rights []policy.AccessRight) error {
	attr := landlockRulesetAttr{HandledAccessFS: fullFSAccess}
	rulesetFD, _, errno := unix.Syscall(sysLandlockCreateRuleset,
		uintptr(unsafe.Pointer(&attr)), unsafe.Sizeof(attr), 0)
	if errno != 0 {
		return fmt.Errorf("landlock_create_ruleset: %w", errno)
	}
	fd := int(rulesetFD)
	defer unix.Close(fd)

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s for landlock rule: %w", path, err)
	}
	defer f.Close()

	pathAttr := landlockPathBeneathAttr{
		AllowedAccess: accessBitsFor(rights),
		ParentFD:      int32(f.Fd()),
	}
	_, _, errno = unix.Syscall6(sysLandlockAddRule,
		uintptr(fd), landlockRuleTypePathBeneath,
		uintptr(unsafe.Pointer(&pathAttr)), 0, 0, 0)
	if errno != 0 {
		return fmt.Errorf("landlock_add_rule %s: %w", path, errno)
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("no_new_privs before restrict_self: %w", err)
	}
	_, _, errno = unix.Syscall(sysLandlockRestrictSelf, uintptr(fd), 0, 0)
	if errno != 0 {
		return fmt.Errorf("landlock_restrict_self: %w", errno)
	}
	return nil
}

func accessBitsFor(rights []policy.AccessRight) uint64 {
	var bits uint64
	for _, r := range rights {
		switch r {
		case policy.AccessRead:
			bits |= accessFSReadFile | accessFSReadDir | accessFSExecute
		case policy.AccessWrite:
			bits |= accessFSWriteFile | accessFSMakeReg
		case policy.AccessDelete:
			bits |= accessFSRemoveDir | accessFSRemoveFile
		}
	}
	return bits
}
