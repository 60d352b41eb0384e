//go:build linux

package sandbox

import (
	"github.com/sandboxrun/sandboxrun/policy"
)

// landlockSupported reports whether the running kernel exposes the
// Landlock LSM. Probed once per process rather than per session.
var landlockSupportedCache = probeLandlock()

func landlockSupported() bool {
	return landlockSupportedCache
}

// probeLandlock attempts the landlock_create_ruleset syscall with a
// nil attr to read back the ABI version; any error (ENOSYS on older
// kernels, LSM disabled) means Landlock isn't usable here and the
// mount-namespace view alone enforces isolation.
func probeLandlock() bool {
	abi, err := landlockABIVersion()
	return err == nil && abi > 0
}

// landlockRestrict narrows filesystem access under path to the given
// rights via a Landlock ruleset scoped to this thread. An error is
// returned to RunInit, which aborts the launch.
func landlockRestrict(path string, rights []policy.AccessRight) error {
	return landlockAddRule(path, rights)
}

func loadSeccompProfile(profile string) error {
	return policy.LoadFilter(profile)
}
