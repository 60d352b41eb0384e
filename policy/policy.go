// Package policy compiles an owner storage root plus a share descriptor
// into a ResolvedPolicy: the bind-mount list, filesystem access ruleset,
// syscall allow-list and resource caps a sandboxed process is launched
// under. A ResolvedPolicy is immutable once produced — narrowing a
// session's rights always yields a new value and a fresh launch.
package policy

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sandboxrun/sandboxrun/internal/logging"
)

var log = logging.L("policy")

// AccessRight is one of the rights a filesystem rule may grant.
type AccessRight string

const (
	AccessRead   AccessRight = "read"
	AccessWrite  AccessRight = "write"
	AccessDelete AccessRight = "delete"
)

// Share is the external descriptor of an owner-granted path, as sourced
// from the permission store.
type Share struct {
	Path   string
	Access []AccessRight
}

// Role distinguishes the session's initiating identity.
type Role int

const (
	RoleOwner Role = iota
	RoleClient
)

// MountFlags describes how a bind entry is mounted.
type MountFlags struct {
	ReadOnly bool
}

// BindEntry is one (host_path, mount_point, flags) triple bound into the
// child's mount namespace. Paths not listed here are absent from the
// child's view entirely (ENOENT, not EACCES).
type BindEntry struct {
	HostPath   string
	MountPoint string
	Flags      MountFlags
}

// FSRule is a kernel-enforced filesystem access rule for one path.
type FSRule struct {
	Path   string
	Rights []AccessRight
}

// ResourceCaps bounds the cgroup placed around the sandboxed child.
type ResourceCaps struct {
	CPUShares  int64 // cgroup cpu.weight-equivalent
	MemoryMax  int64 // bytes
	PIDsMax    int64
}

// ResolvedPolicy is the immutable output of compilation. Two policies
// are never merged in place; a narrowed policy is always a distinct
// value forcing session rebuild.
type ResolvedPolicy struct {
	Binds          []BindEntry
	FSRules        []FSRule
	SyscallProfile string
	Caps           ResourceCaps
}

// SystemLibraryBinds is the minimum read-only bind set required for
// dynamic linking of native GUI binaries. Every compiled policy carries
// these regardless of role.
var SystemLibraryBinds = []string{
	"/lib",
	"/lib64",
	"/usr/lib",
	"/usr/lib64",
	"/etc/ld.so.cache",
	"/etc/ld.so.conf",
	"/etc/ld.so.conf.d",
}

const defaultSyscallProfile = "gui-app-base"

// ErrPathEscape is returned when a share or owner root resolves outside
// its declared boundary after normalization.
type ErrPathEscape struct {
	Path string
}

func (e *ErrPathEscape) Error() string {
	return fmt.Sprintf("path %q escapes its declared boundary", e.Path)
}

// ErrEmptyRights is returned when a share grants no access rights at all.
type ErrEmptyRights struct {
	Path string
}

func (e *ErrEmptyRights) Error() string {
	return fmt.Sprintf("path %q has no access rights", e.Path)
}

// Compile produces a ResolvedPolicy for a session. For RoleOwner, shares
// is ignored: the owner gets one writable bind of their entire root. For
// RoleClient, shares must be a non-empty list of owner-granted paths
// beneath ownerRoot.
//
// displaySocketPath is the host path of the virtual display's socket,
// always bound read-only so the sandboxed app can reach its display
// server without gaining any other host visibility.
func Compile(ownerRoot string, role Role, shares []Share, displaySocketPath string, caps ResourceCaps) (*ResolvedPolicy, error) {
	ownerRoot = filepath.Clean(ownerRoot)
	if !filepath.IsAbs(ownerRoot) {
		return nil, &ErrPathEscape{Path: ownerRoot}
	}

	p := &ResolvedPolicy{
		SyscallProfile: defaultSyscallProfile,
		Caps:           caps,
	}

	switch role {
	case RoleOwner:
		p.Binds = append(p.Binds, BindEntry{
			HostPath:   ownerRoot,
			MountPoint: ownerRoot,
			Flags:      MountFlags{ReadOnly: false},
		})
		p.FSRules = append(p.FSRules, FSRule{
			Path:   ownerRoot,
			Rights: []AccessRight{AccessRead, AccessWrite, AccessDelete},
		})

	case RoleClient:
		if len(shares) == 0 {
			return nil, &ErrEmptyRights{Path: ownerRoot}
		}
		binds, rules, err := compileShares(ownerRoot, shares)
		if err != nil {
			return nil, err
		}
		p.Binds = append(p.Binds, binds...)
		p.FSRules = append(p.FSRules, rules...)

	default:
		return nil, fmt.Errorf("unknown role %d", role)
	}

	for _, libPath := range SystemLibraryBinds {
		p.Binds = append(p.Binds, BindEntry{
			HostPath:   libPath,
			MountPoint: libPath,
			Flags:      MountFlags{ReadOnly: true},
		})
	}

	if displaySocketPath != "" {
		p.Binds = append(p.Binds, BindEntry{
			HostPath:   displaySocketPath,
			MountPoint: displaySocketPath,
			Flags:      MountFlags{ReadOnly: true},
		})
	}

	log.Debug("policy compiled", "role", role, "ownerRoot", ownerRoot, "binds", len(p.Binds), "rules", len(p.FSRules))
	return p, nil
}

// compileShares normalizes a client's share list into bind entries and
// filesystem rules. Overlapping paths are normalized by narrowing: a
// descendant path's effective rights are the intersection of its own
// declared rights and every ancestor share's rights.
func compileShares(ownerRoot string, shares []Share) ([]BindEntry, []FSRule, error) {
	normalized := make([]Share, 0, len(shares))
	for _, s := range shares {
		clean, err := resolveUnderRoot(ownerRoot, s.Path)
		if err != nil {
			return nil, nil, err
		}
		if len(s.Access) == 0 {
			return nil, nil, &ErrEmptyRights{Path: clean}
		}
		normalized = append(normalized, Share{Path: clean, Access: s.Access})
	}

	sort.Slice(normalized, func(i, j int) bool {
		return len(normalized[i].Path) < len(normalized[j].Path)
	})

	binds := make([]BindEntry, 0, len(normalized))
	rules := make([]FSRule, 0, len(normalized))
	for i, s := range normalized {
		rights := s.Access
		for j := 0; j < i; j++ {
			anc := normalized[j]
			if isAncestor(anc.Path, s.Path) {
				rights = intersectRights(rights, anc.Access)
			}
		}
		if len(rights) == 0 {
			return nil, nil, &ErrEmptyRights{Path: s.Path}
		}

		readOnly := !containsRight(rights, AccessWrite) && !containsRight(rights, AccessDelete)
		binds = append(binds, BindEntry{
			HostPath:   s.Path,
			MountPoint: s.Path,
			Flags:      MountFlags{ReadOnly: readOnly},
		})
		rules = append(rules, FSRule{Path: s.Path, Rights: rights})
	}

	return binds, rules, nil
}

// resolveUnderRoot cleans path and verifies it resolves beneath root
// with no `..` escape after normalization.
func resolveUnderRoot(root, path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	clean := filepath.Clean(path)
	if strings.Contains(clean, "..") {
		return "", &ErrPathEscape{Path: path}
	}
	rel, err := filepath.Rel(root, clean)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", &ErrPathEscape{Path: path}
	}
	return clean, nil
}

func isAncestor(ancestor, descendant string) bool {
	if ancestor == descendant {
		return false
	}
	rel, err := filepath.Rel(ancestor, descendant)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, "../")
}

func intersectRights(a, b []AccessRight) []AccessRight {
	bSet := make(map[AccessRight]bool, len(b))
	for _, r := range b {
		bSet[r] = true
	}
	var out []AccessRight
	for _, r := range a {
		if bSet[r] {
			out = append(out, r)
		}
	}
	return out
}

func containsRight(rights []AccessRight, want AccessRight) bool {
	for _, r := range rights {
		if r == want {
			return true
		}
	}
	return false
}
