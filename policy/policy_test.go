package policy

import "testing"

func caps() ResourceCaps {
	return ResourceCaps{CPUShares: 100, MemoryMax: 512 << 20, PIDsMax: 64}
}

func TestCompileOwnerGetsFullWritableRoot(t *testing.T) {
	p, err := Compile("/var/lib/sandboxrun/roots/u1", RoleOwner, nil, "/tmp/display.sock", caps())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	found := false
	for _, b := range p.Binds {
		if b.HostPath == "/var/lib/sandboxrun/roots/u1" {
			found = true
			if b.Flags.ReadOnly {
				t.Fatal("owner's root bind should not be read-only")
			}
		}
	}
	if !found {
		t.Fatal("expected owner root bind entry")
	}

	if len(p.FSRules) != 1 {
		t.Fatalf("expected 1 FSRule for owner, got %d", len(p.FSRules))
	}
	want := []AccessRight{AccessRead, AccessWrite, AccessDelete}
	if !rightsEqual(p.FSRules[0].Rights, want) {
		t.Fatalf("owner rights = %v, want %v", p.FSRules[0].Rights, want)
	}
}

func TestCompileClientRequiresNonEmptyShares(t *testing.T) {
	_, err := Compile("/var/lib/sandboxrun/roots/u1", RoleClient, nil, "", caps())
	if err == nil {
		t.Fatal("expected error for client with no shares")
	}
}

func TestCompileClientNarrowsToIntersectionOfAncestorRights(t *testing.T) {
	root := "/var/lib/sandboxrun/roots/u1"
	shares := []Share{
		{Path: root + "/Reports", Access: []AccessRight{AccessRead, AccessWrite}},
		{Path: root + "/Reports/Q1", Access: []AccessRight{AccessRead, AccessWrite, AccessDelete}},
	}
	p, err := Compile(root, RoleClient, shares, "", caps())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	var q1Rule *FSRule
	for i := range p.FSRules {
		if p.FSRules[i].Path == root+"/Reports/Q1" {
			q1Rule = &p.FSRules[i]
		}
	}
	if q1Rule == nil {
		t.Fatal("expected an FSRule for the Q1 subdirectory")
	}
	if containsRight(q1Rule.Rights, AccessDelete) {
		t.Fatal("descendant's delete right should have been narrowed away by the parent share")
	}
	if !containsRight(q1Rule.Rights, AccessRead) || !containsRight(q1Rule.Rights, AccessWrite) {
		t.Fatalf("expected read+write to survive intersection, got %v", q1Rule.Rights)
	}
}

func TestCompileClientRejectsEmptyAccessList(t *testing.T) {
	root := "/var/lib/sandboxrun/roots/u1"
	shares := []Share{{Path: root + "/Reports", Access: nil}}
	if _, err := Compile(root, RoleClient, shares, "", caps()); err == nil {
		t.Fatal("expected ErrEmptyRights for a share with no access rights")
	}
}

func TestCompileRejectsPathEscape(t *testing.T) {
	root := "/var/lib/sandboxrun/roots/u1"
	shares := []Share{{Path: "../../../etc/passwd", Access: []AccessRight{AccessRead}}}
	_, err := Compile(root, RoleClient, shares, "", caps())
	if err == nil {
		t.Fatal("expected ErrPathEscape for a share path that escapes the owner root")
	}
	var escErr *ErrPathEscape
	if !asPathEscape(err, &escErr) {
		t.Fatalf("expected *ErrPathEscape, got %T: %v", err, err)
	}
}

func TestCompileAlwaysBindsSystemLibrariesReadOnly(t *testing.T) {
	p, err := Compile("/var/lib/sandboxrun/roots/u1", RoleOwner, nil, "", caps())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	for _, libPath := range SystemLibraryBinds {
		found := false
		for _, b := range p.Binds {
			if b.HostPath == libPath {
				found = true
				if !b.Flags.ReadOnly {
					t.Fatalf("system library bind %s should be read-only", libPath)
				}
			}
		}
		if !found {
			t.Fatalf("expected system library bind for %s", libPath)
		}
	}
}

func TestCompileBindsDisplaySocketReadOnlyWhenProvided(t *testing.T) {
	p, err := Compile("/var/lib/sandboxrun/roots/u1", RoleOwner, nil, "/tmp/display100.sock", caps())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	for _, b := range p.Binds {
		if b.HostPath == "/tmp/display100.sock" {
			if !b.Flags.ReadOnly {
				t.Fatal("display socket bind should be read-only")
			}
			return
		}
	}
	t.Fatal("expected a bind entry for the display socket")
}

func rightsEqual(got, want []AccessRight) bool {
	if len(got) != len(want) {
		return false
	}
	for _, w := range want {
		if !containsRight(got, w) {
			return false
		}
	}
	return true
}

func asPathEscape(err error, target **ErrPathEscape) bool {
	e, ok := err.(*ErrPathEscape)
	if ok {
		*target = e
	}
	return ok
}
