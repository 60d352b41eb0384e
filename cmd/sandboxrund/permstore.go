package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/sandboxrun/sandboxrun/permwatch"
	"github.com/sandboxrun/sandboxrun/policy"
)

// staticPermStore is the minimal PermissionSource this daemon ships
// with. The real permission store — the thing that knows which owners
// have granted which clients access to which paths, and that pushes
// narrow/broaden events when a grant changes — is an external
// collaborator outside this repo's scope; this type exists only to
// give session.Manager and permwatch.Watcher something real to compile
// and run against. An owner holds every right on their own root; a
// client holds only the shares recorded for it with Grant. Nothing in
// this daemon sends on a Subscribe feed, so it never emits a change.
type staticPermStore struct {
	mu    sync.Mutex
	subs  []chan permwatch.Change
	grant map[string][]policy.Share // key: ownerID|userID
}

func newStaticPermStore() *staticPermStore {
	return &staticPermStore{grant: make(map[string][]policy.Share)}
}

func grantKey(ownerID, userID string) string {
	return ownerID + "|" + userID
}

// Grant records that ownerID has given userID the listed shares. Not
// reachable from any HTTP route yet — wired here so the rest of the
// daemon has a real path to exercise once an admin surface exists.
func (s *staticPermStore) Grant(ownerID, userID string, shares []policy.Share) {
	s.mu.Lock()
	s.grant[grantKey(ownerID, userID)] = shares
	s.mu.Unlock()
}

func (s *staticPermStore) Enumerate(userID, ownerID string) ([]policy.Share, error) {
	if userID == ownerID {
		return nil, fmt.Errorf("Enumerate is only for client shares, not owner sessions")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grant[grantKey(ownerID, userID)], nil
}

func (s *staticPermStore) Verify(userID, ownerID, path string, right policy.AccessRight) (bool, error) {
	if userID == ownerID {
		return true, nil
	}
	s.mu.Lock()
	shares := s.grant[grantKey(ownerID, userID)]
	s.mu.Unlock()
	for _, sh := range shares {
		if sh.Path != path {
			continue
		}
		for _, r := range sh.Access {
			if r == right {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *staticPermStore) Subscribe(ctx context.Context) (<-chan permwatch.Change, error) {
	ch := make(chan permwatch.Change, 8)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, c := range s.subs {
			if c == ch {
				close(ch)
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}()
	return ch, nil
}
