// Package permwatch implements C9: it subscribes to the external
// permission store's change feed and drives affected sessions into
// Rebuilding on a narrowing event. Grounded on the teacher's
// internal/websocket.Client reconnect/backoff/read-pump shape, lifted
// from "a WebSocket connection to one server" to "an abstract
// subscription to one PermissionSource" — the dial/reconnect idiom is
// identical, only the transport underneath changed.
package permwatch

import (
	"context"
	"math/rand"
	"time"

	"github.com/sandboxrun/sandboxrun/internal/logging"
	"github.com/sandboxrun/sandboxrun/policy"
)

var log = logging.L("permwatch")

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3
)

// ChangeKind distinguishes a narrowing event (revoke, expire,
// access-downgrade) from a broadening one (grant). Per spec.md §4.9 and
// invariant I5, only narrow events force a rebuild; broaden events are
// logged and otherwise ignored — a Running session's policy is never
// relaxed in place.
type ChangeKind int

const (
	ChangeNarrow ChangeKind = iota
	ChangeBroaden
)

// Change is one permission-store event.
type Change struct {
	UserID  string
	OwnerID string
	Kind    ChangeKind
	Path    string
	Access  []policy.AccessRight
}

// PermissionSource is the external boundary this package consumes — the
// real store is an external collaborator per spec.md §1; this interface
// is the contract it must honor.
type PermissionSource interface {
	// Enumerate returns every active permission for (userID, ownerID).
	Enumerate(userID, ownerID string) ([]policy.Share, error)
	// Verify reports whether a specific right is currently held.
	Verify(userID, ownerID, path string, right policy.AccessRight) (bool, error)
	// Subscribe opens the change feed, delivering events on the returned
	// channel until ctx is cancelled or the subscription drops (in which
	// case the channel is closed and the Watcher reconnects).
	Subscribe(ctx context.Context) (<-chan Change, error)
}

// SessionRebuilder is the slice of session.Manager this package drives;
// declared locally so permwatch doesn't need the whole Manager surface.
type SessionRebuilder interface {
	// ActiveSessionsFor returns the ids of every live session whose
	// (userID, ownerID) pair matches, so one permission-store event can
	// be mapped onto every affected session.
	ActiveSessionsFor(userID, ownerID string) []string
	// Rebuild drives sessionID into Rebuilding. path is the narrowed
	// permission path, reported to the client as permission_revoked.
	Rebuild(sessionID, path string)
}

// Watcher runs the subscription loop for the lifetime of a daemon
// process. Exactly one Watcher exists per process.
type Watcher struct {
	source   PermissionSource
	sessions SessionRebuilder
	done     chan struct{}
}

func NewWatcher(source PermissionSource, sessions SessionRebuilder) *Watcher {
	return &Watcher{source: source, sessions: sessions, done: make(chan struct{})}
}

// Run drives the reconnect/backoff loop until ctx is cancelled or Stop
// is called. Intended to run in its own goroutine for the daemon's
// lifetime.
func (w *Watcher) Run(ctx context.Context) {
	backoff := initialBackoff

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		default:
		}

		changes, err := w.source.Subscribe(ctx)
		if err != nil {
			log.Warn("permission store subscribe failed", "error", err)
			if !w.sleep(ctx, jitter(backoff)) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = initialBackoff
		w.drain(ctx, changes)

		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		default:
		}
	}
}

// drain consumes one subscription's change feed until it closes
// (server dropped, transport error) or ctx is cancelled.
func (w *Watcher) drain(ctx context.Context, changes <-chan Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case change, ok := <-changes:
			if !ok {
				log.Warn("permission store subscription dropped, reconnecting")
				return
			}
			w.handle(change)
		}
	}
}

func (w *Watcher) handle(change Change) {
	sessionIDs := w.sessions.ActiveSessionsFor(change.UserID, change.OwnerID)

	switch change.Kind {
	case ChangeNarrow:
		for _, id := range sessionIDs {
			log.Info("permission narrowed, rebuilding session", "sessionId", id, "path", change.Path)
			w.sessions.Rebuild(id, change.Path)
		}
	case ChangeBroaden:
		// I5: broaden events never trigger a rebuild. Clients must
		// re-launch to pick up new rights.
		log.Info("permission broadened, no rebuild (client must relaunch)", "userId", change.UserID, "ownerId", change.OwnerID, "path", change.Path)
	}
}

func (w *Watcher) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-w.done:
		return false
	case <-time.After(d):
		return true
	}
}

// Stop halts the subscription loop.
func (w *Watcher) Stop() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}

func jitter(backoff time.Duration) time.Duration {
	j := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
	sleep := backoff + j
	if sleep < 0 {
		sleep = backoff
	}
	return sleep
}

func nextBackoff(backoff time.Duration) time.Duration {
	next := time.Duration(float64(backoff) * backoffFactor)
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
