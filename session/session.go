// Package session implements C8: the session lifecycle state machine
// and the process-wide registry of live sessions. It composes C1
// (display), C3 (policy), C2 (sandbox), C4 (capture), C5 (input) and C6
// (transport) in the control-flow order of spec.md §2, and is the
// collaborator C7 (signaling) and C9 (permwatch) call into.
//
// Each session's state transitions run on a single serialized command
// goroutine — grounded on the teacher's `sessionbroker.Broker`, which
// drives per-session state the same way, one command at a time, so two
// transitions can never interleave or race.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sandboxrun/sandboxrun/capture"
	"github.com/sandboxrun/sandboxrun/cgroup"
	"github.com/sandboxrun/sandboxrun/display"
	"github.com/sandboxrun/sandboxrun/input"
	"github.com/sandboxrun/sandboxrun/internal/audit"
	"github.com/sandboxrun/sandboxrun/internal/config"
	"github.com/sandboxrun/sandboxrun/internal/logging"
	"github.com/sandboxrun/sandboxrun/internal/workerpool"
	"github.com/sandboxrun/sandboxrun/policy"
	"github.com/sandboxrun/sandboxrun/registry"
	"github.com/sandboxrun/sandboxrun/sandbox"
	"github.com/sandboxrun/sandboxrun/transport"
)

var log = logging.L("session")

// State is one node of the §4.8 state machine.
type State int

const (
	StateInitializing State = iota
	StatePolicyReady
	StateSpawned
	StateRunning
	StateRebuilding
	StateExpiring
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StatePolicyReady:
		return "policy_ready"
	case StateSpawned:
		return "spawned"
	case StateRunning:
		return "running"
	case StateRebuilding:
		return "rebuilding"
	case StateExpiring:
		return "expiring"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// PermissionSource is the boundary interface into the external
// permission store; Manager only consumes it, never implements it.
type PermissionSource interface {
	Enumerate(userID, ownerID string) ([]policy.Share, error)
	Verify(userID, ownerID, path string, right policy.AccessRight) (bool, error)
}

// EventSink delivers lifecycle notifications to the client's signaling
// channel — signaling.connection implements it, letting this package
// stay ignorant of the wire protocol.
type EventSink interface {
	SendEvent(event string, details map[string]any)
}

// Session is the aggregate root from spec.md §3. All mutation happens
// on the single control goroutine started by CreateSession; fields below
// are read under mu, e.g. by Manager.Snapshots.
type Session struct {
	ID           string
	UserID       string
	Role         policy.Role
	OwnerID      string
	AppID        string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	lastActivity time.Time

	mgr *Manager

	mu       sync.Mutex
	state    State
	sink     EventSink
	display  *display.Handle
	resolved *policy.ResolvedPolicy
	child    *sandbox.Child
	pipeline *capture.Pipeline
	peer     *transport.Peer
	injector *input.Injector

	cmds    chan func()
	done    chan struct{}
	cancel  context.CancelFunc
}

// Snapshot is a read-only copy of a session's externally visible state.
type Snapshot struct {
	ID        string
	UserID    string
	AppID     string
	State     State
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Manager owns the session registry and every dependency C8 composes.
// Grounded on the teacher's `desktop.SessionManager`: a sync.RWMutex-
// guarded map plus the shared pools/config every session draws from.
type Manager struct {
	cfg      *config.Config
	displays *display.Pool
	apps     *registry.Registry
	perms    PermissionSource
	auditLog *audit.Logger
	wp       *workerpool.Pool

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager wires C1's display pool and the application registry into
// a fresh, empty session registry. Startup orphan reaping (gopsutil scan
// for leftover process groups from a prior run) is performed separately
// by ReapOrphans so callers can sequence it before or after this call.
// wp is the shared bounded pool each session's launch runs its fork/exec,
// cgroup and display-start syscalls on; launch waits for each of them, so
// the session's control goroutine handles no other command meanwhile.
func NewManager(cfg *config.Config, displays *display.Pool, apps *registry.Registry, perms PermissionSource, auditLog *audit.Logger, wp *workerpool.Pool) *Manager {
	return &Manager{
		cfg:      cfg,
		displays: displays,
		apps:     apps,
		perms:    perms,
		auditLog: auditLog,
		wp:       wp,
		sessions: make(map[string]*Session),
	}
}

// CreateSession implements signaling.Coordinator: it allocates a
// session id and starts its control goroutine at Initializing. The
// actual launch sequence (policy compile, display allocate, capture
// start, sandbox spawn, peer create) runs asynchronously on that
// goroutine — HandleOffer is what later attaches the signaling
// connection's SDP exchange once PolicyReady/Spawned complete.
//
// ownerID identifies whose storage root the app runs against; an empty
// ownerID (or one equal to userID) means the user is launching their
// own app as RoleOwner. Any other ownerID means userID is viewing an
// owner's app as RoleClient, subject to that owner's granted shares.
func (m *Manager) CreateSession(userID, ownerID, appID string) (string, error) {
	app, ok := m.apps.Get(appID)
	if !ok {
		return "", fmt.Errorf("unknown app %q", appID)
	}

	role := policy.RoleOwner
	if ownerID == "" {
		ownerID = userID
	} else if ownerID != userID {
		role = policy.RoleClient
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:           id,
		UserID:       userID,
		Role:         role,
		OwnerID:      ownerID,
		AppID:        appID,
		CreatedAt:    time.Now(),
		lastActivity: time.Now(),
		mgr:          m,
		state:        StateInitializing,
		cmds:         make(chan func(), 16),
		done:         make(chan struct{}),
		cancel:       cancel,
	}

	m.mu.Lock()
	if len(m.sessions) >= m.cfg.MaxConcurrentSessions {
		m.mu.Unlock()
		cancel()
		return "", fmt.Errorf("max concurrent sessions reached")
	}
	m.sessions[id] = s
	m.mu.Unlock()

	go s.run(ctx)
	s.submit(func() { s.launch(ctx, app.BinaryPath) })

	m.auditLog.Log(audit.EventSessionLaunched, id, map[string]any{"userId": userID, "appId": appID})
	return id, nil
}

// BindSink attaches the signaling connection's event sink — called by
// the signaling connection right after request-offer has created the
// session.
func (m *Manager) BindSink(sessionID string, sink EventSink) {
	s := m.get(sessionID)
	if s == nil {
		return
	}
	s.submit(func() {
		s.mu.Lock()
		s.sink = sink
		s.mu.Unlock()
	})
}

// HandleOffer implements signaling.Coordinator.
func (m *Manager) HandleOffer(sessionID, sdp string) (string, error) {
	s := m.get(sessionID)
	if s == nil {
		return "", fmt.Errorf("unknown session %s", sessionID)
	}
	return s.handleOffer(sdp)
}

// HandleICECandidate implements signaling.Coordinator.
func (m *Manager) HandleICECandidate(sessionID, candidate string) error {
	s := m.get(sessionID)
	if s == nil {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	if peer == nil {
		return fmt.Errorf("session %s has no peer yet", sessionID)
	}
	return peer.AddICECandidate(candidate)
}

// HandleInput implements signaling.Coordinator: the signaling-channel
// input fallback spec.md §4.6 permits when the channel is itself
// authenticated and encrypted (it is — bearer auth at upgrade, TLS at
// the listener). This is also the path that satisfies P5's literal
// ordering guarantee ("input events accepted by the signaling
// endpoint"), so it stays fully wired alongside C6's preferred
// data-channel path rather than existing only as unexercised fallback
// prose.
func (m *Manager) HandleInput(sessionID string, raw json.RawMessage) error {
	s := m.get(sessionID)
	if s == nil {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	return s.injectRaw(raw)
}

// injectRaw decodes and injects one input event. Shared by the signaling
// endpoint's input message path and C6's data-channel input path so both
// transports funnel through the same injector and lastActivity bookkeeping.
func (s *Session) injectRaw(raw json.RawMessage) error {
	var ev input.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("decode input event: %w", err)
	}

	s.mu.Lock()
	s.lastActivity = time.Now()
	inj := s.injector
	s.mu.Unlock()
	if inj == nil {
		return fmt.Errorf("session %s has no injector yet", s.ID)
	}
	return inj.Inject(ev)
}

// Close implements signaling.Coordinator: the signaling channel dropped,
// which per §4.8 is a TransportFailed trigger driving the session to
// Terminated.
func (m *Manager) Close(sessionID string) {
	s := m.get(sessionID)
	if s == nil {
		return
	}
	s.submit(func() { s.terminate("signaling channel closed") })
}

// Rebuild implements permwatch's narrow-event trigger: drives sessionID
// from Running into Rebuilding, per I5 — the old child is killed before
// the replacement reaches Running. path is the permission-store path
// that narrowed, reported to the client as permission_revoked (spec.md
// §4.7) before the old child is torn down.
func (m *Manager) Rebuild(sessionID, path string) {
	s := m.get(sessionID)
	if s == nil {
		return
	}
	s.submit(func() { s.rebuild(path) })
}

// ActiveSessionsFor implements permwatch.SessionRebuilder: it maps a
// permission-store event's (userID, ownerID) onto every live session
// that pair's access rights govern.
func (m *Manager) ActiveSessionsFor(userID, ownerID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, s := range m.sessions {
		if s.UserID == userID && s.OwnerID == ownerID {
			out = append(out, id)
		}
	}
	return out
}

func (m *Manager) get(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

func (m *Manager) remove(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// Snapshots returns a point-in-time view of every live session.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		s.mu.Lock()
		out = append(out, Snapshot{ID: s.ID, UserID: s.UserID, AppID: s.AppID, State: s.state, CreatedAt: s.CreatedAt, ExpiresAt: s.ExpiresAt})
		s.mu.Unlock()
	}
	return out
}

// Shutdown terminates every live session and waits for each to finish
// releasing its resources, up to ctx's deadline. Grounded on the
// teacher's heartbeat drain-then-stop shutdown shape, generalized from
// "one heartbeat loop" to "every live session's control goroutine".
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.submit(func() { s.terminate("daemon shutting down") })
	}
	for _, s := range sessions {
		select {
		case <-s.done:
		case <-ctx.Done():
			return
		}
	}
}

// submit enqueues fn onto the session's single command goroutine,
// guaranteeing transitions never interleave.
func (s *Session) submit(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.done:
	}
}

func (s *Session) run(ctx context.Context) {
	expiry := time.NewTimer(0)
	expiry.Stop()
	warning := time.NewTimer(0)
	warning.Stop()
	idle := time.NewTimer(0)
	idle.Stop()

	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-warning.C:
			s.submit(func() { s.enterExpiring() })
		case <-expiry.C:
			s.submit(func() { s.terminate("expiry timeout reached") })
		case <-idle.C:
			s.submit(func() { s.terminate("idle session inactivity timeout reached") })
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}

		s.mu.Lock()
		st := s.state
		created := s.CreatedAt
		lastActivity := s.lastActivity
		s.mu.Unlock()
		if st == StateRunning && s.mgr.cfg.ExpiryTimeoutSeconds > 0 {
			total := time.Duration(s.mgr.cfg.ExpiryTimeoutSeconds) * time.Second
			warnAt := time.Duration(s.mgr.cfg.ExpiryWarningSeconds) * time.Second
			remaining := total - time.Since(created)
			if remaining > 0 {
				expiry.Reset(remaining)
			}
			if remaining-warnAt > 0 {
				warning.Reset(remaining - warnAt)
			}
		}
		if st == StateRunning && s.mgr.cfg.IdleTimeoutSeconds > 0 {
			idleTotal := time.Duration(s.mgr.cfg.IdleTimeoutSeconds) * time.Second
			idleRemaining := idleTotal - time.Since(lastActivity)
			if idleRemaining > 0 {
				idle.Reset(idleRemaining)
			} else {
				idle.Reset(time.Millisecond)
			}
		} else {
			idle.Stop()
		}
		if st == StateTerminated {
			return
		}
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) sendEvent(event string, details map[string]any) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink.SendEvent(event, details)
	}
}

// launch runs the launch sequence for a brand new session id: display
// (C1), policy (C3), capture (C4), peer (C6), sandbox (C2), then input
// (C5). Any failure at any step aborts
// with a full resource release, matching the Terminated-entry
// requirement to tolerate partial prior construction.
func (s *Session) launch(ctx context.Context, binaryPath string) {
	caps := policy.ResourceCaps{CPUShares: 100, MemoryMax: 1 << 30, PIDsMax: 256}

	dh, err := s.mgr.displays.Acquire(ctx)
	if err != nil {
		log.Error("display acquire failed", "sessionId", s.ID, "error", err)
		s.releaseAll("display acquire failed")
		return
	}
	s.mu.Lock()
	s.display = dh
	s.mu.Unlock()

	var shares []policy.Share
	if s.Role == policy.RoleClient {
		shares, err = s.mgr.perms.Enumerate(s.UserID, s.OwnerID)
		if err != nil {
			log.Error("permission enumerate failed", "sessionId", s.ID, "error", err)
			s.releaseAll("permission enumerate failed")
			return
		}
	}

	resolved, err := policy.Compile(s.mgr.cfg.OwnerRootBase+"/"+s.OwnerID, s.Role, shares, dh.SocketPath, caps)
	if err != nil {
		log.Error("policy compile failed", "sessionId", s.ID, "error", err)
		s.releaseAll("policy compile failed")
		return
	}
	s.mu.Lock()
	s.resolved = resolved
	s.mu.Unlock()
	s.setState(StatePolicyReady)

	src, err := capture.NewXDisplaySource(dh.ID)
	if err != nil {
		log.Error("capture source open failed", "sessionId", s.ID, "error", err)
		s.releaseAll("capture source open failed")
		return
	}
	enc, err := capture.NewVP8Encoder(capture.DefaultFrameConfig())
	if err != nil {
		src.Close()
		log.Error("encoder init failed", "sessionId", s.ID, "error", err)
		s.releaseAll("encoder init failed")
		return
	}

	peer, err := transport.NewPeer(s.ID, transport.Config{ICEServers: s.mgr.cfg.ICEServers})
	if err != nil {
		src.Close()
		enc.Close()
		log.Error("peer create failed", "sessionId", s.ID, "error", err)
		s.releaseAll("peer create failed")
		return
	}
	pipeline := capture.NewPipeline(capture.DefaultFrameConfig(), src, enc, peer)
	peer.OnForceKeyframe(pipeline.ForceKeyframe)
	peer.OnStateChange(func(cs transport.ConnectionState) {
		if cs == transport.StateFailed || cs == transport.StateClosed {
			s.submit(func() { s.terminate("transport connection lost") })
		}
	})

	s.mu.Lock()
	s.pipeline = pipeline
	s.peer = peer
	s.mu.Unlock()
	go func() {
		if err := pipeline.Run(ctx); err != nil {
			log.Warn("capture pipeline stopped", "sessionId", s.ID, "error", err)
			s.submit(func() { s.terminate("capture pipeline failed") })
		}
	}()

	child, err := sandbox.Spawn(ctx, sandbox.Spec{
		SessionID:  s.ID,
		Binary:     binaryPath,
		Policy:     resolved,
		CgroupName: s.ID,
		DisplayID:  dh.ID,
		Pool:       s.mgr.wp,
		Env: []string{
			"ROOT_PATH=" + s.mgr.cfg.OwnerRootBase + "/" + s.OwnerID,
		},
	})
	if err != nil {
		log.Error("sandbox spawn failed", "sessionId", s.ID, "error", err)
		s.releaseAll("sandbox spawn failed")
		return
	}

	synth := input.NewXTestSynthesizer()
	injector := input.NewInjector(s.ID, dh.ID, dh.Width, dh.Height, synth, 256, func(ev input.Event, err error) {
		s.sendEvent("warning", map[string]any{"reason": err.Error()})
	})

	s.mu.Lock()
	s.child = child
	s.injector = injector
	s.ExpiresAt = time.Now().Add(time.Duration(s.mgr.cfg.ExpiryTimeoutSeconds) * time.Second)
	s.mu.Unlock()

	dcInputLim := rate.NewLimiter(rate.Limit(s.mgr.cfg.InputEventsPerSecond), s.mgr.cfg.InputBurstSize)
	peer.OnInput(func(raw []byte) {
		if !dcInputLim.Allow() {
			return
		}
		if err := s.injectRaw(raw); err != nil {
			s.sendEvent("warning", map[string]any{"reason": err.Error()})
		}
	})

	s.setState(StateSpawned)
	s.setState(StateRunning)
	pipeline.ForceKeyframe()

	go func() {
		waitErr := child.Wait()
		s.submit(func() {
			s.mu.Lock()
			current := s.child
			st := s.state
			s.mu.Unlock()
			// A rebuild may have already replaced s.child by the time this
			// check runs (releaseResources kills the old child, which wakes
			// this goroutine, while rebuild's synchronous relaunch races
			// ahead of it onto the command queue). Only the waiter watching
			// the session's *current* child may terminate it.
			if current != child {
				return
			}
			if st != StateTerminated && st != StateRebuilding {
				log.Info("sandboxed app exited", "sessionId", s.ID, "error", waitErr)
				s.terminate("app process exited")
			}
		})
	}()
}

// handleOffer is synchronous from the signaling endpoint's point of
// view and reads the peer, set up on the control goroutine, under mu.
// launch runs asynchronously after request-offer and the client is not
// told when it finishes, so an offer that arrives before the peer exists
// gets an error.
func (s *Session) handleOffer(sdp string) (string, error) {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	if peer == nil {
		return "", fmt.Errorf("session %s has no peer yet", s.ID)
	}
	return peer.CreateAnswer(context.Background(), sdp)
}

// rebuild implements I5: notify the client which path narrowed, kill the
// child, release display/capture/peer, then re-enter Initializing with a
// fresh display id and freshly compiled policy, atomically from the
// control goroutine's perspective.
func (s *Session) rebuild(path string) {
	s.mu.Lock()
	binaryPath := ""
	if app, ok := s.mgr.apps.Get(s.AppID); ok {
		binaryPath = app.BinaryPath
	}
	s.mu.Unlock()

	s.sendEvent("permission_revoked", map[string]any{"path": path})

	s.setState(StateRebuilding)
	s.releaseResources("policy narrowed")
	s.mgr.auditLog.Log(audit.EventSessionRebuilt, s.ID, map[string]any{"path": path})

	if binaryPath == "" {
		s.terminate("app no longer in registry")
		return
	}

	s.setState(StateInitializing)
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	oldCancel := s.cancel
	s.cancel = cancel
	s.mu.Unlock()
	oldCancel()
	s.launch(ctx, binaryPath)
}

// enterExpiring sends the 5-minute warning event per spec.md's
// Expiring state.
func (s *Session) enterExpiring() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateExpiring
	warnSeconds := s.mgr.cfg.ExpiryWarningSeconds
	s.mu.Unlock()
	s.sendEvent("session_expiring", map[string]any{"seconds_remaining": warnSeconds})
}

// terminate runs the full, idempotent Terminated-entry release sequence
// from spec.md §4.8: stop encoder/capture, close peer, kill child group,
// release display, remove cgroup, audit — tolerating partial prior
// construction at every step.
func (s *Session) terminate(reason string) {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.state = StateTerminated
	s.mu.Unlock()

	s.releaseResources(reason)
	s.sendEvent("session_terminated", map[string]any{"reason": reason})
	s.mgr.auditLog.Log(audit.EventSessionTerminated, s.ID, map[string]any{"reason": reason})

	s.mgr.remove(s.ID)
	s.cancel()
	close(s.done)
}

// releaseAll is used by launch() on a construction failure before the
// session ever reached Running: it releases whatever was built so far
// and moves straight to Terminated.
func (s *Session) releaseAll(reason string) {
	s.mu.Lock()
	s.state = StateTerminated
	s.mu.Unlock()
	s.releaseResources(reason)
	s.mgr.auditLog.Log(audit.EventSessionTerminated, s.ID, map[string]any{"reason": reason})
	s.mgr.remove(s.ID)
	s.cancel()
	close(s.done)
}

func (s *Session) releaseResources(reason string) {
	s.mu.Lock()
	injector := s.injector
	peer := s.peer
	pipeline := s.pipeline
	child := s.child
	dh := s.display
	s.injector, s.peer, s.pipeline, s.child, s.display = nil, nil, nil, nil, nil
	s.mu.Unlock()

	if injector != nil {
		injector.Stop()
	}
	if pipeline != nil {
		pipeline.Close()
	}
	if peer != nil {
		if err := peer.Close(); err != nil {
			log.Warn("peer close failed during release", "sessionId", s.ID, "error", err)
		}
	}
	if child != nil {
		child.Terminate(5 * time.Second)
	}
	if dh != nil {
		s.mgr.displays.Release(dh)
	}
	cgroup.Remove(s.ID)
	log.Info("session resources released", "sessionId", s.ID, "reason", reason)
}
