// Package signaling implements C7: the authenticated, full-duplex
// WebSocket channel that exchanges SDP/ICE with the client and relays
// input events to the session. Grounded on the teacher's
// internal/websocket client (ping/pong keepalive, read/write pump split,
// first-field-peek message dispatch) but inverted — this is the accept
// side of the connection, not the dial side — and with the teacher's
// sliding-window RateLimiter idiom swapped for a token bucket
// (golang.org/x/time/rate) since spec.md names a hard per-second input
// ceiling rather than a connection-attempt budget.
package signaling

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/sandboxrun/sandboxrun/internal/audit"
	"github.com/sandboxrun/sandboxrun/internal/logging"
	"github.com/sandboxrun/sandboxrun/session"
)

var log = logging.L("signaling")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// MessageType tags every frame exchanged on the channel per spec.md §4.7.
type MessageType string

const (
	MsgRequestOffer  MessageType = "request-offer"
	MsgOffer         MessageType = "offer"
	MsgAnswer        MessageType = "answer"
	MsgICECandidate  MessageType = "ice-candidate"
	MsgInput         MessageType = "input"
	MsgEvent         MessageType = "event"
)

// Message is the tagged JSON envelope for every direction.
type Message struct {
	Type      MessageType     `json:"type"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate string          `json:"candidate,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Event     string          `json:"event,omitempty"`
	Details   map[string]any  `json:"details,omitempty"`
	AppID     string          `json:"appId,omitempty"`
	OwnerID   string          `json:"ownerId,omitempty"`
}

// Authenticator verifies the bearer credential on an upgrade request and
// returns the bound user identifier. Per spec.md §6, unauthenticated
// upgrades are rejected before any session resource is allocated (P7).
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, ok bool)
}

// Coordinator is the session-lifecycle boundary this package calls
// into; session.Manager implements it. Declared here rather than used
// as session.Manager directly so this package only depends on the
// narrow slice of C8 it actually needs.
type Coordinator interface {
	CreateSession(userID, ownerID, appID string) (sessionID string, err error)
	BindSink(sessionID string, sink session.EventSink)
	HandleOffer(sessionID, sdp string) (answer string, err error)
	HandleICECandidate(sessionID, candidate string) error
	HandleInput(sessionID string, raw json.RawMessage) error
	Close(sessionID string)
}

// RateLimits configures the per-channel message budget and the stricter
// per-second input-event ceiling spec.md §4.7 and §7 both require.
type RateLimits struct {
	MessagesPerSecond float64
	MessageBurst      int
	InputPerSecond    float64
	InputBurst        int
}

// Endpoint upgrades HTTP connections to the signaling channel.
type Endpoint struct {
	upgrader websocket.Upgrader
	auth     Authenticator
	coord    Coordinator
	limits   RateLimits
	auditLog *audit.Logger
}

func NewEndpoint(auth Authenticator, coord Coordinator, limits RateLimits, auditLog *audit.Logger) *Endpoint {
	return &Endpoint{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		auth:     auth,
		coord:    coord,
		limits:   limits,
		auditLog: auditLog,
	}
}

// ErrAuthenticationFailed marks an upgrade rejected before any session
// resource was touched.
type ErrAuthenticationFailed struct{}

func (ErrAuthenticationFailed) Error() string { return "signaling: authentication failed" }

// ServeHTTP authenticates the request, upgrades to WebSocket, and runs
// the connection's read/write pumps until it closes.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := e.auth.Authenticate(r)
	if !ok {
		log.Warn("signaling upgrade rejected: authentication failed", "remoteAddr", r.RemoteAddr)
		e.auditLog.Log(audit.EventAuthenticationFailure, "", map[string]any{"remoteAddr": r.RemoteAddr})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err, "userId", userID)
		return
	}

	c := &connection{
		conn:     conn,
		coord:    e.coord,
		userID:   userID,
		send:     make(chan Message, 32),
		done:     make(chan struct{}),
		msgLim:   rate.NewLimiter(rate.Limit(e.limits.MessagesPerSecond), e.limits.MessageBurst),
		inputLim: rate.NewLimiter(rate.Limit(e.limits.InputPerSecond), e.limits.InputBurst),
		auditLog: e.auditLog,
	}

	go c.writePump()
	c.readPump()
}

// connection is one signaling channel bound to one user and (after
// request-offer) one session.
type connection struct {
	conn      *websocket.Conn
	coord     Coordinator
	userID    string
	sessionID string

	send     chan Message
	done     chan struct{}
	closeMu  sync.Once
	msgLim   *rate.Limiter
	inputLim *rate.Limiter
	auditLog *audit.Logger

	rejectedInputs uint64
}

func (c *connection) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		if !c.msgLim.Allow() {
			log.Warn("signaling rate limit exceeded, message dropped", "userId", c.userID, "sessionId", c.sessionID)
			c.auditLog.Log(audit.EventRateLimitTrip, c.sessionID, map[string]any{"userId": c.userID, "limit": "message"})
			continue
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warn("malformed signaling message", "userId", c.userID, "error", err)
			continue
		}

		c.handle(msg)
	}
}

func (c *connection) handle(msg Message) {
	switch msg.Type {
	case MsgRequestOffer:
		sessionID, err := c.coord.CreateSession(c.userID, msg.OwnerID, msg.AppID)
		if err != nil {
			c.sendEvent("session_terminated", map[string]any{"reason": err.Error()})
			return
		}
		c.sessionID = sessionID
		c.coord.BindSink(sessionID, c)

	case MsgOffer:
		if c.sessionID == "" {
			return
		}
		answer, err := c.coord.HandleOffer(c.sessionID, msg.SDP)
		if err != nil {
			log.Warn("offer handling failed", "sessionId", c.sessionID, "error", err)
			return
		}
		c.enqueue(Message{Type: MsgAnswer, SDP: answer})

	case MsgICECandidate:
		if c.sessionID == "" {
			return
		}
		if err := c.coord.HandleICECandidate(c.sessionID, msg.Candidate); err != nil {
			log.Warn("ice candidate handling failed", "sessionId", c.sessionID, "error", err)
		}

	case MsgInput:
		if c.sessionID == "" {
			return
		}
		if !c.inputLim.Allow() {
			c.rejectedInputs++
			return
		}
		if err := c.coord.HandleInput(c.sessionID, msg.Input); err != nil {
			c.sendEvent("warning", map[string]any{"reason": err.Error()})
		}

	default:
		log.Warn("unknown signaling message type", "type", msg.Type, "userId", c.userID)
	}
}

// sendEvent enqueues a backend->client lifecycle notification per
// spec.md §4.7 (`permission_revoked`, `session_expiring`, `session_terminated`, etc.).
func (c *connection) sendEvent(event string, details map[string]any) {
	c.enqueue(Message{Type: MsgEvent, Event: event, Details: details})
}

// SendEvent implements EventSink: it is how session.Manager pushes a
// lifecycle notification onto this specific, already-established
// channel from outside the read pump.
func (c *connection) SendEvent(event string, details map[string]any) {
	c.sendEvent(event, details)
}

func (c *connection) enqueue(msg Message) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		log.Warn("signaling send buffer full, dropping message", "sessionId", c.sessionID, "type", msg.Type)
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *connection) close() {
	c.closeMu.Do(func() {
		close(c.done)
		c.conn.Close()
		if c.rejectedInputs > 0 {
			c.auditLog.Log(audit.EventInputRejectionBucket, c.sessionID, map[string]any{"userId": c.userID, "count": c.rejectedInputs})
		}
		if c.sessionID != "" {
			c.coord.Close(c.sessionID)
		}
	})
}
