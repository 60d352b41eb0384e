package signaling

import (
	"encoding/json"
	"sync"
	"testing"

	"golang.org/x/time/rate"

	"github.com/sandboxrun/sandboxrun/session"
)

type fakeCoordinator struct {
	mu       sync.Mutex
	launched []string
	offers   []string
	inputs   []string
	closed   []string
	sinks    map[string]session.EventSink
	offerErr error
}

func (f *fakeCoordinator) CreateSession(userID, ownerID, appID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "sess-" + userID + "-" + appID
	f.launched = append(f.launched, id)
	return id, nil
}

func (f *fakeCoordinator) BindSink(sessionID string, sink session.EventSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sinks == nil {
		f.sinks = make(map[string]session.EventSink)
	}
	f.sinks[sessionID] = sink
}

func (f *fakeCoordinator) HandleOffer(sessionID, sdp string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, sessionID)
	if f.offerErr != nil {
		return "", f.offerErr
	}
	return "answer-sdp", nil
}

func (f *fakeCoordinator) HandleICECandidate(sessionID, candidate string) error { return nil }

func (f *fakeCoordinator) HandleInput(sessionID string, raw json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, sessionID)
	return nil
}

func (f *fakeCoordinator) Close(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
}

func newTestConnection(coord Coordinator) *connection {
	return &connection{
		coord:    coord,
		userID:   "u1",
		send:     make(chan Message, 8),
		done:     make(chan struct{}),
		msgLim:   rate.NewLimiter(rate.Limit(100), 100),
		inputLim: rate.NewLimiter(rate.Limit(100), 100),
	}
}

func TestRequestOfferCreatesSessionAndBindsSink(t *testing.T) {
	coord := &fakeCoordinator{}
	c := newTestConnection(coord)

	c.handle(Message{Type: MsgRequestOffer, AppID: "paint", OwnerID: ""})

	if c.sessionID == "" {
		t.Fatal("expected sessionID to be set after request-offer")
	}
	coord.mu.Lock()
	defer coord.mu.Unlock()
	if len(coord.launched) != 1 {
		t.Fatalf("expected one session launch, got %v", coord.launched)
	}
	if coord.sinks[c.sessionID] != c {
		t.Fatal("expected the connection itself to be bound as the session's event sink")
	}
}

func TestOfferBeforeRequestOfferIsIgnored(t *testing.T) {
	coord := &fakeCoordinator{}
	c := newTestConnection(coord)

	c.handle(Message{Type: MsgOffer, SDP: "sdp"})

	coord.mu.Lock()
	defer coord.mu.Unlock()
	if len(coord.offers) != 0 {
		t.Fatalf("expected no offer handling without a prior request-offer, got %v", coord.offers)
	}
}

func TestOfferEnqueuesAnswer(t *testing.T) {
	coord := &fakeCoordinator{}
	c := newTestConnection(coord)
	c.sessionID = "sess-1"

	c.handle(Message{Type: MsgOffer, SDP: "offer-sdp"})

	select {
	case msg := <-c.send:
		if msg.Type != MsgAnswer || msg.SDP != "answer-sdp" {
			t.Fatalf("unexpected answer message: %+v", msg)
		}
	default:
		t.Fatal("expected an answer message to be enqueued")
	}
}

func TestInputBeforeSessionBoundIsIgnored(t *testing.T) {
	coord := &fakeCoordinator{}
	c := newTestConnection(coord)

	c.handle(Message{Type: MsgInput, Input: json.RawMessage(`{}`)})

	coord.mu.Lock()
	defer coord.mu.Unlock()
	if len(coord.inputs) != 0 {
		t.Fatalf("expected no input routed without a bound session, got %v", coord.inputs)
	}
}

func TestInputRateLimitDropsExcessEvents(t *testing.T) {
	coord := &fakeCoordinator{}
	c := newTestConnection(coord)
	c.sessionID = "sess-1"
	c.inputLim = rate.NewLimiter(rate.Limit(0), 1)

	c.handle(Message{Type: MsgInput, Input: json.RawMessage(`{}`)})
	c.handle(Message{Type: MsgInput, Input: json.RawMessage(`{}`)})

	coord.mu.Lock()
	defer coord.mu.Unlock()
	if len(coord.inputs) != 1 {
		t.Fatalf("expected the burst-exceeding input to be dropped, got %d delivered", len(coord.inputs))
	}
	if c.rejectedInputs != 1 {
		t.Fatalf("expected rejectedInputs to count the dropped event, got %d", c.rejectedInputs)
	}
}

func TestSendEventEnqueuesEventMessage(t *testing.T) {
	coord := &fakeCoordinator{}
	c := newTestConnection(coord)

	c.SendEvent("session_expiring", map[string]any{"seconds_remaining": 300})

	select {
	case msg := <-c.send:
		if msg.Type != MsgEvent || msg.Event != "session_expiring" {
			t.Fatalf("unexpected event message: %+v", msg)
		}
	default:
		t.Fatal("expected an event message to be enqueued")
	}
}

func TestEnqueueDropsWhenSendBufferFull(t *testing.T) {
	coord := &fakeCoordinator{}
	c := newTestConnection(coord)
	c.send = make(chan Message, 1)

	c.enqueue(Message{Type: MsgEvent, Event: "first"})
	c.enqueue(Message{Type: MsgEvent, Event: "second"})

	if len(c.send) != 1 {
		t.Fatalf("expected buffer to stay at capacity 1, got %d", len(c.send))
	}
}
