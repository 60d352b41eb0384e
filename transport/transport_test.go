package transport

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestTranslateState(t *testing.T) {
	cases := []struct {
		in   webrtc.PeerConnectionState
		want ConnectionState
	}{
		{webrtc.PeerConnectionStateConnected, StateConnected},
		{webrtc.PeerConnectionStateDisconnected, StateDisconnected},
		{webrtc.PeerConnectionStateFailed, StateFailed},
		{webrtc.PeerConnectionStateClosed, StateClosed},
		{webrtc.PeerConnectionStateNew, StateNew},
	}
	for _, c := range cases {
		if got := translateState(c.in); got != c.want {
			t.Fatalf("translateState(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestNewPeerCreatesVideoTrackAndInputChannel(t *testing.T) {
	p, err := NewPeer("sess-1", Config{})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	defer p.Close()

	if p.track == nil {
		t.Fatal("expected a video track")
	}
	if p.inputDC == nil {
		t.Fatal("expected an input data channel")
	}
}

func TestPeerCloseIsIdempotent(t *testing.T) {
	p, err := NewPeer("sess-2", Config{})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close should be a no-op: %v", err)
	}
}
