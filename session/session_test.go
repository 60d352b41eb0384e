package session

import "testing"

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateInitializing: "initializing",
		StatePolicyReady:  "policy_ready",
		StateSpawned:      "spawned",
		StateRunning:      "running",
		StateRebuilding:   "rebuilding",
		StateExpiring:     "expiring",
		StateTerminated:   "terminated",
		State(99):         "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestSplitLinesHandlesTrailingAndNoTrailingNewline(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"123\n", []string{"123"}},
		{"123\n456", []string{"123", "456"}},
		{"123\n456\n", []string{"123", "456"}},
	}
	for _, c := range cases {
		got := splitLines([]byte(c.in))
		if len(got) != len(c.want) {
			t.Fatalf("splitLines(%q) = %v, want %v", c.in, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("splitLines(%q)[%d] = %q, want %q", c.in, i, got[i], c.want[i])
			}
		}
	}
}
