package input

import (
	"context"
	"testing"
	"time"
)

func TestValidateRejectsPointerOutsideDisplayExtents(t *testing.T) {
	cases := []struct {
		name    string
		ev      Event
		wantErr bool
	}{
		{"in bounds", Event{Kind: KindPointerMove, X: 100, Y: 100}, false},
		{"beyond width", Event{Kind: KindPointerMove, X: 5000, Y: 5000}, true},
		{"negative", Event{Kind: KindPointerMove, X: -1, Y: 0}, true},
		{"on edge", Event{Kind: KindPointerMove, X: 1919, Y: 1079}, false},
		{"at width", Event{Kind: KindPointerMove, X: 1920, Y: 0}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := Validate(c.ev, 1920, 1080)
			if (err != nil) != c.wantErr {
				t.Fatalf("Validate(%+v) error = %v, wantErr %v", c.ev, err, c.wantErr)
			}
		})
	}
}

func TestValidateRejectsDisallowedKeysAndButtons(t *testing.T) {
	if err := Validate(Event{Kind: KindKey, Key: "f1"}, 1920, 1080); err == nil {
		t.Fatal("function key should be rejected")
	}
	if err := Validate(Event{Kind: KindKey, Key: "a"}, 1920, 1080); err != nil {
		t.Fatalf("alphanumeric key should be allowed: %v", err)
	}
	if err := Validate(Event{Kind: KindPointerButton, X: 0, Y: 0, Button: "superclick"}, 1920, 1080); err == nil {
		t.Fatal("unknown button should be rejected")
	}
}

type fakeSynth struct {
	order chan Event
}

func (f *fakeSynth) Synthesize(ctx context.Context, displayID int, ev Event) error {
	f.order <- ev
	return nil
}

func TestInjectorPreservesReceptionOrder(t *testing.T) {
	fs := &fakeSynth{order: make(chan Event, 16)}
	inj := NewInjector("s1", 100, 1920, 1080, fs, 16, nil)
	defer inj.Stop()

	for i := 0; i < 10; i++ {
		ev := Event{Kind: KindPointerMove, X: i, Y: i}
		if err := inj.Inject(ev); err != nil {
			t.Fatalf("Inject: %v", err)
		}
	}

	for i := 0; i < 10; i++ {
		select {
		case got := <-fs.order:
			if got.X != i {
				t.Fatalf("event %d arrived out of order: got X=%d", i, got.X)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for injected event")
		}
	}
}

func TestInjectRejectsOutOfRangeBeforeQueueing(t *testing.T) {
	fs := &fakeSynth{order: make(chan Event, 16)}
	inj := NewInjector("s1", 100, 1920, 1080, fs, 16, nil)
	defer inj.Stop()

	if err := inj.Inject(Event{Kind: KindPointerMove, X: 5000, Y: 5000}); err == nil {
		t.Fatal("out-of-range pointer-move should be rejected")
	}
	if err := inj.Inject(Event{Kind: KindPointerMove, X: 100, Y: 100}); err != nil {
		t.Fatalf("valid event after rejection should still be accepted: %v", err)
	}

	select {
	case got := <-fs.order:
		if got.X != 100 {
			t.Fatalf("expected the valid event to be injected first, got X=%d", got.X)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for injected event")
	}
}
