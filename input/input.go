// Package input validates and injects InputEvents onto a session's
// virtual display in reception order. Pointer coordinates outside the
// display's configured extents are rejected; key codes are checked
// against a closed allow-list before they ever reach the display server.
package input

import (
	"context"
	"fmt"

	"github.com/sandboxrun/sandboxrun/internal/logging"
)

var log = logging.L("input")

// EventKind distinguishes the InputEvent variants spec.md §3 defines.
type EventKind string

const (
	KindPointerMove   EventKind = "pointer-move"
	KindPointerButton EventKind = "pointer-button"
	KindKey           EventKind = "key"
)

// Event is the validated, injectable form of one client input action.
type Event struct {
	Kind EventKind

	X, Y int

	Button  string
	Pressed bool

	Key      string
	Modifier ModifierMask
}

// ModifierMask is a bitmask of held modifier keys.
type ModifierMask uint8

const (
	ModShift ModifierMask = 1 << iota
	ModCtrl
	ModAlt
	ModMeta
)

// ErrInputRejected is returned for a single event that fails validation;
// per spec.md §7 this is non-fatal — the session continues and the
// rejection is reported as a `warning` event on the control channel.
type ErrInputRejected struct {
	Reason string
}

func (e *ErrInputRejected) Error() string { return fmt.Sprintf("input rejected: %s", e.Reason) }

// allowedButtons is the closed allow-list of pointer button codes.
var allowedButtons = map[string]bool{
	"left": true, "right": true, "middle": true,
}

// allowedKeys is the closed allow-list spec.md §4.5 requires: alphanumeric,
// navigation, and common editing keys, plus bare modifiers. Function keys
// and OS-level combinations (the spec's "disallowed") are never listed
// here, so they fall through to rejection by omission.
var allowedKeys = map[string]bool{
	"a": true, "b": true, "c": true, "d": true, "e": true, "f": true, "g": true,
	"h": true, "i": true, "j": true, "k": true, "l": true, "m": true, "n": true,
	"o": true, "p": true, "q": true, "r": true, "s": true, "t": true, "u": true,
	"v": true, "w": true, "x": true, "y": true, "z": true,
	"0": true, "1": true, "2": true, "3": true, "4": true, "5": true,
	"6": true, "7": true, "8": true, "9": true,
	"enter": true, "return": true, "tab": true, "space": true, "backspace": true,
	"escape": true, "esc": true, "delete": true, "del": true,
	"home": true, "end": true, "pageup": true, "pagedown": true,
	"up": true, "down": true, "left": true, "right": true,
	"comma": true, "period": true, "slash": true, "semicolon": true,
	"quote": true, "bracketleft": true, "bracketright": true,
	"minus": true, "equal": true, "backslash": true, "grave": true,
	"shift": true, "ctrl": true, "control": true, "alt": true, "meta": true, "super": true,
}

// Validate rejects ev if its pointer coordinates fall outside the
// session's display extents or its button or key is not on the closed
// allow-lists, per spec.md §3 and §4.5. It never adjusts coordinates.
func Validate(ev Event, width, height int) error {
	switch ev.Kind {
	case KindPointerMove, KindPointerButton:
		if ev.X < 0 || ev.X >= width || ev.Y < 0 || ev.Y >= height {
			return &ErrInputRejected{Reason: fmt.Sprintf("pointer (%d,%d) outside %dx%d", ev.X, ev.Y, width, height)}
		}
		if ev.Kind == KindPointerButton && !allowedButtons[ev.Button] {
			return &ErrInputRejected{Reason: fmt.Sprintf("button %q not allowed", ev.Button)}
		}
	case KindKey:
		if !allowedKeys[ev.Key] {
			return &ErrInputRejected{Reason: fmt.Sprintf("key %q not allowed", ev.Key)}
		}
	default:
		return &ErrInputRejected{Reason: fmt.Sprintf("unknown event kind %q", ev.Kind)}
	}
	return nil
}

// Injector synthesizes validated events onto one session's virtual
// display, preserving reception order via a single buffered channel
// drained by exactly one goroutine — concurrent Inject calls never
// reorder delivery.
type Injector struct {
	sessionID string
	displayID int
	width     int
	height    int

	queue  chan Event
	done   chan struct{}
	synth  Synthesizer
	onFail func(Event, error)
}

// Synthesizer is the platform-specific backend that turns a validated
// Event into an action on a display server. inject_linux.go implements
// this against the session's X11 display via xdotool/XTest.
type Synthesizer interface {
	Synthesize(ctx context.Context, displayID int, ev Event) error
}

// NewInjector starts the single drain goroutine for one session. queueSize
// bounds how many accepted-but-not-yet-injected events may be buffered;
// spec.md's ordering guarantee only covers delivery order, not an
// unbounded queue, so callers should size this to cover brief bursts.
func NewInjector(sessionID string, displayID, width, height int, synth Synthesizer, queueSize int, onFail func(Event, error)) *Injector {
	inj := &Injector{
		sessionID: sessionID,
		displayID: displayID,
		width:     width,
		height:    height,
		queue:     make(chan Event, queueSize),
		done:      make(chan struct{}),
		synth:     synth,
		onFail:    onFail,
	}
	go inj.drain()
	return inj
}

// Inject validates ev and enqueues it for injection. A validation failure
// returns ErrInputRejected immediately without touching the queue, which
// preserves the ordering guarantee for every event that IS accepted.
func (inj *Injector) Inject(ev Event) error {
	if err := Validate(ev, inj.width, inj.height); err != nil {
		return err
	}
	select {
	case inj.queue <- ev:
		return nil
	case <-inj.done:
		return fmt.Errorf("injector for session %s stopped", inj.sessionID)
	}
}

func (inj *Injector) drain() {
	ctx := context.Background()
	for {
		select {
		case ev := <-inj.queue:
			if err := inj.synth.Synthesize(ctx, inj.displayID, ev); err != nil {
				log.Warn("input synthesis failed", "sessionId", inj.sessionID, "kind", ev.Kind, "error", err)
				if inj.onFail != nil {
					inj.onFail(ev, err)
				}
			}
		case <-inj.done:
			return
		}
	}
}

// Stop halts the drain goroutine. Any events still queued are dropped.
func (inj *Injector) Stop() {
	close(inj.done)
}
