//go:build linux

package input

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/sandboxrun/sandboxrun/display"
)

// XTestSynthesizer synthesizes events via xdotool against the target
// session's own virtual display (never the host's), by setting DISPLAY
// on the child command rather than relying on the ambient environment —
// unlike the teacher's single-desktop agent, one process here serves
// many concurrent displays.
type XTestSynthesizer struct{}

func NewXTestSynthesizer() *XTestSynthesizer { return &XTestSynthesizer{} }

func (s *XTestSynthesizer) Synthesize(ctx context.Context, displayID int, ev Event) error {
	switch ev.Kind {
	case KindPointerMove:
		return s.run(ctx, displayID, "mousemove", strconv.Itoa(ev.X), strconv.Itoa(ev.Y))
	case KindPointerButton:
		if err := s.run(ctx, displayID, "mousemove", strconv.Itoa(ev.X), strconv.Itoa(ev.Y)); err != nil {
			return err
		}
		btn := buttonCode(ev.Button)
		if ev.Pressed {
			return s.run(ctx, displayID, "mousedown", btn)
		}
		return s.run(ctx, displayID, "mouseup", btn)
	case KindKey:
		key := translateKey(ev.Key)
		if ev.Pressed {
			return s.run(ctx, displayID, "keydown", key)
		}
		return s.run(ctx, displayID, "keyup", key)
	default:
		return fmt.Errorf("unsupported event kind %q", ev.Kind)
	}
}

func (s *XTestSynthesizer) run(ctx context.Context, displayID int, args ...string) error {
	cmd := exec.CommandContext(ctx, "xdotool", args...)
	cmd.Env = []string{fmt.Sprintf("DISPLAY=%s", display.SocketDisplayName(displayID))}
	return cmd.Run()
}

func buttonCode(button string) string {
	switch button {
	case "right":
		return "3"
	case "middle":
		return "2"
	default:
		return "1"
	}
}

func translateKey(key string) string {
	switch key {
	case "enter", "return":
		return "Return"
	case "tab":
		return "Tab"
	case "space":
		return "space"
	case "backspace":
		return "BackSpace"
	case "escape", "esc":
		return "Escape"
	case "delete", "del":
		return "Delete"
	case "home":
		return "Home"
	case "end":
		return "End"
	case "pageup":
		return "Page_Up"
	case "pagedown":
		return "Page_Down"
	case "up":
		return "Up"
	case "down":
		return "Down"
	case "left":
		return "Left"
	case "right":
		return "Right"
	case "shift":
		return "shift"
	case "ctrl", "control":
		return "ctrl"
	case "alt":
		return "alt"
	case "meta", "super":
		return "super"
	default:
		return key
	}
}
