package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sandboxrun/sandboxrun/display"
	"github.com/sandboxrun/sandboxrun/sandbox"
)

// sandboxInitCmd is the reexec target sandbox.Spawn invokes: this
// binary, relaunched as its own immediate child with Cloneflags already
// applied, running the nine isolation steps from inside the new
// namespaces before finally exec'ing the real sandboxed binary. It must
// never return on success — RunInit execs in place — and any error here
// becomes the AppStartFailed/SandboxSetupFailed the parent observes via
// Spawn's child.Wait().
var sandboxInitCmd = &cobra.Command{
	Use:                "__sandbox-init <binary> [args...]",
	Hidden:             true,
	DisableFlagParsing: true,
	Args:               cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runSandboxInit(args[0], args[1:]); err != nil {
			fmt.Fprintln(os.Stderr, "sandbox-init:", err)
			os.Exit(1)
		}
	},
}

func runSandboxInit(binary string, args []string) error {
	p, err := sandbox.ReadPolicyFromEnv()
	if err != nil {
		return fmt.Errorf("read policy: %w", err)
	}

	displaySocketPath := ""
	if id, ok := displayIDFromEnv(); ok {
		displaySocketPath = display.SocketPath(id)
	}

	seccompProfile := os.Getenv("SANDBOXRUN_SYSCALL_PROFILE")

	return sandbox.RunInit(binary, args, p, displaySocketPath, seccompProfile)
}

// displayIDFromEnv recovers the numeric display id from the DISPLAY
// variable sandbox.Spawn set (":100"), since RunInit needs the bare
// socket path rather than the X11 display name.
func displayIDFromEnv() (int, bool) {
	d := strings.TrimPrefix(os.Getenv("DISPLAY"), ":")
	if d == "" {
		return 0, false
	}
	id, err := strconv.Atoi(d)
	if err != nil {
		return 0, false
	}
	return id, true
}
