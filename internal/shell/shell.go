// Package shell runs operator-configured shell commands. Each command gets
// its own process group so cancelling it stops everything it started.
package shell

import (
	"context"
	"os"
	"os/exec"
	"time"
)

// WaitDelay bounds how long Run waits for output pipes after the command
// has been killed.
const WaitDelay = 5 * time.Second

// Run runs command with /bin/sh -c and env appended to the process
// environment, and returns the combined output.
func Run(ctx context.Context, command string, env []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Env = append(os.Environ(), env...)
	cmd.WaitDelay = WaitDelay
	setProcessGroup(cmd)
	return cmd.CombinedOutput()
}
