//go:build !unix

package runner

import (
	"context"
	"os/exec"
)

func shellCommand(ctx context.Context, command string) *exec.Cmd {
	return exec.CommandContext(ctx, "cmd", "/C", command)
}

// Without process groups only the shell itself is killed on cancel.
func killProcessGroupOnCancel(cmd *exec.Cmd) {}
