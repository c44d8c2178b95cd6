//go:build windows

package osutil

import (
	"context"
	"errors"
	"os"
	"os/exec"
)

// SetProcessGroup configures the command to run in its own process group.
// On Windows, this is a no-op as process groups work differently.
func SetProcessGroup(_ *exec.Cmd) {
	// No equivalent to Setpgid on Windows for foreground processes
}

// SetProcessGroupKill sets up a cancel function that terminates the process
// and the descendants found by walking the process table.
func SetProcessGroupKill(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		return TerminateProcessTree(cmd.Process.Pid)
	}
}

// TerminateProcessTree kills pid and its descendants. Windows has no SIGTERM,
// so there is no grace period.
func TerminateProcessTree(pid int) error {
	for _, child := range Descendants(context.Background(), pid) {
		if p, err := os.FindProcess(int(child)); err == nil {
			_ = p.Kill()
		}
	}

	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
