//go:build unix

package osutil

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// SetProcessGroup configures the command to run in its own process group.
// This allows killing the entire process tree on timeout.
func SetProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// SetProcessGroupKill sets up a cancel function that terminates the entire
// process tree: SIGTERM first, SIGKILL once GracefulShutdownDelay has passed.
// Must be called after SetProcessGroup and before cmd.Start().
func SetProcessGroupKill(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		return TerminateProcessTree(cmd.Process.Pid)
	}
}

// TerminateProcessTree signals the process group led by pid together with any
// descendants that moved to another group, and blocks until they are gone or
// have been killed. A group that no longer exists is not an error.
func TerminateProcessTree(pid int) error {
	descendants := Descendants(context.Background(), pid)

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	signalAll(descendants, syscall.SIGTERM)

	deadline := time.Now().Add(GracefulShutdownDelay)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(-pid, 0); errors.Is(err, syscall.ESRCH) {
			signalAll(descendants, syscall.SIGKILL)
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	_ = syscall.Kill(-pid, syscall.SIGKILL)
	signalAll(descendants, syscall.SIGKILL)
	return nil
}

func signalAll(pids []int32, sig syscall.Signal) {
	for _, pid := range pids {
		_ = syscall.Kill(int(pid), sig)
	}
}
