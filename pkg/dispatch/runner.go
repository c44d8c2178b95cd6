package dispatch

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/jingkaihe/handoff/pkg/logger"
	"github.com/jingkaihe/handoff/pkg/osutil"
	"github.com/jingkaihe/handoff/pkg/types/delegation"
)

// ProcessOutput is what an external process left behind. ExitCode is -1 when
// the process never started or was killed by a signal.
type ProcessOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner executes a command and blocks until it exits or ctx is done
type Runner interface {
	Run(ctx context.Context, command delegation.CommandDescriptor) (ProcessOutput, error)
}

// ProcessRunner runs commands as local processes in their own process group.
// Cancelling ctx terminates the whole process tree.
type ProcessRunner struct {
	// Dir is the working directory, the current one when empty
	Dir string
	// Env is appended to the inherited environment
	Env []string
}

// Run implements Runner
func (r *ProcessRunner) Run(ctx context.Context, command delegation.CommandDescriptor) (ProcessOutput, error) {
	cmd := exec.CommandContext(ctx, command.Executable, command.Arguments...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}
	osutil.SetProcessGroup(cmd)
	osutil.SetProcessGroupKill(cmd)
	// grandchildren holding the pipes open must not block Wait forever
	cmd.WaitDelay = osutil.GracefulShutdownDelay + time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.G(ctx).WithField("command", command.Executable).WithField("args", len(command.Arguments)).Debug("starting external process")

	start := time.Now()
	err := cmd.Run()
	out := ProcessOutput{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}
	return out, err
}
