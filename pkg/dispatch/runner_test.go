//go:build unix

package dispatch

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/handoff/pkg/types/delegation"
)

func TestProcessRunner(t *testing.T) {
	runner := &ProcessRunner{Env: []string{"HANDOFF_RUNNER_TEST=42"}}

	out, err := runner.Run(context.Background(), delegation.CommandDescriptor{
		Executable: "bash",
		Arguments:  []string{"-c", `echo "out $HANDOFF_RUNNER_TEST"; echo err >&2`},
	})
	require.NoError(t, err)
	assert.Equal(t, "out 42\n", out.Stdout)
	assert.Equal(t, "err\n", out.Stderr)
	assert.Equal(t, 0, out.ExitCode)
	assert.Positive(t, out.Duration)
}

func TestProcessRunnerExitCode(t *testing.T) {
	runner := &ProcessRunner{Dir: t.TempDir()}

	out, err := runner.Run(context.Background(), delegation.CommandDescriptor{
		Executable: "bash",
		Arguments:  []string{"-c", "exit 3"},
	})
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, out.ExitCode)
}

func TestProcessRunnerMissingExecutable(t *testing.T) {
	out, err := (&ProcessRunner{}).Run(context.Background(), delegation.CommandDescriptor{Executable: "/nonexistent/handoff-llm"})
	require.Error(t, err)
	assert.Equal(t, -1, out.ExitCode)
}

func TestProcessRunnerKillsTreeOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := (&ProcessRunner{}).Run(ctx, delegation.CommandDescriptor{
		Executable: "bash",
		Arguments:  []string{"-c", "sleep 30 & sleep 30; wait"},
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
}
