//go:build unix

package osutil

import (
	"bufio"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startWithChild runs script, which must print "CHILD:<pid>" first, and
// returns the command and the reported child pid
func startWithChild(t *testing.T, ctx context.Context, script string) (*exec.Cmd, int) {
	t.Helper()

	cmd := exec.CommandContext(ctx, "bash", "-c", script)
	SetProcessGroup(cmd)
	SetProcessGroupKill(cmd)

	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())

	line, err := bufio.NewReader(stdout).ReadString('\n')
	require.NoError(t, err)
	childPid, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(line), "CHILD:"))
	require.NoError(t, err, "unexpected output: %q", line)

	return cmd, childPid
}

func TestSetProcessGroup(t *testing.T) {
	cmd := exec.Command("echo", "test")
	SetProcessGroup(cmd)

	require.NotNil(t, cmd.SysProcAttr)
	assert.True(t, cmd.SysProcAttr.Setpgid)
}

func TestSetProcessGroupKill_GracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", `trap 'exit 0' TERM; while true; do sleep 0.1; done`)
	SetProcessGroup(cmd)
	SetProcessGroupKill(cmd)
	require.NoError(t, cmd.Start())

	// let bash install the trap
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	cancel()
	assert.Error(t, cmd.Wait())
	assert.Less(t, time.Since(start), GracefulShutdownDelay, "a process honouring SIGTERM is not killed late")
}

func TestSetProcessGroupKill_ForceKillAfterTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("takes GracefulShutdownDelay")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", `trap '' TERM; while true; do sleep 0.1; done`)
	SetProcessGroup(cmd)
	SetProcessGroupKill(cmd)
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, syscall.Kill(pid, 0), "process should be running")

	start := time.Now()
	cancel()
	_ = cmd.Wait()

	assert.Error(t, syscall.Kill(pid, 0), "process should be terminated")
	assert.GreaterOrEqual(t, time.Since(start), GracefulShutdownDelay-100*time.Millisecond)
}

func TestSetProcessGroupKill_KillsEntireProcessGroup(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd, childPid := startWithChild(t, ctx, `
		(trap '' TERM; while true; do sleep 0.1; done) &
		echo "CHILD:$!"
		trap '' TERM
		while true; do sleep 0.1; done
	`)
	parentPid := cmd.Process.Pid

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, syscall.Kill(parentPid, 0))
	require.NoError(t, syscall.Kill(childPid, 0))

	cancel()
	_ = cmd.Wait()
	time.Sleep(100 * time.Millisecond)

	assert.Error(t, syscall.Kill(parentPid, 0), "parent should be terminated")
	assert.Error(t, syscall.Kill(childPid, 0), "child should be terminated")
}

func TestSetProcessGroupKill_ProcessAlreadyDead(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := exec.CommandContext(ctx, "true")
	SetProcessGroup(cmd)
	SetProcessGroupKill(cmd)

	require.NoError(t, cmd.Start())
	require.NoError(t, cmd.Wait())

	assert.NoError(t, cmd.Cancel(), "cancelling an exited process tree is a no-op")
}

func TestDescendants(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd, childPid := startWithChild(t, ctx, `
		(while true; do sleep 0.1; done) &
		echo "CHILD:$!"
		while true; do sleep 0.1; done
	`)
	defer func() {
		cancel()
		_ = cmd.Wait()
	}()

	assert.Contains(t, Descendants(context.Background(), cmd.Process.Pid), int32(childPid))
	assert.Empty(t, Descendants(context.Background(), 1<<22), "unknown pid has no descendants")
}

func TestGracefulShutdownDelay_Value(t *testing.T) {
	assert.Equal(t, 2*time.Second, GracefulShutdownDelay)
}
