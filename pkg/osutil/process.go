// Package osutil provides process management helpers for running external
// commands in their own process group and tearing down the whole tree.
package osutil

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// GracefulShutdownDelay is how long a cancelled process tree gets to exit
// after SIGTERM before it is killed
const GracefulShutdownDelay = 2 * time.Second

// Descendants returns the pids of every process below pid, children first.
// Processes that exit while the tree is walked are skipped.
func Descendants(ctx context.Context, pid int) []int32 {
	root, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil
	}

	var pids []int32
	queue := []*process.Process{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		children, err := p.ChildrenWithContext(ctx)
		if err != nil {
			continue
		}
		for _, child := range children {
			pids = append(pids, child.Pid)
			queue = append(queue, child)
		}
	}
	return pids
}
