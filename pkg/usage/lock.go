package usage

import (
	"context"
	"os"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
)

const (
	lockAttempts = 50
	lockDelay    = 10 * time.Millisecond
	lockMaxDelay = 250 * time.Millisecond
)

// errLockBusy is returned by tryLock when another process holds a conflicting lock
var errLockBusy = errors.New("usage log is locked by another process")

// lockFile acquires an advisory lock on f, retrying with backoff while another
// process holds a conflicting lock
func lockFile(ctx context.Context, f *os.File, exclusive bool) error {
	err := retry.Do(
		func() error {
			return tryLock(f, exclusive)
		},
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errLockBusy)
		}),
		retry.Attempts(lockAttempts),
		retry.Delay(lockDelay),
		retry.MaxDelay(lockMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	return errors.Wrap(err, "failed to lock usage log")
}
