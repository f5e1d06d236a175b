package loader

import (
	"context"
	"errors"
	"time"
)

var errDeadline = errors.New("deadline elapsed")

// pollUntil checks cond every interval until it holds, ctx ends, or timeout
// elapses. cond is checked once more at the deadline so a value that appeared
// during the last interval is not missed.
func pollUntil(ctx context.Context, interval, timeout time.Duration, cond func() bool) error {
	if cond() {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if cond() {
				return nil
			}
		case <-deadline.C:
			if cond() {
				return nil
			}
			return errDeadline
		}
	}
}
