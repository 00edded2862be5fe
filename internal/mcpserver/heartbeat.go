package mcpserver

import (
	"context"
	"time"
)

// heartbeats emits on the returned channel every interval until ctx is
// done, then closes it. The ticker is stopped when the goroutine exits.
func heartbeats(ctx context.Context, interval time.Duration) <-chan time.Time {
	ch := make(chan time.Time)

	go func() {
		defer close(ch)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				select {
				case ch <- now:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch
}
