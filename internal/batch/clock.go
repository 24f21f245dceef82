package batch

import (
	"context"
	"time"
)

// Clock supplies the current time. Inject a fake to pin snapshots in tests.
type Clock interface {
	Now() time.Time
}

// Sleeper pauses between retry attempts. Inject a recorder to assert backoff
// progressions without waiting.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// timerSleeper waits on a real timer and honors cancellation.
type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
