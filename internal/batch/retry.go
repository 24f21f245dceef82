package batch

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/lernfeed/lernfeed/internal/telemetry"
)

// executor drives one item to a terminal outcome. The unit of work runs at
// most MaxRetries+1 times on every path.
type executor struct {
	work    UnitOfWork
	sink    Sink
	cfg     Config
	sleeper Sleeper
	logger  *zap.Logger
}

func (e *executor) execute(ctx context.Context, item Item) Outcome {
	start := time.Now()

	exists, err := e.sink.Exists(ctx, item.ID)
	if err != nil {
		// Treated as a miss: persisting is guarded by the sink's own
		// conflict handling, so invoking is safe.
		e.logger.Warn("existence check failed",
			zap.String("item_id", item.ID), zap.Error(err))
	} else if exists {
		return Outcome{Item: item, Status: StatusSkippedExisting, Duration: time.Since(start)}
	}

	var (
		lastPersistFailed bool
		earned            Cost
	)
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if lastPersistFailed {
			// The failed persist may have landed anyway. If the sink now
			// holds the identity, the earlier successful call stands.
			if done, exErr := e.sink.Exists(ctx, item.ID); exErr == nil && done {
				return Outcome{
					Item: item, Status: StatusSucceeded, Cost: earned,
					Attempts: attempt, Duration: time.Since(start),
				}
			}
			lastPersistFailed = false
		}

		payload, cost, attemptErr := e.attempt(ctx, item)
		if attemptErr == nil {
			perr := e.sink.Persist(ctx, item.ID, payload)
			if perr == nil {
				return Outcome{
					Item: item, Status: StatusSucceeded, Cost: cost,
					Attempts: attempt + 1, Duration: time.Since(start),
				}
			}
			attemptErr = fmt.Errorf("persist: %w", perr)
			lastPersistFailed = true
			earned = cost
		}

		if IsPermanent(attemptErr) {
			return Outcome{
				Item: item, Status: StatusFailed, Attempts: attempt + 1,
				Duration: time.Since(start), Err: attemptErr,
			}
		}
		if ctx.Err() != nil {
			return Outcome{
				Item: item, Status: StatusFailed, Attempts: attempt + 1,
				Duration: time.Since(start),
				Err:      fmt.Errorf("run canceled: %w", attemptErr),
			}
		}
		if attempt == e.cfg.MaxRetries {
			return Outcome{
				Item: item, Status: StatusFailed, Attempts: attempt + 1,
				Duration: time.Since(start),
				Err:      fmt.Errorf("retries exhausted after %d attempts: %w", attempt+1, attemptErr),
			}
		}

		telemetry.IncRetry(e.cfg.Name)
		delay := backoffDelay(e.cfg.BackoffMode, e.cfg.BackoffBase, e.cfg.BackoffMax, attempt)
		e.logger.Debug("retrying item",
			zap.String("item_id", item.ID),
			zap.String("partition", item.Partition),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(attemptErr))
		if serr := e.sleeper.Sleep(ctx, delay); serr != nil {
			return Outcome{
				Item: item, Status: StatusFailed, Attempts: attempt + 1,
				Duration: time.Since(start),
				Err:      fmt.Errorf("run canceled during backoff: %w", attemptErr),
			}
		}
	}
	// Unreachable: the loop always returns.
	return Outcome{Item: item, Status: StatusFailed, Duration: time.Since(start)}
}

// attempt invokes the unit of work once, bounded by ItemTimeout, converting a
// panic into a permanent failure.
func (e *executor) attempt(ctx context.Context, item Item) (payload any, cost Cost, err error) {
	attemptCtx := ctx
	if e.cfg.ItemTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, e.cfg.ItemTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("unit of work panicked",
				zap.String("item_id", item.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			payload, cost = nil, Cost{}
			err = Permanent(fmt.Errorf("unit of work panic: %v", r))
		}
	}()
	return e.work(attemptCtx, item)
}

// backoffDelay computes the pause before the next attempt. Linear grows
// base*(attempt+1); exponential grows base*2^attempt. Both honor the cap.
func backoffDelay(mode BackoffMode, base, maxDelay time.Duration, attempt int) time.Duration {
	var d time.Duration
	switch mode {
	case BackoffLinear:
		d = base * time.Duration(attempt+1)
	default:
		d = base << uint(attempt)
	}
	if maxDelay > 0 && d > maxDelay {
		d = maxDelay
	}
	return d
}
