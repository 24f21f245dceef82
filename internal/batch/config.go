package batch

import (
	"fmt"
	"time"
)

// BackoffMode selects the delay progression between retry attempts.
type BackoffMode string

// Supported backoff modes.
const (
	// BackoffLinear sleeps base*(attempt+1) between attempts.
	BackoffLinear BackoffMode = "linear"
	// BackoffExponential sleeps base*2^attempt between attempts.
	BackoffExponential BackoffMode = "exponential"
)

// Config sizes one engine run.
type Config struct {
	// Name labels the run in logs, metrics, and events, e.g. "scrape".
	Name string
	// Workers is the pool size and the global concurrency cap.
	Workers int
	// PerPartition caps concurrent items per partition.
	PerPartition int
	// RateLimitDelay is the minimum gap between dispatches to one partition.
	// Zero disables pacing.
	RateLimitDelay time.Duration
	// Budget stops admission once cumulative successful cost reaches it.
	// Zero means unlimited.
	Budget float64
	// MaxRetries is the number of re-attempts after the first try; zero means
	// a single attempt.
	MaxRetries int
	// BackoffBase seeds the between-attempt delay.
	BackoffBase time.Duration
	// BackoffMax caps the between-attempt delay. Zero means uncapped.
	BackoffMax time.Duration
	// BackoffMode is linear or exponential. Defaults to exponential.
	BackoffMode BackoffMode
	// ItemTimeout bounds a single attempt. Zero means unbounded; a timed-out
	// attempt counts as transient.
	ItemTimeout time.Duration
	// Ordering selects the dispatch-order pre-pass. Defaults to round robin.
	Ordering OrderingMode
	// SampleSize is the per-partition cap used by stratified ordering.
	SampleSize int
	// ReportEvery logs a progress line after every N processed items.
	// Zero takes the default; negative disables the periodic line.
	ReportEvery int
}

const (
	defaultWorkers      = 4
	defaultPerPartition = 2
	defaultReportEvery  = 10
)

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "batch"
	}
	if c.Workers == 0 {
		c.Workers = defaultWorkers
	}
	if c.PerPartition == 0 {
		c.PerPartition = defaultPerPartition
	}
	if c.BackoffMode == "" {
		c.BackoffMode = BackoffExponential
	}
	if c.Ordering == "" {
		c.Ordering = OrderRoundRobin
	}
	if c.ReportEvery == 0 {
		c.ReportEvery = defaultReportEvery
	}
	return c
}

func (c Config) validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.PerPartition <= 0 {
		return fmt.Errorf("per-partition cap must be positive, got %d", c.PerPartition)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.Budget < 0 {
		return fmt.Errorf("budget must not be negative, got %g", c.Budget)
	}
	if c.RateLimitDelay < 0 {
		return fmt.Errorf("rate limit delay must not be negative")
	}
	if c.BackoffBase < 0 || c.BackoffMax < 0 {
		return fmt.Errorf("backoff durations must not be negative")
	}
	if c.ItemTimeout < 0 {
		return fmt.Errorf("item timeout must not be negative")
	}
	switch c.Ordering {
	case OrderRoundRobin, OrderPriorityRoundRobin, OrderStratified:
	default:
		return fmt.Errorf("unknown ordering mode %q", c.Ordering)
	}
	switch c.BackoffMode {
	case BackoffLinear, BackoffExponential:
	default:
		return fmt.Errorf("unknown backoff mode %q", c.BackoffMode)
	}
	return nil
}
