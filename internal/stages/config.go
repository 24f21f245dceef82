package stages

import (
	"time"

	"github.com/lernfeed/lernfeed/internal/batch"
)

// defaultLimit bounds candidate queries when the caller did not size the
// batch.
const defaultLimit = 50

// Config sizes one stage run. Engine knobs left at zero take the engine
// defaults; Limit caps the candidate query.
type Config struct {
	// Limit caps how many candidates the stage pulls from the store.
	Limit int
	// Workers is the global concurrency cap.
	Workers int
	// PerPartition caps concurrent items per source domain.
	PerPartition int
	// RateLimitDelay spaces dispatches to one domain.
	RateLimitDelay time.Duration
	// Budget stops admission once cumulative cost reaches it: USD for model
	// stages, bytes for fetch stages. Zero means unlimited.
	Budget float64
	// MaxRetries is the number of re-attempts after the first try.
	MaxRetries int
	// BackoffBase seeds the between-attempt delay.
	BackoffBase time.Duration
	// BackoffMax caps the between-attempt delay.
	BackoffMax time.Duration
	// BackoffMode is linear or exponential.
	BackoffMode batch.BackoffMode
	// ItemTimeout bounds one attempt.
	ItemTimeout time.Duration
	// Ordering selects the dispatch-order pre-pass.
	Ordering batch.OrderingMode
	// SampleSize caps each domain's contribution under stratified ordering.
	SampleSize int
	// ReportEvery logs a progress line after every N processed items.
	ReportEvery int
	// DryRun orders and prints the plan without executing anything.
	DryRun bool
}

// engine maps the stage knobs onto a named engine config.
func (c Config) engine(name string) batch.Config {
	return batch.Config{
		Name:           name,
		Workers:        c.Workers,
		PerPartition:   c.PerPartition,
		RateLimitDelay: c.RateLimitDelay,
		Budget:         c.Budget,
		MaxRetries:     c.MaxRetries,
		BackoffBase:    c.BackoffBase,
		BackoffMax:     c.BackoffMax,
		BackoffMode:    c.BackoffMode,
		ItemTimeout:    c.ItemTimeout,
		Ordering:       c.Ordering,
		SampleSize:     c.SampleSize,
		ReportEvery:    c.ReportEvery,
	}
}

// limit returns the candidate cap, falling back to the package default.
func (c Config) limit() int {
	if c.Limit > 0 {
		return c.Limit
	}
	return defaultLimit
}
