// Package batch runs partition-fair, budget-bounded batches of work.
//
// A batch is an ordered slice of Items executed by a fixed pool of workers.
// The engine owns dispatch ordering, admission (global and per-partition
// concurrency caps, per-partition pacing, a cost budget), retries with
// backoff, and progress accounting. Callers supply the unit of work and a
// result sink; the engine never inspects payloads.
package batch

import (
	"context"
	"time"
)

// Item is one schedulable unit of work.
type Item struct {
	// ID is the stable identity used for idempotency checks against the sink.
	ID string
	// Partition groups items for fairness and pacing, usually the source domain.
	Partition string
	// Priority orders tiers under OrderPriorityRoundRobin; lower runs earlier.
	Priority int
	// Payload carries stage-specific data through to the unit of work.
	Payload any
}

// Cost is what a successful item charged against the run.
type Cost struct {
	// Amount counts against the budget: USD for model calls, bytes for fetches.
	Amount float64
	// Tokens is pass-through usage metadata.
	Tokens int64
}

// UnitOfWork produces the payload for one item. Implementations must be safe
// for concurrent calls with distinct items and should honor ctx cancellation.
type UnitOfWork func(ctx context.Context, item Item) (any, Cost, error)

// Sink persists finished work and answers idempotency checks. Persist may be
// called again for an identity whose earlier Persist reported an error, so
// implementations should be conflict-tolerant.
type Sink interface {
	Exists(ctx context.Context, id string) (bool, error)
	Persist(ctx context.Context, id string, payload any) error
}

// Status classifies how an item left the engine.
type Status string

// Terminal item statuses.
const (
	StatusSucceeded       Status = "succeeded"
	StatusSkippedExisting Status = "skipped_existing"
	StatusSkippedBudget   Status = "skipped_budget"
	StatusFailed          Status = "failed"
)

// Outcome is the terminal record for one item.
type Outcome struct {
	Item     Item
	Status   Status
	Cost     Cost
	Attempts int
	Duration time.Duration
	Err      error
}
