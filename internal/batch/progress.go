package batch

import (
	"sync"
	"time"
)

// Tracker accumulates run counters behind a single mutex so snapshots are
// consistent. Derived values (rate, ETA) are computed at read time and never
// stored.
type Tracker struct {
	mu              sync.Mutex
	total           int
	processed       int
	succeeded       int
	failed          int
	skippedExisting int
	skippedBudget   int
	cost            float64
	tokens          int64
	failedIDs       []string
	started         time.Time
	clock           Clock
}

func newTracker(total int, clock Clock) *Tracker {
	return &Tracker{total: total, started: clock.Now(), clock: clock}
}

// Record folds one terminal outcome in and returns the processed count so the
// caller can emit periodic progress without taking the lock twice.
func (t *Tracker) Record(o Outcome) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processed++
	switch o.Status {
	case StatusSucceeded:
		t.succeeded++
		t.cost += o.Cost.Amount
		t.tokens += o.Cost.Tokens
	case StatusSkippedExisting:
		t.skippedExisting++
	case StatusSkippedBudget:
		t.skippedBudget++
	case StatusFailed:
		t.failed++
		t.failedIDs = append(t.failedIDs, o.Item.ID)
	}
	return t.processed
}

// Snapshot returns a consistent view of the counters. Rate and ETA stay zero
// while elapsed time or throughput is still unknown.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{
		Total:           t.total,
		Processed:       t.processed,
		Succeeded:       t.succeeded,
		Failed:          t.failed,
		SkippedExisting: t.skippedExisting,
		SkippedBudget:   t.skippedBudget,
		Cost:            t.cost,
		Tokens:          t.tokens,
		Elapsed:         t.clock.Now().Sub(t.started),
	}
	if s.Elapsed > 0 && s.Processed > 0 {
		s.Rate = float64(s.Processed) / s.Elapsed.Seconds()
	}
	if s.Rate > 0 && s.Total > s.Processed {
		remaining := float64(s.Total - s.Processed)
		s.ETA = time.Duration(remaining / s.Rate * float64(time.Second))
	}
	return s
}

// FailedIDs returns the identities of failed items so a caller can resubmit
// exactly the unfinished work.
func (t *Tracker) FailedIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.failedIDs...)
}

// Snapshot is a point-in-time copy of run progress.
type Snapshot struct {
	Total           int           `json:"total"`
	Processed       int           `json:"processed"`
	Succeeded       int           `json:"succeeded"`
	Failed          int           `json:"failed"`
	SkippedExisting int           `json:"skipped_existing"`
	SkippedBudget   int           `json:"skipped_budget"`
	Cost            float64       `json:"cost"`
	Tokens          int64         `json:"tokens"`
	Elapsed         time.Duration `json:"elapsed_ns"`
	Rate            float64       `json:"rate_per_sec"`
	ETA             time.Duration `json:"eta_ns"`
}
