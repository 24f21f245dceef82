package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lernfeed/lernfeed/internal/telemetry"
)

// Controller admits work subject to the global concurrency cap, per-partition
// caps, per-partition pacing, and the run budget. Controllers are per-run; a
// fresh engine builds a fresh one.
type Controller struct {
	name    string
	global  chan struct{}
	perPart int
	delay   time.Duration
	budget  float64

	mu        sync.Mutex
	parts     map[string]*partitionState
	spent     float64
	exhausted bool
	inFlight  int
}

type partitionState struct {
	slots   chan struct{}
	limiter *rate.Limiter
}

func newController(cfg Config) *Controller {
	return &Controller{
		name:    cfg.Name,
		global:  make(chan struct{}, cfg.Workers),
		perPart: cfg.PerPartition,
		delay:   cfg.RateLimitDelay,
		budget:  cfg.Budget,
		parts:   make(map[string]*partitionState),
	}
}

// Acquire blocks until the item may start or ctx ends. A budget denial is
// terminal: once it is returned, no later Acquire in this run succeeds.
// Consecutive grants for one partition start at least the configured delay
// apart; the first grant for a partition is never delayed.
func (c *Controller) Acquire(ctx context.Context, partition string) (*Lease, error) {
	if c.budgetExhausted() {
		return nil, ErrBudgetExhausted
	}
	select {
	case c.global <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("global slot wait: %w", ctx.Err())
	}
	part := c.partition(partition)
	select {
	case part.slots <- struct{}{}:
	case <-ctx.Done():
		<-c.global
		return nil, fmt.Errorf("partition slot wait: %w", ctx.Err())
	}
	if part.limiter != nil {
		start := time.Now()
		if err := part.limiter.Wait(ctx); err != nil {
			<-part.slots
			<-c.global
			return nil, fmt.Errorf("partition pacing wait: %w", err)
		}
		if wait := time.Since(start); wait > time.Millisecond {
			telemetry.ObservePartitionWait(c.name, partition, wait)
		}
	}
	// The budget can cross while this worker is parked on a gate.
	if c.budgetExhausted() {
		<-part.slots
		<-c.global
		return nil, ErrBudgetExhausted
	}
	c.mu.Lock()
	c.inFlight++
	c.mu.Unlock()
	telemetry.AddInFlight(c.name, 1)
	return &Lease{controller: c, slots: part.slots}, nil
}

// AddCost charges a completed item against the budget. Crossing the budget
// latches exhaustion; a zero budget never latches.
func (c *Controller) AddCost(cost Cost) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spent += cost.Amount
	if c.budget > 0 && c.spent >= c.budget {
		c.exhausted = true
	}
}

// BudgetExhausted reports whether the budget latch has tripped.
func (c *Controller) BudgetExhausted() bool { return c.budgetExhausted() }

// Spent returns the cumulative cost charged so far.
func (c *Controller) Spent() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spent
}

// InFlight returns the number of outstanding leases.
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

func (c *Controller) budgetExhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}

func (c *Controller) partition(key string) *partitionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	part, ok := c.parts[key]
	if !ok {
		part = &partitionState{slots: make(chan struct{}, c.perPart)}
		if c.delay > 0 {
			part.limiter = rate.NewLimiter(rate.Every(c.delay), 1)
		}
		c.parts[key] = part
	}
	return part
}

// Lease is permission to run one item. Release is idempotent so every exit
// path, including a panic unwinding through a defer, can call it safely.
type Lease struct {
	once       sync.Once
	controller *Controller
	slots      chan struct{}
}

// Release returns the global and partition slots. Calls after the first are
// no-ops.
func (l *Lease) Release() {
	l.once.Do(func() {
		<-l.slots
		<-l.controller.global
		l.controller.mu.Lock()
		l.controller.inFlight--
		l.controller.mu.Unlock()
		telemetry.AddInFlight(l.controller.name, -1)
	})
}
