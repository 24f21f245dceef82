package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lernfeed/lernfeed/internal/progress"
)

// RunState is the engine lifecycle position.
type RunState int32

// Engine states. A run moves Idle -> Running -> one of the terminal states.
const (
	StateIdle RunState = iota
	StateRunning
	StateCompleted
	StateBudgetExhausted
	StateCancelled
)

func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateBudgetExhausted:
		return "budget_exhausted"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Report is what a run leaves behind. It is complete on every termination
// path, including budget exhaustion and cancellation.
type Report struct {
	RunID     uuid.UUID
	State     RunState
	Snapshot  Snapshot
	FailedIDs []string
}

// Engine executes one batch. Engines are single-use: build a fresh one per
// run.
type Engine struct {
	cfg     Config
	work    UnitOfWork
	sink    Sink
	logger  *zap.Logger
	clock   Clock
	sleeper Sleeper
	emitter progress.Emitter
	state   atomic.Int32
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger routes engine logs through logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock injects the time source used for snapshots and events.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithSleeper injects the pause used between retry attempts.
func WithSleeper(s Sleeper) Option {
	return func(e *Engine) {
		if s != nil {
			e.sleeper = s
		}
	}
}

// WithEmitter publishes run and item events, usually to a progress.Hub.
func WithEmitter(em progress.Emitter) Option {
	return func(e *Engine) {
		if em != nil {
			e.emitter = em
		}
	}
}

// New validates cfg and builds an engine around the unit of work and sink.
func New(cfg Config, work UnitOfWork, sink Sink, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("batch config: %w", err)
	}
	if work == nil {
		return nil, errors.New("unit of work is required")
	}
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	e := &Engine{
		cfg:     cfg,
		work:    work,
		sink:    sink,
		logger:  zap.NewNop(),
		clock:   systemClock{},
		sleeper: timerSleeper{},
		emitter: progress.NopEmitter{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named(cfg.Name)
	return e, nil
}

// State returns the engine lifecycle position.
func (e *Engine) State() RunState { return RunState(e.state.Load()) }

// Run executes items to completion and reports. Reuse returns ErrAlreadyRun.
// Budget exhaustion and cancellation are reported in the state, not the
// error: the report is always complete.
func (e *Engine) Run(ctx context.Context, items []Item) (*Report, error) {
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return nil, ErrAlreadyRun
	}
	runID, err := uuid.NewV7()
	if err != nil {
		runID = uuid.New()
	}
	ordered, err := Order(items, e.cfg.Ordering, e.cfg.SampleSize)
	if err != nil {
		e.state.Store(int32(StateCompleted))
		return nil, err
	}

	tracker := newTracker(len(ordered), e.clock)
	ctrl := newController(e.cfg)
	exec := &executor{work: e.work, sink: e.sink, cfg: e.cfg, sleeper: e.sleeper, logger: e.logger}

	e.logger.Info("run started",
		zap.String("run_id", runID.String()),
		zap.Int("items", len(ordered)),
		zap.String("ordering", string(e.cfg.Ordering)),
		zap.Int("workers", e.cfg.Workers),
		zap.Float64("budget", e.cfg.Budget))
	e.emitter.Emit(progress.Event{
		Kind:  progress.KindRunStart,
		RunID: runID,
		Stage: e.cfg.Name,
		TS:    e.clock.Now(),
		Items: len(ordered),
	})

	queue := make(chan Item)
	go func() {
		// Workers always consume until close, so this send cannot wedge:
		// once the run is cancelled or out of budget they drain the queue
		// into terminal outcomes without admission.
		for _, it := range ordered {
			queue <- it
		}
		close(queue)
	}()

	var wg sync.WaitGroup
	wg.Add(e.cfg.Workers)
	for i := 0; i < e.cfg.Workers; i++ {
		go func(n int) {
			defer wg.Done()
			logger := e.logger.With(zap.Int("worker", n))
			for item := range queue {
				e.process(ctx, logger, item, ctrl, tracker, exec, runID)
			}
		}(i)
	}
	wg.Wait()

	snap := tracker.Snapshot()
	final := StateCompleted
	switch {
	case ctx.Err() != nil:
		final = StateCancelled
	case snap.SkippedBudget > 0:
		final = StateBudgetExhausted
	}
	e.state.Store(int32(final))

	rep := &Report{
		RunID:     runID,
		State:     final,
		Snapshot:  snap,
		FailedIDs: tracker.FailedIDs(),
	}
	e.emitter.Emit(progress.Event{
		Kind:   progress.KindRunDone,
		RunID:  runID,
		Stage:  e.cfg.Name,
		TS:     e.clock.Now(),
		Status: final.String(),
		Cost:   snap.Cost,
		Tokens: snap.Tokens,
		Items:  snap.Processed,
		Dur:    snap.Elapsed,
	})
	e.logger.Info("run finished",
		zap.String("run_id", runID.String()),
		zap.String("state", final.String()),
		zap.Int("processed", snap.Processed),
		zap.Int("succeeded", snap.Succeeded),
		zap.Int("failed", snap.Failed),
		zap.Int("skipped_existing", snap.SkippedExisting),
		zap.Int("skipped_budget", snap.SkippedBudget),
		zap.Float64("cost", snap.Cost),
		zap.Duration("elapsed", snap.Elapsed))
	return rep, nil
}

func (e *Engine) process(
	ctx context.Context,
	logger *zap.Logger,
	item Item,
	ctrl *Controller,
	tracker *Tracker,
	exec *executor,
	runID uuid.UUID,
) {
	var out Outcome
	switch {
	case ctx.Err() != nil:
		out = Outcome{Item: item, Status: StatusFailed, Err: fmt.Errorf("run canceled: %w", ctx.Err())}
	case ctrl.BudgetExhausted():
		out = Outcome{Item: item, Status: StatusSkippedBudget, Err: ErrBudgetExhausted}
	default:
		lease, err := ctrl.Acquire(ctx, item.Partition)
		switch {
		case errors.Is(err, ErrBudgetExhausted):
			out = Outcome{Item: item, Status: StatusSkippedBudget, Err: err}
		case err != nil:
			out = Outcome{Item: item, Status: StatusFailed, Err: fmt.Errorf("admission: %w", err)}
		default:
			func() {
				defer lease.Release()
				out = exec.execute(ctx, item)
				if out.Status == StatusSucceeded {
					ctrl.AddCost(out.Cost)
				}
			}()
		}
	}

	processed := tracker.Record(out)
	e.emitter.Emit(progress.Event{
		Kind:      progress.KindItemDone,
		RunID:     runID,
		Stage:     e.cfg.Name,
		TS:        e.clock.Now(),
		Partition: item.Partition,
		Status:    string(out.Status),
		Cost:      out.Cost.Amount,
		Tokens:    out.Cost.Tokens,
		Dur:       out.Duration,
	})
	if out.Status == StatusFailed {
		logger.Warn("item failed",
			zap.String("item_id", item.ID),
			zap.String("partition", item.Partition),
			zap.Int("attempts", out.Attempts),
			zap.Error(out.Err))
	}
	if e.cfg.ReportEvery > 0 && processed%e.cfg.ReportEvery == 0 {
		s := tracker.Snapshot()
		logger.Info("progress",
			zap.Int("processed", s.Processed),
			zap.Int("total", s.Total),
			zap.Int("succeeded", s.Succeeded),
			zap.Int("failed", s.Failed),
			zap.Float64("rate_per_sec", s.Rate),
			zap.Duration("eta", s.ETA),
			zap.Float64("cost", s.Cost))
	}
}
