// Package stages adapts the five pipeline phases onto the batch engine.
//
// Each stage contributes three things: the item list, a unit of work, and a
// sink. The shared Runner owns the rest: engine construction, the run
// record, and the optional run-summary publish. Partition keys are source
// domains everywhere, so fairness and budget spread hold across publishers
// in every stage.
package stages

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lernfeed/lernfeed/internal/batch"
	"github.com/lernfeed/lernfeed/internal/clock/system"
	"github.com/lernfeed/lernfeed/internal/pipeline"
	"github.com/lernfeed/lernfeed/internal/progress"
)

// Runner executes stage batches and records their outcomes. One Runner is
// shared by all stages of a process.
type Runner struct {
	logger    *zap.Logger
	runs      pipeline.RunStore
	publisher pipeline.Publisher
	emitter   progress.Emitter
	clock     pipeline.Clock
	topic     string
}

// RunnerDeps carries the cross-cutting collaborators every stage shares.
// Nil fields fall back to no-ops, so a zero value yields a Runner that only
// executes.
type RunnerDeps struct {
	Logger    *zap.Logger
	Runs      pipeline.RunStore
	Publisher pipeline.Publisher
	Emitter   progress.Emitter
	Clock     pipeline.Clock
	// Topic is the run-summary destination. Empty disables publishing.
	Topic string
}

// NewRunner builds a Runner from deps.
func NewRunner(deps RunnerDeps) *Runner {
	r := &Runner{
		logger:    deps.Logger,
		runs:      deps.Runs,
		publisher: deps.Publisher,
		emitter:   deps.Emitter,
		clock:     deps.Clock,
		topic:     deps.Topic,
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.emitter == nil {
		r.emitter = progress.NopEmitter{}
	}
	if r.clock == nil {
		r.clock = system.New()
	}
	return r
}

// run executes one stage batch end to end, or prints the dispatch plan when
// dry is set. The report is complete on every termination path.
func (r *Runner) run(
	ctx context.Context,
	cfg batch.Config,
	dry bool,
	items []batch.Item,
	work batch.UnitOfWork,
	sink batch.Sink,
) (*batch.Report, error) {
	if dry {
		return r.plan(cfg, items)
	}
	engine, err := batch.New(cfg, work, sink,
		batch.WithLogger(r.logger),
		batch.WithClock(r.clock),
		batch.WithEmitter(r.emitter),
	)
	if err != nil {
		return nil, err
	}
	report, err := engine.Run(ctx, items)
	if err != nil {
		return nil, err
	}
	r.finish(ctx, cfg.Name, report)
	return report, nil
}

// finish records and announces a finished run. It runs detached from ctx
// cancellation: a cancelled run still leaves its record behind.
func (r *Runner) finish(ctx context.Context, stage string, report *batch.Report) {
	ctx = context.WithoutCancel(ctx)
	rec := r.record(stage, report)
	if r.runs != nil {
		if err := r.runs.FinishRun(ctx, rec); err != nil {
			r.logger.Warn("record run",
				zap.String("stage", stage),
				zap.String("run_id", report.RunID.String()),
				zap.Error(err))
		}
	}
	if r.publisher != nil && r.topic != "" {
		if _, err := r.publisher.Publish(ctx, r.topic, rec); err != nil {
			r.logger.Warn("publish run summary",
				zap.String("stage", stage),
				zap.String("topic", r.topic),
				zap.Error(err))
		}
	}
}

// record maps an engine report onto the pipeline_runs row shape. StartedAt
// is derived from elapsed time so the record stands alone even when the
// start event never reached a store.
func (r *Runner) record(stage string, report *batch.Report) pipeline.RunRecord {
	snap := report.Snapshot
	finished := r.clock.Now()
	return pipeline.RunRecord{
		ID:              report.RunID,
		Stage:           stage,
		Status:          pipeline.RunStatus(report.State.String()),
		StartedAt:       finished.Add(-snap.Elapsed),
		FinishedAt:      &finished,
		Processed:       snap.Processed,
		Succeeded:       snap.Succeeded,
		Failed:          snap.Failed,
		SkippedExisting: snap.SkippedExisting,
		SkippedBudget:   snap.SkippedBudget,
		Cost:            snap.Cost,
		Tokens:          snap.Tokens,
	}
}

// plan orders the batch and logs the dispatch plan without executing
// anything. No run record is written and nothing is published; the report
// carries the would-be total so callers can still print a summary.
func (r *Runner) plan(cfg batch.Config, items []batch.Item) (*batch.Report, error) {
	mode := cfg.Ordering
	if mode == "" {
		mode = batch.OrderRoundRobin
	}
	ordered, err := batch.Order(items, mode, cfg.SampleSize)
	if err != nil {
		return nil, err
	}
	logger := r.logger.Named(cfg.Name)
	logger.Info("dry run: dispatch plan",
		zap.Int("items", len(ordered)),
		zap.String("ordering", string(mode)),
		zap.Float64("budget", cfg.Budget))
	for i, it := range ordered {
		logger.Info("dry run: would dispatch",
			zap.Int("position", i+1),
			zap.String("item_id", it.ID),
			zap.String("partition", it.Partition),
			zap.Int("priority", it.Priority))
	}
	return &batch.Report{
		State:    batch.StateCompleted,
		Snapshot: batch.Snapshot{Total: len(ordered)},
	}, nil
}

// now is the stage-facing clock accessor.
func (r *Runner) now() time.Time { return r.clock.Now() }
