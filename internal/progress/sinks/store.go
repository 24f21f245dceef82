package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lernfeed/lernfeed/internal/batch"
	"github.com/lernfeed/lernfeed/internal/pipeline"
	"github.com/lernfeed/lernfeed/internal/progress"
)

// StoreSink persists run lifecycles via a pipeline.RunStore. Item outcomes
// are aggregated in memory per run and folded into the final record, so the
// store sees one insert and one update per run.
type StoreSink struct {
	store  pipeline.RunStore
	logger *zap.Logger

	mu   sync.Mutex
	runs map[uuid.UUID]*runCounters
}

type runCounters struct {
	succeeded       int
	failed          int
	skippedExisting int
	skippedBudget   int
}

// NewStoreSink constructs a StoreSink for the provided run store.
func NewStoreSink(store pipeline.RunStore, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{store: store, logger: logger, runs: make(map[uuid.UUID]*runCounters)}
}

// Consume folds item outcomes into per-run counters and writes run starts
// and finishes through the store. It respects ctx deadlines and returns any
// store errors verbatim.
func (s *StoreSink) Consume(ctx context.Context, events []progress.Event) error {
	if s == nil || s.store == nil {
		return nil
	}
	for _, evt := range events {
		switch evt.Kind {
		case progress.KindRunStart:
			rec := pipeline.RunRecord{
				ID:        evt.RunID,
				Stage:     evt.Stage,
				Status:    pipeline.RunRunning,
				StartedAt: evt.TS,
			}
			if err := s.store.StartRun(ctx, rec); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.KindItemDone:
			s.record(evt)
		case progress.KindRunDone:
			if err := s.finish(ctx, evt); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *StoreSink) record(evt progress.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.runs[evt.RunID]
	if c == nil {
		c = &runCounters{}
		s.runs[evt.RunID] = c
	}
	switch evt.Status {
	case string(batch.StatusSucceeded):
		c.succeeded++
	case string(batch.StatusFailed):
		c.failed++
	case string(batch.StatusSkippedExisting):
		c.skippedExisting++
	case string(batch.StatusSkippedBudget):
		c.skippedBudget++
	}
}

func (s *StoreSink) finish(ctx context.Context, evt progress.Event) error {
	s.mu.Lock()
	c := s.runs[evt.RunID]
	delete(s.runs, evt.RunID)
	s.mu.Unlock()
	if c == nil {
		c = &runCounters{}
	}
	finished := evt.TS
	rec := pipeline.RunRecord{
		ID:    evt.RunID,
		Stage: evt.Stage,
		// StartedAt matters only when the start event was dropped; FinishRun
		// keeps the original value otherwise.
		StartedAt:       evt.TS.Add(-evt.Dur),
		Status:          pipeline.RunStatus(evt.Status),
		FinishedAt:      &finished,
		Processed:       evt.Items,
		Succeeded:       c.succeeded,
		Failed:          c.failed,
		SkippedExisting: c.skippedExisting,
		SkippedBudget:   c.skippedBudget,
		Cost:            evt.Cost,
		Tokens:          evt.Tokens,
		Note:            evt.Note,
	}
	if err := s.store.FinishRun(ctx, rec); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
