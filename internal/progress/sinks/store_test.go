package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lernfeed/lernfeed/internal/pipeline"
	"github.com/lernfeed/lernfeed/internal/progress"
)

// TestStoreSinkPersistsRunLifecycle folds item outcomes into the final record.
func TestStoreSinkPersistsRunLifecycle(t *testing.T) {
	t.Parallel()

	store := &fakeRunStore{}
	sink := NewStoreSink(store, nil)
	runID := uuid.New()
	now := time.Now()

	events := []progress.Event{
		{Kind: progress.KindRunStart, RunID: runID, Stage: "content", TS: now, Items: 3},
		{
			Kind:      progress.KindItemDone,
			RunID:     runID,
			Stage:     "content",
			TS:        now.Add(time.Second),
			Partition: "spiegel.de",
			Status:    "succeeded",
			Cost:      2048,
		},
		{
			Kind:      progress.KindItemDone,
			RunID:     runID,
			Stage:     "content",
			TS:        now.Add(2 * time.Second),
			Partition: "taz.de",
			Status:    "skipped_existing",
		},
		{
			Kind:      progress.KindItemDone,
			RunID:     runID,
			Stage:     "content",
			TS:        now.Add(3 * time.Second),
			Partition: "taz.de",
			Status:    "failed",
		},
		{
			Kind:   progress.KindRunDone,
			RunID:  runID,
			Stage:  "content",
			TS:     now.Add(4 * time.Second),
			Status: "completed",
			Cost:   2048,
			Items:  3,
			Dur:    4 * time.Second,
		},
	}

	require.NoError(t, sink.Consume(context.Background(), events))

	require.Len(t, store.started, 1)
	require.Equal(t, pipeline.RunRunning, store.started[0].Status)
	require.Len(t, store.finished, 1)
	rec := store.finished[0]
	require.Equal(t, runID, rec.ID)
	require.Equal(t, pipeline.RunCompleted, rec.Status)
	require.Equal(t, 3, rec.Processed)
	require.Equal(t, 1, rec.Succeeded)
	require.Equal(t, 1, rec.Failed)
	require.Equal(t, 1, rec.SkippedExisting)
	require.NotNil(t, rec.FinishedAt)
	require.WithinDuration(t, now, rec.StartedAt, 0)
	require.InDelta(t, 2048.0, rec.Cost, 1e-9)
}

// TestStoreSinkHandlesErrors surfaces store failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	store := &fakeRunStore{fail: true}
	sink := NewStoreSink(store, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{Kind: progress.KindRunStart, RunID: uuid.New(), Stage: "scrape", TS: time.Now()},
	})
	require.Error(t, err)
}

type fakeRunStore struct {
	fail     bool
	started  []pipeline.RunRecord
	finished []pipeline.RunRecord
}

func (f *fakeRunStore) StartRun(_ context.Context, rec pipeline.RunRecord) error {
	if f.fail {
		return assertErr("start")
	}
	f.started = append(f.started, rec)
	return nil
}

func (f *fakeRunStore) FinishRun(_ context.Context, rec pipeline.RunRecord) error {
	if f.fail {
		return assertErr("finish")
	}
	f.finished = append(f.finished, rec)
	return nil
}

func (f *fakeRunStore) GetRun(context.Context, uuid.UUID) (pipeline.RunRecord, error) {
	return pipeline.RunRecord{}, assertErr("read")
}

func (f *fakeRunStore) ListRuns(context.Context, string, int, int) ([]pipeline.RunRecord, error) {
	return nil, assertErr("list")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
