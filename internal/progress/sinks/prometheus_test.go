package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/lernfeed/lernfeed/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := uuid.New()
	now := time.Now()
	events := []progress.Event{
		{Kind: progress.KindRunStart, RunID: runID, Stage: "analyze", TS: now, Items: 2},
		{
			Kind:      progress.KindItemDone,
			RunID:     runID,
			Stage:     "analyze",
			TS:        now.Add(2 * time.Second),
			Partition: "spiegel.de",
			Status:    "succeeded",
			Cost:      0.004,
			Tokens:    1800,
			Dur:       2 * time.Second,
		},
		{
			Kind:      progress.KindItemDone,
			RunID:     runID,
			Stage:     "analyze",
			TS:        now.Add(3 * time.Second),
			Partition: "taz.de",
			Status:    "failed",
			Dur:       time.Second,
		},
		{
			Kind:   progress.KindRunDone,
			RunID:  runID,
			Stage:  "analyze",
			TS:     now.Add(4 * time.Second),
			Status: "completed",
			Cost:   0.004,
			Tokens: 1800,
			Items:  2,
			Dur:    4 * time.Second,
		},
	}

	require.NoError(t, sink.Consume(context.Background(), events))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted.WithLabelValues("analyze")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("analyze", "completed")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.items.WithLabelValues("analyze", "succeeded")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.items.WithLabelValues("analyze", "failed")))
	require.InDelta(t, 0.004, testutil.ToFloat64(sink.cost.WithLabelValues("analyze")), 1e-9)
	require.InDelta(t, 1800.0, testutil.ToFloat64(sink.tokens.WithLabelValues("analyze")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.runDuration, "lernfeed_run_duration_seconds"))
}

// TestPrometheusSinkRunningGauge counts each distinct run once.
func TestPrometheusSinkRunningGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := uuid.New()
	start := progress.Event{Kind: progress.KindRunStart, RunID: runID, Stage: "scrape", TS: time.Now()}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{start, start}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsRunning))

	done := progress.Event{
		Kind:   progress.KindRunDone,
		RunID:  runID,
		Stage:  "scrape",
		TS:     time.Now(),
		Status: "budget_exhausted",
	}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{done}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("scrape", "budget_exhausted")))
}
